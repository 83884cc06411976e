// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package rule

import (
	"encoding/json"

	"github.com/quickmsg/halia/pkg/schema"
)

type unitKind int

const (
	unitMerge unitKind = iota
	unitWindow
	unitSegment
)

// unit is one task of the compiled graph. A segment is a maximal linear
// chain of transforms executed inline by one task; fan-out channels
// exist only at true branch points.
type unit struct {
	kind     unitKind
	node     *Node   // merge/window node
	chain    []*Node // segment transforms in declared order
	terminal *Node   // sink/databoard/log node ending the segment, nil for broadcast output
	inputs   []int   // predecessor node index per incoming edge
	outNode  int     // node index downstream units look up receivers under
	fanout   int     // outgoing edge count of outNode, 0 for terminal units
}

type compiled struct {
	nodeMap      map[int]*Node
	sources      []*Node
	sourceFanout map[int]int
	units        []*unit
}

// compile validates the DAG and plans channel fan-in/fan-out. It fails
// before any task spawns.
func compile(conf *GraphConf) (*compiled, error) {
	if len(conf.Nodes) == 0 {
		return nil, schema.ConfigInvalid("rule graph has no nodes")
	}

	nodeMap := make(map[int]*Node, len(conf.Nodes))
	for i := range conf.Nodes {
		node := &conf.Nodes[i]
		if !node.Type.valid() {
			return nil, schema.ConfigInvalid("node %d has unknown type %q", node.Index, node.Type)
		}
		if _, dup := nodeMap[node.Index]; dup {
			return nil, schema.ConfigInvalid("duplicate node index %d", node.Index)
		}
		if err := validateNodeConf(node); err != nil {
			return nil, err
		}
		nodeMap[node.Index] = node
	}

	incoming := make(map[int][]int)
	outgoing := make(map[int][]int)
	for _, edge := range conf.Edges {
		src, dst := edge[0], edge[1]
		if _, ok := nodeMap[src]; !ok {
			return nil, schema.ConfigInvalid("edge references unknown node %d", src)
		}
		if _, ok := nodeMap[dst]; !ok {
			return nil, schema.ConfigInvalid("edge references unknown node %d", dst)
		}
		if src == dst {
			return nil, schema.ConfigInvalid("node %d has a self edge", src)
		}
		outgoing[src] = append(outgoing[src], dst)
		incoming[dst] = append(incoming[dst], src)
	}

	// shape checks
	var sources []*Node
	sourceFanout := make(map[int]int)
	for idx, node := range nodeMap {
		in, out := len(incoming[idx]), len(outgoing[idx])
		switch {
		case node.Type.isSource():
			if in != 0 {
				return nil, schema.ConfigInvalid("source node %d must not have incoming edges", idx)
			}
			if out == 0 {
				return nil, schema.ConfigInvalid("source node %d has no consumers", idx)
			}
			sources = append(sources, node)
			sourceFanout[idx] = out
		case node.Type.isTerminal():
			if in != 1 {
				return nil, schema.ConfigInvalid("sink node %d must have exactly one incoming edge, has %d", idx, in)
			}
			if out != 0 {
				return nil, schema.ConfigInvalid("sink node %d must not have outgoing edges", idx)
			}
		case node.Type == NodeWindow:
			if in != 1 {
				return nil, schema.ConfigInvalid("window node %d must have exactly one incoming edge", idx)
			}
			if out == 0 {
				return nil, schema.ConfigInvalid("window node %d has no consumers", idx)
			}
		case node.Type == NodeMerge:
			if in < 2 {
				return nil, schema.ConfigInvalid("merge node %d needs at least two incoming edges", idx)
			}
			if out == 0 {
				return nil, schema.ConfigInvalid("merge node %d has no consumers", idx)
			}
		default: // transforms
			if in != 1 {
				return nil, schema.ConfigInvalid("node %d must have exactly one incoming edge", idx)
			}
			if out == 0 {
				return nil, schema.ConfigInvalid("node %d has no consumers", idx)
			}
		}
	}

	topo, err := topoSort(nodeMap, incoming, outgoing)
	if err != nil {
		return nil, err
	}

	// segment partitioning over the topological order
	assigned := make(map[int]bool)
	var units []*unit

	for _, idx := range topo {
		node := nodeMap[idx]
		if assigned[idx] || node.Type.isSource() {
			continue
		}

		switch {
		case node.Type == NodeMerge:
			assigned[idx] = true
			units = append(units, &unit{
				kind:    unitMerge,
				node:    node,
				inputs:  append([]int(nil), incoming[idx]...),
				outNode: idx,
				fanout:  len(outgoing[idx]),
			})

		case node.Type == NodeWindow:
			assigned[idx] = true
			units = append(units, &unit{
				kind:    unitWindow,
				node:    node,
				inputs:  []int{incoming[idx][0]},
				outNode: idx,
				fanout:  len(outgoing[idx]),
			})

		case node.Type.isTransform():
			chain := []*Node{node}
			assigned[idx] = true
			last := idx
			for {
				outs := outgoing[last]
				if len(outs) != 1 {
					break
				}
				next := nodeMap[outs[0]]
				if !next.Type.isTransform() || len(incoming[next.Index]) != 1 || assigned[next.Index] {
					break
				}
				chain = append(chain, next)
				assigned[next.Index] = true
				last = next.Index
			}

			u := &unit{
				kind:    unitSegment,
				chain:   chain,
				inputs:  []int{incoming[idx][0]},
				outNode: last,
				fanout:  len(outgoing[last]),
			}
			// fold a directly-fed terminal into the segment
			if outs := outgoing[last]; len(outs) == 1 {
				if t := nodeMap[outs[0]]; t.Type.isTerminal() {
					u.terminal = t
					u.outNode = t.Index
					u.fanout = 0
					assigned[t.Index] = true
				}
			}
			units = append(units, u)

		case node.Type.isTerminal():
			// bare terminal fed straight by a source/merge/window
			assigned[idx] = true
			units = append(units, &unit{
				kind:     unitSegment,
				terminal: node,
				inputs:   []int{incoming[idx][0]},
				outNode:  idx,
				fanout:   0,
			})
		}
	}

	c := &compiled{
		nodeMap:      nodeMap,
		sources:      sources,
		sourceFanout: sourceFanout,
		units:        units,
	}
	if err := c.checkReceiverAccounting(outgoing); err != nil {
		return nil, err
	}
	return c, nil
}

// checkReceiverAccounting verifies that the receivers the plan consumes
// from every producing node exactly match its outgoing edge count.
func (c *compiled) checkReceiverAccounting(outgoing map[int][]int) error {
	// a chain's internal hops consume nothing; only the unit's declared
	// inputs pull receivers
	consumed := make(map[int]int)
	for _, u := range c.units {
		for _, in := range u.inputs {
			consumed[in]++
		}
	}
	for idx, outs := range outgoing {
		node := c.nodeMap[idx]
		if node.Type.isTransform() {
			continue // inside a segment, no channel boundary
		}
		if consumed[idx] != len(outs) {
			return schema.ConfigInvalid("node %d plans %d consumers for %d outgoing edges", idx, consumed[idx], len(outs))
		}
	}
	return nil
}

func topoSort(nodeMap map[int]*Node, incoming, outgoing map[int][]int) ([]int, error) {
	indeg := make(map[int]int, len(nodeMap))
	var queue []int
	for idx := range nodeMap {
		indeg[idx] = len(incoming[idx])
		if indeg[idx] == 0 {
			queue = append(queue, idx)
		}
	}

	var order []int
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		order = append(order, idx)
		for _, next := range outgoing[idx] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(nodeMap) {
		return nil, schema.ConfigInvalid("rule graph contains a cycle")
	}
	return order, nil
}

func validateNodeConf(node *Node) error {
	switch node.Type {
	case NodeDeviceSource:
		var c DeviceSourceNode
		if err := json.Unmarshal(node.Conf, &c); err != nil || c.DeviceID == "" || c.SourceID == "" {
			return schema.ConfigInvalid("node %d: device source needs device_id and source_id", node.Index)
		}
	case NodeAppSource:
		var c AppSourceNode
		if err := json.Unmarshal(node.Conf, &c); err != nil || c.AppID == "" || c.SourceID == "" {
			return schema.ConfigInvalid("node %d: app source needs app_id and source_id", node.Index)
		}
	case NodeDeviceSink:
		var c DeviceSinkNode
		if err := json.Unmarshal(node.Conf, &c); err != nil || c.DeviceID == "" || c.SinkID == "" {
			return schema.ConfigInvalid("node %d: device sink needs device_id and sink_id", node.Index)
		}
	case NodeAppSink:
		var c AppSinkNode
		if err := json.Unmarshal(node.Conf, &c); err != nil || c.AppID == "" || c.SinkID == "" {
			return schema.ConfigInvalid("node %d: app sink needs app_id and sink_id", node.Index)
		}
	case NodeDataboard:
		var c DataboardNode
		if err := json.Unmarshal(node.Conf, &c); err != nil || c.DataboardID == "" || c.DataID == "" {
			return schema.ConfigInvalid("node %d: databoard needs databoard_id and data_id", node.Index)
		}
	case NodeLog:
		var c LogNode
		if err := json.Unmarshal(node.Conf, &c); err != nil || c.Name == "" {
			return schema.ConfigInvalid("node %d: log needs a name", node.Index)
		}
	case NodeFilter:
		var c FilterConf
		if err := json.Unmarshal(node.Conf, &c); err != nil || c.Expression == "" {
			return schema.ConfigInvalid("node %d: filter needs an expression", node.Index)
		}
		if _, err := compileFilter(&c); err != nil {
			return err
		}
	case NodeComputer:
		var c ComputerConf
		if err := json.Unmarshal(node.Conf, &c); err != nil || len(c.Items) == 0 {
			return schema.ConfigInvalid("node %d: computer needs items", node.Index)
		}
		if _, err := compileComputer(&c); err != nil {
			return err
		}
	case NodeOperator:
		var c OperatorConf
		if err := json.Unmarshal(node.Conf, &c); err != nil {
			return schema.ConfigInvalid("node %d: operator conf: %v", node.Index, err)
		}
		if _, err := compileOperator(&c); err != nil {
			return err
		}
	case NodeWindow:
		var c WindowConf
		if err := json.Unmarshal(node.Conf, &c); err != nil {
			return schema.ConfigInvalid("node %d: window conf: %v", node.Index, err)
		}
		if err := c.validate(); err != nil {
			return err
		}
	case NodeMerge:
		// merge carries no config
	}
	return nil
}
