// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package rule

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickmsg/halia/pkg/schema"
)

func node(index int, typ NodeType, conf string) Node {
	return Node{Index: index, Type: typ, Conf: json.RawMessage(conf)}
}

func srcNode(index int) Node {
	return node(index, NodeDeviceSource, `{"device_id":"d1","source_id":"s1"}`)
}

func sinkNode(index int) Node {
	return node(index, NodeAppSink, `{"app_id":"a1","sink_id":"k1"}`)
}

func filterNode(index int) Node {
	return node(index, NodeFilter, `{"expression":"temp > 10"}`)
}

func computerNode(index int) Node {
	return node(index, NodeComputer, `{"items":[{"field":"f","expression":"temp * 2"}]}`)
}

func TestCompileLinearChainBecomesOneSegment(t *testing.T) {
	conf := &GraphConf{
		Nodes: []Node{srcNode(0), filterNode(1), computerNode(2), sinkNode(3)},
		Edges: [][2]int{{0, 1}, {1, 2}, {2, 3}},
	}
	c, err := compile(conf)
	require.NoError(t, err)

	require.Len(t, c.units, 1)
	u := c.units[0]
	assert.Equal(t, unitSegment, u.kind)
	assert.Len(t, u.chain, 2)
	require.NotNil(t, u.terminal)
	assert.Equal(t, 3, u.terminal.Index)
	assert.Equal(t, 1, c.sourceFanout[0])
}

func TestCompileFanoutSplitsSegments(t *testing.T) {
	// s0 -> k1, s0 -> k2: two terminal segments, source fanout 2
	conf := &GraphConf{
		Nodes: []Node{srcNode(0), sinkNode(1), node(2, NodeAppSink, `{"app_id":"a1","sink_id":"k2"}`)},
		Edges: [][2]int{{0, 1}, {0, 2}},
	}
	c, err := compile(conf)
	require.NoError(t, err)

	assert.Equal(t, 2, c.sourceFanout[0])
	require.Len(t, c.units, 2)
	for _, u := range c.units {
		assert.Equal(t, unitSegment, u.kind)
		assert.NotNil(t, u.terminal)
		assert.Empty(t, u.chain)
	}
}

func TestCompileMergeAndWindow(t *testing.T) {
	conf := &GraphConf{
		Nodes: []Node{
			srcNode(0),
			node(1, NodeAppSource, `{"app_id":"a1","source_id":"s2"}`),
			node(2, NodeMerge, `{}`),
			node(3, NodeWindow, `{"mode":"tumbling","by":"count","count":5}`),
			sinkNode(4),
		},
		Edges: [][2]int{{0, 2}, {1, 2}, {2, 3}, {3, 4}},
	}
	c, err := compile(conf)
	require.NoError(t, err)

	require.Len(t, c.units, 3)
	assert.Equal(t, unitMerge, c.units[0].kind)
	assert.Len(t, c.units[0].inputs, 2)
	assert.Equal(t, unitWindow, c.units[1].kind)
	assert.Equal(t, unitSegment, c.units[2].kind)
}

func TestCompileRejectsCycle(t *testing.T) {
	conf := &GraphConf{
		Nodes: []Node{srcNode(0), filterNode(1), filterNode(2), sinkNode(3)},
		Edges: [][2]int{{0, 1}, {1, 2}, {2, 1}, {2, 3}},
	}
	_, err := compile(conf)
	require.Error(t, err)
	assert.True(t, schema.IsConfigInvalid(err))
}

func TestCompileRejectsSinkWithTwoInputs(t *testing.T) {
	conf := &GraphConf{
		Nodes: []Node{srcNode(0), node(1, NodeAppSource, `{"app_id":"a1","source_id":"s2"}`), sinkNode(2)},
		Edges: [][2]int{{0, 2}, {1, 2}},
	}
	_, err := compile(conf)
	assert.True(t, schema.IsConfigInvalid(err))
}

func TestCompileRejectsNonSourceRoot(t *testing.T) {
	// filter with no incoming edge
	conf := &GraphConf{
		Nodes: []Node{filterNode(0), sinkNode(1)},
		Edges: [][2]int{{0, 1}},
	}
	_, err := compile(conf)
	assert.True(t, schema.IsConfigInvalid(err))
}

func TestCompileRejectsDanglingSource(t *testing.T) {
	conf := &GraphConf{
		Nodes: []Node{srcNode(0)},
		Edges: nil,
	}
	_, err := compile(conf)
	assert.True(t, schema.IsConfigInvalid(err))
}

func TestCompileRejectsUnknownOperator(t *testing.T) {
	conf := &GraphConf{
		Nodes: []Node{srcNode(0), node(1, NodeOperator, `{"name":"transmogrify"}`), sinkNode(2)},
		Edges: [][2]int{{0, 1}, {1, 2}},
	}
	_, err := compile(conf)
	assert.True(t, schema.IsConfigInvalid(err))
}

func TestCompileBranchInsideTransformChain(t *testing.T) {
	// s0 -> f1 -> f2 -> k3 and f1 -> k4: f1 ends its segment with fanout 2
	conf := &GraphConf{
		Nodes: []Node{
			srcNode(0), filterNode(1), filterNode(2),
			sinkNode(3), node(4, NodeAppSink, `{"app_id":"a1","sink_id":"k2"}`),
		},
		Edges: [][2]int{{0, 1}, {1, 2}, {1, 4}, {2, 3}},
	}
	c, err := compile(conf)
	require.NoError(t, err)

	var branching *unit
	for _, u := range c.units {
		if u.kind == unitSegment && len(u.chain) == 1 && u.chain[0].Index == 1 {
			branching = u
		}
	}
	require.NotNil(t, branching)
	assert.Nil(t, branching.terminal)
	assert.Equal(t, 2, branching.fanout)
}
