// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package rule

import (
	"fmt"
	"sync"

	"github.com/quickmsg/halia/internal/apps"
	"github.com/quickmsg/halia/internal/devices"
	"github.com/quickmsg/halia/internal/metrics"
	"github.com/quickmsg/halia/internal/repository"
	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/schema"
)

type subscriber = channel.Subscriber[schema.RuleMessageBatch]
type sender = channel.Unicast[schema.RuleMessageBatch]

// Rule is one named DAG bound to sources and sinks of the registries.
// While running it owns the compiled task set; stopped it holds only its
// config.
type Rule struct {
	ID   string
	Name string

	conf *GraphConf
	on   bool

	devices *devices.Manager
	apps    *apps.Manager
	logDir  string

	// running state, nil/empty while stopped
	stop     chan struct{}
	wg       sync.WaitGroup
	logger   *ruleLogger
	acquired []acquiredRef
}

type acquiredRef struct {
	parentID string
	childID  string
	kind     repository.Kind
	isApp    bool
}

func newRule(id, name string, conf *GraphConf, dm *devices.Manager, am *apps.Manager, logDir string) (*Rule, error) {
	if _, err := compile(conf); err != nil {
		return nil, err
	}
	return &Rule{
		ID:      id,
		Name:    name,
		conf:    conf,
		devices: dm,
		apps:    am,
		logDir:  logDir,
	}, nil
}

// registerRefs records the rule against every source and sink it binds,
// in the runtime trackers and the store.
func (r *Rule) registerRefs() error {
	for i := range r.conf.Nodes {
		node := &r.conf.Nodes[i]
		switch node.Type {
		case NodeDeviceSource:
			var c DeviceSourceNode
			if err := unmarshalConf(node, &c); err != nil {
				return err
			}
			if err := r.devices.AddSourceRef(c.DeviceID, c.SourceID, r.ID); err != nil {
				return err
			}
		case NodeAppSource:
			var c AppSourceNode
			if err := unmarshalConf(node, &c); err != nil {
				return err
			}
			if err := r.apps.AddSourceRef(c.AppID, c.SourceID, r.ID); err != nil {
				return err
			}
		case NodeDeviceSink:
			var c DeviceSinkNode
			if err := unmarshalConf(node, &c); err != nil {
				return err
			}
			if err := r.devices.AddSinkRef(c.DeviceID, c.SinkID, r.ID); err != nil {
				return err
			}
		case NodeAppSink:
			var c AppSinkNode
			if err := unmarshalConf(node, &c); err != nil {
				return err
			}
			if err := r.apps.AddSinkRef(c.AppID, c.SinkID, r.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// dropRefs removes the rule's references everywhere. Used on delete.
func (r *Rule) dropRefs() {
	for i := range r.conf.Nodes {
		node := &r.conf.Nodes[i]
		switch node.Type {
		case NodeDeviceSource:
			var c DeviceSourceNode
			if unmarshalConf(node, &c) == nil {
				r.devices.RemoveRef(c.DeviceID, c.SourceID, r.ID, repository.KindSource)
			}
		case NodeAppSource:
			var c AppSourceNode
			if unmarshalConf(node, &c) == nil {
				r.apps.RemoveRef(c.AppID, c.SourceID, r.ID, repository.KindSource)
			}
		case NodeDeviceSink:
			var c DeviceSinkNode
			if unmarshalConf(node, &c) == nil {
				r.devices.RemoveRef(c.DeviceID, c.SinkID, r.ID, repository.KindSink)
			}
		case NodeAppSink:
			var c AppSinkNode
			if unmarshalConf(node, &c) == nil {
				r.apps.RemoveRef(c.AppID, c.SinkID, r.ID, repository.KindSink)
			}
		}
	}
}

func (r *Rule) running() bool {
	return r.on
}

// start compiles the graph, acquires every endpoint, then spawns tasks.
// Endpoint acquisition is all-or-nothing: any failure deactivates what
// was already marked active and no task runs.
func (r *Rule) start() error {
	if r.on {
		return nil
	}

	c, err := compile(r.conf)
	if err != nil {
		return err
	}

	receivers := make(map[int][]*subscriber)
	r.acquired = nil

	rollback := func() {
		for _, ref := range r.acquired {
			if ref.isApp {
				r.apps.Release(ref.parentID, ref.childID, r.ID, ref.kind)
			} else {
				r.devices.Release(ref.parentID, ref.childID, r.ID, ref.kind)
			}
		}
		r.acquired = nil
		for _, subs := range receivers {
			for _, sub := range subs {
				sub.Close()
			}
		}
	}

	// sources: one receiver per outgoing edge
	for _, node := range c.sources {
		cnt := c.sourceFanout[node.Index]
		var subs []*subscriber
		switch node.Type {
		case NodeDeviceSource:
			var nc DeviceSourceNode
			if err := unmarshalConf(node, &nc); err != nil {
				rollback()
				return err
			}
			subs, err = r.devices.AcquireSourceReceivers(nc.DeviceID, nc.SourceID, r.ID, cnt)
			if err == nil {
				r.acquired = append(r.acquired, acquiredRef{nc.DeviceID, nc.SourceID, repository.KindSource, false})
			}
		case NodeAppSource:
			var nc AppSourceNode
			if err := unmarshalConf(node, &nc); err != nil {
				rollback()
				return err
			}
			subs, err = r.apps.AcquireSourceReceivers(nc.AppID, nc.SourceID, r.ID, cnt)
			if err == nil {
				r.acquired = append(r.acquired, acquiredRef{nc.AppID, nc.SourceID, repository.KindSource, true})
			}
		}
		if err != nil {
			rollback()
			return err
		}
		receivers[node.Index] = subs
	}

	// sinks: acquire senders before any task spawns
	senders := make(map[int]*sender)
	for _, u := range c.units {
		if u.terminal == nil {
			continue
		}
		switch u.terminal.Type {
		case NodeDeviceSink:
			var nc DeviceSinkNode
			if err := unmarshalConf(u.terminal, &nc); err != nil {
				rollback()
				return err
			}
			s, err := r.devices.AcquireSinkSender(nc.DeviceID, nc.SinkID, r.ID)
			if err != nil {
				rollback()
				return err
			}
			r.acquired = append(r.acquired, acquiredRef{nc.DeviceID, nc.SinkID, repository.KindSink, false})
			senders[u.terminal.Index] = s
		case NodeAppSink:
			var nc AppSinkNode
			if err := unmarshalConf(u.terminal, &nc); err != nil {
				rollback()
				return err
			}
			s, err := r.apps.AcquireSinkSender(nc.AppID, nc.SinkID, r.ID)
			if err != nil {
				rollback()
				return err
			}
			r.acquired = append(r.acquired, acquiredRef{nc.AppID, nc.SinkID, repository.KindSink, true})
			senders[u.terminal.Index] = s
		}
	}

	// everything acquired; spawn the task set
	r.stop = make(chan struct{})

	pop := func(idx int) (*subscriber, error) {
		subs := receivers[idx]
		if len(subs) == 0 {
			return nil, fmt.Errorf("internal: no receiver left for node %d", idx)
		}
		sub := subs[len(subs)-1]
		receivers[idx] = subs[:len(subs)-1]
		return sub, nil
	}

	for _, u := range c.units {
		switch u.kind {
		case unitMerge:
			ins := make([]*subscriber, 0, len(u.inputs))
			for _, in := range u.inputs {
				sub, err := pop(in)
				if err != nil {
					close(r.stop)
					rollback()
					return err
				}
				ins = append(ins, sub)
			}
			out := channel.NewBroadcast[schema.RuleMessageBatch]()
			receivers[u.outNode] = subscribeN(out, u.fanout)
			r.wg.Add(len(ins))
			runMerge(ins, out, r.stop, r.wg.Done)

		case unitWindow:
			in, err := pop(u.inputs[0])
			if err != nil {
				close(r.stop)
				rollback()
				return err
			}
			var wc WindowConf
			if err := unmarshalConf(u.node, &wc); err != nil {
				close(r.stop)
				rollback()
				return err
			}
			out := channel.NewBroadcast[schema.RuleMessageBatch]()
			receivers[u.outNode] = subscribeN(out, u.fanout)
			r.wg.Add(1)
			runWindow(&wc, in, out, r.stop, r.wg.Done)

		case unitSegment:
			in, err := pop(u.inputs[0])
			if err != nil {
				close(r.stop)
				rollback()
				return err
			}
			funcs, err := compileTransforms(u.chain)
			if err != nil {
				close(r.stop)
				rollback()
				return err
			}

			var uni *sender
			var bcast *channel.Broadcast[schema.RuleMessageBatch]
			if u.terminal != nil {
				switch u.terminal.Type {
				case NodeDeviceSink, NodeAppSink:
					uni = senders[u.terminal.Index]
				case NodeDataboard:
					var nc DataboardNode
					if err := unmarshalConf(u.terminal, &nc); err != nil {
						close(r.stop)
						rollback()
						return err
					}
					uni = channel.NewUnicast[schema.RuleMessageBatch](0)
					r.wg.Add(1)
					runDataboard(databoardKey(nc.DataboardID, nc.DataID), uni, r.stop, r.wg.Done)
				case NodeLog:
					var nc LogNode
					if err := unmarshalConf(u.terminal, &nc); err != nil {
						close(r.stop)
						rollback()
						return err
					}
					if r.logger == nil {
						logger, err := newRuleLogger(r.logDir, r.ID, r.stop)
						if err != nil {
							close(r.stop)
							rollback()
							return err
						}
						r.logger = logger
					}
					uni = r.logger.sender()
					name := nc.Name
					funcs = append(funcs, func(mb *schema.MessageBatch) bool {
						mb.SetMetadata("log", name)
						return true
					})
				}
			} else {
				bcast = channel.NewBroadcast[schema.RuleMessageBatch]()
				receivers[u.outNode] = subscribeN(bcast, u.fanout)
			}

			r.wg.Add(1)
			runSegment(in, funcs, uni, bcast, r.stop, r.wg.Done)
		}
	}

	r.on = true
	return nil
}

// stopRun signals every task, awaits them and deactivates the rule's
// references.
func (r *Rule) stopRun() {
	if !r.on {
		return
	}

	close(r.stop)
	r.wg.Wait()
	if r.logger != nil {
		r.logger.join()
		r.logger = nil
	}

	for _, ref := range r.acquired {
		if ref.isApp {
			r.apps.Release(ref.parentID, ref.childID, r.ID, ref.kind)
		} else {
			r.devices.Release(ref.parentID, ref.childID, r.ID, ref.kind)
		}
	}
	r.acquired = nil
	r.on = false
}

func subscribeN(b *channel.Broadcast[schema.RuleMessageBatch], n int) []*subscriber {
	subs := make([]*subscriber, 0, n)
	for i := 0; i < n; i++ {
		subs = append(subs, b.Subscribe(16))
	}
	return subs
}

// runSegment threads received batches through the composed transforms and
// hands them to the next channel. A zero-transform pass-through forwards
// the shared value untouched.
func runSegment(
	in *subscriber,
	funcs []transformFunc,
	uni *sender,
	bcast *channel.Broadcast[schema.RuleMessageBatch],
	stop <-chan struct{},
	done func(),
) {
	go func() {
		defer done()
		defer in.Close()
		for {
			select {
			case <-stop:
				return
			case rmb, ok := <-in.C():
				if !ok {
					return
				}

				if len(funcs) == 0 {
					forward(rmb, uni, bcast)
					continue
				}

				mb := rmb.Take()
				keep := true
				for _, fn := range funcs {
					if !fn(mb) {
						keep = false
						break
					}
				}
				if !keep {
					continue
				}
				forward(schema.FromBatch(mb, 1), uni, bcast)
			}
		}
	}()
}

func forward(rmb schema.RuleMessageBatch, uni *sender, bcast *channel.Broadcast[schema.RuleMessageBatch]) {
	metrics.BatchesRouted.Inc()
	if uni != nil {
		uni.Send(rmb)
		return
	}
	consumers := bcast.SubscriberCount()
	if consumers == 0 {
		return
	}
	bcast.Publish(schema.FromBatch(rmb.Take(), consumers))
}
