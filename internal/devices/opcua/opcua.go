// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package opcua reads and writes node values over OPC-UA Binary. Sources
// poll their node on an interval; sinks write the first message field to
// a node. The adapter intentionally carries only the connector shape.
package opcua

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/quickmsg/halia/internal/connector"
	"github.com/quickmsg/halia/internal/errstate"
	"github.com/quickmsg/halia/internal/refcount"
	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/log"
	"github.com/quickmsg/halia/pkg/schema"
)

type ruleBatch = schema.RuleMessageBatch

type DeviceConf struct {
	Endpoint  string `json:"endpoint"`
	Reconnect uint64 `json:"reconnect"`
}

type SourceConf struct {
	NodeID   string `json:"node_id"`
	Field    string `json:"field"`
	Interval uint64 `json:"interval"` // ms
}

type SinkConf struct {
	NodeID    string                  `json:"node_id"`
	Field     string                  `json:"field"`
	Retention connector.RetentionConf `json:"retention"`
}

func ValidateDeviceConf(raw json.RawMessage) error {
	var conf DeviceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("opcua device conf: %v", err)
	}
	if conf.Endpoint == "" {
		return schema.ConfigInvalid("endpoint is required")
	}
	return nil
}

func ValidateSourceConf(raw json.RawMessage) error {
	var conf SourceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("opcua source conf: %v", err)
	}
	if _, err := ua.ParseNodeID(conf.NodeID); err != nil {
		return schema.ConfigInvalid("node id %q: %v", conf.NodeID, err)
	}
	if conf.Field == "" {
		return schema.ConfigInvalid("field name is required")
	}
	if conf.Interval == 0 {
		return schema.ConfigInvalid("interval must be positive")
	}
	return nil
}

func ValidateSinkConf(raw json.RawMessage) error {
	var conf SinkConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("opcua sink conf: %v", err)
	}
	if _, err := ua.ParseNodeID(conf.NodeID); err != nil {
		return schema.ConfigInvalid("node id %q: %v", conf.NodeID, err)
	}
	if conf.Field == "" {
		return schema.ConfigInvalid("field name is required")
	}
	return nil
}

type source struct {
	id      string
	conf    SourceConf
	tracker *refcount.Tracker
	bcast   *channel.Broadcast[ruleBatch]

	tickerStop chan struct{}
	tickerDone chan struct{}
}

type sink struct {
	id      string
	conf    SinkConf
	tracker *refcount.Tracker
	in      *channel.Unicast[ruleBatch]
	loop    *connector.SinkLoop
}

type write struct {
	nodeID string
	value  any
}

type Device struct {
	id string

	mu      sync.RWMutex
	conf    DeviceConf
	sources map[string]*source
	sinks   map[string]*sink

	errs    *errstate.Manager
	readCh  *channel.Unicast[string]
	writeCh *channel.Unicast[*write]

	sup *connector.Supervisor
}

func New(id string, raw json.RawMessage) (*Device, error) {
	if err := ValidateDeviceConf(raw); err != nil {
		return nil, err
	}
	var conf DeviceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return nil, schema.ConfigInvalid("opcua device conf: %v", err)
	}

	return &Device{
		id:      id,
		conf:    conf,
		sources: make(map[string]*source),
		sinks:   make(map[string]*sink),
		errs:    errstate.NewManager(),
		readCh:  channel.NewUnicast[string](0),
		writeCh: channel.NewUnicast[*write](0),
	}, nil
}

func (d *Device) ID() string    { return d.id }
func (d *Device) Type() string  { return "opcua" }
func (d *Device) Err() string   { return d.errs.Err() }
func (d *Device) Running() bool { d.mu.RLock(); defer d.mu.RUnlock(); return d.sup != nil }

func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sup != nil {
		return nil
	}

	d.sup = connector.NewSupervisor(d.errs, time.Duration(d.conf.Reconnect)*time.Second)
	d.sup.Start("opcua:"+d.id, d.connect)

	for _, src := range d.sources {
		d.startPoll(src)
	}
	for _, s := range d.sinks {
		d.startSink(s)
	}
	return nil
}

func (d *Device) Stop() error {
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	sources := make([]*source, 0, len(d.sources))
	for _, src := range d.sources {
		sources = append(sources, src)
	}
	sinks := make([]*sink, 0, len(d.sinks))
	for _, s := range d.sinks {
		sinks = append(sinks, s)
	}
	d.mu.Unlock()

	if sup == nil {
		return nil
	}
	for _, src := range sources {
		d.stopPoll(src)
	}
	sup.Stop()
	for _, s := range sinks {
		if s.loop != nil {
			s.loop.Join()
			s.loop = nil
		}
	}
	return nil
}

func (d *Device) UpdateConf(raw json.RawMessage) error {
	if err := ValidateDeviceConf(raw); err != nil {
		return err
	}
	var conf DeviceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("opcua device conf: %v", err)
	}

	wasRunning := d.Running()
	if wasRunning {
		if err := d.Stop(); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.conf = conf
	d.mu.Unlock()
	if wasRunning {
		return d.Start()
	}
	return nil
}

func (d *Device) startPoll(src *source) {
	src.tickerStop = make(chan struct{})
	src.tickerDone = make(chan struct{})
	go func() {
		defer close(src.tickerDone)
		t := time.NewTicker(time.Duration(src.conf.Interval) * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				d.readCh.Send(src.id)
			case <-src.tickerStop:
				return
			}
		}
	}()
}

func (d *Device) stopPoll(src *source) {
	if src.tickerStop == nil {
		return
	}
	close(src.tickerStop)
	<-src.tickerDone
	src.tickerStop = nil
	src.tickerDone = nil
}

func (d *Device) startSink(s *sink) {
	conf := s.conf
	s.loop = &connector.SinkLoop{
		Name:      s.id,
		In:        s.in,
		Status:    d.errs.Subscribe(),
		Retention: connector.NewRetention(conf.Retention),
		Transmit: func(mb *schema.MessageBatch) {
			msg := mb.TakeOne()
			if msg == nil {
				return
			}
			v, ok := msg.Get(conf.Field)
			if !ok {
				log.Debugf("opcua sink %s: field %q missing, write skipped", s.id, conf.Field)
				return
			}
			d.writeCh.Send(&write{nodeID: conf.NodeID, value: v})
		},
	}
	s.loop.Run(d.sup.StopCh())
}

/* CRUD */

func (d *Device) CreateSource(id string, raw json.RawMessage) error {
	if err := ValidateSourceConf(raw); err != nil {
		return err
	}
	var conf SourceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("opcua source conf: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	src := &source{
		id:      id,
		conf:    conf,
		tracker: refcount.NewTracker(),
		bcast:   channel.NewBroadcast[ruleBatch](),
	}
	d.sources[id] = src
	if d.sup != nil {
		d.startPoll(src)
	}
	return nil
}

func (d *Device) UpdateSource(id string, raw json.RawMessage) error {
	if err := ValidateSourceConf(raw); err != nil {
		return err
	}
	var conf SourceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("opcua source conf: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.sources[id]
	if !ok {
		return schema.ErrNotFound
	}
	wasPolling := src.tickerStop != nil
	if wasPolling {
		d.stopPoll(src)
	}
	src.conf = conf
	if wasPolling {
		d.startPoll(src)
	}
	return nil
}

func (d *Device) DeleteSource(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.sources[id]
	if !ok {
		return schema.ErrNotFound
	}
	if !src.tracker.CanDelete() {
		return schema.ErrDeleteRefing
	}
	d.stopPoll(src)
	delete(d.sources, id)
	return nil
}

func (d *Device) WriteSourceValue(id string, raw json.RawMessage) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.sup == nil {
		return schema.ErrStopped
	}
	if d.errs.Errored() {
		return schema.ErrDisconnected
	}
	src, ok := d.sources[id]
	if !ok {
		return schema.ErrNotFound
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return schema.ConfigInvalid("value: %v", err)
	}
	d.writeCh.Send(&write{nodeID: src.conf.NodeID, value: value})
	return nil
}

func (d *Device) CreateSink(id string, raw json.RawMessage) error {
	if err := ValidateSinkConf(raw); err != nil {
		return err
	}
	var conf SinkConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("opcua sink conf: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	s := &sink{
		id:      id,
		conf:    conf,
		tracker: refcount.NewTracker(),
		in:      channel.NewUnicast[ruleBatch](0),
	}
	d.sinks[id] = s
	if d.sup != nil {
		d.startSink(s)
	}
	return nil
}

func (d *Device) UpdateSink(id string, raw json.RawMessage) error {
	if err := ValidateSinkConf(raw); err != nil {
		return err
	}
	var conf SinkConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("opcua sink conf: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sinks[id]
	if !ok {
		return schema.ErrNotFound
	}
	if d.sup != nil && s.loop != nil {
		s.loop.Stop()
		n := &sink{id: id, conf: conf, tracker: s.tracker, in: s.in}
		d.sinks[id] = n
		d.startSink(n)
		return nil
	}
	s.conf = conf
	return nil
}

func (d *Device) DeleteSink(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sinks[id]
	if !ok {
		return schema.ErrNotFound
	}
	if !s.tracker.CanDelete() {
		return schema.ErrDeleteRefing
	}
	if s.loop != nil {
		s.loop.Stop()
	}
	delete(d.sinks, id)
	return nil
}

/* Rule wiring */

func (d *Device) SourceTracker(id string) (*refcount.Tracker, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	src, ok := d.sources[id]
	if !ok {
		return nil, schema.ErrNotFound
	}
	return src.tracker, nil
}

func (d *Device) SinkTracker(id string) (*refcount.Tracker, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sinks[id]
	if !ok {
		return nil, schema.ErrNotFound
	}
	return s.tracker, nil
}

func (d *Device) SourceReceivers(id string, cnt int) ([]*channel.Subscriber[ruleBatch], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.sup == nil {
		return nil, schema.ErrStopped
	}
	src, ok := d.sources[id]
	if !ok {
		return nil, schema.ErrNotFound
	}
	subs := make([]*channel.Subscriber[ruleBatch], 0, cnt)
	for i := 0; i < cnt; i++ {
		subs = append(subs, src.bcast.Subscribe(16))
	}
	return subs, nil
}

func (d *Device) SinkSender(id string) (*channel.Unicast[ruleBatch], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.sup == nil {
		return nil, schema.ErrStopped
	}
	s, ok := d.sinks[id]
	if !ok {
		return nil, schema.ErrNotFound
	}
	return s.in, nil
}

/* Transport */

func (d *Device) connect() (func(stop <-chan struct{}) error, error) {
	d.mu.RLock()
	conf := d.conf
	d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c, err := opcua.NewClient(conf.Endpoint, opcua.SecurityMode(ua.MessageSecurityModeNone))
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return d.serve(c), nil
}

func (d *Device) serve(c *opcua.Client) func(stop <-chan struct{}) error {
	return func(stop <-chan struct{}) error {
		defer c.Close(context.Background())
		for {
			select {
			case <-stop:
				return nil

			case <-d.writeCh.Notify():
				for {
					w, ok := d.writeCh.TryRecv()
					if !ok {
						break
					}
					if err := d.writeNode(c, w); err != nil {
						return err
					}
				}

			case <-d.readCh.Notify():
				for {
					sourceID, ok := d.readCh.TryRecv()
					if !ok {
						break
					}
					d.mu.RLock()
					src := d.sources[sourceID]
					d.mu.RUnlock()
					if src == nil {
						continue
					}
					if err := d.readNode(c, src); err != nil {
						return err
					}
				}
			}
		}
	}
}

func (d *Device) readNode(c *opcua.Client, src *source) error {
	nodeID, err := ua.ParseNodeID(src.conf.NodeID)
	if err != nil {
		log.Warnf("opcua source %s: %v", src.id, err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := c.Read(ctx, &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{{NodeID: nodeID, AttributeID: ua.AttributeIDValue}},
	})
	if err != nil {
		return err
	}
	if len(resp.Results) == 0 || resp.Results[0].Value == nil {
		log.Warnf("opcua source %s: empty read result, message dropped", src.id)
		return nil
	}
	if resp.Results[0].Status != ua.StatusOK {
		// node-level status is a protocol condition, not a transport failure
		log.Warnf("opcua source %s: status %v", src.id, resp.Results[0].Status)
		return nil
	}

	consumers := src.bcast.SubscriberCount()
	if consumers == 0 {
		return nil
	}

	msg := schema.NewMessage()
	msg.Set(src.conf.Field, resp.Results[0].Value.Value())
	mb := schema.NewMessageBatch()
	mb.Push(msg)
	src.bcast.Publish(schema.FromBatch(mb, consumers))
	return nil
}

func (d *Device) writeNode(c *opcua.Client, w *write) error {
	nodeID, err := ua.ParseNodeID(w.nodeID)
	if err != nil {
		log.Warnf("opcua write: %v", err)
		return nil
	}
	variant, err := ua.NewVariant(w.value)
	if err != nil {
		log.Debugf("opcua write to %s: encode skipped: %v", w.nodeID, err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := c.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      nodeID,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}},
	})
	if err != nil {
		return err
	}
	if len(resp.Results) > 0 && resp.Results[0] != ua.StatusOK {
		log.Warnf("opcua write to %s: status %v", w.nodeID, resp.Results[0])
	}
	return nil
}
