// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package modbus is the point-oriented field adapter: per-source interval
// reads over one shared connection, typed decoding with per-point endian
// parameters, and a write serializer for control values.
package modbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mb "github.com/grid-x/modbus"

	"github.com/quickmsg/halia/internal/connector"
	"github.com/quickmsg/halia/internal/errstate"
	"github.com/quickmsg/halia/internal/refcount"
	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/log"
	"github.com/quickmsg/halia/pkg/schema"
)

type ruleBatch = schema.RuleMessageBatch

// Device owns one Modbus transport. The event loop serializes all reads
// and writes; sources and sinks survive restarts because only the
// transport is replaced.
type Device struct {
	id string

	mu      sync.RWMutex
	conf    DeviceConf
	sources map[string]*Source
	sinks   map[string]*Sink

	errs    *errstate.Manager
	readCh  *channel.Unicast[string]
	writeCh *channel.Unicast[*WritePointEvent]

	sup *connector.Supervisor // nil while stopped
}

func New(id string, raw json.RawMessage) (*Device, error) {
	if err := ValidateDeviceConf(raw); err != nil {
		return nil, err
	}
	var conf DeviceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return nil, schema.ConfigInvalid("modbus device conf: %v", err)
	}

	return &Device{
		id:      id,
		conf:    conf,
		sources: make(map[string]*Source),
		sinks:   make(map[string]*Sink),
		errs:    errstate.NewManager(),
		readCh:  channel.NewUnicast[string](0),
		writeCh: channel.NewUnicast[*WritePointEvent](0),
	}, nil
}

func NewFromTemplate(id string, customize, template json.RawMessage) (*Device, error) {
	conf, err := MergeDeviceConf(customize, template)
	if err != nil {
		return nil, err
	}
	return New(id, conf)
}

func (d *Device) ID() string {
	return d.id
}

func (d *Device) Type() string {
	return "modbus"
}

func (d *Device) Err() string {
	return d.errs.Err()
}

func (d *Device) Running() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sup != nil
}

// Start is idempotent: starting a running device is a no-op.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sup != nil {
		return nil
	}

	reconnect := time.Duration(d.conf.Reconnect) * time.Second
	d.sup = connector.NewSupervisor(d.errs, reconnect)
	d.sup.Start("modbus:"+d.id, d.connect)

	for _, src := range d.sources {
		src.startTicker(d.readCh)
	}
	for _, sink := range d.sinks {
		sink.start(d.sup.StopCh(), d.errs.Subscribe(), d.writeCh)
	}
	return nil
}

// Stop is idempotent. The supervisor join returns only after the event
// loop exited, so the caller may mutate config right after. The join runs
// outside the device lock: the event loop takes the read lock per request
// and must be able to finish its current one.
func (d *Device) Stop() error {
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	sources := make([]*Source, 0, len(d.sources))
	for _, src := range d.sources {
		sources = append(sources, src)
	}
	sinks := make([]*Sink, 0, len(d.sinks))
	for _, sink := range d.sinks {
		sinks = append(sinks, sink)
	}
	d.mu.Unlock()

	if sup == nil {
		return nil
	}
	for _, src := range sources {
		src.stopTicker()
	}
	sup.Stop()
	for _, sink := range sinks {
		sink.join()
	}
	return nil
}

func (d *Device) UpdateConf(raw json.RawMessage) error {
	if err := ValidateDeviceConf(raw); err != nil {
		return err
	}
	var conf DeviceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("modbus device conf: %v", err)
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

/* Sources */

func (d *Device) CreateSource(id string, raw json.RawMessage) error {
	if err := ValidateSourceConf(raw); err != nil {
		return err
	}
	var conf SourceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("modbus source conf: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	src := newSource(id, conf)
	d.sources[id] = src
	if d.sup != nil {
		src.startTicker(d.readCh)
	}
	return nil
}

func (d *Device) UpdateSource(id string, raw json.RawMessage) error {
	if err := ValidateSourceConf(raw); err != nil {
		return err
	}
	var conf SourceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("modbus source conf: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.sources[id]
	if !ok {
		return schema.ErrNotFound
	}
	wasRunning := src.running()
	if wasRunning {
		src.stopTicker()
	}
	src.Conf = conf
	if wasRunning {
		src.startTicker(d.readCh)
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
	if !src.Tracker.CanDelete() {
		return schema.ErrDeleteRefing
	}
	src.stopTicker()
	delete(d.sources, id)
	return nil
}

// WriteSourceValue pushes a control-plane value onto the device via the
// source's point address. Rejected synchronously on bad values; requires a
// healthy connection.
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
	wpe, err := NewWritePointEvent(src.Conf.Slave, src.Conf.Area, src.Conf.Address, src.Conf.DataType, value)
	if err != nil {
		return err
	}
	d.writeCh.Send(wpe)
	return nil
}

/* Sinks */

func (d *Device) CreateSink(id string, raw json.RawMessage) error {
	if err := ValidateSinkConf(raw); err != nil {
		return err
	}
	var conf SinkConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("modbus sink conf: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	sink := newSink(id, conf)
	d.sinks[id] = sink
	if d.sup != nil {
		sink.start(d.sup.StopCh(), d.errs.Subscribe(), d.writeCh)
	}
	return nil
}

func (d *Device) UpdateSink(id string, raw json.RawMessage) error {
	if err := ValidateSinkConf(raw); err != nil {
		return err
	}
	var conf SinkConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("modbus sink conf: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	sink, ok := d.sinks[id]
	if !ok {
		return schema.ErrNotFound
	}
	if d.sup != nil && sink.loop != nil {
		// replace the sink wholesale so the new conf takes effect; the old
		// loop must end first or both would drain the same channel
		sink.loop.Stop()
		n := newSink(id, conf)
		n.Tracker = sink.Tracker
		n.In = sink.In
		d.sinks[id] = n
		n.start(d.sup.StopCh(), d.errs.Subscribe(), d.writeCh)
		return nil
	}
	sink.Conf = conf
	return nil
}

func (d *Device) DeleteSink(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sink, ok := d.sinks[id]
	if !ok {
		return schema.ErrNotFound
	}
	if !sink.Tracker.CanDelete() {
		return schema.ErrDeleteRefing
	}
	if sink.loop != nil {
		sink.loop.Stop()
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
	return src.Tracker, nil
}

func (d *Device) SinkTracker(id string) (*refcount.Tracker, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sink, ok := d.sinks[id]
	if !ok {
		return nil, schema.ErrNotFound
	}
	return sink.Tracker, nil
}

// SourceReceivers hands out cnt broadcast receivers, one per outgoing
// edge of the rule's source node. Requires a running device.
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
		subs = append(subs, src.Bcast.Subscribe(16))
	}
	return subs, nil
}

func (d *Device) SinkSender(id string) (*channel.Unicast[ruleBatch], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.sup == nil {
		return nil, schema.ErrStopped
	}
	sink, ok := d.sinks[id]
	if !ok {
		return nil, schema.ErrNotFound
	}
	return sink.In, nil
}

/* Transport */

type conn struct {
	client   mb.Client
	setSlave func(byte)
	close    func() error
}

func (d *Device) connect() (func(stop <-chan struct{}) error, error) {
	d.mu.RLock()
	conf := d.conf
	d.mu.RUnlock()

	c, err := dial(&conf)
	if err != nil {
		return nil, err
	}
	return d.serve(c, &conf), nil
}

func dial(conf *DeviceConf) (*conn, error) {
	switch conf.LinkType {
	case LinkEthernet:
		addr := fmt.Sprintf("%s:%d", conf.Ethernet.Host, conf.Ethernet.Port)
		switch conf.Ethernet.Encode {
		case EncodeTCP:
			h := mb.NewTCPClientHandler(addr)
			h.Timeout = 10 * time.Second
			if err := h.Connect(); err != nil {
				return nil, err
			}
			return &conn{
				client:   mb.NewClient(h),
				setSlave: func(s byte) { h.SetSlave(s) },
				close:    h.Close,
			}, nil
		default:
			h := mb.NewRTUOverTCPClientHandler(addr)
			h.Timeout = 10 * time.Second
			if err := h.Connect(); err != nil {
				return nil, err
			}
			return &conn{
				client:   mb.NewClient(h),
				setSlave: func(s byte) { h.SetSlave(s) },
				close:    h.Close,
			}, nil
		}
	case LinkSerial:
		h := mb.NewRTUClientHandler(conf.Serial.Path)
		h.BaudRate = int(conf.Serial.BaudRate)
		h.DataBits = int(conf.Serial.DataBits)
		h.Parity = conf.Serial.Parity
		h.StopBits = int(conf.Serial.StopBits)
		h.Timeout = 10 * time.Second
		if err := h.Connect(); err != nil {
			return nil, err
		}
		return &conn{
			client:   mb.NewClient(h),
			setSlave: func(s byte) { h.SetSlave(s) },
			close:    h.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown link type %q", conf.LinkType)
}

// serve drains writes and read requests over one connection. One
// outstanding request at a time, as Modbus requires.
func (d *Device) serve(c *conn, conf *DeviceConf) func(stop <-chan struct{}) error {
	return func(stop <-chan struct{}) error {
		defer c.close()
		for {
			select {
			case <-stop:
				return nil

			case <-d.writeCh.Notify():
				for {
					wpe, ok := d.writeCh.TryRecv()
					if !ok {
						break
					}
					c.setSlave(wpe.Slave)
					if err := writeValue(c.client, wpe); err != nil {
						return err
					}
					if conf.Interval > 0 {
						if !sleepOrStop(time.Duration(conf.Interval)*time.Millisecond, stop) {
							return nil
						}
					}
				}

			case <-d.readCh.Notify():
				for {
					sourceID, ok := d.readCh.TryRecv()
					if !ok {
						break
					}
					if err := d.readSource(c, sourceID); err != nil {
						return err
					}
				}
			}
		}
	}
}

func (d *Device) readSource(c *conn, sourceID string) error {
	d.mu.RLock()
	src, ok := d.sources[sourceID]
	d.mu.RUnlock()
	if !ok {
		return nil
	}

	c.setSlave(src.Conf.Slave)
	data, err := readPoint(c.client, &src.Conf)
	if err != nil {
		var mbErr *mb.Error
		if errors.As(err, &mbErr) {
			log.Warnf("modbus exception on read addr=%d: %v", src.Conf.Address, mbErr)
			return nil
		}
		return err
	}

	value := src.Conf.DataType.Decode(data)
	if value == nil {
		log.Warnf("modbus decode failed for source %s (%d bytes), message dropped", sourceID, len(data))
		return nil
	}

	consumers := src.Bcast.SubscriberCount()
	if consumers == 0 {
		// no rule is listening
		return nil
	}

	msg := schema.NewMessage()
	msg.Set(src.Conf.Field, value)
	batch := schema.NewMessageBatch()
	batch.Push(msg)
	src.Bcast.Publish(schema.FromBatch(batch, consumers))
	return nil
}

func sleepOrStop(d time.Duration, stop <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}
