// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package coap speaks CoAP over UDP (optionally DTLS) to constrained
// field devices. Sources either observe a resource or poll it on an
// interval; sinks POST message payloads to a path.
package coap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	piondtls "github.com/pion/dtls/v3"
	"github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/plgd-dev/go-coap/v3/udp/client"

	"github.com/quickmsg/halia/internal/codec"
	"github.com/quickmsg/halia/internal/connector"
	"github.com/quickmsg/halia/internal/errstate"
	"github.com/quickmsg/halia/internal/refcount"
	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/log"
	"github.com/quickmsg/halia/pkg/schema"
)

type ruleBatch = schema.RuleMessageBatch

type DTLSConf struct {
	PSKIdentity string `json:"psk_identity"`
	PSK         string `json:"psk"`
}

type DeviceConf struct {
	Host      string    `json:"host"`
	Port      uint16    `json:"port"`
	Reconnect uint64    `json:"reconnect"`
	DTLS      *DTLSConf `json:"dtls,omitempty"`
}

type SourceConf struct {
	Path     string `json:"path"`
	Observe  bool   `json:"observe"`
	Interval uint64 `json:"interval"` // ms, poll mode only
}

type SinkConf struct {
	Path      string                  `json:"path"`
	Retention connector.RetentionConf `json:"retention"`
}

func ValidateDeviceConf(raw json.RawMessage) error {
	var conf DeviceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("coap device conf: %v", err)
	}
	if conf.Host == "" || conf.Port == 0 {
		return schema.ConfigInvalid("coap host and port are required")
	}
	if conf.DTLS != nil && (conf.DTLS.PSK == "" || conf.DTLS.PSKIdentity == "") {
		return schema.ConfigInvalid("dtls needs psk and psk_identity")
	}
	return nil
}

func ValidateSourceConf(raw json.RawMessage) error {
	var conf SourceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("coap source conf: %v", err)
	}
	if conf.Path == "" {
		return schema.ConfigInvalid("path is required")
	}
	if !conf.Observe && conf.Interval == 0 {
		return schema.ConfigInvalid("poll sources need an interval")
	}
	return nil
}

func ValidateSinkConf(raw json.RawMessage) error {
	var conf SinkConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("coap sink conf: %v", err)
	}
	if conf.Path == "" {
		return schema.ConfigInvalid("path is required")
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
	path    string
	payload []byte
}

// Device owns one CoAP session. Observations are re-established on every
// reconnect; sink POSTs are serialized through the write channel.
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
		return nil, schema.ConfigInvalid("coap device conf: %v", err)
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
func (d *Device) Type() string  { return "coap" }
func (d *Device) Err() string   { return d.errs.Err() }
func (d *Device) Running() bool { d.mu.RLock(); defer d.mu.RUnlock(); return d.sup != nil }

func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sup != nil {
		return nil
	}

	d.sup = connector.NewSupervisor(d.errs, time.Duration(d.conf.Reconnect)*time.Second)
	d.sup.Start("coap:"+d.id, d.connect)

	for _, src := range d.sources {
		if !src.conf.Observe {
			d.startPoll(src)
		}
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
		return schema.ConfigInvalid("coap device conf: %v", err)
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
			payload, err := json.Marshal(mb)
			if err != nil {
				log.Debugf("coap sink %s: encode skipped: %v", s.id, err)
				return
			}
			d.writeCh.Send(&write{path: conf.Path, payload: payload})
		},
	}
	s.loop.Run(d.sup.StopCh())
}

/* Sources / sinks CRUD */

func (d *Device) CreateSource(id string, raw json.RawMessage) error {
	if err := ValidateSourceConf(raw); err != nil {
		return err
	}
	var conf SourceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("coap source conf: %v", err)
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
	if d.sup != nil && !conf.Observe {
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
		return schema.ConfigInvalid("coap source conf: %v", err)
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
	if d.sup != nil && !conf.Observe {
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

// WriteSourceValue POSTs a raw value to the source's path.
func (d *Device) WriteSourceValue(id string, value json.RawMessage) error {
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
	d.writeCh.Send(&write{path: src.conf.Path, payload: value})
	return nil
}

func (d *Device) CreateSink(id string, raw json.RawMessage) error {
	if err := ValidateSinkConf(raw); err != nil {
		return err
	}
	var conf SinkConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("coap sink conf: %v", err)
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
		return schema.ConfigInvalid("coap sink conf: %v", err)
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

	addr := fmt.Sprintf("%s:%d", conf.Host, conf.Port)
	var conn *client.Conn
	var err error
	if conf.DTLS != nil {
		psk := []byte(conf.DTLS.PSK)
		conn, err = dtls.Dial(addr, &piondtls.Config{
			PSK:             func(hint []byte) ([]byte, error) { return psk, nil },
			PSKIdentityHint: []byte(conf.DTLS.PSKIdentity),
			CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
		})
	} else {
		conn, err = udp.Dial(addr)
	}
	if err != nil {
		return nil, err
	}

	return d.serve(conn), nil
}

func (d *Device) serve(conn *client.Conn) func(stop <-chan struct{}) error {
	return func(stop <-chan struct{}) error {
		defer conn.Close()

		// observation sources attach to the fresh session
		d.mu.RLock()
		observed := make([]*source, 0, len(d.sources))
		for _, src := range d.sources {
			if src.conf.Observe {
				observed = append(observed, src)
			}
		}
		d.mu.RUnlock()

		ctx := conn.Context()
		for _, src := range observed {
			s := src
			obs, err := conn.Observe(ctx, s.conf.Path, func(req *pool.Message) {
				d.publish(s, req)
			})
			if err != nil {
				return fmt.Errorf("observe %s: %w", s.conf.Path, err)
			}
			defer obs.Cancel(context.Background())
		}

		for {
			select {
			case <-stop:
				return nil

			case <-ctx.Done():
				return fmt.Errorf("session closed: %w", ctx.Err())

			case <-d.writeCh.Notify():
				for {
					w, ok := d.writeCh.TryRecv()
					if !ok {
						break
					}
					wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
					_, err := conn.Post(wctx, w.path, message.AppJSON, bytes.NewReader(w.payload))
					cancel()
					if err != nil {
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
					rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
					resp, err := conn.Get(rctx, src.conf.Path)
					cancel()
					if err != nil {
						return err
					}
					d.publish(src, resp)
				}
			}
		}
	}
}

func (d *Device) publish(src *source, msg *pool.Message) {
	body, err := msg.ReadBody()
	if err != nil {
		if err != io.EOF {
			log.Warnf("coap source %s: read body: %v", src.id, err)
		}
		return
	}
	mb, err := codec.Decode(codec.FormatJSON, body)
	if err != nil {
		log.Warnf("coap source %s: decode failed, message dropped: %v", src.id, err)
		return
	}

	consumers := src.bcast.SubscriberCount()
	if consumers == 0 {
		return
	}
	src.bcast.Publish(schema.FromBatch(mb, consumers))
}
