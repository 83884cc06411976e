// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package natsapp is the NATS connector: sources subscribe to subjects,
// sinks publish batches. Reconnection is owned by the shared supervisor,
// so the nats client's own retry machinery stays off.
package natsapp

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/quickmsg/halia/internal/codec"
	"github.com/quickmsg/halia/internal/connector"
	"github.com/quickmsg/halia/internal/errstate"
	"github.com/quickmsg/halia/internal/refcount"
	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/log"
	"github.com/quickmsg/halia/pkg/schema"
)

type ruleBatch = schema.RuleMessageBatch

type AppConf struct {
	Address   string  `json:"address"`
	Username  *string `json:"username,omitempty"`
	Password  *string `json:"password,omitempty"`
	Reconnect uint64  `json:"reconnect"`
}

type SourceConf struct {
	Subject string              `json:"subject"`
	Format  codec.PayloadFormat `json:"format,omitempty"`
}

type SinkConf struct {
	Subject   string                  `json:"subject"`
	Retention connector.RetentionConf `json:"retention"`
}

func ValidateAppConf(raw json.RawMessage) error {
	var conf AppConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("nats app conf: %v", err)
	}
	if conf.Address == "" {
		return schema.ConfigInvalid("nats address is required")
	}
	return nil
}

func ValidateSourceConf(raw json.RawMessage) error {
	var conf SourceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("nats source conf: %v", err)
	}
	if conf.Subject == "" {
		return schema.ConfigInvalid("subject is required")
	}
	if !codec.ValidFormat(conf.Format) {
		return schema.ConfigInvalid("unknown payload format %q", conf.Format)
	}
	return nil
}

func ValidateSinkConf(raw json.RawMessage) error {
	var conf SinkConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("nats sink conf: %v", err)
	}
	if conf.Subject == "" {
		return schema.ConfigInvalid("subject is required")
	}
	return nil
}

type source struct {
	id      string
	conf    SourceConf
	tracker *refcount.Tracker
	bcast   *channel.Broadcast[ruleBatch]
}

type sink struct {
	id      string
	conf    SinkConf
	tracker *refcount.Tracker
	in      *channel.Unicast[ruleBatch]
	loop    *connector.SinkLoop
}

type publish struct {
	subject string
	payload []byte
}

type App struct {
	id string

	mu      sync.RWMutex
	conf    AppConf
	sources map[string]*source
	sinks   map[string]*sink

	errs    *errstate.Manager
	writeCh *channel.Unicast[*publish]

	sup *connector.Supervisor
}

func New(id string, raw json.RawMessage) (*App, error) {
	if err := ValidateAppConf(raw); err != nil {
		return nil, err
	}
	var conf AppConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return nil, schema.ConfigInvalid("nats app conf: %v", err)
	}

	return &App{
		id:      id,
		conf:    conf,
		sources: make(map[string]*source),
		sinks:   make(map[string]*sink),
		errs:    errstate.NewManager(),
		writeCh: channel.NewUnicast[*publish](0),
	}, nil
}

func (a *App) ID() string    { return a.id }
func (a *App) Type() string  { return "nats" }
func (a *App) Err() string   { return a.errs.Err() }
func (a *App) Running() bool { a.mu.RLock(); defer a.mu.RUnlock(); return a.sup != nil }

func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}

	a.sup = connector.NewSupervisor(a.errs, time.Duration(a.conf.Reconnect)*time.Second)
	a.sup.Start("nats:"+a.id, a.connect)

	for _, s := range a.sinks {
		a.startSink(s)
	}
	return nil
}

func (a *App) Stop() error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	sinks := make([]*sink, 0, len(a.sinks))
	for _, s := range a.sinks {
		sinks = append(sinks, s)
	}
	a.mu.Unlock()

	if sup == nil {
		return nil
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

func (a *App) UpdateConf(raw json.RawMessage) error {
	if err := ValidateAppConf(raw); err != nil {
		return err
	}
	var conf AppConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("nats app conf: %v", err)
	}

	wasRunning := a.Running()
	if wasRunning {
		if err := a.Stop(); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.conf = conf
	a.mu.Unlock()
	if wasRunning {
		return a.Start()
	}
	return nil
}

func (a *App) startSink(s *sink) {
	conf := s.conf
	s.loop = &connector.SinkLoop{
		Name:      s.id,
		In:        s.in,
		Status:    a.errs.Subscribe(),
		Retention: connector.NewRetention(conf.Retention),
		Transmit: func(mb *schema.MessageBatch) {
			payload, err := json.Marshal(mb)
			if err != nil {
				log.Debugf("nats sink %s: encode skipped: %v", s.id, err)
				return
			}
			a.writeCh.Send(&publish{subject: conf.Subject, payload: payload})
		},
	}
	s.loop.Run(a.sup.StopCh())
}

/* CRUD */

func (a *App) CreateSource(id string, raw json.RawMessage) error {
	if err := ValidateSourceConf(raw); err != nil {
		return err
	}
	var conf SourceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("nats source conf: %v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources[id] = &source{
		id:      id,
		conf:    conf,
		tracker: refcount.NewTracker(),
		bcast:   channel.NewBroadcast[ruleBatch](),
	}
	return nil
}

func (a *App) UpdateSource(id string, raw json.RawMessage) error {
	if err := ValidateSourceConf(raw); err != nil {
		return err
	}
	var conf SourceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("nats source conf: %v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	src, ok := a.sources[id]
	if !ok {
		return schema.ErrNotFound
	}
	src.conf = conf
	return nil
}

func (a *App) DeleteSource(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	src, ok := a.sources[id]
	if !ok {
		return schema.ErrNotFound
	}
	if !src.tracker.CanDelete() {
		return schema.ErrDeleteRefing
	}
	delete(a.sources, id)
	return nil
}

func (a *App) CreateSink(id string, raw json.RawMessage) error {
	if err := ValidateSinkConf(raw); err != nil {
		return err
	}
	var conf SinkConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("nats sink conf: %v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	s := &sink{
		id:      id,
		conf:    conf,
		tracker: refcount.NewTracker(),
		in:      channel.NewUnicast[ruleBatch](0),
	}
	a.sinks[id] = s
	if a.sup != nil {
		a.startSink(s)
	}
	return nil
}

func (a *App) UpdateSink(id string, raw json.RawMessage) error {
	if err := ValidateSinkConf(raw); err != nil {
		return err
	}
	var conf SinkConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("nats sink conf: %v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sinks[id]
	if !ok {
		return schema.ErrNotFound
	}
	if a.sup != nil && s.loop != nil {
		s.loop.Stop()
		n := &sink{id: id, conf: conf, tracker: s.tracker, in: s.in}
		a.sinks[id] = n
		a.startSink(n)
		return nil
	}
	s.conf = conf
	return nil
}

func (a *App) DeleteSink(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sinks[id]
	if !ok {
		return schema.ErrNotFound
	}
	if !s.tracker.CanDelete() {
		return schema.ErrDeleteRefing
	}
	if s.loop != nil {
		s.loop.Stop()
	}
	delete(a.sinks, id)
	return nil
}

/* Rule wiring */

func (a *App) SourceTracker(id string) (*refcount.Tracker, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	src, ok := a.sources[id]
	if !ok {
		return nil, schema.ErrNotFound
	}
	return src.tracker, nil
}

func (a *App) SinkTracker(id string) (*refcount.Tracker, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sinks[id]
	if !ok {
		return nil, schema.ErrNotFound
	}
	return s.tracker, nil
}

func (a *App) SourceReceivers(id string, cnt int) ([]*channel.Subscriber[ruleBatch], error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.sup == nil {
		return nil, schema.ErrStopped
	}
	src, ok := a.sources[id]
	if !ok {
		return nil, schema.ErrNotFound
	}
	subs := make([]*channel.Subscriber[ruleBatch], 0, cnt)
	for i := 0; i < cnt; i++ {
		subs = append(subs, src.bcast.Subscribe(16))
	}
	return subs, nil
}

func (a *App) SinkSender(id string) (*channel.Unicast[ruleBatch], error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.sup == nil {
		return nil, schema.ErrStopped
	}
	s, ok := a.sinks[id]
	if !ok {
		return nil, schema.ErrNotFound
	}
	return s.in, nil
}

/* Transport */

func (a *App) connect() (func(stop <-chan struct{}) error, error) {
	a.mu.RLock()
	conf := a.conf
	sources := make([]*source, 0, len(a.sources))
	for _, src := range a.sources {
		sources = append(sources, src)
	}
	a.mu.RUnlock()

	lost := make(chan error, 1)
	opts := []nats.Option{
		nats.NoReconnect(),
		nats.ClosedHandler(func(nc *nats.Conn) {
			select {
			case lost <- fmt.Errorf("connection closed: %v", nc.LastError()):
			default:
			}
		}),
	}
	if conf.Username != nil && conf.Password != nil {
		opts = append(opts, nats.UserInfo(*conf.Username, *conf.Password))
	}

	nc, err := nats.Connect(conf.Address, opts...)
	if err != nil {
		return nil, err
	}

	subs := make([]*nats.Subscription, 0, len(sources))
	for _, src := range sources {
		s := src
		sub, err := nc.Subscribe(s.conf.Subject, func(msg *nats.Msg) {
			a.deliver(s, msg.Data)
		})
		if err != nil {
			nc.Close()
			return nil, err
		}
		subs = append(subs, sub)
	}

	return func(stop <-chan struct{}) error {
		defer func() {
			for _, sub := range subs {
				if err := sub.Unsubscribe(); err != nil {
					log.Warnf("nats app %s: unsubscribe failed: %v", a.id, err)
				}
			}
			nc.Close()
		}()

		for {
			select {
			case <-stop:
				return nil

			case err := <-lost:
				return err

			case <-a.writeCh.Notify():
				for {
					p, ok := a.writeCh.TryRecv()
					if !ok {
						break
					}
					if err := nc.Publish(p.subject, p.payload); err != nil {
						return err
					}
				}
			}
		}
	}, nil
}

func (a *App) deliver(src *source, payload []byte) {
	mb, err := codec.Decode(src.conf.Format, payload)
	if err != nil {
		log.Warnf("nats source %s: decode failed, message dropped: %v", src.id, err)
		return
	}
	consumers := src.bcast.SubscriberCount()
	if consumers == 0 {
		return
	}
	src.bcast.Publish(schema.FromBatch(mb, consumers))
}
