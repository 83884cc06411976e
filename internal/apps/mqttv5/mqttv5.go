// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mqttv5 is the MQTT v5 broker client, built on the low-level
// paho.golang client so the shared connector supervisor owns reconnects.
package mqttv5

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/quickmsg/halia/internal/codec"
	"github.com/quickmsg/halia/internal/connector"
	"github.com/quickmsg/halia/internal/errstate"
	"github.com/quickmsg/halia/internal/refcount"
	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/log"
	"github.com/quickmsg/halia/pkg/mqtttopic"
	"github.com/quickmsg/halia/pkg/schema"
)

type ruleBatch = schema.RuleMessageBatch

type AppConf struct {
	Host      string  `json:"host"`
	Port      uint16  `json:"port"`
	ClientID  string  `json:"client_id"`
	Username  *string `json:"username,omitempty"`
	Password  *string `json:"password,omitempty"`
	KeepAlive uint16  `json:"keep_alive"`
	Reconnect uint64  `json:"reconnect"`
}

type SourceConf struct {
	Topic  string              `json:"topic"`
	QoS    byte                `json:"qos"`
	Format codec.PayloadFormat `json:"format,omitempty"`
}

type SinkConf struct {
	Topic     string                  `json:"topic"`
	QoS       byte                    `json:"qos"`
	Retained  bool                    `json:"retained"`
	Retention connector.RetentionConf `json:"retention"`
}

func ValidateAppConf(raw json.RawMessage) error {
	var conf AppConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("mqttv5 app conf: %v", err)
	}
	if conf.Host == "" || conf.Port == 0 {
		return schema.ConfigInvalid("mqttv5 host and port are required")
	}
	if conf.ClientID == "" {
		return schema.ConfigInvalid("client_id is required")
	}
	return nil
}

func ValidateSourceConf(raw json.RawMessage) error {
	var conf SourceConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("mqttv5 source conf: %v", err)
	}
	if !mqtttopic.ValidFilter(conf.Topic) {
		return schema.ConfigInvalid("invalid topic filter %q", conf.Topic)
	}
	if conf.QoS > 2 {
		return schema.ConfigInvalid("qos must be 0, 1 or 2")
	}
	if !codec.ValidFormat(conf.Format) {
		return schema.ConfigInvalid("unknown payload format %q", conf.Format)
	}
	return nil
}

func ValidateSinkConf(raw json.RawMessage) error {
	var conf SinkConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("mqttv5 sink conf: %v", err)
	}
	if conf.Topic == "" {
		return schema.ConfigInvalid("topic is required")
	}
	if conf.QoS > 2 {
		return schema.ConfigInvalid("qos must be 0, 1 or 2")
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
	topic    string
	qos      byte
	retained bool
	payload  []byte
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
		return nil, schema.ConfigInvalid("mqttv5 app conf: %v", err)
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
func (a *App) Type() string  { return "mqttv5" }
func (a *App) Err() string   { return a.errs.Err() }
func (a *App) Running() bool { a.mu.RLock(); defer a.mu.RUnlock(); return a.sup != nil }

func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}

	a.sup = connector.NewSupervisor(a.errs, time.Duration(a.conf.Reconnect)*time.Second)
	a.sup.Start("mqttv5:"+a.id, a.connect)

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
		return schema.ConfigInvalid("mqttv5 app conf: %v", err)
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
				log.Debugf("mqttv5 sink %s: encode skipped: %v", s.id, err)
				return
			}
			a.writeCh.Send(&publish{topic: conf.Topic, qos: conf.QoS, retained: conf.Retained, payload: payload})
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
		return schema.ConfigInvalid("mqttv5 source conf: %v", err)
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
		return schema.ConfigInvalid("mqttv5 source conf: %v", err)
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
		return schema.ConfigInvalid("mqttv5 sink conf: %v", err)
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
		return schema.ConfigInvalid("mqttv5 sink conf: %v", err)
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
	a.mu.RUnlock()

	netConn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", conf.Host, conf.Port), 10*time.Second)
	if err != nil {
		return nil, err
	}

	clientErr := make(chan error, 1)
	c := paho.NewClient(paho.ClientConfig{
		Conn: netConn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				a.route(pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError: func(err error) {
			select {
			case clientErr <- err:
			default:
			}
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			select {
			case clientErr <- fmt.Errorf("server disconnect, reason code %d", d.ReasonCode):
			default:
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cp := &paho.Connect{
		ClientID:   conf.ClientID,
		KeepAlive:  conf.KeepAlive,
		CleanStart: true,
	}
	if conf.Username != nil && conf.Password != nil {
		cp.Username = *conf.Username
		cp.UsernameFlag = true
		cp.Password = []byte(*conf.Password)
		cp.PasswordFlag = true
	}
	if _, err := c.Connect(ctx, cp); err != nil {
		netConn.Close()
		return nil, err
	}

	if err := a.subscribeAll(c); err != nil {
		c.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return nil, err
	}

	return func(stop <-chan struct{}) error {
		defer c.Disconnect(&paho.Disconnect{ReasonCode: 0})
		for {
			select {
			case <-stop:
				return nil

			case err := <-clientErr:
				return err

			case <-a.writeCh.Notify():
				for {
					p, ok := a.writeCh.TryRecv()
					if !ok {
						break
					}
					pctx, pcancel := context.WithTimeout(context.Background(), 10*time.Second)
					_, err := c.Publish(pctx, &paho.Publish{
						Topic:   p.topic,
						QoS:     p.qos,
						Retain:  p.retained,
						Payload: p.payload,
					})
					pcancel()
					if err != nil {
						return err
					}
				}
			}
		}
	}, nil
}

func (a *App) subscribeAll(c *paho.Client) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.sources) == 0 {
		return nil
	}

	subs := make([]paho.SubscribeOptions, 0, len(a.sources))
	for _, src := range a.sources {
		subs = append(subs, paho.SubscribeOptions{Topic: src.conf.Topic, QoS: src.conf.QoS})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs})
	return err
}

func (a *App) route(topic string, payload []byte) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, src := range a.sources {
		if !mqtttopic.Matches(topic, src.conf.Topic) {
			continue
		}
		mb, err := codec.Decode(src.conf.Format, payload)
		if err != nil {
			log.Warnf("mqttv5 source %s: decode failed, message dropped: %v", src.id, err)
			continue
		}
		consumers := src.bcast.SubscriberCount()
		if consumers == 0 {
			continue
		}
		src.bcast.Publish(schema.FromBatch(mb, consumers))
	}
}
