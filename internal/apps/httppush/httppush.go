// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package httppush forwards batches to an HTTP endpoint. It is sink-only;
// the supervisor probes the base URL to drive the error status, and each
// delivery retries transient failures before the connector gives up.
package httppush

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/quickmsg/halia/internal/connector"
	"github.com/quickmsg/halia/internal/errstate"
	"github.com/quickmsg/halia/internal/refcount"
	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/log"
	"github.com/quickmsg/halia/pkg/schema"
)

type ruleBatch = schema.RuleMessageBatch

type AppConf struct {
	BaseURL   string            `json:"base_url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Reconnect uint64            `json:"reconnect"`
}

type SinkConf struct {
	Path      string                  `json:"path"`
	Retention connector.RetentionConf `json:"retention"`
}

func ValidateAppConf(raw json.RawMessage) error {
	var conf AppConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("http app conf: %v", err)
	}
	u, err := url.Parse(conf.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return schema.ConfigInvalid("base_url %q is not a valid absolute URL", conf.BaseURL)
	}
	return nil
}

func ValidateSourceConf(json.RawMessage) error {
	return schema.ConfigInvalid("http apps have no sources")
}

func ValidateSinkConf(raw json.RawMessage) error {
	var conf SinkConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("http sink conf: %v", err)
	}
	return nil
}

type sink struct {
	id      string
	conf    SinkConf
	tracker *refcount.Tracker
	in      *channel.Unicast[ruleBatch]
	loop    *connector.SinkLoop
}

type delivery struct {
	url     string
	payload []byte
}

type App struct {
	id string

	mu    sync.RWMutex
	conf  AppConf
	sinks map[string]*sink

	errs    *errstate.Manager
	writeCh *channel.Unicast[*delivery]

	sup *connector.Supervisor
}

func New(id string, raw json.RawMessage) (*App, error) {
	if err := ValidateAppConf(raw); err != nil {
		return nil, err
	}
	var conf AppConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return nil, schema.ConfigInvalid("http app conf: %v", err)
	}

	return &App{
		id:      id,
		conf:    conf,
		sinks:   make(map[string]*sink),
		errs:    errstate.NewManager(),
		writeCh: channel.NewUnicast[*delivery](0),
	}, nil
}

func (a *App) ID() string    { return a.id }
func (a *App) Type() string  { return "http" }
func (a *App) Err() string   { return a.errs.Err() }
func (a *App) Running() bool { a.mu.RLock(); defer a.mu.RUnlock(); return a.sup != nil }

func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}

	a.sup = connector.NewSupervisor(a.errs, time.Duration(a.conf.Reconnect)*time.Second)
	a.sup.Start("http:"+a.id, a.connect)

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
		return schema.ConfigInvalid("http app conf: %v", err)
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
	base := a.conf.BaseURL
	s.loop = &connector.SinkLoop{
		Name:      s.id,
		In:        s.in,
		Status:    a.errs.Subscribe(),
		Retention: connector.NewRetention(conf.Retention),
		Transmit: func(mb *schema.MessageBatch) {
			payload, err := json.Marshal(mb)
			if err != nil {
				log.Debugf("http sink %s: encode skipped: %v", s.id, err)
				return
			}
			a.writeCh.Send(&delivery{url: base + conf.Path, payload: payload})
		},
	}
	s.loop.Run(a.sup.StopCh())
}

/* CRUD. Sources are rejected at validation; only the sink half exists. */

func (a *App) CreateSource(string, json.RawMessage) error {
	return schema.ConfigInvalid("http apps have no sources")
}

func (a *App) UpdateSource(string, json.RawMessage) error {
	return schema.ConfigInvalid("http apps have no sources")
}

func (a *App) DeleteSource(string) error {
	return schema.ErrNotFound
}

func (a *App) CreateSink(id string, raw json.RawMessage) error {
	if err := ValidateSinkConf(raw); err != nil {
		return err
	}
	var conf SinkConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return schema.ConfigInvalid("http sink conf: %v", err)
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
		return schema.ConfigInvalid("http sink conf: %v", err)
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

func (a *App) SourceTracker(string) (*refcount.Tracker, error) {
	return nil, schema.ErrNotFound
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

func (a *App) SourceReceivers(string, int) ([]*channel.Subscriber[ruleBatch], error) {
	return nil, schema.ErrNotFound
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

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 15 * time.Second
	client.Logger = nil

	// probe so a dead endpoint surfaces as err=true instead of failing
	// silently per delivery
	resp, err := client.HTTPClient.Head(conf.BaseURL)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	return func(stop <-chan struct{}) error {
		for {
			select {
			case <-stop:
				return nil

			case <-a.writeCh.Notify():
				for {
					d, ok := a.writeCh.TryRecv()
					if !ok {
						break
					}
					if err := a.deliver(client, &conf, d); err != nil {
						return err
					}
				}
			}
		}
	}, nil
}

func (a *App) deliver(client *retryablehttp.Client, conf *AppConf, d *delivery) error {
	req, err := retryablehttp.NewRequest(http.MethodPost, d.url, bytes.NewReader(d.payload))
	if err != nil {
		log.Debugf("http app %s: bad request, delivery skipped: %v", a.id, err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range conf.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		// the request is wrong, not the transport; drop it
		log.Warnf("http app %s: endpoint rejected delivery with %s", a.id, resp.Status)
	}
	return nil
}
