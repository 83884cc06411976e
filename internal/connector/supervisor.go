// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package connector holds the state machine shared by every protocol
// adapter: a background task owning one transport connection, reconnecting
// with a configurable back-off and publishing device-level error status.
package connector

import (
	"time"

	"github.com/quickmsg/halia/internal/errstate"
	"github.com/quickmsg/halia/internal/metrics"
	"github.com/quickmsg/halia/pkg/log"
)

// Supervisor drives the connect / serve / reconnect loop of one adapter.
// serve owns the transport until it fails or the stop signal fires; the
// supervisor flips the error manager on the way in and out.
type Supervisor struct {
	Errs      *errstate.Manager
	reconnect time.Duration

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

func NewSupervisor(errs *errstate.Manager, reconnect time.Duration) *Supervisor {
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	return &Supervisor{
		Errs:      errs,
		reconnect: reconnect,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// StopCh is the stop signal handed to every task the adapter spawns.
func (s *Supervisor) StopCh() <-chan struct{} {
	return s.stopCh
}

// Start runs the loop in its own goroutine. connect dials the transport
// and returns a serve function bound to it; serve must watch the given
// stop channel and return nil when it fired, or the transport error that
// broke the connection.
func (s *Supervisor) Start(name string, connect func() (func(stop <-chan struct{}) error, error)) {
	s.started = true
	go func() {
		defer close(s.doneCh)
		for {
			serve, err := connect()
			if err != nil {
				metrics.ConnectorReconnects.WithLabelValues(name).Inc()
				if s.Errs.SetErr(err.Error()) {
					log.Warnf("connector %s: connect failed: %v", name, err)
				}
				if !s.sleepReconnect() {
					return
				}
				continue
			}

			s.Errs.SetOk()
			if err := serve(s.stopCh); err == nil {
				// stop signal
				return
			} else {
				metrics.ConnectorReconnects.WithLabelValues(name).Inc()
				if s.Errs.SetErr(err.Error()) {
					log.Warnf("connector %s: transport failed: %v", name, err)
				}
				if !s.sleepReconnect() {
					return
				}
			}
		}
	}()
}

// sleepReconnect waits the back-off period. Returns false when the stop
// signal cut the sleep short.
func (s *Supervisor) sleepReconnect() bool {
	t := time.NewTimer(s.reconnect)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stopCh:
		return false
	}
}

// Stop fires the stop signal and waits for the loop to return. A stop on a
// never-started supervisor still closes the channel so dependent tasks
// unblock.
func (s *Supervisor) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if s.started {
		<-s.doneCh
	}
}

// StopNoWait fires the signal without awaiting the loop. Used by callers
// that collect several supervisors and then join them.
func (s *Supervisor) StopNoWait() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Done exposes the loop's join channel.
func (s *Supervisor) Done() <-chan struct{} {
	return s.doneCh
}
