// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package modbus

import (
	"time"

	"github.com/quickmsg/halia/internal/refcount"
	"github.com/quickmsg/halia/pkg/channel"
)

// Source is one periodically read point. Each source owns its own timer;
// ticks push the source ID into the device's shared read channel so the
// transport sees one outstanding request at a time while every source
// still advances on its own period.
type Source struct {
	ID      string
	Conf    SourceConf
	Tracker *refcount.Tracker

	// producer: the device event loop; consumers: one receiver per active
	// rule binding edge
	Bcast *channel.Broadcast[ruleBatch]

	tickerStop chan struct{}
	tickerDone chan struct{}
}

func newSource(id string, conf SourceConf) *Source {
	return &Source{
		ID:      id,
		Conf:    conf,
		Tracker: refcount.NewTracker(),
		Bcast:   channel.NewBroadcast[ruleBatch](),
	}
}

// startTicker runs the per-source interval driver. readCh is unbounded so
// a busy transport delays reads rather than losing ticks silently.
func (s *Source) startTicker(readCh *channel.Unicast[string]) {
	s.tickerStop = make(chan struct{})
	s.tickerDone = make(chan struct{})

	interval := time.Duration(s.Conf.Interval) * time.Millisecond
	go func() {
		defer close(s.tickerDone)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				readCh.Send(s.ID)
			case <-s.tickerStop:
				return
			}
		}
	}()
}

func (s *Source) stopTicker() {
	if s.tickerStop == nil {
		return
	}
	close(s.tickerStop)
	<-s.tickerDone
	s.tickerStop = nil
	s.tickerDone = nil
}

func (s *Source) running() bool {
	return s.tickerStop != nil
}
