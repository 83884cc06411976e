// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package connector

import (
	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/log"
	"github.com/quickmsg/halia/pkg/schema"
)

// SinkLoop is the event loop shared by every adapter sink: drain the
// sink's unicast channel, transmit while the parent connector is healthy,
// retain while it is not, flush on recovery. Transmit errors are the
// connector's problem (it flips the status broadcast); the loop itself
// never propagates them upstream.
type SinkLoop struct {
	Name string

	In     *channel.Unicast[schema.RuleMessageBatch]
	Status *channel.Subscriber[bool]

	Retention *Retention

	// Transmit sends one batch over the parent's transport.
	Transmit func(*schema.MessageBatch)

	errored bool
	quit    chan struct{}
	done    chan struct{}
}

// Run consumes until the parent's stop channel fires or Stop is called.
// Run starts the loop in its own goroutine and returns at once; Join
// blocks until that goroutine has returned.
func (l *SinkLoop) Run(stop <-chan struct{}) {
	l.quit = make(chan struct{})
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		l.drain()
		for {
			select {
			case <-stop:
				return
			case <-l.quit:
				return
			case errored, ok := <-l.Status.C():
				if !ok {
					return
				}
				l.errored = errored
				if !errored {
					l.flush()
				}
			case <-l.In.Notify():
				l.drain()
			}
		}
	}()
}

func (l *SinkLoop) Join() {
	if l.done != nil {
		<-l.done
	}
}

// Stop ends this loop alone, leaving the parent connector running. Used
// when a sink's config is replaced mid-life.
func (l *SinkLoop) Stop() {
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
	<-l.done
	l.Status.Close()
}

func (l *SinkLoop) drain() {
	for {
		rmb, ok := l.In.TryRecv()
		if !ok {
			return
		}
		mb := rmb.Take()
		if l.errored {
			if l.Retention != nil {
				l.Retention.Push(mb)
			}
			continue
		}
		l.Transmit(mb)
	}
}

func (l *SinkLoop) flush() {
	if l.Retention == nil {
		return
	}
	retained := l.Retention.Drain()
	if len(retained) > 0 {
		log.Debugf("sink %s: flushing %d retained batches", l.Name, len(retained))
	}
	for _, mb := range retained {
		l.Transmit(mb)
	}
}
