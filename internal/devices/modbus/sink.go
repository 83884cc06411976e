// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package modbus

import (
	"encoding/json"

	"github.com/quickmsg/halia/internal/connector"
	"github.com/quickmsg/halia/internal/refcount"
	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/log"
	"github.com/quickmsg/halia/pkg/schema"
)

// Sink turns incoming rule batches into typed point writes. It holds no
// back-pointer to the device: it is spawned with a clone of the device's
// write sender and a status subscription.
type Sink struct {
	ID      string
	Conf    SinkConf
	Tracker *refcount.Tracker

	// producers: one per active rule binding; consumer: the sink loop
	In *channel.Unicast[ruleBatch]

	loop *connector.SinkLoop
}

func newSink(id string, conf SinkConf) *Sink {
	return &Sink{
		ID:      id,
		Conf:    conf,
		Tracker: refcount.NewTracker(),
		In:      channel.NewUnicast[ruleBatch](0),
	}
}

// start spawns the sink loop against the device's write channel.
func (s *Sink) start(stop <-chan struct{}, status *channel.Subscriber[bool], writeCh *channel.Unicast[*WritePointEvent]) {
	conf := s.Conf
	s.loop = &connector.SinkLoop{
		Name:      s.ID,
		In:        s.In,
		Status:    status,
		Retention: connector.NewRetention(conf.Retention),
		Transmit: func(mb *schema.MessageBatch) {
			wpe, ok := buildWriteEvent(&conf, mb)
			if ok {
				writeCh.Send(wpe)
			}
		},
	}
	s.loop.Run(stop)
}

func (s *Sink) join() {
	if s.loop != nil {
		s.loop.Join()
		s.loop = nil
	}
}

// buildWriteEvent resolves the sink's value expression against the first
// message of the batch. An unresolved variable or mistyped value skips the
// write silently; the sink is best-effort by contract.
func buildWriteEvent(conf *SinkConf, mb *schema.MessageBatch) (*WritePointEvent, bool) {
	msg := mb.TakeOne()
	if msg == nil {
		return nil, false
	}

	var value any
	switch conf.Value.Type {
	case ValueConst:
		if err := json.Unmarshal(conf.Value.Value, &value); err != nil {
			log.Debugf("modbus sink: bad const value: %v", err)
			return nil, false
		}
	case ValueVariable:
		var field string
		if err := json.Unmarshal(conf.Value.Value, &field); err != nil {
			log.Debugf("modbus sink: bad variable reference: %v", err)
			return nil, false
		}
		v, ok := msg.Get(field)
		if !ok {
			log.Debugf("modbus sink: field %q missing, write skipped", field)
			return nil, false
		}
		value = v
	default:
		return nil, false
	}

	wpe, err := NewWritePointEvent(conf.Slave, conf.Area, conf.Address, conf.DataType, value)
	if err != nil {
		log.Debugf("modbus sink: %v, write skipped", err)
		return nil, false
	}
	return wpe, true
}
