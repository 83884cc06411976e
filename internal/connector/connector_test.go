// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package connector

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickmsg/halia/internal/errstate"
	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/schema"
)

func TestSupervisorReconnectPublishesStatus(t *testing.T) {
	errs := errstate.NewManager()
	sub := errs.Subscribe()
	s := NewSupervisor(errs, 10*time.Millisecond)

	var attempts atomic.Int32
	s.Start("test", func() (func(<-chan struct{}) error, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return func(stop <-chan struct{}) error {
			<-stop
			return nil
		}, nil
	})

	// err=true on the failed dial, err=false once connected
	assert.True(t, <-sub.C())
	assert.False(t, <-sub.C())

	s.Stop()
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestSupervisorStopCutsReconnectSleep(t *testing.T) {
	errs := errstate.NewManager()
	s := NewSupervisor(errs, time.Hour)

	s.Start("test", func() (func(<-chan struct{}) error, error) {
		return nil, errors.New("down")
	})

	start := time.Now()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, errs.Errored())
}

func TestRetentionPolicies(t *testing.T) {
	mb := func(n int64) *schema.MessageBatch {
		b := schema.NewMessageBatch()
		m := schema.NewMessage()
		m.Set("v", n)
		b.Push(m)
		return b
	}
	value := func(b *schema.MessageBatch) int64 {
		v, _ := b.Messages()[0].GetInt64("v")
		return v
	}

	r := NewRetention(RetentionConf{Policy: RetentionDropOldest, Limit: 2})
	r.Push(mb(1))
	r.Push(mb(2))
	r.Push(mb(3))
	out := r.Drain()
	require.Len(t, out, 2)
	assert.Equal(t, int64(2), value(out[0]))
	assert.Equal(t, int64(3), value(out[1]))

	r = NewRetention(RetentionConf{Policy: RetentionDropNewest, Limit: 2})
	r.Push(mb(1))
	r.Push(mb(2))
	r.Push(mb(3))
	out = r.Drain()
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), value(out[0]))

	r = NewRetention(RetentionConf{Policy: RetentionNone, Limit: 2})
	r.Push(mb(1))
	assert.Equal(t, 0, r.Len())
}

func TestSinkLoopRetainsDuringOutageAndFlushes(t *testing.T) {
	errs := errstate.NewManager()
	in := channel.NewUnicast[schema.RuleMessageBatch](0)

	var sent atomic.Int32
	loop := &SinkLoop{
		Name:      "k1",
		In:        in,
		Status:    errs.Subscribe(),
		Retention: NewRetention(RetentionConf{Policy: RetentionDropOldest, Limit: 8}),
		Transmit:  func(*schema.MessageBatch) { sent.Add(1) },
	}

	stop := make(chan struct{})
	loop.Run(stop)

	push := func() {
		mb := schema.NewMessageBatch()
		mb.Push(schema.NewMessage())
		in.Send(schema.FromBatch(mb, 1))
	}

	push()
	require.Eventually(t, func() bool { return sent.Load() == 1 }, time.Second, time.Millisecond)

	errs.SetErr("link down")
	// give the loop a moment to observe the flip
	require.Eventually(t, func() bool { return loop.Status != nil }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	push()
	push()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), sent.Load())

	errs.SetOk()
	require.Eventually(t, func() bool { return sent.Load() == 3 }, time.Second, time.Millisecond)

	close(stop)
	loop.Join()
}
