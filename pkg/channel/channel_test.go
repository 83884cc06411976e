// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package channel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnicastOrder(t *testing.T) {
	u := NewUnicast[int](0)
	for i := 0; i < 100; i++ {
		require.True(t, u.Send(i))
	}

	stop := make(chan struct{})
	for i := 0; i < 100; i++ {
		v, ok := u.Recv(stop)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestUnicastBoundedDropsOnFull(t *testing.T) {
	u := NewUnicast[int](2)
	assert.True(t, u.Send(1))
	assert.True(t, u.Send(2))
	assert.False(t, u.Send(3))

	v, ok := u.TryRecv()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.True(t, u.Send(3))
}

func TestUnicastStop(t *testing.T) {
	u := NewUnicast[int](0)
	stop := make(chan struct{})
	close(stop)
	_, ok := u.Recv(stop)
	assert.False(t, ok)
}

func TestUnicastConcurrentProducers(t *testing.T) {
	u := NewUnicast[int](0)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				u.Send(i)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, u.Len())
}

func TestBroadcastFanout(t *testing.T) {
	b := NewBroadcast[string]()
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)

	n := b.Publish("x")
	assert.Equal(t, 2, n)
	assert.Equal(t, "x", <-s1.C())
	assert.Equal(t, "x", <-s2.C())
}

func TestBroadcastSlowSubscriberLosesOldest(t *testing.T) {
	b := NewBroadcast[int]()
	s := b.Subscribe(2)
	b.Publish(1)
	b.Publish(2)
	b.Publish(3)

	assert.Equal(t, 2, <-s.C())
	assert.Equal(t, 3, <-s.C())
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestBroadcastPruneClosed(t *testing.T) {
	b := NewBroadcast[int]()
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)
	assert.Equal(t, 2, b.SubscriberCount())

	s2.Close()
	assert.Equal(t, 1, b.SubscriberCount())

	// one publish after close reaches only the live subscriber
	n := b.Publish(7)
	assert.Equal(t, 1, n)
	assert.Equal(t, 7, <-s1.C())

	// closed subscriber's channel is closed, not leaking a goroutine
	_, open := <-s2.C()
	assert.False(t, open)
}

func TestBroadcastNoSubscribers(t *testing.T) {
	b := NewBroadcast[int]()
	assert.Equal(t, 0, b.Publish(1))
}
