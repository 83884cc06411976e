// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package rule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/schema"
)

func batchOf(values ...int64) *schema.MessageBatch {
	mb := schema.NewMessageBatch()
	for _, v := range values {
		m := schema.NewMessage()
		m.Set("temp", v)
		mb.Push(m)
	}
	return mb
}

func TestFilterKeepsMatching(t *testing.T) {
	fn, err := compileFilter(&FilterConf{Expression: "temp > 10"})
	require.NoError(t, err)

	mb := batchOf(5, 15, 25)
	require.True(t, fn(mb))
	assert.Equal(t, 2, mb.Len())

	// all filtered out drops the batch
	mb = batchOf(1, 2)
	assert.False(t, fn(mb))
}

func TestFilterBadExpression(t *testing.T) {
	_, err := compileFilter(&FilterConf{Expression: "temp >"})
	assert.True(t, schema.IsConfigInvalid(err))
}

func TestComputerSetsFields(t *testing.T) {
	fn, err := compileComputer(&ComputerConf{Items: []ComputeItem{
		{Field: "double", Expression: "temp * 2"},
		{Field: "quad", Expression: "double * 2"},
	}})
	require.NoError(t, err)

	mb := batchOf(21)
	require.True(t, fn(mb))

	msg := mb.Messages()[0]
	double, ok := msg.GetInt64("double")
	require.True(t, ok)
	assert.Equal(t, int64(42), double)
	// items apply in declared order, so the second sees the first's result
	quad, ok := msg.GetInt64("quad")
	require.True(t, ok)
	assert.Equal(t, int64(84), quad)
}

func TestOperatorPassthrough(t *testing.T) {
	fn, err := compileOperator(&OperatorConf{Name: "passthrough"})
	require.NoError(t, err)
	mb := batchOf(1)
	assert.True(t, fn(mb))
	assert.Equal(t, 1, mb.Len())

	_, err = compileOperator(&OperatorConf{Name: "nope"})
	assert.True(t, schema.IsConfigInvalid(err))
}

func TestWindowTumblingCount(t *testing.T) {
	in := channel.NewBroadcast[schema.RuleMessageBatch]()
	sub := in.Subscribe(16)
	out := channel.NewBroadcast[schema.RuleMessageBatch]()
	outSub := out.Subscribe(16)

	stop := make(chan struct{})
	done := make(chan struct{})
	runWindow(&WindowConf{Mode: WindowTumbling, By: WindowByCount, Count: 3}, sub, out, stop, func() { close(done) })

	for i := int64(0); i < 7; i++ {
		in.Publish(schema.FromBatch(batchOf(i), 1))
	}

	first := <-outSub.C()
	assert.Equal(t, 3, first.Peek().Len())
	second := <-outSub.C()
	assert.Equal(t, 3, second.Peek().Len())

	select {
	case <-outSub.C():
		t.Fatal("incomplete window must not emit")
	case <-time.After(50 * time.Millisecond):
	}

	close(stop)
	<-done
}

func TestWindowSlidingCount(t *testing.T) {
	in := channel.NewBroadcast[schema.RuleMessageBatch]()
	sub := in.Subscribe(16)
	out := channel.NewBroadcast[schema.RuleMessageBatch]()
	outSub := out.Subscribe(16)

	stop := make(chan struct{})
	done := make(chan struct{})
	runWindow(&WindowConf{Mode: WindowSliding, By: WindowByCount, Count: 2}, sub, out, stop, func() { close(done) })

	for i := int64(0); i < 3; i++ {
		in.Publish(schema.FromBatch(batchOf(i), 1))
	}

	// fills at the second message, then slides on every arrival
	first := <-outSub.C()
	assert.Equal(t, 2, first.Peek().Len())
	second := <-outSub.C()
	assert.Equal(t, 2, second.Peek().Len())
	v, _ := second.Peek().Messages()[1].GetInt64("temp")
	assert.Equal(t, int64(2), v)

	close(stop)
	<-done
}

func TestMergeForwardsAllInputs(t *testing.T) {
	a := channel.NewBroadcast[schema.RuleMessageBatch]()
	b := channel.NewBroadcast[schema.RuleMessageBatch]()
	subA, subB := a.Subscribe(16), b.Subscribe(16)
	out := channel.NewBroadcast[schema.RuleMessageBatch]()
	outSub := out.Subscribe(16)

	stop := make(chan struct{})
	var doneCnt int
	doneCh := make(chan struct{}, 2)
	runMerge([]*subscriber{subA, subB}, out, stop, func() { doneCh <- struct{}{} })

	a.Publish(schema.FromBatch(batchOf(1), 1))
	b.Publish(schema.FromBatch(batchOf(2), 1))

	got := map[int64]bool{}
	for i := 0; i < 2; i++ {
		rmb := <-outSub.C()
		v, _ := rmb.Peek().Messages()[0].GetInt64("temp")
		got[v] = true
	}
	assert.True(t, got[1] && got[2])

	close(stop)
	for doneCnt < 2 {
		<-doneCh
		doneCnt++
	}
}
