// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package errstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlipSemantics(t *testing.T) {
	m := NewManager()

	assert.True(t, m.SetErr("connection refused"))
	assert.False(t, m.SetErr("connection refused again"))
	assert.Equal(t, "connection refused again", m.Err())

	assert.True(t, m.SetOk())
	assert.False(t, m.SetOk())
	assert.Equal(t, "", m.Err())
}

func TestStatusBroadcastOnFlipOnly(t *testing.T) {
	m := NewManager()
	sub := m.Subscribe()

	m.SetErr("boom")
	m.SetErr("boom2")
	m.SetOk()
	m.SetOk()

	assert.True(t, <-sub.C())
	assert.False(t, <-sub.C())
	select {
	case v := <-sub.C():
		t.Fatalf("unexpected extra status %v", v)
	default:
	}
}

func TestInitialStateIsOk(t *testing.T) {
	m := NewManager()
	assert.False(t, m.Errored())
	// SetOk on a fresh manager is a no-op, not a flip
	assert.False(t, m.SetOk())
}
