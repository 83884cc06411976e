// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package errstate debounces transient transport errors into a published
// per-resource status. SetErr/SetOk are idempotent within one connected
// lifetime: only an actual flip returns true and reaches the broadcast.
package errstate

import (
	"sync"

	"github.com/quickmsg/halia/pkg/channel"
)

type Manager struct {
	mu      sync.Mutex
	lastErr string
	errored bool
	status  *channel.Broadcast[bool]
}

func NewManager() *Manager {
	return &Manager{status: channel.NewBroadcast[bool]()}
}

// SetErr records msg and returns true only on the flip from ok to err.
// The flip is published as err=true on the status broadcast.
func (m *Manager) SetErr(msg string) bool {
	m.mu.Lock()
	m.lastErr = msg
	flipped := !m.errored
	m.errored = true
	m.mu.Unlock()

	if flipped {
		m.status.Publish(true)
	}
	return flipped
}

// SetOk clears the error and returns true only on the flip from err to ok.
func (m *Manager) SetOk() bool {
	m.mu.Lock()
	flipped := m.errored
	m.errored = false
	m.lastErr = ""
	m.mu.Unlock()

	if flipped {
		m.status.Publish(false)
	}
	return flipped
}

// Err returns the last error string, or "" when the resource is healthy.
func (m *Manager) Err() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) Errored() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errored
}

// Subscribe hands out a status receiver. Sinks use it to learn about a
// dropped transport without polling.
func (m *Manager) Subscribe() *channel.Subscriber[bool] {
	return m.status.Subscribe(4)
}
