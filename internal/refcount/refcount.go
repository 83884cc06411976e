// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package refcount tracks which rules reference a source or sink and
// whether each reference is merely registered or actively running. A
// registered reference blocks delete; an active one also blocks stop.
package refcount

import (
	"fmt"
	"sync"
)

type state int

const (
	registered state = iota
	active
)

type Tracker struct {
	mu   sync.Mutex
	refs map[string]state
}

func NewTracker() *Tracker {
	return &Tracker{refs: make(map[string]state)}
}

// AddRef registers ruleID. Idempotent; an active reference stays active.
func (t *Tracker) AddRef(ruleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.refs[ruleID]; !ok {
		t.refs[ruleID] = registered
	}
}

// Activate upgrades ruleID to active. Fails if the reference is absent.
func (t *Tracker) Activate(ruleID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.refs[ruleID]; !ok {
		return fmt.Errorf("rule %s holds no reference", ruleID)
	}
	t.refs[ruleID] = active
	return nil
}

// Deactivate downgrades ruleID back to registered. A missing reference is
// a no-op so stop paths can always run it.
func (t *Tracker) Deactivate(ruleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.refs[ruleID]; ok {
		t.refs[ruleID] = registered
	}
}

func (t *Tracker) RemoveRef(ruleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.refs, ruleID)
}

// CanStop is true iff no reference is active.
func (t *Tracker) CanStop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.refs {
		if s == active {
			return false
		}
	}
	return true
}

// CanDelete is true iff no reference exists at all.
func (t *Tracker) CanDelete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs) == 0
}

func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.refs {
		if s == active {
			n++
		}
	}
	return n
}

func (t *Tracker) RefCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs)
}
