// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package rule

import (
	"sync"

	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/schema"
)

// databoardStore keeps the latest value per databoard data slot. Entries
// appear when a rule's databoard task starts and are read over the API.
type databoardStore struct {
	mu      sync.RWMutex
	entries map[string]*databoardEntry
}

type databoardEntry struct {
	mu     sync.RWMutex
	latest *schema.MessageBatch
}

var databoards = &databoardStore{entries: make(map[string]*databoardEntry)}

func databoardKey(databoardID, dataID string) string {
	return databoardID + "/" + dataID
}

func (s *databoardStore) entry(key string) *databoardEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &databoardEntry{}
		s.entries[key] = e
	}
	return e
}

func (e *databoardEntry) set(mb *schema.MessageBatch) {
	e.mu.Lock()
	e.latest = mb
	e.mu.Unlock()
}

func (e *databoardEntry) get() *schema.MessageBatch {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latest
}

// ReadDataboard returns the latest batch written to a databoard slot, or
// nil when nothing has arrived yet.
func ReadDataboard(databoardID, dataID string) *schema.MessageBatch {
	databoards.mu.RLock()
	e, ok := databoards.entries[databoardKey(databoardID, dataID)]
	databoards.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.get()
}

// runDataboard drains a slot's unicast into the latest-value cell.
func runDataboard(key string, in *channel.Unicast[schema.RuleMessageBatch], stop <-chan struct{}, done func()) {
	entry := databoards.entry(key)
	go func() {
		defer done()
		for {
			select {
			case <-stop:
				return
			case <-in.Notify():
				for {
					rmb, ok := in.TryRecv()
					if !ok {
						break
					}
					entry.set(rmb.Take())
				}
			}
		}
	}()
}
