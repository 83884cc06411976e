// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package connector

import (
	"github.com/quickmsg/halia/pkg/schema"
)

// RetentionPolicy selects what a sink does with incoming messages while
// its transport is in error.
type RetentionPolicy string

const (
	// RetentionNone drops everything during an outage.
	RetentionNone RetentionPolicy = "none"
	// RetentionDropOldest buffers up to the limit, evicting the oldest.
	RetentionDropOldest RetentionPolicy = "drop_oldest"
	// RetentionDropNewest buffers up to the limit, rejecting new arrivals.
	RetentionDropNewest RetentionPolicy = "drop_newest"
	// RetentionKeepLast keeps only the most recent N messages.
	RetentionKeepLast RetentionPolicy = "keep_last"
)

// RetentionConf is embedded into sink configs.
type RetentionConf struct {
	Policy RetentionPolicy `json:"policy"`
	Limit  int             `json:"limit"`
}

// Retention is the bounded in-memory buffer a sink fills while err=true.
// Pushing never blocks.
type Retention struct {
	policy RetentionPolicy
	limit  int
	buf    []*schema.MessageBatch
}

func NewRetention(conf RetentionConf) *Retention {
	limit := conf.Limit
	if limit <= 0 {
		limit = 64
	}
	policy := conf.Policy
	if policy == "" {
		policy = RetentionNone
	}
	return &Retention{policy: policy, limit: limit}
}

func (r *Retention) Push(mb *schema.MessageBatch) {
	switch r.policy {
	case RetentionNone:
		return
	case RetentionDropNewest:
		if len(r.buf) >= r.limit {
			return
		}
		r.buf = append(r.buf, mb)
	case RetentionDropOldest, RetentionKeepLast:
		if len(r.buf) >= r.limit {
			r.buf = r.buf[1:]
		}
		r.buf = append(r.buf, mb)
	}
}

// Drain returns the retained batches in arrival order and empties the
// buffer.
func (r *Retention) Drain() []*schema.MessageBatch {
	out := r.buf
	r.buf = nil
	return out
}

func (r *Retention) Len() int {
	return len(r.buf)
}
