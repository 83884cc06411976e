// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package schema holds the message model and the shared request/response
// types of the control surface.
package schema

import (
	"encoding/json"
	"maps"
)

// Message is a mapping from field name to a value out of the closed set
// {nil, bool, int8..int64, uint8..uint64, float32, float64, string, []byte,
// []any, map[string]any}. Values outside that set must not be stored.
type Message struct {
	fields map[string]any
}

func NewMessage() *Message {
	return &Message{fields: make(map[string]any)}
}

func (m *Message) Set(field string, value any) {
	m.fields[field] = value
}

func (m *Message) Get(field string) (any, bool) {
	v, ok := m.fields[field]
	return v, ok
}

func (m *Message) Remove(field string) {
	delete(m.fields, field)
}

func (m *Message) Len() int {
	return len(m.fields)
}

// Fields exposes the underlying map for transforms. Callers must keep the
// value set closed.
func (m *Message) Fields() map[string]any {
	return m.fields
}

func (m *Message) Clone() *Message {
	n := NewMessage()
	maps.Copy(n.fields, m.fields)
	return n
}

func (m *Message) GetStr(field string) (string, bool) {
	if v, ok := m.fields[field]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

func (m *Message) GetBool(field string) (bool, bool) {
	if v, ok := m.fields[field]; ok {
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	return false, false
}

// GetInt64 widens any stored integer variant.
func (m *Message) GetInt64(field string) (int64, bool) {
	v, ok := m.fields[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func (m *Message) GetFloat64(field string) (float64, bool) {
	v, ok := m.fields[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		if i, ok := m.GetInt64(field); ok {
			return float64(i), true
		}
		return 0, false
	}
}

func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.fields)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	m.fields = make(map[string]any)
	return json.Unmarshal(data, &m.fields)
}

// MessageBatch is the unit of transport between sources, rule tasks and
// sinks. A batch of length 1 is the common case for point devices.
type MessageBatch struct {
	messages []*Message
	metadata map[string]any
}

func NewMessageBatch() *MessageBatch {
	return &MessageBatch{}
}

func (mb *MessageBatch) Push(m *Message) {
	mb.messages = append(mb.messages, m)
}

func (mb *MessageBatch) Len() int {
	return len(mb.messages)
}

func (mb *MessageBatch) Messages() []*Message {
	return mb.messages
}

// SetMessages replaces the batch contents, keeping metadata.
func (mb *MessageBatch) SetMessages(msgs []*Message) {
	mb.messages = msgs
}

// TakeOne removes and returns the first message, or nil on an empty batch.
func (mb *MessageBatch) TakeOne() *Message {
	if len(mb.messages) == 0 {
		return nil
	}
	m := mb.messages[0]
	mb.messages = mb.messages[1:]
	return m
}

func (mb *MessageBatch) SetMetadata(key string, value any) {
	if mb.metadata == nil {
		mb.metadata = make(map[string]any)
	}
	mb.metadata[key] = value
}

func (mb *MessageBatch) Metadata(key string) (any, bool) {
	v, ok := mb.metadata[key]
	return v, ok
}

func (mb *MessageBatch) Clone() *MessageBatch {
	n := &MessageBatch{}
	for _, m := range mb.messages {
		n.messages = append(n.messages, m.Clone())
	}
	if mb.metadata != nil {
		n.metadata = make(map[string]any, len(mb.metadata))
		maps.Copy(n.metadata, mb.metadata)
	}
	return n
}

func (mb *MessageBatch) MarshalJSON() ([]byte, error) {
	return json.Marshal(mb.messages)
}

// BatchFromJSON accepts either a JSON object (one message) or an array of
// objects (a batch).
func BatchFromJSON(data []byte) (*MessageBatch, error) {
	mb := NewMessageBatch()
	if len(data) > 0 && data[0] == '[' {
		var msgs []*Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, err
		}
		mb.messages = msgs
		return mb, nil
	}
	m := NewMessage()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	mb.Push(m)
	return mb, nil
}

// RuleMessageBatch is what actually travels the rule channels. When a source
// has a single consumer the batch is handed over; with several consumers the
// same batch is shared and receivers copy before mutating.
type RuleMessageBatch struct {
	mb     *MessageBatch
	shared bool
}

// FromBatch picks the owned or shared variant from the consumer count at
// emit time.
func FromBatch(mb *MessageBatch, consumers int) RuleMessageBatch {
	return RuleMessageBatch{mb: mb, shared: consumers > 1}
}

// Take returns a batch the caller may mutate: the original for the owned
// variant, a deep copy for the shared one.
func (r RuleMessageBatch) Take() *MessageBatch {
	if r.shared {
		return r.mb.Clone()
	}
	return r.mb
}

// Peek returns the batch without transferring ownership. Callers must not
// mutate it.
func (r RuleMessageBatch) Peek() *MessageBatch {
	return r.mb
}
