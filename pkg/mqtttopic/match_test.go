// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package mqtttopic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	cases := []struct {
		topic  string
		filter string
		want   bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/+/c", true},
		{"a/b/c/d", "a/+/c", false},
		{"a/b", "a/+/c", false},
		{"a/b/c", "a/#", true},
		{"a/b/c", "#", true},
		{"a/b/c", "a/b/c/#", true},
		{"a/b/c", "a/b/c/d", false},
		{"a/b/c", "a/b", false},
		{"$SYS/x", "#", false},
		{"$SYS/x", "+/x", false},
		{"$SYS/x", "$SYS/x", true},
		{"a", "+", true},
		{"a/b", "+", false},
	}

	for _, c := range cases {
		assert.Equalf(t, c.want, Matches(c.topic, c.filter), "topic=%q filter=%q", c.topic, c.filter)
	}
}

func TestValidFilter(t *testing.T) {
	assert.True(t, ValidFilter("a/b/#"))
	assert.True(t, ValidFilter("+/b/+"))
	assert.True(t, ValidFilter("#"))
	assert.False(t, ValidFilter(""))
	assert.False(t, ValidFilter("a/#/b"))
	assert.False(t, ValidFilter("a/b#"))
	assert.False(t, ValidFilter("a/b+/c"))
}
