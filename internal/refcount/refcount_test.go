// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package refcount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	assert.True(t, tr.CanStop())
	assert.True(t, tr.CanDelete())

	tr.AddRef("r1")
	assert.True(t, tr.CanStop())
	assert.False(t, tr.CanDelete())

	require.NoError(t, tr.Activate("r1"))
	assert.False(t, tr.CanStop())
	assert.False(t, tr.CanDelete())

	tr.Deactivate("r1")
	assert.True(t, tr.CanStop())
	assert.False(t, tr.CanDelete())

	tr.RemoveRef("r1")
	assert.True(t, tr.CanDelete())
}

func TestActivateUnknownRef(t *testing.T) {
	tr := NewTracker()
	assert.Error(t, tr.Activate("ghost"))
}

func TestAddRefIdempotent(t *testing.T) {
	tr := NewTracker()
	tr.AddRef("r1")
	require.NoError(t, tr.Activate("r1"))
	// a second AddRef must not downgrade the active reference
	tr.AddRef("r1")
	assert.False(t, tr.CanStop())
	assert.Equal(t, 1, tr.RefCount())
}

func TestTwoRules(t *testing.T) {
	tr := NewTracker()
	tr.AddRef("r1")
	tr.AddRef("r2")
	require.NoError(t, tr.Activate("r2"))

	assert.False(t, tr.CanStop())
	tr.Deactivate("r2")
	assert.True(t, tr.CanStop())
	assert.False(t, tr.CanDelete())

	tr.RemoveRef("r1")
	tr.RemoveRef("r2")
	assert.True(t, tr.CanDelete())
}
