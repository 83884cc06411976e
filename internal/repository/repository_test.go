// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickmsg/halia/pkg/schema"
)

func setupRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, RunMigrations(db))

	return NewRepository(db)
}

func TestAppCRUD(t *testing.T) {
	r := setupRepo(t)

	id := schema.NewID()
	require.NoError(t, r.InsertApp(id, "mqtt", "broker-a", nil, []byte(`{"host":"localhost"}`)))

	app, err := r.GetApp(id)
	require.NoError(t, err)
	assert.Equal(t, "broker-a", app.Name)
	assert.Equal(t, 0, app.Status)

	require.NoError(t, r.UpdateAppStatus(id, true))
	app, err = r.GetApp(id)
	require.NoError(t, err)
	assert.Equal(t, 1, app.Status)

	require.NoError(t, r.DeleteApp(id))
	_, err = r.GetApp(id)
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestAppNameUnique(t *testing.T) {
	r := setupRepo(t)

	require.NoError(t, r.InsertApp(schema.NewID(), "mqtt", "broker-a", nil, []byte(`{}`)))
	err := r.InsertApp(schema.NewID(), "mqtt", "broker-a", nil, []byte(`{}`))
	assert.ErrorIs(t, err, schema.ErrNameExists)
}

func TestSearchAppsFilters(t *testing.T) {
	r := setupRepo(t)

	ids := make([]string, 3)
	for i, name := range []string{"north", "south", "east"} {
		ids[i] = schema.NewID()
		require.NoError(t, r.InsertApp(ids[i], "mqtt", name, nil, []byte(`{}`)))
	}
	require.NoError(t, r.InsertApp(schema.NewID(), "nats", "west", nil, []byte(`{}`)))
	require.NoError(t, r.UpdateAppStatus(ids[0], true))

	typ := "mqtt"
	total, rows, err := r.SearchApps(schema.QueryParams{Type: &typ}, schema.Pagination{Page: 1, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, rows, 3)

	on := true
	total, rows, err = r.SearchApps(schema.QueryParams{On: &on}, schema.Pagination{Page: 1, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, rows, 1)
	assert.Equal(t, "north", rows[0].Name)

	name := "th"
	total, _, err = r.SearchApps(schema.QueryParams{Name: &name}, schema.Pagination{Page: 1, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	// page past the data
	_, rows, err = r.SearchApps(schema.QueryParams{}, schema.Pagination{Page: 3, Size: 2})
	require.NoError(t, err)
	assert.Len(t, rows, 0)
}

func TestDeviceSourceSinkNameScopedPerDeviceAndKind(t *testing.T) {
	r := setupRepo(t)

	d1, d2 := schema.NewID(), schema.NewID()
	require.NoError(t, r.InsertDevice(d1, "modbus", "plc-1", nil, []byte(`{}`), nil))
	require.NoError(t, r.InsertDevice(d2, "modbus", "plc-2", nil, []byte(`{}`), nil))

	ss := &SourceSink{ID: schema.NewID(), ParentID: d1, Kind: KindSource, Name: "temp", ConfType: "customize", Conf: []byte(`{}`)}
	require.NoError(t, r.InsertDeviceSourceSink(ss))

	// same name under the same device and kind collides
	dup := &SourceSink{ID: schema.NewID(), ParentID: d1, Kind: KindSource, Name: "temp", ConfType: "customize", Conf: []byte(`{}`)}
	assert.ErrorIs(t, r.InsertDeviceSourceSink(dup), schema.ErrNameExists)

	// same name under another device or as a sink is fine
	other := &SourceSink{ID: schema.NewID(), ParentID: d2, Kind: KindSource, Name: "temp", ConfType: "customize", Conf: []byte(`{}`)}
	require.NoError(t, r.InsertDeviceSourceSink(other))
	sink := &SourceSink{ID: schema.NewID(), ParentID: d1, Kind: KindSink, Name: "temp", ConfType: "customize", Conf: []byte(`{}`)}
	require.NoError(t, r.InsertDeviceSourceSink(sink))

	sources, err := r.ListDeviceSourceSinks(d1, KindSource)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, d1, sources[0].ParentID)
}

func TestRuleRefsLifecycle(t *testing.T) {
	r := setupRepo(t)

	require.NoError(t, r.UpsertRuleRef("r1", "dev1", "src1"))
	require.NoError(t, r.UpsertRuleRef("r1", "dev1", "src1")) // idempotent
	require.NoError(t, r.UpsertRuleRef("r1", "app1", "sink1"))

	refs, err := r.ListRuleRefsByRule("r1")
	require.NoError(t, err)
	assert.Len(t, refs, 2)

	require.NoError(t, r.ActivateRuleRefs("r1"))
	refs, _ = r.ListRuleRefsByRule("r1")
	for _, ref := range refs {
		assert.Equal(t, 1, ref.Active)
	}

	require.NoError(t, r.DeactivateRuleRefs("r1"))
	refs, _ = r.ListRuleRefsByRule("r1")
	for _, ref := range refs {
		assert.Equal(t, 0, ref.Active)
	}

	require.NoError(t, r.DeleteRuleRefsByRule("r1"))
	refs, _ = r.ListRuleRefsByRule("r1")
	assert.Len(t, refs, 0)
}

func TestDeviceTemplateDeleteRefing(t *testing.T) {
	r := setupRepo(t)

	tid := schema.NewID()
	require.NoError(t, r.InsertDeviceTemplate(tid, "modbus", "tpl", nil, []byte(`{}`)))
	require.NoError(t, r.InsertDevice(schema.NewID(), "modbus", "derived", nil, []byte(`{}`), &tid))

	assert.ErrorIs(t, r.DeleteDeviceTemplate(tid), schema.ErrDeleteRefing)

	devices, err := r.ListDeviceIDsByTemplateID(tid)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.NoError(t, r.DeleteDevice(devices[0]))
	require.NoError(t, r.DeleteDeviceTemplate(tid))
}

func TestWithTxRollsBack(t *testing.T) {
	r := setupRepo(t)

	err := r.WithTx(func(tx *sqlx.Tx) error {
		require.NoError(t, InsertDeviceTx(tx, schema.NewID(), "modbus", "ghost", nil, []byte(`{}`), nil))
		return assert.AnError
	})
	require.Error(t, err)

	devices, err := r.ListDevices()
	require.NoError(t, err)
	assert.Len(t, devices, 0)
}

func TestRuleStatusSurvives(t *testing.T) {
	r := setupRepo(t)

	id := schema.NewID()
	require.NoError(t, r.InsertRule(id, "fanout", []byte(`{"nodes":[],"edges":[]}`)))
	require.NoError(t, r.UpdateRuleStatus(id, true))

	rules, err := r.ListRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 1, rules[0].Status)
}
