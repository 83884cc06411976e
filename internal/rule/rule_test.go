// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package rule

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickmsg/halia/internal/apps"
	"github.com/quickmsg/halia/internal/devices"
	"github.com/quickmsg/halia/internal/repository"
	"github.com/quickmsg/halia/pkg/schema"
)

var (
	setupOnce sync.Once
	testRepo  *repository.Repository
	testDM    *devices.Manager
	testAM    *apps.Manager
	testRM    *Manager
)

// the managers are process-wide singletons, so every test shares one
// wired stack against in-memory sqlite
func setup(t *testing.T) {
	t.Helper()
	setupOnce.Do(func() {
		db, err := sqlx.Open("sqlite3", ":memory:?_foreign_keys=on")
		if err != nil {
			panic(err)
		}
		db.SetMaxOpenConns(1)
		if err := repository.RunMigrations(db); err != nil {
			panic(err)
		}
		testRepo = repository.NewRepository(db)
		testDM = devices.Init(testRepo)
		testAM = apps.Init(testRepo)
		dir, err := os.MkdirTemp("", "halia-rule-logs")
		if err != nil {
			panic(err)
		}
		testRM = Init(testRepo, testDM, testAM, dir)
	})
}

var nameSeq int

func uniqueName(prefix string) string {
	nameSeq++
	return fmt.Sprintf("%s-%d", prefix, nameSeq)
}

// createModbusDevice returns (deviceID, sourceID) with a running device
// whose transport keeps reconnecting against a dead endpoint.
func createModbusDevice(t *testing.T) (string, string) {
	t.Helper()

	deviceID, err := testDM.Create(&devices.CreateDeviceReq{
		Type:     devices.TypeModbus,
		ConfType: schema.ConfTypeCustomize,
		Base:     schema.BaseConf{Name: uniqueName("plc")},
		Conf:     json.RawMessage(`{"link_type":"ethernet","reconnect":1,"interval":0,"ethernet":{"host":"127.0.0.1","port":1502,"encode":"tcp"}}`),
	})
	require.NoError(t, err)

	sourceID, err := testDM.CreateSourceSink(deviceID, repository.KindSource, &schema.CreateUpdateSourceSinkReq{
		ConfType: schema.ConfTypeCustomize,
		Base:     schema.BaseConf{Name: uniqueName("temp")},
		Conf:     json.RawMessage(`{"slave":1,"field":"value","data_type":{"type":"uint16","endian":["big_endian"]},"area":"holding_registers","address":100,"interval":500}`),
	})
	require.NoError(t, err)

	require.NoError(t, testDM.Start(deviceID))
	t.Cleanup(func() { _ = testDM.Stop(deviceID) })
	return deviceID, sourceID
}

func createMqttApp(t *testing.T, start bool) (string, string) {
	t.Helper()

	appID, err := testAM.Create(&apps.CreateAppReq{
		Type: apps.TypeMqtt,
		Base: schema.BaseConf{Name: uniqueName("broker")},
		Conf: json.RawMessage(`{"host":"127.0.0.1","port":1883,"client_id":"halia-test","keep_alive":30,"reconnect":1}`),
	})
	require.NoError(t, err)

	sinkID, err := testAM.CreateSourceSink(appID, repository.KindSink, &schema.CreateUpdateSourceSinkReq{
		ConfType: schema.ConfTypeCustomize,
		Base:     schema.BaseConf{Name: uniqueName("out")},
		Conf:     json.RawMessage(`{"topic":"telemetry/out","qos":0,"retained":false,"retention":{"policy":"drop_oldest","limit":16}}`),
	})
	require.NoError(t, err)

	if start {
		require.NoError(t, testAM.Start(appID))
		t.Cleanup(func() { _ = testAM.Stop(appID) })
	}
	return appID, sinkID
}

func ruleGraph(deviceID, sourceID, appID, sinkID string) *CreateUpdateRuleReq {
	return &CreateUpdateRuleReq{
		Name: uniqueName("route"),
		Nodes: []Node{
			{Index: 0, Type: NodeDeviceSource, Conf: json.RawMessage(fmt.Sprintf(`{"device_id":%q,"source_id":%q}`, deviceID, sourceID))},
			{Index: 1, Type: NodeAppSink, Conf: json.RawMessage(fmt.Sprintf(`{"app_id":%q,"sink_id":%q}`, appID, sinkID))},
		},
		Edges: [][2]int{{0, 1}},
	}
}

func TestStopGatesDelete(t *testing.T) {
	setup(t)

	deviceID, sourceID := createModbusDevice(t)
	appID, sinkID := createMqttApp(t, true)

	ruleID, err := testRM.Create(ruleGraph(deviceID, sourceID, appID, sinkID))
	require.NoError(t, err)
	require.NoError(t, testRM.Start(ruleID))

	// active reference: neither stop nor delete may pass
	assert.ErrorIs(t, testDM.Stop(deviceID), schema.ErrDeleteRefing)
	assert.ErrorIs(t, testDM.DeleteSourceSink(deviceID, sourceID, repository.KindSource), schema.ErrDeleteRefing)
	assert.ErrorIs(t, testAM.DeleteSourceSink(appID, sinkID, repository.KindSink), schema.ErrDeleteRefing)

	// stopped rule still holds a registered reference: stop ok, delete not
	require.NoError(t, testRM.Stop(ruleID))
	assert.ErrorIs(t, testDM.DeleteSourceSink(deviceID, sourceID, repository.KindSource), schema.ErrDeleteRefing)
	require.NoError(t, testDM.Stop(deviceID))

	// deleting the rule releases everything
	require.NoError(t, testRM.Delete(ruleID))
	require.NoError(t, testDM.Start(deviceID))
	assert.NoError(t, testDM.DeleteSourceSink(deviceID, sourceID, repository.KindSource))
}

func TestPartialAcquisitionLeavesNoActiveRefs(t *testing.T) {
	setup(t)

	deviceID, sourceID := createModbusDevice(t)
	// the sink's app is never started, so sink acquisition fails
	appID, sinkID := createMqttApp(t, false)

	ruleID, err := testRM.Create(ruleGraph(deviceID, sourceID, appID, sinkID))
	require.NoError(t, err)

	err = testRM.Start(ruleID)
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrStopped)

	// the source reference must have been rolled back to registered:
	// stopping the device is legal again
	require.NoError(t, testDM.Stop(deviceID))

	refs, err := testRepo.ListRuleRefsByRule(ruleID)
	require.NoError(t, err)
	for _, ref := range refs {
		assert.Equal(t, 0, ref.Active)
	}

	require.NoError(t, testRM.Delete(ruleID))
}

func TestRuleStartStopIdempotent(t *testing.T) {
	setup(t)

	deviceID, sourceID := createModbusDevice(t)
	appID, sinkID := createMqttApp(t, true)

	ruleID, err := testRM.Create(ruleGraph(deviceID, sourceID, appID, sinkID))
	require.NoError(t, err)

	require.NoError(t, testRM.Start(ruleID))
	require.NoError(t, testRM.Start(ruleID))
	require.NoError(t, testRM.Stop(ruleID))
	require.NoError(t, testRM.Stop(ruleID))
	require.NoError(t, testRM.Delete(ruleID))
}

func TestRunningRuleCannotBeDeleted(t *testing.T) {
	setup(t)

	deviceID, sourceID := createModbusDevice(t)
	appID, sinkID := createMqttApp(t, true)

	ruleID, err := testRM.Create(ruleGraph(deviceID, sourceID, appID, sinkID))
	require.NoError(t, err)
	require.NoError(t, testRM.Start(ruleID))

	assert.ErrorIs(t, testRM.Delete(ruleID), schema.ErrDeleteRefing)
	require.NoError(t, testRM.Stop(ruleID))
	require.NoError(t, testRM.Delete(ruleID))
}

func TestCreateRuleAgainstUnknownSourceRollsBack(t *testing.T) {
	setup(t)

	appID, sinkID := createMqttApp(t, true)
	req := ruleGraph("nodevice", "nosource", appID, sinkID)

	_, err := testRM.Create(req)
	require.Error(t, err)

	// nothing persisted
	rules, err := testRepo.ListRules()
	require.NoError(t, err)
	for _, r := range rules {
		assert.NotEqual(t, req.Name, r.Name)
	}
}
