// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package devices

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickmsg/halia/internal/repository"
	"github.com/quickmsg/halia/pkg/schema"
)

var (
	setupOnce sync.Once
	testRepo  *repository.Repository
	testMgr   *Manager
)

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
		testMgr = Init(testRepo)
	})
}

var nameSeq int

func uniqueName(prefix string) string {
	nameSeq++
	return fmt.Sprintf("%s-%d", prefix, nameSeq)
}

const modbusTemplateConf = `{"link_type":"ethernet","reconnect":5,"interval":0,"ethernet":{"encode":"tcp"}}`

func createTemplateWithDevices(t *testing.T, deviceCnt int) (string, []string) {
	t.Helper()

	templateID, err := testMgr.CreateDeviceTemplate(&CreateDeviceTemplateReq{
		Type: TypeModbus,
		Base: schema.BaseConf{Name: uniqueName("tpl")},
		Conf: json.RawMessage(modbusTemplateConf),
	})
	require.NoError(t, err)

	deviceIDs := make([]string, 0, deviceCnt)
	for i := 0; i < deviceCnt; i++ {
		id, err := testMgr.Create(&CreateDeviceReq{
			Type:       TypeModbus,
			ConfType:   schema.ConfTypeTemplate,
			TemplateID: &templateID,
			Base:       schema.BaseConf{Name: uniqueName("derived")},
			Conf:       json.RawMessage(fmt.Sprintf(`{"ethernet":{"host":"10.0.0.%d","port":502}}`, i+1)),
		})
		require.NoError(t, err)
		deviceIDs = append(deviceIDs, id)
	}
	return templateID, deviceIDs
}

const sourceConf = `{"slave":1,"field":"value","data_type":{"type":"uint16","endian":["big_endian"]},"area":"holding_registers","address":100,"interval":500}`

func TestTemplateSourcePropagatesToAllDevices(t *testing.T) {
	setup(t)
	templateID, deviceIDs := createTemplateWithDevices(t, 2)

	name := uniqueName("prop")
	_, err := testMgr.CreateTemplateSourceSink(templateID, repository.KindSource, &schema.CreateUpdateSourceSinkReq{
		ConfType: schema.ConfTypeCustomize,
		Base:     schema.BaseConf{Name: name},
		Conf:     json.RawMessage(sourceConf),
	})
	require.NoError(t, err)

	for _, deviceID := range deviceIDs {
		rows, err := testRepo.ListDeviceSourceSinks(deviceID, repository.KindSource)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, name, rows[0].Name)
		// runtime child exists as well
		_, err = testMgr.devices[deviceID].SourceTracker(rows[0].ID)
		assert.NoError(t, err)
	}

	templateRows, err := testRepo.ListTemplateSourceSinks(templateID, repository.KindSource)
	require.NoError(t, err)
	assert.Len(t, templateRows, 1)
}

func TestTemplateSourcePropagationIsAllOrNothing(t *testing.T) {
	setup(t)
	templateID, deviceIDs := createTemplateWithDevices(t, 2)

	// device #2 already has a source under the colliding name
	name := uniqueName("clash")
	_, err := testMgr.CreateSourceSink(deviceIDs[1], repository.KindSource, &schema.CreateUpdateSourceSinkReq{
		ConfType: schema.ConfTypeCustomize,
		Base:     schema.BaseConf{Name: name},
		Conf:     json.RawMessage(sourceConf),
	})
	require.NoError(t, err)

	_, err = testMgr.CreateTemplateSourceSink(templateID, repository.KindSource, &schema.CreateUpdateSourceSinkReq{
		ConfType: schema.ConfTypeCustomize,
		Base:     schema.BaseConf{Name: name},
		Conf:     json.RawMessage(sourceConf),
	})
	require.ErrorIs(t, err, schema.ErrNameExists)

	// no source appeared on device #1 and no template row was persisted
	rows, err := testRepo.ListDeviceSourceSinks(deviceIDs[0], repository.KindSource)
	require.NoError(t, err)
	assert.Len(t, rows, 0)

	templateRows, err := testRepo.ListTemplateSourceSinks(templateID, repository.KindSource)
	require.NoError(t, err)
	for _, row := range templateRows {
		assert.NotEqual(t, name, row.Name)
	}
}

func TestTemplateSourceInvalidConfRejectedBeforePersistence(t *testing.T) {
	setup(t)
	templateID, deviceIDs := createTemplateWithDevices(t, 2)

	_, err := testMgr.CreateTemplateSourceSink(templateID, repository.KindSource, &schema.CreateUpdateSourceSinkReq{
		ConfType: schema.ConfTypeCustomize,
		Base:     schema.BaseConf{Name: uniqueName("bad")},
		Conf:     json.RawMessage(`{"slave":1,"field":"value","data_type":{"type":"uint16"},"area":"holding_registers","address":100,"interval":500}`),
	})
	require.Error(t, err)
	assert.True(t, schema.IsConfigInvalid(err))

	for _, deviceID := range deviceIDs {
		rows, err := testRepo.ListDeviceSourceSinks(deviceID, repository.KindSource)
		require.NoError(t, err)
		assert.Len(t, rows, 0)
	}
}

func TestDeleteTemplateWithDerivedDevices(t *testing.T) {
	setup(t)
	templateID, deviceIDs := createTemplateWithDevices(t, 1)

	assert.ErrorIs(t, testMgr.DeleteDeviceTemplate(templateID), schema.ErrDeleteRefing)

	require.NoError(t, testMgr.Delete(deviceIDs[0]))
	require.NoError(t, testMgr.DeleteDeviceTemplate(templateID))
}

func TestCreateSourceNameCollisionLeavesStateUntouched(t *testing.T) {
	setup(t)
	_, deviceIDs := createTemplateWithDevices(t, 1)
	deviceID := deviceIDs[0]

	name := uniqueName("dup")
	_, err := testMgr.CreateSourceSink(deviceID, repository.KindSource, &schema.CreateUpdateSourceSinkReq{
		ConfType: schema.ConfTypeCustomize,
		Base:     schema.BaseConf{Name: name},
		Conf:     json.RawMessage(sourceConf),
	})
	require.NoError(t, err)

	_, err = testMgr.CreateSourceSink(deviceID, repository.KindSource, &schema.CreateUpdateSourceSinkReq{
		ConfType: schema.ConfTypeCustomize,
		Base:     schema.BaseConf{Name: name},
		Conf:     json.RawMessage(sourceConf),
	})
	assert.ErrorIs(t, err, schema.ErrNameExists)

	rows, err := testRepo.ListDeviceSourceSinks(deviceID, repository.KindSource)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
