// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/quickmsg/halia/pkg/schema"
)

type DeviceTemplate struct {
	ID   string `db:"id"`
	Type string `db:"type"`
	Name string `db:"name"`
	Desc []byte `db:"des"`
	Conf []byte `db:"conf"`
	Ts   int64  `db:"ts"`
}

// TemplateSourceSink is a source/sink blueprint hanging off a device
// template. Adding one fans out a per-device child to every derived device.
type TemplateSourceSink struct {
	ID               string  `db:"id"`
	DeviceTemplateID string  `db:"device_template_id"`
	Kind             Kind    `db:"kind"`
	Name             string  `db:"name"`
	ConfType         string  `db:"conf_type"`
	TemplateID       *string `db:"template_id"`
	Conf             []byte  `db:"conf"`
	Ts               int64   `db:"ts"`
}

// SourceSinkTemplate is a standalone source/sink config blueprint usable
// from several device templates via the overlay mechanism.
type SourceSinkTemplate struct {
	ID         string `db:"id"`
	DeviceType string `db:"device_type"`
	Kind       Kind   `db:"kind"`
	Name       string `db:"name"`
	Conf       []byte `db:"conf"`
	Ts         int64  `db:"ts"`
}

func (r *Repository) InsertDeviceTemplate(id, typ, name string, desc *string, conf []byte) error {
	var count int
	if err := r.DB.Get(&count, `SELECT COUNT(*) FROM device_templates WHERE name = ?`, name); err != nil {
		return err
	}
	if count > 0 {
		return schema.ErrNameExists
	}

	_, err := r.DB.Exec(
		`INSERT INTO device_templates (id, type, name, des, conf, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		id, typ, name, descBytes(desc), conf, timestamp())
	return err
}

func (r *Repository) GetDeviceTemplate(id string) (*DeviceTemplate, error) {
	t := &DeviceTemplate{}
	if err := r.DB.Get(t, `SELECT * FROM device_templates WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, schema.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *Repository) ListDeviceTemplates() ([]*DeviceTemplate, error) {
	ts := []*DeviceTemplate{}
	err := r.DB.Select(&ts, `SELECT * FROM device_templates ORDER BY ts DESC`)
	return ts, err
}

// DeleteDeviceTemplate refuses while any derived device exists.
func (r *Repository) DeleteDeviceTemplate(id string) error {
	count, err := r.CountDevicesByTemplateID(id)
	if err != nil {
		return err
	}
	if count > 0 {
		return schema.ErrDeleteRefing
	}

	res, err := r.DB.Exec(`DELETE FROM device_templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// InsertTemplateSourceSinkTx persists the template-level child row. Called
// only inside the propagation transaction, after every derived device
// accepted the config.
func InsertTemplateSourceSinkTx(tx *sqlx.Tx, ts *TemplateSourceSink) error {
	_, err := tx.Exec(
		`INSERT INTO device_template_sources_sinks (id, device_template_id, kind, name, conf_type, template_id, conf, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.ID, ts.DeviceTemplateID, ts.Kind, ts.Name, ts.ConfType, ts.TemplateID, ts.Conf, timestamp())
	return err
}

func (r *Repository) ListTemplateSourceSinks(deviceTemplateID string, kind Kind) ([]*TemplateSourceSink, error) {
	out := []*TemplateSourceSink{}
	err := r.DB.Select(&out,
		`SELECT * FROM device_template_sources_sinks WHERE device_template_id = ? AND kind = ? ORDER BY ts DESC`,
		deviceTemplateID, kind)
	return out, err
}

func (r *Repository) TemplateSourceSinkNameExists(deviceTemplateID string, kind Kind, name string) (bool, error) {
	var count int
	err := r.DB.Get(&count,
		`SELECT COUNT(*) FROM device_template_sources_sinks WHERE device_template_id = ? AND kind = ? AND name = ?`,
		deviceTemplateID, kind, name)
	return count > 0, err
}

func (r *Repository) InsertSourceSinkTemplate(t *SourceSinkTemplate) error {
	var count int
	if err := r.DB.Get(&count, `SELECT COUNT(*) FROM source_sink_templates WHERE name = ?`, t.Name); err != nil {
		return err
	}
	if count > 0 {
		return schema.ErrNameExists
	}

	_, err := r.DB.Exec(
		`INSERT INTO source_sink_templates (id, device_type, kind, name, conf, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.DeviceType, t.Kind, t.Name, t.Conf, timestamp())
	return err
}

func (r *Repository) GetSourceSinkTemplate(id string) (*SourceSinkTemplate, error) {
	t := &SourceSinkTemplate{}
	if err := r.DB.Get(t, `SELECT * FROM source_sink_templates WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, schema.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *Repository) ListSourceSinkTemplates(deviceType string, kind Kind) ([]*SourceSinkTemplate, error) {
	out := []*SourceSinkTemplate{}
	err := r.DB.Select(&out,
		`SELECT * FROM source_sink_templates WHERE device_type = ? AND kind = ? ORDER BY ts DESC`,
		deviceType, kind)
	return out, err
}

func (r *Repository) DeleteSourceSinkTemplate(id string) error {
	var count int
	if err := r.DB.Get(&count,
		`SELECT COUNT(*) FROM device_template_sources_sinks WHERE template_id = ?`, id); err != nil {
		return err
	}
	if count > 0 {
		return schema.ErrDeleteRefing
	}

	res, err := r.DB.Exec(`DELETE FROM source_sink_templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
