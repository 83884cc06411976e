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

type Device struct {
	ID         string  `db:"id"`
	Type       string  `db:"type"`
	Name       string  `db:"name"`
	Desc       []byte  `db:"des"`
	Conf       []byte  `db:"conf"`
	TemplateID *string `db:"template_id"`
	Status     int     `db:"status"`
	Err        *string `db:"err"`
	Ts         int64   `db:"ts"`
}

func (r *Repository) InsertDevice(id, typ, name string, desc *string, conf []byte, templateID *string) error {
	exists, err := r.DeviceNameExists(name, "")
	if err != nil {
		return err
	}
	if exists {
		return schema.ErrNameExists
	}

	_, err = r.DB.Exec(
		`INSERT INTO devices (id, type, name, des, conf, template_id, status, err, ts) VALUES (?, ?, ?, ?, ?, ?, 0, NULL, ?)`,
		id, typ, name, descBytes(desc), conf, templateID, timestamp())
	return err
}

func (r *Repository) GetDevice(id string) (*Device, error) {
	device := &Device{}
	if err := r.DB.Get(device, `SELECT * FROM devices WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, schema.ErrNotFound
		}
		return nil, err
	}
	return device, nil
}

func (r *Repository) ListDevices() ([]*Device, error) {
	devices := []*Device{}
	err := r.DB.Select(&devices, `SELECT * FROM devices ORDER BY ts DESC`)
	return devices, err
}

func (r *Repository) SearchDevices(q schema.QueryParams, p schema.Pagination) (int, []*Device, error) {
	return searchResources[Device](r, "devices", q, p)
}

func (r *Repository) UpdateDeviceConf(id, name string, desc *string, conf []byte) error {
	exists, err := r.DeviceNameExists(name, id)
	if err != nil {
		return err
	}
	if exists {
		return schema.ErrNameExists
	}

	res, err := r.DB.Exec(`UPDATE devices SET name = ?, des = ?, conf = ? WHERE id = ?`,
		name, descBytes(desc), conf, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *Repository) UpdateDeviceStatus(id string, on bool) error {
	res, err := r.DB.Exec(`UPDATE devices SET status = ? WHERE id = ?`, boolInt(on), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *Repository) UpdateDeviceErr(id string, errStr *string) error {
	_, err := r.DB.Exec(`UPDATE devices SET err = ? WHERE id = ?`, errStr, id)
	return err
}

func (r *Repository) DeleteDevice(id string) error {
	res, err := r.DB.Exec(`DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *Repository) DeviceNameExists(name, excludeID string) (bool, error) {
	var count int
	err := r.DB.Get(&count, `SELECT COUNT(*) FROM devices WHERE name = ? AND id != ?`, name, excludeID)
	return count > 0, err
}

func (r *Repository) CountDevicesByTemplateID(templateID string) (int, error) {
	var count int
	err := r.DB.Get(&count, `SELECT COUNT(*) FROM devices WHERE template_id = ?`, templateID)
	return count, err
}

func (r *Repository) ListDeviceIDsByTemplateID(templateID string) ([]string, error) {
	ids := []string{}
	err := r.DB.Select(&ids, `SELECT id FROM devices WHERE template_id = ?`, templateID)
	return ids, err
}

// InsertDeviceTx is the transactional variant used by template
// propagation, where device rows and their children must land atomically.
func InsertDeviceTx(tx *sqlx.Tx, id, typ, name string, desc *string, conf []byte, templateID *string) error {
	_, err := tx.Exec(
		`INSERT INTO devices (id, type, name, des, conf, template_id, status, err, ts) VALUES (?, ?, ?, ?, ?, ?, 0, NULL, ?)`,
		id, typ, name, descBytes(desc), conf, templateID, timestamp())
	return err
}
