// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/quickmsg/halia/pkg/schema"
)

// SourceSink is a source or sink child row. Device and app children share
// the layout; only the parent column name differs between the two tables.
type SourceSink struct {
	ID                   string  `db:"id"`
	ParentID             string  `db:"-"`
	Kind                 Kind    `db:"kind"`
	TemplateSourceSinkID *string `db:"template_source_sink_id"`
	Name                 string  `db:"name"`
	ConfType             string  `db:"conf_type"`
	Conf                 []byte  `db:"conf"`
	TemplateID           *string `db:"template_id"`
	Err                  *string `db:"err"`
	Ts                   int64   `db:"ts"`
}

type ssTable struct {
	table  string
	parent string
}

var (
	deviceChildren = ssTable{table: "device_sources_sinks", parent: "device_id"}
	appChildren    = ssTable{table: "app_sources_sinks", parent: "app_id"}
)

type sourceSinkScan struct {
	SourceSink
	DeviceID *string `db:"device_id"`
	AppID    *string `db:"app_id"`
}

func (s *sourceSinkScan) row() *SourceSink {
	ss := s.SourceSink
	if s.DeviceID != nil {
		ss.ParentID = *s.DeviceID
	}
	if s.AppID != nil {
		ss.ParentID = *s.AppID
	}
	return &ss
}

// execer abstracts *sqlx.DB and *sqlx.Tx so insert paths can run either
// standalone or inside the template propagation transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertSourceSink(e execer, t ssTable, ss *SourceSink) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (id, %s, kind, template_source_sink_id, name, conf_type, conf, template_id, err, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`, t.table, t.parent)
	_, err := e.Exec(query, ss.ID, ss.ParentID, ss.Kind, ss.TemplateSourceSinkID, ss.Name, ss.ConfType, ss.Conf, ss.TemplateID, timestamp())
	return err
}

func (r *Repository) getSourceSink(t ssTable, id string) (*SourceSink, error) {
	row := &sourceSinkScan{}
	if err := r.DB.Get(row, fmt.Sprintf(`SELECT * FROM %s WHERE id = ?`, t.table), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, schema.ErrNotFound
		}
		return nil, err
	}
	return row.row(), nil
}

func (r *Repository) listSourceSinks(t ssTable, parentID string, kind Kind) ([]*SourceSink, error) {
	rows, err := r.DB.Queryx(
		fmt.Sprintf(`SELECT * FROM %s WHERE %s = ? AND kind = ? ORDER BY ts DESC`, t.table, t.parent),
		parentID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*SourceSink{}
	for rows.Next() {
		row := &sourceSinkScan{}
		if err := rows.StructScan(row); err != nil {
			return nil, err
		}
		out = append(out, row.row())
	}
	return out, rows.Err()
}

func (r *Repository) sourceSinkNameExists(t ssTable, parentID string, kind Kind, name, excludeID string) (bool, error) {
	var count int
	err := r.DB.Get(&count,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ? AND kind = ? AND name = ? AND id != ?`, t.table, t.parent),
		parentID, kind, name, excludeID)
	return count > 0, err
}

func (r *Repository) updateSourceSink(t ssTable, id, name string, conf []byte) error {
	res, err := r.DB.Exec(
		fmt.Sprintf(`UPDATE %s SET name = ?, conf = ? WHERE id = ?`, t.table), name, conf, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *Repository) deleteSourceSinksByParent(t ssTable, parentID string) error {
	_, err := r.DB.Exec(fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, t.table, t.parent), parentID)
	return err
}

func (r *Repository) deleteSourceSink(t ssTable, id string) error {
	res, err := r.DB.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t.table), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

/* Device children */

func (r *Repository) InsertDeviceSourceSink(ss *SourceSink) error {
	exists, err := r.sourceSinkNameExists(deviceChildren, ss.ParentID, ss.Kind, ss.Name, "")
	if err != nil {
		return err
	}
	if exists {
		return schema.ErrNameExists
	}
	return insertSourceSink(r.DB, deviceChildren, ss)
}

// InsertDeviceSourceSinkTx is used by two-phase template propagation.
func InsertDeviceSourceSinkTx(tx *sqlx.Tx, ss *SourceSink) error {
	return insertSourceSink(tx, deviceChildren, ss)
}

func (r *Repository) GetDeviceSourceSink(id string) (*SourceSink, error) {
	return r.getSourceSink(deviceChildren, id)
}

func (r *Repository) ListDeviceSourceSinks(deviceID string, kind Kind) ([]*SourceSink, error) {
	return r.listSourceSinks(deviceChildren, deviceID, kind)
}

func (r *Repository) DeviceSourceSinkNameExists(deviceID string, kind Kind, name, excludeID string) (bool, error) {
	return r.sourceSinkNameExists(deviceChildren, deviceID, kind, name, excludeID)
}

func (r *Repository) UpdateDeviceSourceSink(id, name string, conf []byte) error {
	return r.updateSourceSink(deviceChildren, id, name, conf)
}

func (r *Repository) DeleteDeviceSourceSink(id string) error {
	return r.deleteSourceSink(deviceChildren, id)
}

// DeleteDeviceSourceSinksByDevice clears all children when their device
// goes away.
func (r *Repository) DeleteDeviceSourceSinksByDevice(deviceID string) error {
	return r.deleteSourceSinksByParent(deviceChildren, deviceID)
}

/* App children */

func (r *Repository) InsertAppSourceSink(ss *SourceSink) error {
	exists, err := r.sourceSinkNameExists(appChildren, ss.ParentID, ss.Kind, ss.Name, "")
	if err != nil {
		return err
	}
	if exists {
		return schema.ErrNameExists
	}
	return insertSourceSink(r.DB, appChildren, ss)
}

func (r *Repository) GetAppSourceSink(id string) (*SourceSink, error) {
	return r.getSourceSink(appChildren, id)
}

func (r *Repository) ListAppSourceSinks(appID string, kind Kind) ([]*SourceSink, error) {
	return r.listSourceSinks(appChildren, appID, kind)
}

func (r *Repository) AppSourceSinkNameExists(appID string, kind Kind, name, excludeID string) (bool, error) {
	return r.sourceSinkNameExists(appChildren, appID, kind, name, excludeID)
}

func (r *Repository) UpdateAppSourceSink(id, name string, conf []byte) error {
	return r.updateSourceSink(appChildren, id, name, conf)
}

func (r *Repository) DeleteAppSourceSink(id string) error {
	return r.deleteSourceSink(appChildren, id)
}

func (r *Repository) DeleteAppSourceSinksByApp(appID string) error {
	return r.deleteSourceSinksByParent(appChildren, appID)
}
