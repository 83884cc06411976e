// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"database/sql"
	"errors"

	"github.com/quickmsg/halia/pkg/schema"
)

type Rule struct {
	ID     string `db:"id"`
	Name   string `db:"name"`
	Conf   []byte `db:"conf"`
	Status int    `db:"status"`
	Ts     int64  `db:"ts"`
}

func (r *Repository) InsertRule(id, name string, conf []byte) error {
	var count int
	if err := r.DB.Get(&count, `SELECT COUNT(*) FROM rules WHERE name = ?`, name); err != nil {
		return err
	}
	if count > 0 {
		return schema.ErrNameExists
	}

	_, err := r.DB.Exec(`INSERT INTO rules (id, name, conf, status, ts) VALUES (?, ?, ?, 0, ?)`,
		id, name, conf, timestamp())
	return err
}

func (r *Repository) GetRule(id string) (*Rule, error) {
	rule := &Rule{}
	if err := r.DB.Get(rule, `SELECT * FROM rules WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, schema.ErrNotFound
		}
		return nil, err
	}
	return rule, nil
}

func (r *Repository) ListRules() ([]*Rule, error) {
	rules := []*Rule{}
	err := r.DB.Select(&rules, `SELECT * FROM rules ORDER BY ts DESC`)
	return rules, err
}

func (r *Repository) UpdateRuleConf(id, name string, conf []byte) error {
	var count int
	if err := r.DB.Get(&count, `SELECT COUNT(*) FROM rules WHERE name = ? AND id != ?`, name, id); err != nil {
		return err
	}
	if count > 0 {
		return schema.ErrNameExists
	}

	res, err := r.DB.Exec(`UPDATE rules SET name = ?, conf = ? WHERE id = ?`, name, conf, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *Repository) UpdateRuleStatus(id string, on bool) error {
	res, err := r.DB.Exec(`UPDATE rules SET status = ? WHERE id = ?`, boolInt(on), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *Repository) DeleteRule(id string) error {
	res, err := r.DB.Exec(`DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
