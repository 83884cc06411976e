// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"

	"github.com/quickmsg/halia/pkg/log"
	"github.com/quickmsg/halia/pkg/schema"
)

type App struct {
	ID     string  `db:"id"`
	Type   string  `db:"type"`
	Name   string  `db:"name"`
	Desc   []byte  `db:"des"`
	Conf   []byte  `db:"conf"`
	Status int     `db:"status"`
	Err    *string `db:"err"`
	Ts     int64   `db:"ts"`
}

func (r *Repository) InsertApp(id, typ, name string, desc *string, conf []byte) error {
	exists, err := r.AppNameExists(name, "")
	if err != nil {
		return err
	}
	if exists {
		return schema.ErrNameExists
	}

	_, err = r.DB.Exec(
		`INSERT INTO apps (id, type, name, des, conf, status, err, ts) VALUES (?, ?, ?, ?, ?, 0, NULL, ?)`,
		id, typ, name, descBytes(desc), conf, timestamp())
	return err
}

func (r *Repository) GetApp(id string) (*App, error) {
	app := &App{}
	if err := r.DB.Get(app, `SELECT * FROM apps WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, schema.ErrNotFound
		}
		return nil, err
	}
	return app, nil
}

func (r *Repository) ListApps() ([]*App, error) {
	apps := []*App{}
	if err := r.DB.Select(&apps, `SELECT * FROM apps ORDER BY ts DESC`); err != nil {
		log.Warn("Error while listing apps")
		return nil, err
	}
	return apps, nil
}

// SearchApps applies the query filters and pagination in SQL and returns
// the unpaginated match count alongside the page.
func (r *Repository) SearchApps(q schema.QueryParams, p schema.Pagination) (int, []*App, error) {
	return searchResources[App](r, "apps", q, p)
}

func (r *Repository) UpdateAppConf(id, name string, desc *string, conf []byte) error {
	exists, err := r.AppNameExists(name, id)
	if err != nil {
		return err
	}
	if exists {
		return schema.ErrNameExists
	}

	res, err := r.DB.Exec(`UPDATE apps SET name = ?, des = ?, conf = ? WHERE id = ?`,
		name, descBytes(desc), conf, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *Repository) UpdateAppStatus(id string, on bool) error {
	res, err := r.DB.Exec(`UPDATE apps SET status = ? WHERE id = ?`, boolInt(on), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *Repository) UpdateAppErr(id string, errStr *string) error {
	_, err := r.DB.Exec(`UPDATE apps SET err = ? WHERE id = ?`, errStr, id)
	return err
}

func (r *Repository) DeleteApp(id string) error {
	res, err := r.DB.Exec(`DELETE FROM apps WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *Repository) AppNameExists(name, excludeID string) (bool, error) {
	var count int
	err := r.DB.Get(&count, `SELECT COUNT(*) FROM apps WHERE name = ? AND id != ?`, name, excludeID)
	return count > 0, err
}

// searchResources is shared by the app and device list endpoints; both
// tables carry the name/type/status/err columns the filters touch.
func searchResources[T any](
	r *Repository,
	table string,
	q schema.QueryParams,
	p schema.Pagination,
) (int, []*T, error) {
	where := sq.And{}
	if q.Name != nil {
		where = append(where, sq.Like{"name": "%" + *q.Name + "%"})
	}
	if q.Type != nil {
		where = append(where, sq.Eq{"type": *q.Type})
	}
	if q.On != nil {
		where = append(where, sq.Eq{"status": boolInt(*q.On)})
	}
	if q.Err != nil {
		if *q.Err {
			where = append(where, sq.NotEq{"err": nil})
		} else {
			where = append(where, sq.Eq{"err": nil})
		}
	}

	countQuery := sq.Select("COUNT(*)").From(table)
	listQuery := sq.Select("*").From(table).OrderBy("ts DESC")
	if len(where) > 0 {
		countQuery = countQuery.Where(where)
		listQuery = listQuery.Where(where)
	}

	countSQL, countArgs, err := countQuery.ToSql()
	if err != nil {
		return 0, nil, err
	}
	var total int
	if err := r.DB.Get(&total, countSQL, countArgs...); err != nil {
		return 0, nil, err
	}

	offset, limit := p.Window()
	listSQL, listArgs, err := listQuery.Offset(uint64(offset)).Limit(uint64(limit)).ToSql()
	if err != nil {
		return 0, nil, err
	}

	rows, err := r.DB.Queryx(listSQL, listArgs...)
	if err != nil {
		log.Warnf("Error while searching %s", table)
		return 0, nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		row := new(T)
		if err := rows.StructScan(row); err != nil {
			return 0, nil, err
		}
		out = append(out, row)
	}
	return total, out, rows.Err()
}

func descBytes(desc *string) []byte {
	if desc == nil {
		return nil
	}
	return []byte(*desc)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.ErrNotFound
	}
	return nil
}
