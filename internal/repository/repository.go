// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package repository persists the desired state of every gateway resource:
// apps, devices, their sources and sinks, templates, rules and rule
// references. The runtime is rebuilt from these tables at startup.
package repository

import (
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quickmsg/halia/pkg/log"
)

var (
	repoOnce     sync.Once
	repoInstance *Repository
)

type Repository struct {
	DB *sqlx.DB
}

func GetRepository() *Repository {
	repoOnce.Do(func() {
		repoInstance = &Repository{DB: GetConnection().DB}
	})
	return repoInstance
}

// NewRepository wraps an explicit connection. Used by tests; production
// code goes through GetRepository.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{DB: db}
}

func timestamp() int64 {
	return time.Now().UnixMilli()
}

// WithTx runs fn inside one transaction. Inserts are bundled into
// transactions because in sqlite, that speeds up inserts A LOT. The
// template propagation path also relies on all-or-nothing row writes.
func (r *Repository) WithTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := r.DB.Beginx()
	if err != nil {
		log.Warn("Error while starting transaction")
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warnf("Error while rolling back transaction: %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		log.Warn("Error while committing transaction")
		return err
	}
	return nil
}

// Kind discriminates the two child flavors sharing one table layout.
type Kind string

const (
	KindSource Kind = "source"
	KindSink   Kind = "sink"
)
