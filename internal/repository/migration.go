// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/quickmsg/halia/pkg/log"
)

const supportedVersion uint = 1

//go:embed migrations/*
var migrationFiles embed.FS

func checkDBVersion(db *sql.DB) {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		log.Fatal(err)
	}
	d, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		log.Fatal(err)
	}

	m, err := migrate.NewWithInstance("iofs", d, "sqlite3", driver)
	if err != nil {
		log.Fatal(err)
	}

	v, dirty, err := m.Version()
	if err != nil {
		if err == migrate.ErrNilVersion {
			log.Info("Empty database, running migrations")
			if err := m.Up(); err != nil && err != migrate.ErrNoChange {
				log.Fatal(err)
			}
			return
		}
		log.Fatal(err)
	}

	if dirty {
		log.Fatalf("Database is in a dirty migration state (version %d), manual intervention required", v)
	}

	if v < supportedVersion {
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatal(err)
		}
	}

	if v > supportedVersion {
		log.Fatalf("Unsupported database version %d, this build supports %d. Please refer to documentation how to downgrade db with external migrate tool!", v, supportedVersion)
	}
}

// RunMigrations applies the embedded schema to an open handle. Used by
// tests running against in-memory sqlite.
func RunMigrations(db *sqlx.DB) error {
	up, err := migrationFiles.ReadFile("migrations/sqlite3/01_init.up.sql")
	if err != nil {
		return err
	}
	_, err = db.Exec(string(up))
	return err
}

func MigrateDB(db string) {
	d, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		log.Fatal(err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, fmt.Sprintf("sqlite3://%s?_foreign_keys=on", db))
	if err != nil {
		log.Fatal(err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatal(err)
	}

	m.Close()
}
