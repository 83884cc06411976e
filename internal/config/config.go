// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the gateway's program configuration.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/quickmsg/halia/pkg/log"
)

// ProgramConfig is the whole config file. Defaults below suit a local
// deployment; the data dir may also come from HALIA_DATA_DIR.
type ProgramConfig struct {
	// Address where the http server will listen on (for example ':8080').
	Addr string `json:"addr"`

	// Directory holding the sqlite database and rule log files. The
	// process exits when it cannot be created.
	DataDir string `json:"data-dir"`

	// One of 'debug', 'info', 'warn', 'err', 'crit'.
	LogLevel string `json:"loglevel"`

	// Add date and time to log messages.
	LogDate bool `json:"logdate"`
}

var Keys ProgramConfig = ProgramConfig{
	Addr:     ":8080",
	DataDir:  "./var",
	LogLevel: "info",
}

// Init loads the config file (optional), applies the environment
// override for the data dir and validates the result.
func Init(flagConfigFile string) {
	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("reading config file %s: %v", flagConfigFile, err)
		}
	} else {
		Validate(configSchema, raw)

		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&Keys); err != nil {
			log.Fatalf("parsing config file %s: %v", flagConfigFile, err)
		}
	}

	if dir := os.Getenv("HALIA_DATA_DIR"); dir != "" {
		Keys.DataDir = dir
	}

	if err := os.MkdirAll(Keys.DataDir, 0o755); err != nil {
		log.Fatalf("cannot create data dir %s: %v", Keys.DataDir, err)
	}
}

// DBPath is the sqlite file inside the data dir.
func DBPath() string {
	return filepath.Join(Keys.DataDir, "halia.db")
}

// RuleLogDir holds per-rule log sink files.
func RuleLogDir() string {
	return filepath.Join(Keys.DataDir, "rule-logs")
}
