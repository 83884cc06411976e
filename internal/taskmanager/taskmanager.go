// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package taskmanager schedules the gateway's periodic housekeeping:
// rotated rule-log sweeps and error-state synchronisation into the store.
package taskmanager

import (
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/quickmsg/halia/internal/apps"
	"github.com/quickmsg/halia/internal/devices"
	"github.com/quickmsg/halia/internal/rule"
	"github.com/quickmsg/halia/pkg/log"
)

var s gocron.Scheduler

func Start() {
	var err error
	s, err = gocron.NewScheduler()
	if err != nil {
		log.Fatalf("taskmanager: could not create gocron scheduler: %s", err.Error())
	}

	registerLogSweep()
	registerErrSync()

	s.Start()
}

func Shutdown() {
	if s != nil {
		if err := s.Shutdown(); err != nil {
			log.Warnf("taskmanager shutdown: %v", err)
		}
	}
}

func registerLogSweep() {
	logDir := rule.GetManager().LogDir()
	_, err := s.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(func() {
			rule.SweepRotatedLogs(logDir)
		}),
	)
	if err != nil {
		log.Errorf("taskmanager: register log sweep: %v", err)
	}
}

// registerErrSync keeps the persisted err column close to the runtime
// state so the list endpoints' err filter stays useful between searches.
func registerErrSync() {
	_, err := s.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(func() {
			devices.GetManager().SyncErrStates()
			apps.GetManager().SyncErrStates()
		}),
	)
	if err != nil {
		log.Errorf("taskmanager: register err sync: %v", err)
	}
}
