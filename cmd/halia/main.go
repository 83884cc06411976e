// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"flag"
	"os"

	"github.com/joho/godotenv"

	"github.com/quickmsg/halia/internal/apps"
	"github.com/quickmsg/halia/internal/config"
	"github.com/quickmsg/halia/internal/devices"
	"github.com/quickmsg/halia/internal/repository"
	"github.com/quickmsg/halia/internal/rule"
	"github.com/quickmsg/halia/internal/taskmanager"
	"github.com/quickmsg/halia/pkg/log"
)

func main() {
	var flagConfigFile, flagLogLevel string
	var flagLogDate, flagMigrateDB, flagStopImmediately bool
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the global config options by those specified in `config.json`")
	flag.StringVar(&flagLogLevel, "loglevel", "", "Sets the logging level: `[debug, info (default), warn, err, crit]`")
	flag.BoolVar(&flagLogDate, "logdate", false, "Set this flag to add date and time to log messages")
	flag.BoolVar(&flagMigrateDB, "migrate-db", false, "Migrate database to the supported version and exit")
	flag.BoolVar(&flagStopImmediately, "no-server", false, "Do not start a server, stop right after initialization")
	flag.Parse()

	if err := godotenv.Load("./.env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("parsing './.env' file failed: %s", err.Error())
	}

	config.Init(flagConfigFile)

	if flagLogLevel != "" {
		config.Keys.LogLevel = flagLogLevel
	}
	if flagLogDate {
		config.Keys.LogDate = true
	}
	log.SetLogLevel(config.Keys.LogLevel)
	log.SetLogDateTime(config.Keys.LogDate)

	if flagMigrateDB {
		repository.MigrateDB(config.DBPath())
		return
	}

	repository.Connect(config.DBPath())
	repo := repository.GetRepository()

	// The order here is important: apps and devices must be rebuilt and
	// restarted before rules bind to their channels, and everything that
	// was on must run before the control surface accepts traffic.
	deviceManager := devices.Init(repo)
	appManager := apps.Init(repo)
	ruleManager := rule.Init(repo, deviceManager, appManager, config.RuleLogDir())

	if err := deviceManager.LoadFromRepository(); err != nil {
		log.Fatalf("loading devices failed: %s", err.Error())
	}
	if err := appManager.LoadFromRepository(); err != nil {
		log.Fatalf("loading apps failed: %s", err.Error())
	}
	if err := ruleManager.LoadFromRepository(); err != nil {
		log.Fatalf("loading rules failed: %s", err.Error())
	}

	taskmanager.Start()

	if flagStopImmediately {
		taskmanager.Shutdown()
		return
	}

	runServer()
}
