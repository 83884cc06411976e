// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package apps is the process-wide registry of cloud-facing connectors
// (brokers, HTTP endpoints). It mirrors the device registry for the app
// half of the data plane.
package apps

import (
	"encoding/json"

	"github.com/quickmsg/halia/internal/apps/httppush"
	"github.com/quickmsg/halia/internal/apps/mqtt"
	"github.com/quickmsg/halia/internal/apps/mqttv5"
	"github.com/quickmsg/halia/internal/apps/natsapp"
	"github.com/quickmsg/halia/internal/refcount"
	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/schema"
)

// App is the contract every cloud adapter satisfies.
type App interface {
	ID() string
	Type() string
	Err() string
	Running() bool

	Start() error
	Stop() error
	UpdateConf(conf json.RawMessage) error

	CreateSource(id string, conf json.RawMessage) error
	UpdateSource(id string, conf json.RawMessage) error
	DeleteSource(id string) error

	CreateSink(id string, conf json.RawMessage) error
	UpdateSink(id string, conf json.RawMessage) error
	DeleteSink(id string) error

	SourceTracker(id string) (*refcount.Tracker, error)
	SinkTracker(id string) (*refcount.Tracker, error)
	SourceReceivers(id string, cnt int) ([]*channel.Subscriber[schema.RuleMessageBatch], error)
	SinkSender(id string) (*channel.Unicast[schema.RuleMessageBatch], error)
}

const (
	TypeMqtt   = "mqtt"
	TypeMqttV5 = "mqttv5"
	TypeNats   = "nats"
	TypeHTTP   = "http"
)

func newApp(id, typ string, conf json.RawMessage) (App, error) {
	switch typ {
	case TypeMqtt:
		return mqtt.New(id, conf)
	case TypeMqttV5:
		return mqttv5.New(id, conf)
	case TypeNats:
		return natsapp.New(id, conf)
	case TypeHTTP:
		return httppush.New(id, conf)
	default:
		return nil, schema.ConfigInvalid("unknown app type %q", typ)
	}
}

func validateAppConf(typ string, conf json.RawMessage) error {
	switch typ {
	case TypeMqtt:
		return mqtt.ValidateAppConf(conf)
	case TypeMqttV5:
		return mqttv5.ValidateAppConf(conf)
	case TypeNats:
		return natsapp.ValidateAppConf(conf)
	case TypeHTTP:
		return httppush.ValidateAppConf(conf)
	default:
		return schema.ConfigInvalid("unknown app type %q", typ)
	}
}

func validateSourceConf(typ string, conf json.RawMessage) error {
	switch typ {
	case TypeMqtt:
		return mqtt.ValidateSourceConf(conf)
	case TypeMqttV5:
		return mqttv5.ValidateSourceConf(conf)
	case TypeNats:
		return natsapp.ValidateSourceConf(conf)
	case TypeHTTP:
		return httppush.ValidateSourceConf(conf)
	default:
		return schema.ConfigInvalid("unknown app type %q", typ)
	}
}

func validateSinkConf(typ string, conf json.RawMessage) error {
	switch typ {
	case TypeMqtt:
		return mqtt.ValidateSinkConf(conf)
	case TypeMqttV5:
		return mqttv5.ValidateSinkConf(conf)
	case TypeNats:
		return natsapp.ValidateSinkConf(conf)
	case TypeHTTP:
		return httppush.ValidateSinkConf(conf)
	default:
		return schema.ConfigInvalid("unknown app type %q", typ)
	}
}

type CreateAppReq struct {
	Type string          `json:"type"`
	Base schema.BaseConf `json:"base"`
	Conf json.RawMessage `json:"conf"`
}

type UpdateAppReq struct {
	Base schema.BaseConf `json:"base"`
	Conf json.RawMessage `json:"conf"`
}

type AppResp struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Name string          `json:"name"`
	Desc *string         `json:"desc,omitempty"`
	Conf json.RawMessage `json:"conf"`
	On   bool            `json:"on"`
	Err  *string         `json:"err,omitempty"`
}

type SourceSinkResp struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Conf json.RawMessage `json:"conf"`
}
