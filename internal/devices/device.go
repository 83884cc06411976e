// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package devices is the process-wide registry of field connectors. It
// routes control operations and rule channel requests to the adapter
// owning the resource, and keeps desired state persisted.
package devices

import (
	"encoding/json"

	"github.com/quickmsg/halia/internal/devices/coap"
	"github.com/quickmsg/halia/internal/devices/modbus"
	"github.com/quickmsg/halia/internal/devices/opcua"
	"github.com/quickmsg/halia/internal/refcount"
	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/schema"
)

// Device is the contract every field adapter satisfies. Adapters live in
// subpackages and are wired up by the explicit type switch below; there is
// no open-ended registration.
type Device interface {
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
	WriteSourceValue(id string, value json.RawMessage) error

	CreateSink(id string, conf json.RawMessage) error
	UpdateSink(id string, conf json.RawMessage) error
	DeleteSink(id string) error

	SourceTracker(id string) (*refcount.Tracker, error)
	SinkTracker(id string) (*refcount.Tracker, error)
	SourceReceivers(id string, cnt int) ([]*channel.Subscriber[schema.RuleMessageBatch], error)
	SinkSender(id string) (*channel.Unicast[schema.RuleMessageBatch], error)
}

const (
	TypeModbus = "modbus"
	TypeCoap   = "coap"
	TypeOpcua  = "opcua"
)

func newDevice(id, typ string, conf json.RawMessage) (Device, error) {
	switch typ {
	case TypeModbus:
		return modbus.New(id, conf)
	case TypeCoap:
		return coap.New(id, conf)
	case TypeOpcua:
		return opcua.New(id, conf)
	default:
		return nil, schema.ConfigInvalid("unknown device type %q", typ)
	}
}

func newDeviceFromTemplate(id, typ string, customize, template json.RawMessage) (Device, error) {
	switch typ {
	case TypeModbus:
		return modbus.NewFromTemplate(id, customize, template)
	default:
		return nil, schema.ConfigInvalid("device type %q does not support templates", typ)
	}
}

func validateDeviceConf(typ string, conf json.RawMessage) error {
	switch typ {
	case TypeModbus:
		return modbus.ValidateDeviceConf(conf)
	case TypeCoap:
		return coap.ValidateDeviceConf(conf)
	case TypeOpcua:
		return opcua.ValidateDeviceConf(conf)
	default:
		return schema.ConfigInvalid("unknown device type %q", typ)
	}
}

func validateSourceConf(typ string, conf json.RawMessage) error {
	switch typ {
	case TypeModbus:
		return modbus.ValidateSourceConf(conf)
	case TypeCoap:
		return coap.ValidateSourceConf(conf)
	case TypeOpcua:
		return opcua.ValidateSourceConf(conf)
	default:
		return schema.ConfigInvalid("unknown device type %q", typ)
	}
}

func validateSinkConf(typ string, conf json.RawMessage) error {
	switch typ {
	case TypeModbus:
		return modbus.ValidateSinkConf(conf)
	case TypeCoap:
		return coap.ValidateSinkConf(conf)
	case TypeOpcua:
		return opcua.ValidateSinkConf(conf)
	default:
		return schema.ConfigInvalid("unknown device type %q", typ)
	}
}

// mergeSourceSinkConf computes the effective child config from a template
// overlay, per device type and child kind.
func mergeSourceSinkConf(typ string, kind string, customize, template json.RawMessage) (json.RawMessage, error) {
	switch typ {
	case TypeModbus:
		if kind == "source" {
			return modbus.MergeSourceConf(customize, template)
		}
		return modbus.MergeSinkConf(customize, template)
	default:
		return nil, schema.ConfigInvalid("device type %q does not support templates", typ)
	}
}

// CreateDeviceReq creates a device either from a full customize config or
// from a device template plus overlay.
type CreateDeviceReq struct {
	Type       string          `json:"type"`
	ConfType   schema.ConfType `json:"conf_type"`
	TemplateID *string         `json:"template_id,omitempty"`
	Base       schema.BaseConf `json:"base"`
	Conf       json.RawMessage `json:"conf"`
}

type UpdateDeviceReq struct {
	Base schema.BaseConf `json:"base"`
	Conf json.RawMessage `json:"conf"`
}

// DeviceResp is the list/read shape of a device.
type DeviceResp struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Name       string          `json:"name"`
	Desc       *string         `json:"desc,omitempty"`
	Conf       json.RawMessage `json:"conf"`
	TemplateID *string         `json:"template_id,omitempty"`
	On         bool            `json:"on"`
	Err        *string         `json:"err,omitempty"`
}

type SourceSinkResp struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	ConfType   string          `json:"conf_type"`
	TemplateID *string         `json:"template_id,omitempty"`
	Conf       json.RawMessage `json:"conf"`
}
