// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package modbus

import (
	"encoding/json"

	"github.com/quickmsg/halia/internal/connector"
	"github.com/quickmsg/halia/pkg/schema"
)

type LinkType string

const (
	LinkEthernet LinkType = "ethernet"
	LinkSerial   LinkType = "serial"
)

type EthernetEncode string

const (
	EncodeTCP        EthernetEncode = "tcp"
	EncodeRTUOverTCP EthernetEncode = "rtu_over_tcp"
)

type EthernetConf struct {
	Host   string         `json:"host"`
	Port   uint16         `json:"port"`
	Encode EthernetEncode `json:"encode"`
}

type SerialConf struct {
	Path     string `json:"path"`
	BaudRate uint   `json:"baud_rate"`
	DataBits uint   `json:"data_bits"`
	Parity   string `json:"parity"` // N, O, E
	StopBits uint   `json:"stop_bits"`
}

// DeviceConf is the transport half of a Modbus device. Interval throttles
// back-to-back writes in milliseconds; Reconnect is the back-off in
// seconds.
type DeviceConf struct {
	LinkType  LinkType      `json:"link_type"`
	Reconnect uint64        `json:"reconnect"`
	Interval  uint64        `json:"interval"`
	Ethernet  *EthernetConf `json:"ethernet,omitempty"`
	Serial    *SerialConf   `json:"serial,omitempty"`
}

// SourceConf is one point read on its own period.
type SourceConf struct {
	Slave    byte     `json:"slave"`
	Field    string   `json:"field"`
	DataType DataType `json:"data_type"`
	Area     Area     `json:"area"`
	Address  uint16   `json:"address"`
	Interval uint64   `json:"interval"` // ms
}

type ValueExprType string

const (
	ValueConst    ValueExprType = "const"
	ValueVariable ValueExprType = "variable"
)

// ValueExpr resolves a sink's written value: either a constant, or a
// reference to a field of the incoming message.
type ValueExpr struct {
	Type  ValueExprType   `json:"type"`
	Value json.RawMessage `json:"value"`
}

type SinkConf struct {
	Slave     byte                    `json:"slave"`
	DataType  DataType                `json:"data_type"`
	Area      Area                    `json:"area"`
	Address   uint16                  `json:"address"`
	Value     ValueExpr               `json:"value"`
	Retention connector.RetentionConf `json:"retention"`
}

func ValidateDeviceConf(raw json.RawMessage) error {
	var conf DeviceConf
	if err := unmarshalStrict(raw, &conf); err != nil {
		return schema.ConfigInvalid("modbus device conf: %v", err)
	}
	switch conf.LinkType {
	case LinkEthernet:
		if conf.Ethernet == nil {
			return schema.ConfigInvalid("ethernet link needs an ethernet section")
		}
		if conf.Ethernet.Host == "" || conf.Ethernet.Port == 0 {
			return schema.ConfigInvalid("ethernet host and port are required")
		}
		if conf.Ethernet.Encode != EncodeTCP && conf.Ethernet.Encode != EncodeRTUOverTCP {
			return schema.ConfigInvalid("unknown ethernet encode %q", conf.Ethernet.Encode)
		}
	case LinkSerial:
		if conf.Serial == nil {
			return schema.ConfigInvalid("serial link needs a serial section")
		}
		if conf.Serial.Path == "" {
			return schema.ConfigInvalid("serial path is required")
		}
	default:
		return schema.ConfigInvalid("unknown link type %q", conf.LinkType)
	}
	return nil
}

func ValidateSourceConf(raw json.RawMessage) error {
	var conf SourceConf
	if err := unmarshalStrict(raw, &conf); err != nil {
		return schema.ConfigInvalid("modbus source conf: %v", err)
	}
	if !conf.Area.Valid() {
		return schema.ConfigInvalid("unknown area %q", conf.Area)
	}
	if conf.Field == "" {
		return schema.ConfigInvalid("field name is required")
	}
	if conf.Interval == 0 {
		return schema.ConfigInvalid("interval must be positive")
	}
	return conf.DataType.Validate()
}

func ValidateSinkConf(raw json.RawMessage) error {
	var conf SinkConf
	if err := unmarshalStrict(raw, &conf); err != nil {
		return schema.ConfigInvalid("modbus sink conf: %v", err)
	}
	if !conf.Area.Writable() {
		return schema.ConfigInvalid("area %q does not permit writes", conf.Area)
	}
	if conf.Value.Type != ValueConst && conf.Value.Type != ValueVariable {
		return schema.ConfigInvalid("unknown value expression type %q", conf.Value.Type)
	}
	return conf.DataType.Validate()
}

/* Template overlays. The template fixes the shared shape; the per-device
   customize overlay carries only what differs between devices. */

type DeviceCustomizeConf struct {
	Ethernet *struct {
		Host string `json:"host"`
		Port uint16 `json:"port"`
	} `json:"ethernet,omitempty"`
	Serial *struct {
		Path string `json:"path"`
	} `json:"serial,omitempty"`
}

type DeviceTemplateConf struct {
	LinkType  LinkType `json:"link_type"`
	Reconnect uint64   `json:"reconnect"`
	Interval  uint64   `json:"interval"`
	Ethernet  *struct {
		Encode EthernetEncode `json:"encode"`
	} `json:"ethernet,omitempty"`
	Serial *struct {
		BaudRate uint   `json:"baud_rate"`
		DataBits uint   `json:"data_bits"`
		Parity   string `json:"parity"`
		StopBits uint   `json:"stop_bits"`
	} `json:"serial,omitempty"`
}

// MergeDeviceConf computes the effective device config from a customize
// overlay and its template. It is total over validated inputs.
func MergeDeviceConf(customize, template json.RawMessage) (json.RawMessage, error) {
	var c DeviceCustomizeConf
	if err := json.Unmarshal(customize, &c); err != nil {
		return nil, schema.ConfigInvalid("modbus customize conf: %v", err)
	}
	var t DeviceTemplateConf
	if err := json.Unmarshal(template, &t); err != nil {
		return nil, schema.ConfigInvalid("modbus template conf: %v", err)
	}

	conf := DeviceConf{
		LinkType:  t.LinkType,
		Reconnect: t.Reconnect,
		Interval:  t.Interval,
	}
	switch t.LinkType {
	case LinkEthernet:
		if c.Ethernet == nil || t.Ethernet == nil {
			return nil, schema.ConfigInvalid("ethernet template needs ethernet overlays")
		}
		conf.Ethernet = &EthernetConf{
			Host:   c.Ethernet.Host,
			Port:   c.Ethernet.Port,
			Encode: t.Ethernet.Encode,
		}
	case LinkSerial:
		if c.Serial == nil || t.Serial == nil {
			return nil, schema.ConfigInvalid("serial template needs serial overlays")
		}
		conf.Serial = &SerialConf{
			Path:     c.Serial.Path,
			BaudRate: t.Serial.BaudRate,
			DataBits: t.Serial.DataBits,
			Parity:   t.Serial.Parity,
			StopBits: t.Serial.StopBits,
		}
	default:
		return nil, schema.ConfigInvalid("unknown link type %q", t.LinkType)
	}

	out, err := json.Marshal(conf)
	if err != nil {
		return nil, err
	}
	if err := ValidateDeviceConf(out); err != nil {
		return nil, err
	}
	return out, nil
}

type SourceCustomizeConf struct {
	Slave byte   `json:"slave"`
	Field string `json:"field,omitempty"`
}

type SourceTemplateConf struct {
	Field    string   `json:"field"`
	DataType DataType `json:"data_type"`
	Area     Area     `json:"area"`
	Address  uint16   `json:"address"`
	Interval uint64   `json:"interval"`
}

func MergeSourceConf(customize, template json.RawMessage) (json.RawMessage, error) {
	var c SourceCustomizeConf
	if err := json.Unmarshal(customize, &c); err != nil {
		return nil, schema.ConfigInvalid("modbus source customize conf: %v", err)
	}
	var t SourceTemplateConf
	if err := json.Unmarshal(template, &t); err != nil {
		return nil, schema.ConfigInvalid("modbus source template conf: %v", err)
	}

	field := t.Field
	if c.Field != "" {
		field = c.Field
	}
	out, err := json.Marshal(SourceConf{
		Slave:    c.Slave,
		Field:    field,
		DataType: t.DataType,
		Area:     t.Area,
		Address:  t.Address,
		Interval: t.Interval,
	})
	if err != nil {
		return nil, err
	}
	if err := ValidateSourceConf(out); err != nil {
		return nil, err
	}
	return out, nil
}

type SinkCustomizeConf struct {
	Slave byte `json:"slave"`
}

type SinkTemplateConf struct {
	DataType  DataType                `json:"data_type"`
	Area      Area                    `json:"area"`
	Address   uint16                  `json:"address"`
	Value     ValueExpr               `json:"value"`
	Retention connector.RetentionConf `json:"retention"`
}

func MergeSinkConf(customize, template json.RawMessage) (json.RawMessage, error) {
	var c SinkCustomizeConf
	if err := json.Unmarshal(customize, &c); err != nil {
		return nil, schema.ConfigInvalid("modbus sink customize conf: %v", err)
	}
	var t SinkTemplateConf
	if err := json.Unmarshal(template, &t); err != nil {
		return nil, schema.ConfigInvalid("modbus sink template conf: %v", err)
	}

	out, err := json.Marshal(SinkConf{
		Slave:     c.Slave,
		DataType:  t.DataType,
		Area:      t.Area,
		Address:   t.Address,
		Value:     t.Value,
		Retention: t.Retention,
	})
	if err != nil {
		return nil, err
	}
	if err := ValidateSinkConf(out); err != nil {
		return nil, err
	}
	return out, nil
}

func unmarshalStrict(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}
