// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package codec decodes broker payloads into message batches. JSON is the
// default; InfluxDB line protocol covers telemetry agents that emit it
// natively.
package codec

import (
	"fmt"
	"time"

	influx "github.com/influxdata/line-protocol/v2/lineprotocol"

	"github.com/quickmsg/halia/pkg/schema"
)

type PayloadFormat string

const (
	FormatJSON   PayloadFormat = "json"
	FormatInflux PayloadFormat = "influx"
)

func ValidFormat(f PayloadFormat) bool {
	return f == "" || f == FormatJSON || f == FormatInflux
}

// MaxPayloadSize bounds inbound payloads. Anything larger is dropped at
// decode time without touching the connector status.
const MaxPayloadSize = 1 << 20

// Decode turns a raw payload into a batch. An empty format means JSON.
func Decode(format PayloadFormat, payload []byte) (*schema.MessageBatch, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds the %d byte limit", len(payload), MaxPayloadSize)
	}
	switch format {
	case "", FormatJSON:
		return schema.BatchFromJSON(payload)
	case FormatInflux:
		return decodeInflux(payload)
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
}

// decodeInflux maps every line to one message: fields become message
// fields, tags become string fields, the measurement lands under
// "measurement" and the timestamp (if present) under "ts" as unix nanos.
func decodeInflux(payload []byte) (*schema.MessageBatch, error) {
	mb := schema.NewMessageBatch()
	dec := influx.NewDecoderWithBytes(payload)

	for dec.Next() {
		measurement, err := dec.Measurement()
		if err != nil {
			return nil, err
		}
		msg := schema.NewMessage()
		msg.Set("measurement", string(measurement))

		for {
			key, value, err := dec.NextTag()
			if err != nil {
				return nil, err
			}
			if key == nil {
				break
			}
			msg.Set(string(key), string(value))
		}

		for {
			key, value, err := dec.NextField()
			if err != nil {
				return nil, err
			}
			if key == nil {
				break
			}
			msg.Set(string(key), value.Interface())
		}

		t, err := dec.Time(influx.Nanosecond, time.Time{})
		if err != nil {
			return nil, err
		}
		if !t.IsZero() {
			msg.Set("ts", t.UnixNano())
		}

		mb.Push(msg)
	}
	if mb.Len() == 0 {
		return nil, fmt.Errorf("empty line protocol payload")
	}
	return mb, nil
}
