// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSONObjectAndArray(t *testing.T) {
	mb, err := Decode(FormatJSON, []byte(`{"temp": 21.5}`))
	require.NoError(t, err)
	require.Equal(t, 1, mb.Len())
	v, ok := mb.Messages()[0].GetFloat64("temp")
	require.True(t, ok)
	assert.Equal(t, 21.5, v)

	mb, err = Decode("", []byte(`[{"a":1},{"a":2}]`))
	require.NoError(t, err)
	assert.Equal(t, 2, mb.Len())
}

func TestDecodeInflux(t *testing.T) {
	payload := []byte("weather,station=north temp=21.5,humidity=40i 1700000000000000000\n")
	mb, err := Decode(FormatInflux, payload)
	require.NoError(t, err)
	require.Equal(t, 1, mb.Len())

	msg := mb.Messages()[0]
	m, _ := msg.GetStr("measurement")
	assert.Equal(t, "weather", m)
	station, _ := msg.GetStr("station")
	assert.Equal(t, "north", station)
	temp, _ := msg.GetFloat64("temp")
	assert.Equal(t, 21.5, temp)
	humidity, _ := msg.GetInt64("humidity")
	assert.Equal(t, int64(40), humidity)
	ts, _ := msg.GetInt64("ts")
	assert.Equal(t, int64(1700000000000000000), ts)
}

func TestDecodeRejectsOversizePayload(t *testing.T) {
	big := make([]byte, MaxPayloadSize+1)
	_, err := Decode(FormatJSON, big)
	assert.Error(t, err)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(FormatJSON, []byte(`{"temp": `))
	assert.Error(t, err)

	_, err = Decode(FormatInflux, []byte(""))
	assert.Error(t, err)

	_, err = Decode("avro", []byte("x"))
	assert.Error(t, err)
}
