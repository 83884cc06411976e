// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endians(e ...Endian) []Endian { return e }

func TestRoundTripNumeric(t *testing.T) {
	cases := []struct {
		name string
		dt   DataType
		in   any
	}{
		{"uint16 be", DataType{Type: TypeUint16, Endian: endians(BigEndian)}, uint16(0x1234)},
		{"uint16 le", DataType{Type: TypeUint16, Endian: endians(LittleEndian)}, uint16(0x1234)},
		{"int16 be", DataType{Type: TypeInt16, Endian: endians(BigEndian)}, int16(-1234)},
		{"int8 be", DataType{Type: TypeInt8, Endian: endians(BigEndian)}, int8(-7)},
		{"uint8 le", DataType{Type: TypeUint8, Endian: endians(LittleEndian)}, uint8(200)},
		{"uint32 be/be", DataType{Type: TypeUint32, Endian: endians(BigEndian, BigEndian)}, uint32(0x12345678)},
		{"uint32 le/be", DataType{Type: TypeUint32, Endian: endians(LittleEndian, BigEndian)}, uint32(0x12345678)},
		{"uint32 be/le", DataType{Type: TypeUint32, Endian: endians(BigEndian, LittleEndian)}, uint32(0x12345678)},
		{"uint32 le/le", DataType{Type: TypeUint32, Endian: endians(LittleEndian, LittleEndian)}, uint32(0x12345678)},
		{"int32", DataType{Type: TypeInt32, Endian: endians(BigEndian, LittleEndian)}, int32(-123456)},
		{"uint64", DataType{Type: TypeUint64, Endian: endians(LittleEndian, LittleEndian)}, uint64(0x123456789abcdef0)},
		{"int64", DataType{Type: TypeInt64, Endian: endians(BigEndian, BigEndian)}, int64(-9876543210)},
		{"float32", DataType{Type: TypeFloat32, Endian: endians(BigEndian, LittleEndian)}, float32(3.14)},
		{"float64", DataType{Type: TypeFloat64, Endian: endians(LittleEndian, BigEndian)}, float64(-2.718281828)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			raw, err := c.dt.Encode(c.in)
			require.NoError(t, err)
			assert.Len(t, raw, int(c.dt.Quantity())*2)
			assert.Equal(t, c.in, c.dt.Decode(raw))
		})
	}
}

func TestRoundTripString(t *testing.T) {
	cases := []DataType{
		{Type: TypeString, Len: 4, Single: true, Endian: endians(BigEndian)},
		{Type: TypeString, Len: 4, Single: true, Endian: endians(LittleEndian)},
		{Type: TypeString, Len: 2, Single: false, Endian: endians(BigEndian)},
		{Type: TypeString, Len: 2, Single: false, Endian: endians(LittleEndian)},
	}
	for _, dt := range cases {
		raw, err := dt.Encode("abcd")
		require.NoError(t, err)
		assert.Equal(t, "abcd", dt.Decode(raw))
	}
}

func TestRoundTripBytes(t *testing.T) {
	dt := DataType{Type: TypeBytes, Len: 2}
	raw, err := dt.Encode([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, dt.Decode(raw))
}

func TestEncodeTruncates(t *testing.T) {
	dt := DataType{Type: TypeInt8, Endian: endians(BigEndian)}
	// 0x1AB truncates to its low 8 bits, 0xAB
	raw, err := dt.Encode(int64(0x1AB))
	require.NoError(t, err)
	assert.Equal(t, int8(-85), dt.Decode(raw))
}

func TestDecodeIsTotal(t *testing.T) {
	cases := []struct {
		dt   DataType
		data []byte
	}{
		{DataType{Type: TypeUint16, Endian: endians(BigEndian)}, []byte{1}},
		{DataType{Type: TypeUint32, Endian: endians(BigEndian, BigEndian)}, []byte{1, 2}},
		{DataType{Type: TypeFloat64, Endian: endians(BigEndian, BigEndian)}, []byte{}},
		{DataType{Type: TypeString, Len: 4, Endian: endians(BigEndian)}, []byte{1, 2}},
		{DataType{Type: TypeBool}, []byte{1, 2, 3}},
	}
	for _, c := range cases {
		assert.Nil(t, c.dt.Decode(c.data))
	}
}

func TestBoolDecode(t *testing.T) {
	dt := DataType{Type: TypeBool}
	assert.Equal(t, true, dt.Decode([]byte{1}))
	assert.Equal(t, false, dt.Decode([]byte{0}))

	posDt := DataType{Type: TypeBool, Pos: 3}
	assert.Equal(t, true, posDt.Decode([]byte{0x00, 0x08}))
	assert.Equal(t, false, posDt.Decode([]byte{0x00, 0x04}))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, (&DataType{Type: TypeUint16, Endian: endians(BigEndian)}).Validate())
	assert.Error(t, (&DataType{Type: TypeUint16}).Validate())
	assert.Error(t, (&DataType{Type: TypeUint32, Endian: endians(BigEndian)}).Validate())
	assert.Error(t, (&DataType{Type: "complex"}).Validate())
	assert.Error(t, (&DataType{Type: TypeString, Endian: endians(BigEndian)}).Validate())
}
