// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package modbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/quickmsg/halia/pkg/schema"
)

type Endian string

const (
	BigEndian    Endian = "big_endian"
	LittleEndian Endian = "little_endian"
)

type Area string

const (
	AreaCoils            Area = "coils"
	AreaDiscreteInputs   Area = "discrete_inputs"
	AreaHoldingRegisters Area = "holding_registers"
	AreaInputRegisters   Area = "input_registers"
)

func (a Area) Valid() bool {
	switch a {
	case AreaCoils, AreaDiscreteInputs, AreaHoldingRegisters, AreaInputRegisters:
		return true
	}
	return false
}

// Writable reports whether the area accepts writes at all.
func (a Area) Writable() bool {
	return a == AreaCoils || a == AreaHoldingRegisters
}

// DataType describes how a point's registers map to a message value. The
// endian list carries one word-endian for 8/16 bit types and strings, and
// word-endian plus word-order for 32/64 bit types (Modbus's double-swap
// problem).
type DataType struct {
	Type   string   `json:"type"`
	Pos    uint8    `json:"pos,omitempty"`    // bit position for sub-register bools
	Len    uint16   `json:"len,omitempty"`    // length in registers for string/bytes
	Single bool     `json:"single,omitempty"` // one ASCII char per register
	Endian []Endian `json:"endian,omitempty"`
}

const (
	TypeBool    = "bool"
	TypeInt8    = "int8"
	TypeUint8   = "uint8"
	TypeInt16   = "int16"
	TypeUint16  = "uint16"
	TypeInt32   = "int32"
	TypeUint32  = "uint32"
	TypeInt64   = "int64"
	TypeUint64  = "uint64"
	TypeFloat32 = "float32"
	TypeFloat64 = "float64"
	TypeString  = "string"
	TypeBytes   = "bytes"
)

func (dt *DataType) Validate() error {
	switch dt.Type {
	case TypeBool:
		if dt.Pos > 15 {
			return schema.ConfigInvalid("bool bit position %d out of range", dt.Pos)
		}
	case TypeInt8, TypeUint8, TypeInt16, TypeUint16:
		if err := dt.wantEndians(1); err != nil {
			return err
		}
	case TypeInt32, TypeUint32, TypeInt64, TypeUint64, TypeFloat32, TypeFloat64:
		if err := dt.wantEndians(2); err != nil {
			return err
		}
	case TypeString:
		if dt.Len == 0 {
			return schema.ConfigInvalid("string length must be positive")
		}
		if err := dt.wantEndians(1); err != nil {
			return err
		}
	case TypeBytes:
		if dt.Len == 0 {
			return schema.ConfigInvalid("bytes length must be positive")
		}
	default:
		return schema.ConfigInvalid("unknown data type %q", dt.Type)
	}
	return nil
}

func (dt *DataType) wantEndians(n int) error {
	if len(dt.Endian) != n {
		return schema.ConfigInvalid("data type %s needs %d endian parameters, got %d", dt.Type, n, len(dt.Endian))
	}
	for _, e := range dt.Endian {
		if e != BigEndian && e != LittleEndian {
			return schema.ConfigInvalid("unknown endian %q", e)
		}
	}
	return nil
}

// Quantity is the register (or coil) count one read of this type covers.
func (dt *DataType) Quantity() uint16 {
	switch dt.Type {
	case TypeBool, TypeInt8, TypeUint8, TypeInt16, TypeUint16:
		return 1
	case TypeInt32, TypeUint32, TypeFloat32:
		return 2
	case TypeInt64, TypeUint64, TypeFloat64:
		return 4
	case TypeString, TypeBytes:
		return dt.Len
	}
	return 0
}

func (dt *DataType) wordEndian() Endian {
	if len(dt.Endian) > 0 {
		return dt.Endian[0]
	}
	return BigEndian
}

func (dt *DataType) wordOrder() Endian {
	if len(dt.Endian) > 1 {
		return dt.Endian[1]
	}
	return BigEndian
}

// orient maps between wire order (big-endian words, high word first) and
// the device's declared layout. The swaps are symmetric, so the same
// routine serves decode and encode.
func (dt *DataType) orient(data []byte) {
	if dt.wordEndian() == LittleEndian {
		for i := 0; i+1 < len(data); i += 2 {
			data[i], data[i+1] = data[i+1], data[i]
		}
	}
	if dt.wordOrder() == LittleEndian {
		words := len(data) / 2
		for i := 0; i < words/2; i++ {
			hi := i * 2
			lo := (words - 1 - i) * 2
			data[hi], data[lo] = data[lo], data[hi]
			data[hi+1], data[lo+1] = data[lo+1], data[hi+1]
		}
	}
}

// Decode turns raw register bytes into a message value. It is total:
// malformed input yields nil rather than an error.
func (dt *DataType) Decode(data []byte) any {
	switch dt.Type {
	case TypeBool:
		switch len(data) {
		case 1:
			// coil read
			return data[0]&1 == 1
		case 2:
			word := binary.BigEndian.Uint16(data)
			return word&(1<<dt.Pos) != 0
		default:
			return nil
		}
	case TypeInt8, TypeUint8:
		if len(data) != 2 {
			return nil
		}
		b := data[1]
		if dt.wordEndian() == LittleEndian {
			b = data[0]
		}
		if dt.Type == TypeInt8 {
			return int8(b)
		}
		return uint8(b)
	case TypeInt16, TypeUint16:
		if len(data) != 2 {
			return nil
		}
		buf := []byte{data[0], data[1]}
		dt.orient(buf)
		v := binary.BigEndian.Uint16(buf)
		if dt.Type == TypeInt16 {
			return int16(v)
		}
		return v
	case TypeInt32, TypeUint32, TypeFloat32:
		if len(data) != 4 {
			return nil
		}
		buf := append([]byte(nil), data...)
		dt.orient(buf)
		v := binary.BigEndian.Uint32(buf)
		switch dt.Type {
		case TypeInt32:
			return int32(v)
		case TypeUint32:
			return v
		default:
			return math.Float32frombits(v)
		}
	case TypeInt64, TypeUint64, TypeFloat64:
		if len(data) != 8 {
			return nil
		}
		buf := append([]byte(nil), data...)
		dt.orient(buf)
		v := binary.BigEndian.Uint64(buf)
		switch dt.Type {
		case TypeInt64:
			return int64(v)
		case TypeUint64:
			return v
		default:
			return math.Float64frombits(v)
		}
	case TypeString:
		if len(data) != int(dt.Len)*2 {
			return nil
		}
		if dt.Single {
			out := make([]byte, 0, dt.Len)
			for i := 0; i < len(data); i += 2 {
				if dt.wordEndian() == LittleEndian {
					out = append(out, data[i])
				} else {
					out = append(out, data[i+1])
				}
			}
			return trimNul(string(out))
		}
		buf := append([]byte(nil), data...)
		if dt.wordEndian() == LittleEndian {
			for i := 0; i+1 < len(buf); i += 2 {
				buf[i], buf[i+1] = buf[i+1], buf[i]
			}
		}
		return trimNul(string(buf))
	case TypeBytes:
		if len(data) != int(dt.Len)*2 {
			return nil
		}
		return append([]byte(nil), data...)
	}
	return nil
}

// Encode maps a message value to register bytes in wire order. Numeric
// values outside the target domain truncate to the low bits (documented
// behavior, matching decode's width).
func (dt *DataType) Encode(value any) ([]byte, error) {
	switch dt.Type {
	case TypeBool:
		b, ok := asBool(value)
		if !ok {
			return nil, fmt.Errorf("value is not a bool")
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeInt8, TypeUint8:
		n, ok := asInt64(value)
		if !ok {
			return nil, fmt.Errorf("value is not an integer")
		}
		b := byte(n)
		if dt.wordEndian() == LittleEndian {
			return []byte{b, 0}, nil
		}
		return []byte{0, b}, nil
	case TypeInt16, TypeUint16:
		n, ok := asInt64(value)
		if !ok {
			return nil, fmt.Errorf("value is not an integer")
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(n))
		dt.orient(buf)
		return buf, nil
	case TypeInt32, TypeUint32:
		n, ok := asInt64(value)
		if !ok {
			return nil, fmt.Errorf("value is not an integer")
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(n))
		dt.orient(buf)
		return buf, nil
	case TypeInt64, TypeUint64:
		n, ok := asInt64(value)
		if !ok {
			return nil, fmt.Errorf("value is not an integer")
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(n))
		dt.orient(buf)
		return buf, nil
	case TypeFloat32:
		f, ok := asFloat64(value)
		if !ok {
			return nil, fmt.Errorf("value is not a number")
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(f)))
		dt.orient(buf)
		return buf, nil
	case TypeFloat64:
		f, ok := asFloat64(value)
		if !ok {
			return nil, fmt.Errorf("value is not a number")
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(f))
		dt.orient(buf)
		return buf, nil
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("value is not a string")
		}
		raw := make([]byte, 0, dt.Len*2)
		if dt.Single {
			for i := uint16(0); i < dt.Len; i++ {
				var c byte
				if int(i) < len(s) {
					c = s[i]
				}
				if dt.wordEndian() == LittleEndian {
					raw = append(raw, c, 0)
				} else {
					raw = append(raw, 0, c)
				}
			}
			return raw, nil
		}
		for i := uint16(0); i < dt.Len*2; i++ {
			var c byte
			if int(i) < len(s) {
				c = s[i]
			}
			raw = append(raw, c)
		}
		if dt.wordEndian() == LittleEndian {
			for i := 0; i+1 < len(raw); i += 2 {
				raw[i], raw[i+1] = raw[i+1], raw[i]
			}
		}
		return raw, nil
	case TypeBytes:
		b, ok := value.([]byte)
		if !ok {
			return nil, fmt.Errorf("value is not bytes")
		}
		raw := make([]byte, dt.Len*2)
		copy(raw, b)
		return raw, nil
	}
	return nil, fmt.Errorf("unknown data type %q", dt.Type)
}

func trimNul(s string) string {
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return s
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		if i, ok := asInt64(v); ok {
			return float64(i), true
		}
		return 0, false
	}
}
