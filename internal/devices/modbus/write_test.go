// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickmsg/halia/pkg/schema"
)

type fakeTransport struct {
	calls []string
	addr  uint16
	value uint16
	and   uint16
	or    uint16
	multi []byte
}

func (f *fakeTransport) ReadCoils(address, quantity uint16) ([]byte, error) {
	f.calls = append(f.calls, "read_coils")
	return []byte{1}, nil
}

func (f *fakeTransport) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	f.calls = append(f.calls, "read_discrete_inputs")
	return []byte{0}, nil
}

func (f *fakeTransport) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	f.calls = append(f.calls, "read_holding_registers")
	return make([]byte, quantity*2), nil
}

func (f *fakeTransport) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	f.calls = append(f.calls, "read_input_registers")
	return make([]byte, quantity*2), nil
}

func (f *fakeTransport) WriteSingleCoil(address, value uint16) ([]byte, error) {
	f.calls = append(f.calls, "write_single_coil")
	f.addr, f.value = address, value
	return nil, nil
}

func (f *fakeTransport) WriteSingleRegister(address, value uint16) ([]byte, error) {
	f.calls = append(f.calls, "write_single_register")
	f.addr, f.value = address, value
	return nil, nil
}

func (f *fakeTransport) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	f.calls = append(f.calls, "write_multiple_registers")
	f.addr, f.multi = address, value
	return nil, nil
}

func (f *fakeTransport) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	f.calls = append(f.calls, "mask_write_register")
	f.addr, f.and, f.or = address, andMask, orMask
	return nil, nil
}

func TestWriteEventRejectsReadOnlyAreas(t *testing.T) {
	dt := DataType{Type: TypeUint16, Endian: endians(BigEndian)}
	_, err := NewWritePointEvent(1, AreaDiscreteInputs, 10, dt, uint16(5))
	assert.True(t, schema.IsConfigInvalid(err))
	_, err = NewWritePointEvent(1, AreaInputRegisters, 10, dt, uint16(5))
	assert.True(t, schema.IsConfigInvalid(err))
}

func TestWriteSingleCoil(t *testing.T) {
	f := &fakeTransport{}
	wpe, err := NewWritePointEvent(1, AreaCoils, 7, DataType{Type: TypeBool}, true)
	require.NoError(t, err)
	require.NoError(t, writeValue(f, wpe))
	assert.Equal(t, []string{"write_single_coil"}, f.calls)
	assert.Equal(t, uint16(0xFF00), f.value)
}

func TestMaskWriteForSubRegisterBool(t *testing.T) {
	f := &fakeTransport{}
	wpe, err := NewWritePointEvent(1, AreaHoldingRegisters, 3, DataType{Type: TypeBool, Pos: 2}, true)
	require.NoError(t, err)
	require.NoError(t, writeValue(f, wpe))
	assert.Equal(t, []string{"mask_write_register"}, f.calls)
	assert.Equal(t, uint16(^uint16(1<<2)), f.and)
	assert.Equal(t, uint16(1<<2), f.or)
}

func TestMaskWriteForSubRegisterByte(t *testing.T) {
	f := &fakeTransport{}
	dt := DataType{Type: TypeUint8, Endian: endians(LittleEndian)}
	wpe, err := NewWritePointEvent(1, AreaHoldingRegisters, 3, dt, uint8(0xAB))
	require.NoError(t, err)
	require.NoError(t, writeValue(f, wpe))
	assert.Equal(t, []string{"mask_write_register"}, f.calls)
	assert.Equal(t, uint16(0xFF00), f.and)
	assert.Equal(t, uint16(0x00AB), f.or)
}

func TestWriteSingleRegister(t *testing.T) {
	f := &fakeTransport{}
	dt := DataType{Type: TypeUint16, Endian: endians(BigEndian)}
	wpe, err := NewWritePointEvent(1, AreaHoldingRegisters, 100, dt, uint16(0x1234))
	require.NoError(t, err)
	require.NoError(t, writeValue(f, wpe))
	assert.Equal(t, []string{"write_single_register"}, f.calls)
	assert.Equal(t, uint16(0x1234), f.value)
}

func TestWriteMultipleRegisters(t *testing.T) {
	f := &fakeTransport{}
	dt := DataType{Type: TypeUint32, Endian: endians(BigEndian, BigEndian)}
	wpe, err := NewWritePointEvent(1, AreaHoldingRegisters, 100, dt, uint32(0xDEADBEEF))
	require.NoError(t, err)
	require.NoError(t, writeValue(f, wpe))
	assert.Equal(t, []string{"write_multiple_registers"}, f.calls)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, f.multi)
}

func TestBuildWriteEventVariableResolution(t *testing.T) {
	conf := &SinkConf{
		Slave:    1,
		DataType: DataType{Type: TypeUint16, Endian: endians(BigEndian)},
		Area:     AreaHoldingRegisters,
		Address:  5,
		Value:    ValueExpr{Type: ValueVariable, Value: []byte(`"temp"`)},
	}

	mb := schema.NewMessageBatch()
	msg := schema.NewMessage()
	msg.Set("temp", uint16(42))
	mb.Push(msg)

	wpe, ok := buildWriteEvent(conf, mb)
	require.True(t, ok)
	assert.Equal(t, uint16(5), wpe.Address)

	// unresolved reference skips the write silently
	empty := schema.NewMessageBatch()
	empty.Push(schema.NewMessage())
	_, ok = buildWriteEvent(conf, empty)
	assert.False(t, ok)
}
