// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"

	mb "github.com/grid-x/modbus"

	"github.com/quickmsg/halia/pkg/log"
	"github.com/quickmsg/halia/pkg/schema"
)

// WritePointEvent is one typed write, already encoded to register bytes.
// Construction validates that the target area permits writes at all.
type WritePointEvent struct {
	Slave    byte
	Area     Area
	Address  uint16
	DataType DataType
	Data     []byte
}

func NewWritePointEvent(slave byte, area Area, address uint16, dataType DataType, value any) (*WritePointEvent, error) {
	if !area.Writable() {
		return nil, schema.ConfigInvalid("area %q does not permit writes", area)
	}

	data, err := dataType.Encode(value)
	if err != nil {
		return nil, schema.ConfigInvalid("encode value: %v", err)
	}

	return &WritePointEvent{
		Slave:    slave,
		Area:     area,
		Address:  address,
		DataType: dataType,
		Data:     data,
	}, nil
}

// transport is the slice of the modbus client the device loop uses. The
// grid-x client satisfies it for TCP, RTU and RTU-over-TCP alike.
type transport interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
	MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error)
}

// writeValue turns the event into the narrowest protocol frame: single
// coil, single register, mask-write for sub-register values, or multiple
// registers. A protocol exception completes the request with a warning;
// only transport errors bubble up and break the connection.
func writeValue(t transport, wpe *WritePointEvent) error {
	var err error
	switch {
	case wpe.Area == AreaCoils && wpe.DataType.Type == TypeBool:
		var coil uint16
		if len(wpe.Data) > 0 && wpe.Data[0] == 1 {
			coil = 0xFF00
		}
		_, err = t.WriteSingleCoil(wpe.Address, coil)

	case wpe.Area == AreaHoldingRegisters && wpe.DataType.Type == TypeBool:
		andMask := ^(uint16(1) << wpe.DataType.Pos)
		var orMask uint16
		if len(wpe.Data) > 0 && wpe.Data[0] == 1 {
			orMask = uint16(1) << wpe.DataType.Pos
		}
		_, err = t.MaskWriteRegister(wpe.Address, andMask, orMask)

	case wpe.Area == AreaHoldingRegisters && (wpe.DataType.Type == TypeInt8 || wpe.DataType.Type == TypeUint8):
		// sub-register byte: touch only the addressed half
		if wpe.DataType.wordEndian() == LittleEndian {
			_, err = t.MaskWriteRegister(wpe.Address, 0xFF00, uint16(wpe.Data[0]))
		} else {
			_, err = t.MaskWriteRegister(wpe.Address, 0x00FF, uint16(wpe.Data[1])<<8)
		}

	case wpe.Area == AreaHoldingRegisters && (wpe.DataType.Type == TypeInt16 || wpe.DataType.Type == TypeUint16):
		_, err = t.WriteSingleRegister(wpe.Address, binary.BigEndian.Uint16(wpe.Data))

	case wpe.Area == AreaHoldingRegisters &&
		(wpe.DataType.Type == TypeString || wpe.DataType.Type == TypeBytes):
		if wpe.DataType.Quantity() == 1 {
			_, err = t.WriteSingleRegister(wpe.Address, binary.BigEndian.Uint16(wpe.Data))
		} else {
			_, err = t.WriteMultipleRegisters(wpe.Address, wpe.DataType.Quantity(), wpe.Data)
		}

	case wpe.Area == AreaHoldingRegisters:
		_, err = t.WriteMultipleRegisters(wpe.Address, wpe.DataType.Quantity(), wpe.Data)

	default:
		return fmt.Errorf("unwritable combination area=%s type=%s", wpe.Area, wpe.DataType.Type)
	}

	if err != nil {
		var mbErr *mb.Error
		if errors.As(err, &mbErr) {
			log.Warnf("modbus exception on write addr=%d: %v", wpe.Address, mbErr)
			return nil
		}
		return err
	}
	return nil
}

// readPoint issues the area-specific read and returns the raw bytes.
func readPoint(t transport, conf *SourceConf) ([]byte, error) {
	switch conf.Area {
	case AreaCoils:
		return t.ReadCoils(conf.Address, 1)
	case AreaDiscreteInputs:
		return t.ReadDiscreteInputs(conf.Address, 1)
	case AreaHoldingRegisters:
		return t.ReadHoldingRegisters(conf.Address, conf.DataType.Quantity())
	case AreaInputRegisters:
		return t.ReadInputRegisters(conf.Address, conf.DataType.Quantity())
	}
	return nil, fmt.Errorf("unknown area %q", conf.Area)
}
