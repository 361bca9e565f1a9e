// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package modbus provides Modbus TCP and RTU clients and servers.
//
// Servers expose an in-memory register table per unit (holding registers,
// input registers, coils and discrete inputs). In asynchronous mode (the
// default) requests are served as soon as they arrive and the application
// must hold the server lock while touching the buffers. In synchronous mode
// requests are only answered when the application calls Update.
package modbus

import (
	"fmt"
	"time"
)

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// Special unit identifiers.
const (
	// BroadcastUnitID addresses every unit on a serial line. Only write
	// requests may be broadcast and no response is returned.
	BroadcastUnitID UnitID = 0

	// AnyUnitID disables the unit identifier check of the RTU framer.
	AnyUnitID UnitID = 255
)

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Supported Modbus function codes (conformance classes 0 to 2).
const (
	FuncReadCoils                  FunctionCode = 0x01
	FuncReadDiscreteInputs         FunctionCode = 0x02
	FuncReadHoldingRegisters       FunctionCode = 0x03
	FuncReadInputRegisters         FunctionCode = 0x04
	FuncWriteSingleCoil            FunctionCode = 0x05
	FuncWriteSingleRegister        FunctionCode = 0x06
	FuncWriteMultipleCoils         FunctionCode = 0x0F
	FuncWriteMultipleRegisters     FunctionCode = 0x10
	FuncReadWriteMultipleRegisters FunctionCode = 0x17

	// FuncErrorFlag is set on the function code of exception responses.
	FuncErrorFlag FunctionCode = 0x80
)

// String returns a string representation of FunctionCode.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	case FuncReadWriteMultipleRegisters:
		return "ReadWriteMultipleRegisters"
	default:
		if fc&FuncErrorFlag != 0 {
			return fmt.Sprintf("Error(%s)", (fc &^ FuncErrorFlag).String())
		}
		return "Unknown"
	}
}

// IsError reports whether fc carries the exception flag.
func (fc FunctionCode) IsError() bool {
	return fc&FuncErrorFlag != 0
}

// isRead reports whether fc answers with a byte count followed by data.
func (fc FunctionCode) isRead() bool {
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters,
		FuncReadInputRegisters, FuncReadWriteMultipleRegisters:
		return true
	}
	return false
}

// isWrite reports whether fc answers with a fixed address/value echo.
func (fc FunctionCode) isWrite() bool {
	switch fc {
	case FuncWriteSingleCoil, FuncWriteSingleRegister,
		FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		return true
	}
	return false
}

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils that can be read.
	MaxQuantityCoils = 2000

	// MaxQuantityDiscreteInputs is the maximum number of discrete inputs that can be read.
	MaxQuantityDiscreteInputs = 2000

	// MaxQuantityWriteCoils is the maximum number of coils that can be written.
	MaxQuantityWriteCoils = 1968

	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteRegisters is the maximum number of registers that can be written.
	MaxQuantityWriteRegisters = 123

	// MaxQuantityReadWriteRead is the read quantity limit of FC23.
	MaxQuantityReadWriteRead = 125

	// MaxQuantityReadWriteWrite is the write quantity limit of FC23.
	MaxQuantityReadWriteWrite = 121

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// TCPFrameSize is the maximum size of a Modbus TCP frame.
	TCPFrameSize = 260

	// RTUFrameSize is the maximum size of a Modbus RTU frame.
	RTUFrameSize = 256

	// MaxPDUSize is the maximum size of a protocol data unit.
	MaxPDUSize = 253

	// MaxAddress is the highest addressable element of every bank.
	MaxAddress = 65535

	// DefaultTimeout is the default timeout for Modbus operations.
	DefaultTimeout = 5 * time.Second

	// DefaultConnectionTimeout is the idle time after which a server
	// connection is evicted.
	DefaultConnectionTimeout = time.Minute

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502
)

// Coil values for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// DataKind enumerates the four register banks of a unit.
type DataKind uint8

// Register banks.
const (
	HoldingRegisters DataKind = iota
	InputRegisters
	Coils
	DiscreteInputs
	numDataKinds
)

var dataKindNames = [numDataKinds]string{
	"holding registers",
	"input registers",
	"coils",
	"discrete inputs",
}

// String returns the name of the bank.
func (k DataKind) String() string {
	if k < numDataKinds {
		return dataKindNames[k]
	}
	return fmt.Sprintf("unknown data kind %d", uint8(k))
}

// IsReadOnly reports whether clients may only read the bank.
func (k DataKind) IsReadOnly() bool {
	return k == InputRegisters || k == DiscreteInputs
}

// IsBit reports whether one address of the bank holds a single bit.
func (k DataKind) IsBit() bool {
	return k == Coils || k == DiscreteInputs
}

// Endianness is the byte order of multi-byte values carried in registers.
type Endianness uint8

const (
	// LittleEndian transfers values exactly as they are laid out in memory
	// on little-endian hosts.
	LittleEndian Endianness = iota
	// BigEndian transfers values most significant byte first.
	BigEndian
)

// String returns the name of the byte order.
func (e Endianness) String() string {
	if e == BigEndian {
		return "big-endian"
	}
	return "little-endian"
}

// Mode selects the framing used by a client.
type Mode uint8

const (
	// ModeTCP uses MBAP framing over a TCP stream.
	ModeTCP Mode = iota
	// ModeRTU uses RTU framing over a serial port.
	ModeRTU
	// ModeRTUOverTCP uses RTU framing over a TCP stream.
	ModeRTUOverTCP
)

// String returns the name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeTCP:
		return "tcp"
	case ModeRTU:
		return "rtu"
	case ModeRTUOverTCP:
		return "rtu-over-tcp"
	default:
		return "unknown"
	}
}

func (m Mode) isRTU() bool {
	return m == ModeRTU || m == ModeRTUOverTCP
}

// ConnectionState represents the state of a client connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
