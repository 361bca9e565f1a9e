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

package modbus

import (
	"errors"
	"fmt"

	"github.com/edgeo-scada/modbus/internal/transport"
)

// ExceptionCode represents a Modbus exception code.
type ExceptionCode uint8

// Modbus exception codes.
const (
	// ExceptionNone is returned by a RequestValidator to accept a request.
	ExceptionNone ExceptionCode = 0x00

	ExceptionIllegalFunction                    ExceptionCode = 0x01
	ExceptionIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionIllegalDataValue                   ExceptionCode = 0x03
	ExceptionServerDeviceFailure                ExceptionCode = 0x04
	ExceptionAcknowledge                        ExceptionCode = 0x05
	ExceptionServerDeviceBusy                   ExceptionCode = 0x06
	ExceptionMemoryParityError                  ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

// String returns the string representation of the exception code.
func (e ExceptionCode) String() string {
	switch e {
	case ExceptionNone:
		return "ok"
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	case ExceptionMemoryParityError:
		return "memory parity error"
	case ExceptionGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("unknown exception (0x%02X)", uint8(e))
	}
}

// ModbusError represents a Modbus protocol error (exception response).
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

// Error implements the error interface.
func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: %s", e.describe())
}

func (e *ModbusError) describe() string {
	switch e.ExceptionCode {
	case ExceptionIllegalFunction:
		return fmt.Sprintf("function %s is not supported by the server", e.FunctionCode)
	case ExceptionIllegalDataAddress:
		switch e.FunctionCode {
		case FuncReadCoils, FuncWriteSingleCoil, FuncWriteMultipleCoils:
			return fmt.Sprintf("%s: coil address range is not available", e.FunctionCode)
		case FuncReadDiscreteInputs:
			return fmt.Sprintf("%s: discrete input address range is not available", e.FunctionCode)
		case FuncReadInputRegisters:
			return fmt.Sprintf("%s: input register address range is not available", e.FunctionCode)
		default:
			return fmt.Sprintf("%s: holding register address range is not available", e.FunctionCode)
		}
	case ExceptionIllegalDataValue:
		switch e.FunctionCode {
		case FuncWriteSingleCoil:
			return fmt.Sprintf("%s: coil value must be 0x0000 or 0xFF00", e.FunctionCode)
		case FuncReadCoils, FuncReadDiscreteInputs:
			return fmt.Sprintf("%s: quantity must be 1-%d", e.FunctionCode, MaxQuantityCoils)
		case FuncReadHoldingRegisters, FuncReadInputRegisters:
			return fmt.Sprintf("%s: quantity must be 1-%d", e.FunctionCode, MaxQuantityRegisters)
		case FuncWriteMultipleCoils:
			return fmt.Sprintf("%s: quantity must be 1-%d and match the byte count", e.FunctionCode, MaxQuantityWriteCoils)
		case FuncWriteMultipleRegisters:
			return fmt.Sprintf("%s: quantity must be 1-%d and match the byte count", e.FunctionCode, MaxQuantityWriteRegisters)
		case FuncReadWriteMultipleRegisters:
			return fmt.Sprintf("%s: quantities must be 1-%d (read) and 1-%d (write)",
				e.FunctionCode, MaxQuantityReadWriteRead, MaxQuantityReadWriteWrite)
		}
	}
	return fmt.Sprintf("exception %s (FC=%02X)", e.ExceptionCode, uint8(e.FunctionCode))
}

// Is checks if the error matches the target.
func (e *ModbusError) Is(target error) bool {
	t, ok := target.(*ModbusError)
	if !ok {
		return false
	}
	return e.ExceptionCode == t.ExceptionCode
}

// Common errors.
var (
	// ErrInvalidResponse indicates the response was malformed or unexpected.
	ErrInvalidResponse = errors.New("modbus: invalid response")

	// ErrInvalidResponseLength indicates a truncated or oversized response.
	ErrInvalidResponseLength = errors.New("modbus: invalid response length")

	// ErrInvalidCRC indicates a CRC validation failure (RTU mode).
	ErrInvalidCRC = errors.New("modbus: invalid CRC")

	// ErrInvalidFrame indicates a malformed frame.
	ErrInvalidFrame = errors.New("modbus: invalid frame")

	// ErrTimeout indicates a timeout occurred. It is returned for every
	// transport, TCP or serial.
	ErrTimeout = transport.ErrTimeout

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = transport.ErrClosed

	// ErrNotConnected indicates the client is not connected.
	ErrNotConnected = transport.ErrNotConnected

	// ErrInvalidQuantity indicates an invalid quantity was specified.
	ErrInvalidQuantity = errors.New("modbus: invalid quantity")

	// ErrInvalidAddress indicates an invalid address was specified.
	ErrInvalidAddress = errors.New("modbus: invalid address")

	// ErrOutOfRange indicates an address or length outside a buffer or
	// an odd byte count for register access.
	ErrOutOfRange = errors.New("modbus: out of range")

	// ErrUnitNotFound indicates the unit is not registered on the server.
	ErrUnitNotFound = errors.New("modbus: unit not found")

	// ErrUnitExists indicates the unit is already registered on the server.
	ErrUnitExists = errors.New("modbus: unit already exists")

	// ErrInvalidBroadcast indicates a read request sent to the broadcast unit.
	ErrInvalidBroadcast = errors.New("modbus: broadcast is only valid for write requests")

	// ErrMaxRetriesExceeded indicates the maximum number of retries was exceeded.
	ErrMaxRetriesExceeded = errors.New("modbus: max retries exceeded")

	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("modbus: server closed")
)

// NewModbusError creates a new Modbus exception error.
func NewModbusError(fc FunctionCode, ec ExceptionCode) *ModbusError {
	return &ModbusError{
		FunctionCode:  fc,
		ExceptionCode: ec,
	}
}

// IsException checks if an error is a specific Modbus exception.
func IsException(err error, code ExceptionCode) bool {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return modbusErr.ExceptionCode == code
	}
	return false
}

// IsIllegalFunction checks if the error is an illegal function exception.
func IsIllegalFunction(err error) bool {
	return IsException(err, ExceptionIllegalFunction)
}

// IsIllegalDataAddress checks if the error is an illegal data address exception.
func IsIllegalDataAddress(err error) bool {
	return IsException(err, ExceptionIllegalDataAddress)
}

// IsIllegalDataValue checks if the error is an illegal data value exception.
func IsIllegalDataValue(err error) bool {
	return IsException(err, ExceptionIllegalDataValue)
}

// IsServerDeviceFailure checks if the error is a server device failure exception.
func IsServerDeviceFailure(err error) bool {
	return IsException(err, ExceptionServerDeviceFailure)
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
