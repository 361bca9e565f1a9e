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

// request is a decoded request PDU. Which fields are set depends on the
// function code.
type request struct {
	fc FunctionCode

	// Read range (FC01-04, FC23) or written range (FC05, FC06, FC15, FC16).
	address  uint16
	quantity uint16

	// Single write value (FC05, FC06).
	value uint16

	// Written range and data of FC23, data of FC15/FC16.
	writeAddress  uint16
	writeQuantity uint16
	data          []byte
}

// kind returns the bank the request addresses.
func (r *request) kind() DataKind {
	switch r.fc {
	case FuncReadCoils, FuncWriteSingleCoil, FuncWriteMultipleCoils:
		return Coils
	case FuncReadDiscreteInputs:
		return DiscreteInputs
	case FuncReadInputRegisters:
		return InputRegisters
	default:
		return HoldingRegisters
	}
}

// parseRequest decodes pdu. A malformed payload yields IllegalDataValue,
// an unsupported function code IllegalFunction.
func parseRequest(pdu []byte) (request, ExceptionCode) {
	req := request{fc: FunctionCode(pdu[0])}
	r := newFrameReader(pdu[1:])

	switch req.fc {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		req.address = r.readUint16()
		req.quantity = r.readUint16()

	case FuncWriteSingleCoil, FuncWriteSingleRegister:
		req.address = r.readUint16()
		req.value = r.readUint16()
		req.quantity = 1

	case FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		req.address = r.readUint16()
		req.quantity = r.readUint16()
		byteCount := int(r.readByte())
		req.data = r.next(byteCount)
		req.writeAddress = req.address
		req.writeQuantity = req.quantity

	case FuncReadWriteMultipleRegisters:
		req.address = r.readUint16()
		req.quantity = r.readUint16()
		req.writeAddress = r.readUint16()
		req.writeQuantity = r.readUint16()
		byteCount := int(r.readByte())
		req.data = r.next(byteCount)

	default:
		return req, ExceptionIllegalFunction
	}

	if r.Err() != nil {
		return req, ExceptionIllegalDataValue
	}
	return req, ExceptionNone
}

// checkQuantity applies the per-function quantity rules and the payload
// consistency rules.
func (r *request) checkQuantity() ExceptionCode {
	switch r.fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		if r.quantity < 1 || r.quantity > MaxQuantityCoils {
			return ExceptionIllegalDataValue
		}
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		if r.quantity < 1 || r.quantity > MaxQuantityRegisters {
			return ExceptionIllegalDataValue
		}
	case FuncWriteSingleCoil:
		if r.value != CoilOn && r.value != CoilOff {
			return ExceptionIllegalDataValue
		}
	case FuncWriteMultipleCoils:
		if r.quantity < 1 || r.quantity > MaxQuantityWriteCoils || len(r.data) != (int(r.quantity)+7)/8 {
			return ExceptionIllegalDataValue
		}
	case FuncWriteMultipleRegisters:
		if r.quantity < 1 || r.quantity > MaxQuantityWriteRegisters || len(r.data) != int(r.quantity)*2 {
			return ExceptionIllegalDataValue
		}
	case FuncReadWriteMultipleRegisters:
		if r.quantity < 1 || r.quantity > MaxQuantityReadWriteRead ||
			r.writeQuantity < 1 || r.writeQuantity > MaxQuantityReadWriteWrite ||
			len(r.data) != int(r.writeQuantity)*2 {
			return ExceptionIllegalDataValue
		}
	}
	return ExceptionNone
}

// inRange reports whether qty elements from address fit below max+1.
func inRange(address, qty uint16, max int) bool {
	return int(address)+int(qty) <= max+1
}
