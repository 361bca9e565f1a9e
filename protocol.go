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
	"encoding/binary"
	"fmt"
	"sync"
)

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier (slave address)
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	return h.appendTo(make([]byte, 0, MBAPHeaderSize))
}

func (h *MBAPHeader) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, h.TransactionID)
	buf = binary.BigEndian.AppendUint16(buf, h.ProtocolID)
	buf = binary.BigEndian.AppendUint16(buf, h.Length)
	return append(buf, byte(h.UnitID))
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header too short", ErrInvalidFrame)
	}
	h.TransactionID = binary.BigEndian.Uint16(data[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.UnitID = UnitID(data[6])
	return nil
}

// TransactionIDGenerator generates MBAP transaction identifiers. The
// counter wraps at 65536.
type TransactionIDGenerator struct {
	mu      sync.Mutex
	counter uint16
}

// Next returns the next transaction ID.
func (g *TransactionIDGenerator) Next() uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return g.counter
}

// payloadWriter writes the function-specific part of a request PDU.
type payloadWriter func(w *frameWriter)

// buildRequest writes a complete request ADU for mode into w: MBAP header
// for TCP, trailing CRC for RTU.
func buildRequest(w *frameWriter, mode Mode, txID uint16, unit UnitID, fc FunctionCode, payload payloadWriter) ([]byte, error) {
	if mode == ModeTCP {
		w.writeUint16(txID)
		w.writeUint16(ProtocolID)
		w.writeUint16(0) // length, patched below
	}
	w.writeByte(byte(unit))
	w.writeByte(byte(fc))
	if payload != nil {
		payload(w)
	}
	if err := w.Err(); err != nil {
		return nil, err
	}

	adu := w.bytes()
	if mode == ModeTCP {
		binary.BigEndian.PutUint16(adu[4:6], uint16(len(adu)-MBAPHeaderSize+1))
		return adu, nil
	}

	crc := CRC16(adu)
	w.writeByte(byte(crc))
	w.writeByte(byte(crc >> 8))
	if err := w.Err(); err != nil {
		return nil, err
	}
	return w.bytes(), nil
}

// Request payloads

func addressQuantity(addr, qty uint16) payloadWriter {
	return func(w *frameWriter) {
		w.writeUint16(addr)
		w.writeUint16(qty)
	}
}

func singleCoil(addr uint16, value bool) payloadWriter {
	if value {
		return addressQuantity(addr, CoilOn)
	}
	return addressQuantity(addr, CoilOff)
}

func multipleCoils(addr uint16, values []bool) payloadWriter {
	return func(w *frameWriter) {
		qty := len(values)
		w.writeUint16(addr)
		w.writeUint16(uint16(qty))
		w.writeByte(byte((qty + 7) / 8))
		packed := w.reserve((qty + 7) / 8)
		if packed == nil {
			return
		}
		for i, v := range values {
			if v {
				packed[i/8] |= 1 << (i % 8)
			}
		}
	}
}

// multipleRegisters writes data, the raw register bytes, after the
// address and quantity.
func multipleRegisters(addr uint16, data []byte) payloadWriter {
	return func(w *frameWriter) {
		w.writeUint16(addr)
		w.writeUint16(uint16(len(data) / 2))
		w.writeByte(byte(len(data)))
		w.write(data)
	}
}

func readWriteRegisters(readAddr, readQty, writeAddr uint16, data []byte) payloadWriter {
	return func(w *frameWriter) {
		w.writeUint16(readAddr)
		w.writeUint16(readQty)
		multipleRegisters(writeAddr, data)(w)
	}
}

// registerBytes encodes values as big-endian register data.
func registerBytes(values []uint16) []byte {
	data := make([]byte, 0, len(values)*2)
	for _, v := range values {
		data = binary.BigEndian.AppendUint16(data, v)
	}
	return data
}

// checkWriteQuantity rejects writes that cannot be framed.
func checkWriteQuantity(fc FunctionCode, qty, max int) error {
	if qty < 1 || qty > max {
		return fmt.Errorf("%w: %w", ErrInvalidQuantity, NewModbusError(fc, ExceptionIllegalDataValue))
	}
	return nil
}

// Response parsing helpers. pdu starts with the function code.

// parseBitsResponse parses a coils or discrete inputs response (FC01/FC02).
func parseBitsResponse(pdu []byte, qty uint16) ([]bool, error) {
	r := newFrameReader(pdu[1:])
	byteCount := int(r.readByte())
	data := r.next(byteCount)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if byteCount != (int(qty)+7)/8 {
		return nil, fmt.Errorf("%w: byte count %d for %d bits", ErrInvalidResponseLength, byteCount, qty)
	}

	values := make([]bool, qty)
	for i := range values {
		values[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return values, nil
}

// parseRegisterData returns the raw register bytes of a FC03/FC04/FC23
// response without copying.
func parseRegisterData(pdu []byte, qty uint16) ([]byte, error) {
	r := newFrameReader(pdu[1:])
	byteCount := int(r.readByte())
	data := r.next(byteCount)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if byteCount != int(qty)*2 {
		return nil, fmt.Errorf("%w: byte count %d for %d registers", ErrInvalidResponseLength, byteCount, qty)
	}
	return data, nil
}

// parseRegistersResponse decodes register data as big-endian words.
func parseRegistersResponse(pdu []byte, qty uint16) ([]uint16, error) {
	data, err := parseRegisterData(pdu, qty)
	if err != nil {
		return nil, err
	}
	values := make([]uint16, qty)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return values, nil
}

// parseEchoResponse validates the address/value (FC05/FC06) or
// address/quantity (FC15/FC16) echo of a write response.
func parseEchoResponse(pdu []byte, expectedAddr, expectedValue uint16) error {
	r := newFrameReader(pdu[1:])
	addr := r.readUint16()
	value := r.readUint16()
	if err := r.Err(); err != nil {
		return err
	}
	if addr != expectedAddr {
		return fmt.Errorf("%w: address mismatch (expected %d, got %d)", ErrInvalidResponse, expectedAddr, addr)
	}
	if value != expectedValue {
		return fmt.Errorf("%w: value mismatch (expected %d, got %d)", ErrInvalidResponse, expectedValue, value)
	}
	return nil
}

// IsExceptionResponse checks if the PDU is an exception response.
func IsExceptionResponse(pdu []byte) bool {
	return len(pdu) > 0 && FunctionCode(pdu[0]).IsError()
}

// ParseExceptionResponse parses an exception response.
func ParseExceptionResponse(pdu []byte) *ModbusError {
	if len(pdu) < 2 {
		return nil
	}
	return &ModbusError{
		FunctionCode:  FunctionCode(pdu[0]) &^ FuncErrorFlag,
		ExceptionCode: ExceptionCode(pdu[1]),
	}
}

// appendException appends an exception PDU for fc.
func appendException(w *frameWriter, fc FunctionCode, ec ExceptionCode) {
	w.writeByte(byte(fc | FuncErrorFlag))
	w.writeByte(byte(ec))
}
