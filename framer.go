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

import "fmt"

// rtuMinFrameSize is the shortest valid RTU frame: unit, function code,
// exception code and CRC.
const rtuMinFrameSize = 5

// rtuMinRequestSize is the shortest RTU request: unit, function code and CRC.
const rtuMinRequestSize = 4

// tcpFramer detects MBAP frames in a byte stream. The header is parsed
// once per accumulation cycle; call reset before the next frame.
type tcpFramer struct {
	headerParsed bool
	header       MBAPHeader
}

func (f *tcpFramer) reset() {
	f.headerParsed = false
}

// frame returns the length of the complete frame at the start of buf, or 0
// when more bytes are needed.
func (f *tcpFramer) frame(buf []byte) (int, error) {
	if !f.headerParsed {
		if len(buf) < MBAPHeaderSize {
			return 0, nil
		}
		f.header.Decode(buf)
		if f.header.ProtocolID != ProtocolID {
			return 0, fmt.Errorf("%w: invalid protocol ID %d", ErrInvalidFrame, f.header.ProtocolID)
		}
		// Length covers the unit ID and a PDU of at least one byte.
		if f.header.Length < 2 || f.header.Length > MaxPDUSize+1 {
			return 0, fmt.Errorf("%w: invalid length field %d", ErrInvalidFrame, f.header.Length)
		}
		f.headerParsed = true
	}

	if len(buf)-(MBAPHeaderSize-1) < int(f.header.Length) {
		return 0, nil
	}
	return MBAPHeaderSize - 1 + int(f.header.Length), nil
}

// rtuResponseFrame detects a response frame from unit in buf. RTU carries
// no length field, so the expected size is guessed from the function code
// and confirmed by the CRC. Function codes outside the known read and
// write sets are accepted on minimum length and CRC alone. A frame of known
// size that fails the CRC is reported as ErrInvalidCRC. AnyUnitID skips the
// unit check.
func rtuResponseFrame(buf []byte, unit UnitID) (int, error) {
	if len(buf) < rtuMinFrameSize {
		return 0, nil
	}
	if unit != AnyUnitID && UnitID(buf[0]) != unit {
		return 0, nil
	}

	fc := FunctionCode(buf[1])
	n := -1
	switch {
	case fc.IsError():
		n = rtuMinFrameSize
	case fc.isRead():
		n = int(buf[2]) + 5
	case fc.isWrite():
		n = 8
	}

	switch {
	case n < 0:
		if !validCRC(buf) {
			return 0, nil
		}
		return len(buf), nil
	case len(buf) < n:
		return 0, nil
	case !validCRC(buf[:n]):
		return 0, ErrInvalidCRC
	default:
		return n, nil
	}
}

// rtuRequestSize returns the exact size of the request starting at buf,
// 0 while the size is not known yet, or -1 for a function code without a
// defined request shape.
func rtuRequestSize(buf []byte) int {
	if len(buf) < 2 {
		return 0
	}
	switch FunctionCode(buf[1]) {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters,
		FuncReadInputRegisters, FuncWriteSingleCoil, FuncWriteSingleRegister:
		return 8
	case FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		if len(buf) < 7 {
			return 0
		}
		return 9 + int(buf[6])
	case FuncReadWriteMultipleRegisters:
		if len(buf) < 11 {
			return 0
		}
		return 13 + int(buf[10])
	default:
		return -1
	}
}

// rtuRequestFrame detects a request frame in buf. It returns the frame
// length, 0 while more bytes are needed, or an error when the accumulated
// bytes must be dropped.
func rtuRequestFrame(buf []byte) (int, error) {
	n := rtuRequestSize(buf)
	switch {
	case n == 0:
		return 0, nil
	case n < 0:
		// Unknown function: the frame ends where the CRC matches.
		if len(buf) >= rtuMinRequestSize && validCRC(buf) {
			return len(buf), nil
		}
		return 0, nil
	case n > RTUFrameSize:
		return 0, fmt.Errorf("%w: request of %d bytes exceeds frame size", ErrInvalidFrame, n)
	case len(buf) < n:
		return 0, nil
	case !validCRC(buf[:n]):
		return 0, ErrInvalidCRC
	default:
		return n, nil
	}
}
