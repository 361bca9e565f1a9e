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

import "github.com/sigurn/crc16"

// crcTable is the CRC-16/MODBUS lookup table (reflected polynomial 0xA001,
// initial value 0xFFFF), built once.
var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// CRC16 computes the Modbus RTU CRC-16 of data. The result is transmitted
// low byte first.
func CRC16(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// appendCRC appends the CRC of frame in wire order.
func appendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

// validCRC reports whether the last two bytes of frame hold the CRC of the
// bytes before them.
func validCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	n := len(frame) - 2
	crc := CRC16(frame[:n])
	return frame[n] == byte(crc) && frame[n+1] == byte(crc>>8)
}
