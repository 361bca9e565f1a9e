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
	"bytes"
	"testing"
)

func TestCRC16(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{"check string", []byte("123456789"), 0x4B37},
		{"read holding registers", []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}, 0xCDC5},
		{"empty", nil, 0xFFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CRC16(tt.data); got != tt.want {
				t.Errorf("CRC16(%x): expected 0x%04X, got 0x%04X", tt.data, tt.want, got)
			}
		})
	}
}

func TestCRC16_WireFrames(t *testing.T) {
	// Requests with their CRC as captured on the line, low byte first.
	frames := [][]byte{
		{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03, 0x76, 0x87},
		{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A},
		{0x01, 0x04, 0x00, 0x00, 0x00, 0x01, 0x31, 0xCA},
		{0x01, 0x06, 0x00, 0x01, 0x00, 0x03, 0x98, 0x0B},
	}

	for _, frame := range frames {
		if !validCRC(frame) {
			t.Errorf("validCRC(%x): expected true", frame)
		}
		body := frame[:len(frame)-2]
		if got := appendCRC(bytes.Clone(body)); !bytes.Equal(got, frame) {
			t.Errorf("appendCRC(%x): expected %x, got %x", body, frame, got)
		}
	}
}

func TestAppendCRC(t *testing.T) {
	frame := appendCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A})

	expected := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}
	if !bytes.Equal(frame, expected) {
		t.Fatalf("Expected %x, got %x", expected, frame)
	}
	if !validCRC(frame) {
		t.Error("validCRC should accept a frame built by appendCRC")
	}

	frame[3] ^= 0x01
	if validCRC(frame) {
		t.Error("validCRC should reject a corrupted frame")
	}
}

func TestValidCRC_TooShort(t *testing.T) {
	if validCRC([]byte{0xFF, 0xFF}) {
		t.Error("validCRC should reject frames without payload")
	}
}
