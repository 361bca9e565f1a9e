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
	"testing"
)

func TestTCPFramer_Fragmented(t *testing.T) {
	adu := []byte{
		0x00, 0x07, // Transaction ID
		0x00, 0x00, // Protocol ID
		0x00, 0x06, // Length
		0x01,                         // Unit ID
		0x03, 0x00, 0x00, 0x00, 0x0A, // PDU
	}

	var f tcpFramer
	for i := 1; i < len(adu); i++ {
		n, err := f.frame(adu[:i])
		if err != nil {
			t.Fatalf("frame(%d bytes) failed: %v", i, err)
		}
		if n != 0 {
			t.Fatalf("frame(%d bytes): expected 0, got %d", i, n)
		}
	}

	n, err := f.frame(adu)
	if err != nil {
		t.Fatalf("frame failed: %v", err)
	}
	if n != len(adu) {
		t.Errorf("Expected frame length %d, got %d", len(adu), n)
	}
}

func TestTCPFramer_HeaderParsedOnce(t *testing.T) {
	buf := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03}

	var f tcpFramer
	if n, err := f.frame(buf); n != 0 || err != nil {
		t.Fatalf("Expected (0, nil), got (%d, %v)", n, err)
	}

	// The length field is not read again until reset.
	buf[5] = 0x02
	if n, _ := f.frame(buf); n != 0 {
		t.Errorf("Expected the first header to be kept, got frame of %d", n)
	}

	f.reset()
	n, err := f.frame(buf)
	if err != nil {
		t.Fatalf("frame after reset failed: %v", err)
	}
	if n != 8 {
		t.Errorf("Expected 8 after reset, got %d", n)
	}
}

func TestTCPFramer_InvalidHeader(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"protocol id", []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x06, 0x01}},
		{"length too small", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01}},
		{"length too large", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0xFF, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f tcpFramer
			_, err := f.frame(tt.buf)
			if !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("Expected ErrInvalidFrame, got %v", err)
			}
		})
	}
}

func TestRTUResponseFrame(t *testing.T) {
	tests := []struct {
		name string
		unit UnitID
		buf  []byte
		want int
	}{
		{"read registers", 1, appendCRC([]byte{0x01, 0x03, 0x02, 0x00, 0x2A}), 7},
		{"read coils", 1, appendCRC([]byte{0x01, 0x01, 0x01, 0x05}), 6},
		{"write single register", 1, appendCRC([]byte{0x01, 0x06, 0x00, 0x01, 0x00, 0x03}), 8},
		{"write multiple coils", 1, appendCRC([]byte{0x01, 0x0F, 0x00, 0x13, 0x00, 0x0A}), 8},
		{"read write registers", 1, appendCRC([]byte{0x01, 0x17, 0x02, 0x12, 0x34}), 7},
		{"exception", 1, appendCRC([]byte{0x01, 0x83, 0x02}), 5},
		{"any unit", AnyUnitID, appendCRC([]byte{0x09, 0x06, 0x00, 0x01, 0x00, 0x03}), 8},
		{"unit mismatch", 2, appendCRC([]byte{0x01, 0x06, 0x00, 0x01, 0x00, 0x03}), 0},
		{"too short", 1, []byte{0x01, 0x83, 0x02, 0xC0}, 0},
		{"incomplete read", 1, appendCRC([]byte{0x01, 0x03, 0x04, 0x00, 0x2A})[:6], 0},
		// Function codes outside the read and write sets are accepted on
		// minimum length and CRC only.
		{"unknown function", 1, appendCRC([]byte{0x01, 0x2B, 0x0E, 0x01}), 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := rtuResponseFrame(tt.buf, tt.unit)
			if err != nil {
				t.Fatalf("rtuResponseFrame failed: %v", err)
			}
			if n != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, n)
			}
		})
	}
}

func TestRTUResponseFrame_BadCRC(t *testing.T) {
	buf := appendCRC([]byte{0x01, 0x06, 0x00, 0x01, 0x00, 0x03})
	buf[len(buf)-1] ^= 0xFF

	n, err := rtuResponseFrame(buf, 1)
	if !errors.Is(err, ErrInvalidCRC) || n != 0 {
		t.Errorf("Expected (0, ErrInvalidCRC) for bad CRC, got (%d, %v)", n, err)
	}

	// Without a known size the frame may still be growing.
	unknown := appendCRC([]byte{0x01, 0x08, 0x00, 0x00, 0x12, 0x34})
	unknown[len(unknown)-1] ^= 0xFF
	n, err = rtuResponseFrame(unknown, 1)
	if err != nil || n != 0 {
		t.Errorf("Expected (0, nil) for an unknown function, got (%d, %v)", n, err)
	}
}

func TestRTURequestFrame(t *testing.T) {
	fc16 := appendCRC([]byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02})
	fc23 := appendCRC([]byte{0x01, 0x17, 0x00, 0x00, 0x00, 0x02, 0x00, 0x10, 0x00, 0x01, 0x02, 0xAB, 0xCD})

	tests := []struct {
		name string
		buf  []byte
		want int
	}{
		{"read holding registers", appendCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}), 8},
		{"write single coil", appendCRC([]byte{0x01, 0x05, 0x00, 0xAC, 0xFF, 0x00}), 8},
		{"write multiple registers", fc16, 13},
		{"read write registers", fc23, 15},
		{"partial header", []byte{0x01}, 0},
		{"partial read", appendCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A})[:7], 0},
		{"partial byte count", fc16[:6], 0},
		{"partial fc23", fc23[:10], 0},
		{"unknown function", appendCRC([]byte{0x01, 0x08, 0x00, 0x00}), 6},
		{"unknown function without crc", []byte{0x01, 0x08, 0x00, 0x00}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := rtuRequestFrame(tt.buf)
			if err != nil {
				t.Fatalf("rtuRequestFrame failed: %v", err)
			}
			if n != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, n)
			}
		})
	}
}

func TestRTURequestFrame_Errors(t *testing.T) {
	bad := appendCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A})
	bad[7] ^= 0x01
	if _, err := rtuRequestFrame(bad); !errors.Is(err, ErrInvalidCRC) {
		t.Errorf("Expected ErrInvalidCRC, got %v", err)
	}

	oversized := []byte{0x01, 0x10, 0x00, 0x00, 0x00, 0x7D, 0xFA}
	if _, err := rtuRequestFrame(oversized); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame, got %v", err)
	}
}
