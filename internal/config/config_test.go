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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const tcpProfile = `
server:
  listen: "127.0.0.1:1502"
  change_detection: true
  connection_timeout_ms: 30000
units:
  - id: 1
    holding_registers:
      0: 1234
      1: 5678
    coils: [0, 3]
  - id: 2
    input_registers:
      10: 42
    discrete_inputs: [7]
`

func TestParse_TCPProfile(t *testing.T) {
	cfg, err := Parse([]byte(tcpProfile))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Server.Transport != TransportTCP {
		t.Errorf("Transport: expected tcp, got %q", cfg.Server.Transport)
	}
	if cfg.Server.Listen != "127.0.0.1:1502" {
		t.Errorf("Listen: got %q", cfg.Server.Listen)
	}
	if !cfg.Server.ChangeDetection {
		t.Error("ChangeDetection should be true")
	}
	if cfg.Server.ConnectionTimeoutMs != 30000 {
		t.Errorf("ConnectionTimeoutMs: got %d", cfg.Server.ConnectionTimeoutMs)
	}
	if len(cfg.Units) != 2 {
		t.Fatalf("Expected 2 units, got %d", len(cfg.Units))
	}
	if cfg.Units[0].HoldingRegisters[1] != 5678 {
		t.Errorf("Holding register 1: got %d", cfg.Units[0].HoldingRegisters[1])
	}
	if len(cfg.Units[0].Coils) != 2 || cfg.Units[0].Coils[1] != 3 {
		t.Errorf("Coils: got %v", cfg.Units[0].Coils)
	}
	if cfg.Units[1].InputRegisters[10] != 42 {
		t.Errorf("Input register 10: got %d", cfg.Units[1].InputRegisters[10])
	}
}

func TestParse_RTUDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  transport: rtu\n  serial:\n    port: /dev/ttyUSB0\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	s := cfg.Server.Serial
	if s.BaudRate != DefaultBaudRate || s.DataBits != DefaultDataBits ||
		s.StopBits != DefaultStopBits || s.Parity != DefaultParity {
		t.Errorf("Serial defaults not applied: %+v", s)
	}
	if cfg.Server.Listen != "" {
		t.Errorf("RTU profile should have no listen address, got %q", cfg.Server.Listen)
	}
}

func TestParse_TCPDefaults(t *testing.T) {
	cfg, err := Parse([]byte("units:\n  - id: 0\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Server.Transport != TransportTCP || cfg.Server.Listen != DefaultListen {
		t.Errorf("TCP defaults not applied: %+v", cfg.Server)
	}
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("server:\n  lisen: \":502\"\n"))
	if err == nil {
		t.Fatal("Expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		err  string
	}{
		{
			name: "unknown transport",
			cfg:  Config{Server: ServerConfig{Transport: "udp"}},
			err:  "unknown transport",
		},
		{
			name: "rtu without port",
			cfg:  Config{Server: ServerConfig{Transport: TransportRTU}},
			err:  "requires serial.port",
		},
		{
			name: "rtu with listen",
			cfg: Config{Server: ServerConfig{
				Transport: TransportRTU,
				Listen:    ":502",
				Serial:    SerialConfig{Port: "/dev/ttyS0"},
			}},
			err: "listen is not used",
		},
		{
			name: "tcp with serial",
			cfg:  Config{Server: ServerConfig{Serial: SerialConfig{Port: "/dev/ttyS0"}}},
			err:  "serial settings require",
		},
		{
			name: "bad parity",
			cfg: Config{Server: ServerConfig{
				Transport: TransportRTU,
				Serial:    SerialConfig{Port: "/dev/ttyS0", Parity: "mark"},
			}},
			err: "unknown parity",
		},
		{
			name: "bad data bits",
			cfg: Config{Server: ServerConfig{
				Transport: TransportRTU,
				Serial:    SerialConfig{Port: "/dev/ttyS0", DataBits: 9},
			}},
			err: "data_bits",
		},
		{
			name: "bad stop bits",
			cfg: Config{Server: ServerConfig{
				Transport: TransportRTU,
				Serial:    SerialConfig{Port: "/dev/ttyS0", StopBits: 3},
			}},
			err: "stop_bits",
		},
		{
			name: "negative timeout",
			cfg:  Config{Server: ServerConfig{ReadTimeoutMs: -1}},
			err:  "must not be negative",
		},
		{
			name: "unit id out of range",
			cfg:  Config{Units: []UnitConfig{{ID: 248}}},
			err:  "id must be",
		},
		{
			name: "duplicate unit",
			cfg:  Config{Units: []UnitConfig{{ID: 1}, {ID: 1}}},
			err:  "defined twice",
		},
		{
			name: "catch-all with others",
			cfg:  Config{Units: []UnitConfig{{ID: 0}, {ID: 1}}},
			err:  "catch-all",
		},
		{
			name: "valid",
			cfg:  Config{Units: []UnitConfig{{ID: 1}, {ID: 247}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if tt.err == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.err) {
				t.Fatalf("expected error containing %q, got %v", tt.err, err)
			}
		})
	}
}

func TestNormalize_Nil(t *testing.T) {
	Normalize(nil)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte(tcpProfile), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Units) != 2 {
		t.Errorf("Expected 2 units, got %d", len(cfg.Units))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing profile")
	}
}
