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

// Package config loads server profiles for the modbuscli serve command.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Transport names accepted in a profile.
const (
	TransportTCP = "tcp"
	TransportRTU = "rtu"
)

// Config is a server profile.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Units  []UnitConfig `yaml:"units"`
}

// ---- SERVER ----

type ServerConfig struct {
	Transport string       `yaml:"transport"`
	Listen    string       `yaml:"listen"`
	Serial    SerialConfig `yaml:"serial"`

	Synchronous     bool `yaml:"synchronous"`
	ChangeDetection bool `yaml:"change_detection"`
	MaxConnections  int  `yaml:"max_connections"`

	ReadTimeoutMs       int `yaml:"read_timeout_ms"`
	ConnectionTimeoutMs int `yaml:"connection_timeout_ms"`
}

// ---- SERIAL ----

type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"` // none, even, odd
}

// ---- UNIT ----

// UnitConfig seeds one unit. Register maps are keyed by address; the bit
// lists name the addresses set to true.
type UnitConfig struct {
	ID               uint8             `yaml:"id"`
	HoldingRegisters map[uint16]uint16 `yaml:"holding_registers"`
	InputRegisters   map[uint16]uint16 `yaml:"input_registers"`
	Coils            []uint16          `yaml:"coils"`
	DiscreteInputs   []uint16          `yaml:"discrete_inputs"`
}

// Load reads, validates and normalizes the profile at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return Parse(data)
}

// Parse decodes a profile. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	Normalize(&cfg)
	return &cfg, nil
}
