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
	"fmt"
)

// maxUnitID is the highest unit identifier a device may answer to.
const maxUnitID = 247

// Validate checks a profile without mutating it.
func Validate(cfg *Config) error {
	s := cfg.Server

	switch s.Transport {
	case "", TransportTCP:
		if s.Serial.Port != "" {
			return fmt.Errorf("server: serial settings require transport %q", TransportRTU)
		}
	case TransportRTU:
		if s.Serial.Port == "" {
			return fmt.Errorf("server: transport %q requires serial.port", TransportRTU)
		}
		if s.Listen != "" {
			return fmt.Errorf("server: listen is not used by transport %q", TransportRTU)
		}
	default:
		return fmt.Errorf("server: unknown transport %q", s.Transport)
	}

	switch s.Serial.Parity {
	case "", "none", "even", "odd":
	default:
		return fmt.Errorf("serial: unknown parity %q", s.Serial.Parity)
	}
	if s.Serial.DataBits != 0 && (s.Serial.DataBits < 5 || s.Serial.DataBits > 8) {
		return fmt.Errorf("serial: data_bits must be 5-8, got %d", s.Serial.DataBits)
	}
	if s.Serial.StopBits != 0 && s.Serial.StopBits != 1 && s.Serial.StopBits != 2 {
		return fmt.Errorf("serial: stop_bits must be 1 or 2, got %d", s.Serial.StopBits)
	}
	if s.Serial.BaudRate < 0 {
		return fmt.Errorf("serial: negative baud_rate %d", s.Serial.BaudRate)
	}

	if s.MaxConnections < 0 || s.ReadTimeoutMs < 0 || s.ConnectionTimeoutMs < 0 {
		return fmt.Errorf("server: limits and timeouts must not be negative")
	}

	seen := make(map[uint8]bool, len(cfg.Units))
	for _, u := range cfg.Units {
		if u.ID > maxUnitID {
			return fmt.Errorf("unit %d: id must be 0-%d", u.ID, maxUnitID)
		}
		if seen[u.ID] {
			return fmt.Errorf("unit %d: defined twice", u.ID)
		}
		seen[u.ID] = true
	}
	// Unit 0 answers every unit identifier, so it cannot share the server.
	if seen[0] && len(cfg.Units) > 1 {
		return fmt.Errorf("unit 0: the catch-all unit cannot be combined with other units")
	}

	return nil
}
