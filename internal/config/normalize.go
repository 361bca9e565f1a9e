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

// Defaults filled in by Normalize.
const (
	DefaultListen   = ":502"
	DefaultBaudRate = 19200
	DefaultDataBits = 8
	DefaultStopBits = 1
	DefaultParity   = "none"
)

// Normalize fills defaults into a validated profile.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	s := &cfg.Server
	if s.Transport == "" {
		s.Transport = TransportTCP
	}
	if s.Transport == TransportTCP && s.Listen == "" {
		s.Listen = DefaultListen
	}

	if s.Transport == TransportRTU {
		if s.Serial.BaudRate == 0 {
			s.Serial.BaudRate = DefaultBaudRate
		}
		if s.Serial.DataBits == 0 {
			s.Serial.DataBits = DefaultDataBits
		}
		if s.Serial.StopBits == 0 {
			s.Serial.StopBits = DefaultStopBits
		}
		if s.Serial.Parity == "" {
			s.Serial.Parity = DefaultParity
		}
	}
}
