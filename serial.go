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

import "github.com/edgeo-scada/modbus/internal/transport"

// SerialConfig describes a serial port: device address, baud rate, data
// bits, stop bits, parity and the read and write timeouts. Zero values
// select 19200 baud, 8 data bits, one stop bit and no parity.
type SerialConfig = transport.SerialConfig

// Parity is the parity mode of a serial line.
type Parity = transport.Parity

// StopBits is the number of stop bits of a serial line.
type StopBits = transport.StopBits

// Serial line settings.
const (
	NoParity    = transport.NoParity
	OddParity   = transport.OddParity
	EvenParity  = transport.EvenParity
	OneStopBit  = transport.OneStopBit
	TwoStopBits = transport.TwoStopBits
)

// Port is a byte stream with read and write deadlines, such as an open
// serial port or a net.Conn.
type Port = transport.Conn

// OpenSerialPort opens the serial port described by cfg.
func OpenSerialPort(cfg SerialConfig) (Port, error) {
	p, err := transport.OpenSerial(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}
