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

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// StopBits is the number of stop bits of a serial line.
type StopBits int

const (
	OneStopBit StopBits = iota
	TwoStopBits
)

// Parity is the parity mode of a serial line.
type Parity int

const (
	NoParity Parity = iota
	OddParity
	EvenParity
)

// Defaults applied to zero fields of SerialConfig.
const (
	DefaultBaudRate = 19200
	DefaultDataBits = 8
)

// pollInterval bounds a single blocking read so that deadlines and Close
// are observed even when the driver has no other way to interrupt a read.
const pollInterval = 50 * time.Millisecond

// SerialConfig describes a serial port. A non-zero ReadTimeout is the
// silence after which an RTU server serving the port drops a partially
// received frame; it overrides the server read timeout.
type SerialConfig struct {
	Address      string
	BaudRate     int
	DataBits     int
	StopBits     StopBits
	Parity       Parity
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// withDefaults fills zero fields with the serial defaults.
func (c SerialConfig) withDefaults() SerialConfig {
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.DataBits == 0 {
		c.DataBits = DefaultDataBits
	}
	return c
}

func (c SerialConfig) mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		StopBits: toSerialStopBits(c.StopBits),
		Parity:   toSerialParity(c.Parity),
	}
}

// toSerialStopBits converts StopBits to serial library StopBits.
func toSerialStopBits(sb StopBits) serial.StopBits {
	switch sb {
	case TwoStopBits:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}

// toSerialParity converts Parity to serial library Parity.
func toSerialParity(p Parity) serial.Parity {
	switch p {
	case NoParity:
		return serial.NoParity
	case OddParity:
		return serial.OddParity
	default:
		return serial.EvenParity
	}
}

// SerialPort adapts a go.bug.st/serial port to Conn. Reads honour a
// deadline and Close from another goroutine; writes are bounded by the
// write deadline or the configured write timeout, after which pending
// output is discarded.
type SerialPort struct {
	port         serial.Port
	address      string
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time

	closed atomic.Bool
}

// OpenSerial opens the serial port described by cfg.
func OpenSerial(cfg SerialConfig) (*SerialPort, error) {
	cfg = cfg.withDefaults()
	port, err := serial.Open(cfg.Address, cfg.mode())
	if err != nil {
		return nil, fmt.Errorf("serial open %s: %w", cfg.Address, err)
	}
	return NewSerialPort(port, cfg), nil
}

// NewSerialPort wraps an already opened port.
func NewSerialPort(port serial.Port, cfg SerialConfig) *SerialPort {
	return &SerialPort{
		port:         port,
		address:      cfg.Address,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

// DialSerial returns a Dialer opening the port described by cfg.
func DialSerial(cfg SerialConfig) Dialer {
	return func(ctx context.Context) (Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return OpenSerial(cfg)
	}
}

// Address returns the device path of the port.
func (p *SerialPort) Address() string {
	return p.address
}

// ReadTimeout returns the inter-frame silence configured for the port,
// zero when unset.
func (p *SerialPort) ReadTimeout() time.Duration {
	return p.readTimeout
}

// Read reads available bytes. Without a deadline it blocks until data
// arrives or the port is closed.
func (p *SerialPort) Read(b []byte) (int, error) {
	for {
		if p.closed.Load() {
			return 0, os.ErrClosed
		}

		p.mu.Lock()
		deadline := p.readDeadline
		p.mu.Unlock()

		wait := pollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			if remaining < wait {
				wait = remaining
			}
		}
		if err := p.port.SetReadTimeout(wait); err != nil {
			return 0, err
		}

		n, err := p.port.Read(b)
		if err != nil {
			if p.closed.Load() {
				return n, os.ErrClosed
			}
			return n, err
		}
		if n > 0 {
			return n, nil
		}
	}
}

// Write writes b. When a write deadline or write timeout applies and the
// driver does not drain in time, pending output is discarded.
func (p *SerialPort) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}

	p.mu.Lock()
	timeout := p.writeTimeout
	if !p.writeDeadline.IsZero() {
		timeout = time.Until(p.writeDeadline)
		if timeout <= 0 {
			p.mu.Unlock()
			return 0, os.ErrDeadlineExceeded
		}
	}
	p.mu.Unlock()

	if timeout <= 0 {
		return p.port.Write(b)
	}

	type result struct {
		n   int
		err error
	}
	// The write may outlive this call, so it must not hold the caller's buffer.
	out := bytes.Clone(b)
	done := make(chan result, 1)
	go func() {
		n, err := p.port.Write(out)
		done <- result{n, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.n, r.err
	case <-timer.C:
		p.port.ResetOutputBuffer()
		return 0, os.ErrDeadlineExceeded
	}
}

// SetReadDeadline sets the deadline for future and pending reads.
func (p *SerialPort) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	p.readDeadline = t
	p.mu.Unlock()
	return nil
}

// SetWriteDeadline sets the deadline for future writes.
func (p *SerialPort) SetWriteDeadline(t time.Time) error {
	p.mu.Lock()
	p.writeDeadline = t
	p.mu.Unlock()
	return nil
}

// Discard drops pending input and output.
func (p *SerialPort) Discard() error {
	return errors.Join(p.port.ResetInputBuffer(), p.port.ResetOutputBuffer())
}

// Close closes the port. A blocked Read returns within one poll interval.
func (p *SerialPort) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.port.Close()
}
