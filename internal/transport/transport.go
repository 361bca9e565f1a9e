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

// Package transport implements the byte-stream transports used by Modbus
// clients: TCP sockets and serial ports.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Transport errors. The modbus package re-exports them so callers see the
// same values for every transport.
var (
	ErrTimeout      = errors.New("modbus: timeout")
	ErrClosed       = errors.New("modbus: connection closed")
	ErrNotConnected = errors.New("modbus: not connected")
)

// Conn is a byte stream with deadline support. *net.TCPConn and *SerialPort
// satisfy it.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Discarder is implemented by connections that can drop pending input and
// output instead of being closed after a failed exchange.
type Discarder interface {
	Discard() error
}

// Dialer opens a new connection.
type Dialer func(ctx context.Context) (Conn, error)

// FrameFunc inspects the bytes accumulated so far. It returns the length of
// the frame once one is complete, 0 while more bytes are needed, or an error
// when the bytes can never form a valid frame.
type FrameFunc func(buf []byte) (int, error)

// Stream runs request/response exchanges over one connection. Only one
// exchange is in flight at a time.
type Stream struct {
	dial    Dialer
	timeout time.Duration

	mu   sync.Mutex
	conn Conn
	buf  []byte
}

// NewStream creates a stream that dials with dial and waits up to timeout
// for each response. bufSize is the largest frame the stream accepts.
func NewStream(dial Dialer, timeout time.Duration, bufSize int) *Stream {
	return &Stream{
		dial:    dial,
		timeout: timeout,
		buf:     make([]byte, bufSize),
	}
}

// Connect opens the connection if it is not open yet.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}
	conn, err := s.dial(ctx)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: connect: %v", ErrTimeout, err)
		}
		return err
	}
	s.conn = conn
	return nil
}

// Close closes the connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// IsConnected returns true if the stream holds an open connection.
func (s *Stream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send writes adu and reads until frame reports a complete response. The
// returned slice aliases the stream buffer and is valid until the next call.
func (s *Stream) Send(ctx context.Context, adu []byte, frame FrameFunc) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.conn
	if conn == nil {
		return nil, ErrNotConnected
	}

	stop, err := s.armLocked(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer stop()

	if err := writeFull(conn, adu); err != nil {
		return nil, s.failLocked(ctx, conn, "write", err)
	}

	n := 0
	for {
		m, err := conn.Read(s.buf[n:])
		n += m
		if m > 0 {
			size, ferr := frame(s.buf[:n])
			if ferr != nil {
				s.resetLocked(conn)
				return nil, ferr
			}
			if size > 0 {
				return s.buf[:size], nil
			}
			if n == len(s.buf) {
				// Buffer full without a frame: the stream is out of sync.
				n = 0
			}
		}
		if err != nil {
			return nil, s.failLocked(ctx, conn, "read", err)
		}
	}
}

// Write writes adu without waiting for a response (broadcast requests).
func (s *Stream) Write(ctx context.Context, adu []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.conn
	if conn == nil {
		return ErrNotConnected
	}

	stop, err := s.armLocked(ctx, conn)
	if err != nil {
		return err
	}
	defer stop()

	if err := writeFull(conn, adu); err != nil {
		return s.failLocked(ctx, conn, "write", err)
	}
	return nil
}

// armLocked applies the exchange deadline and makes context cancellation
// abort a blocked read or write.
func (s *Stream) armLocked(ctx context.Context, conn Conn) (func() bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Context deadlines are applied by the AfterFunc below.
	deadline := time.Time{}
	if s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	return context.AfterFunc(ctx, func() {
		now := time.Now()
		conn.SetReadDeadline(now)
		conn.SetWriteDeadline(now)
	}), nil
}

// failLocked maps an I/O error to a transport error and drops the
// connection unless it can discard pending data instead.
func (s *Stream) failLocked(ctx context.Context, conn Conn, op string, err error) error {
	switch {
	case isTimeout(err):
		s.resetLocked(conn)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	case isClosed(err):
		s.closeConnLocked()
		return fmt.Errorf("%w: %s: %v", ErrClosed, op, err)
	default:
		s.closeConnLocked()
		return fmt.Errorf("%s: %w", op, err)
	}
}

// resetLocked discards pending data on conn, or closes it when the
// connection cannot discard. A late response would otherwise be read as
// the answer to the next request.
func (s *Stream) resetLocked(conn Conn) {
	if d, ok := conn.(Discarder); ok {
		if err := d.Discard(); err == nil {
			return
		}
	}
	s.closeConnLocked()
}

// closeConnLocked closes the connection without acquiring the lock.
// Must be called with mu held.
func (s *Stream) closeConnLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func writeFull(w io.Writer, data []byte) error {
	written := 0
	for written < len(data) {
		n, err := w.Write(data[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed)
}

// IsTimeout reports whether err is a timeout from any transport.
func IsTimeout(err error) bool {
	return isTimeout(err)
}

// IsClosed reports whether err means the peer or the local side closed the
// connection.
func IsClosed(err error) bool {
	return isClosed(err) || errors.Is(err, ErrClosed)
}
