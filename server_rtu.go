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
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/modbus/internal/transport"
)

// defaultRTUSilence is the gap after which an RTU server drops a partially
// received frame when no read timeout is configured.
const defaultRTUSilence = time.Second

// RTUServer is a Modbus RTU server on a single serial port.
type RTUServer struct {
	*engine
	opts *serverOptions

	mu      sync.Mutex
	handler *requestHandler
	done    chan struct{}
	closed  atomic.Bool
}

// NewRTUServer creates a new Modbus RTU server.
func NewRTUServer(opts ...ServerOption) *RTUServer {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.readTimeout <= 0 {
		options.readTimeout = defaultRTUSilence
	}

	return &RTUServer{
		engine: newEngine(options),
		opts:   options,
	}
}

// Start opens the serial port described by cfg and serves it in the
// background. A non-zero cfg.ReadTimeout replaces the server read timeout
// as the silence that ends a partial frame.
func (s *RTUServer) Start(cfg SerialConfig) error {
	port, err := transport.OpenSerial(cfg)
	if err != nil {
		return err
	}
	go s.Serve(port)
	return nil
}

// Serve serves requests arriving on port until Close or a port error. Any
// Port works; tests use a pseudo-terminal.
func (s *RTUServer) Serve(port Port) error {
	h := newRequestHandler(context.Background(), s.engine, port, ModeRTU, portName(port))
	if d := portSilence(port); d > 0 {
		h.silence = d
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		h.cancel()
		port.Close()
		return ErrServerClosed
	}
	if s.handler != nil {
		s.mu.Unlock()
		h.cancel()
		port.Close()
		return errors.New("modbus: rtu server already serving a port")
	}
	s.handler = h
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.engine.start()
	s.metrics.ActiveConns.Add(1)
	s.metrics.TotalConns.Add(1)
	s.opts.logger.Info("rtu server started", slog.String("port", h.remote))

	err := h.run()

	s.metrics.ActiveConns.Add(-1)
	s.mu.Lock()
	s.handler = nil
	close(s.done)
	s.mu.Unlock()

	if s.closed.Load() {
		return ErrServerClosed
	}
	s.opts.logger.Error("rtu server stopped on port error", slog.String("error", err.Error()))
	return err
}

// Close stops serving, closes the port and clears the unit buffers.
func (s *RTUServer) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	h, done := s.handler, s.done
	s.mu.Unlock()

	if h != nil {
		h.cancel()
		<-done
	}
	s.engine.stop()

	s.opts.logger.Info("rtu server stopped")
	return nil
}

// Stop is an alias for Close.
func (s *RTUServer) Stop() error {
	return s.Close()
}

// LastActivity returns the time the last request was received, or the
// zero time when no port is being served.
func (s *RTUServer) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		return time.Time{}
	}
	return s.handler.LastActivity()
}

// portSilence returns the read timeout carried by a serial port opened
// from a SerialConfig.
func portSilence(port Port) time.Duration {
	if p, ok := port.(interface{ ReadTimeout() time.Duration }); ok {
		return p.ReadTimeout()
	}
	return 0
}

func portName(port Port) string {
	if p, ok := port.(interface{ Address() string }); ok {
		return p.Address()
	}
	return "serial"
}
