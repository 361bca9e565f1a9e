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
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/modbus/internal/transport"
)

// Server is a Modbus TCP server backed by an in-memory register table.
// The register access methods (Buffer, HoldingRegisters, Lock, Update,
// AddUnit and so on) are shared with RTUServer.
type Server struct {
	*engine
	opts *serverOptions

	mu       sync.Mutex
	listener net.Listener
	conns    map[*requestHandler]struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new Modbus TCP server.
func NewServer(opts ...ServerOption) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		engine: newEngine(options),
		opts:   options,
		conns:  make(map[*requestHandler]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ListenAndServe starts the server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(listener)
}

// ListenAndServeContext starts the server and closes it when ctx is done.
func (s *Server) ListenAndServeContext(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		s.Close()
	})
	defer stop()

	return s.Serve(listener)
}

// Start listens on addr and serves in the background. Addr is valid when
// Start returns.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go s.Serve(listener)
	return nil
}

// Serve accepts connections on listener until Close. Any net.Listener
// works, so tests may supply in-memory connections. It returns
// ErrServerClosed after Close.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		if listener != nil {
			listener.Close()
		}
		return ErrServerClosed
	}
	s.listener = listener
	s.engine.start()
	if s.opts.connectionTimeout > 0 {
		s.wg.Add(1)
		go s.evictLoop()
	}
	s.mu.Unlock()

	s.opts.logger.Info("server started", slog.String("addr", listener.Addr().String()))

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			backoff = max(5*time.Millisecond, min(2*backoff, time.Second))
			s.opts.logger.Error("accept error",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			conn.Close()
			return ErrServerClosed
		}
		if len(s.conns) >= s.opts.maxConns {
			s.mu.Unlock()
			s.opts.logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		h := newRequestHandler(s.ctx, s.engine, conn, ModeTCP, conn.RemoteAddr().String())
		s.conns[h] = struct{}{}
		count := len(s.conns)
		s.metrics.ActiveConns.Add(1)
		s.metrics.TotalConns.Add(1)
		s.wg.Add(1)
		s.mu.Unlock()

		s.opts.logger.Info("connection count changed", slog.Int("connections", count))

		transport.ConfigureTCP(conn)
		go s.handleConn(h)
	}
}

// Close stops accepting, cancels every connection and waits for the
// handlers to exit. Unit buffers are cleared.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.engine.stop()

	s.opts.logger.Info("server stopped")
	return err
}

// Stop is an alias for Close.
func (s *Server) Stop() error {
	return s.Close()
}

// Addr returns the server's address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of active connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleConn(h *requestHandler) {
	defer func() {
		// Recover from panic to prevent server crash
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in connection handler",
				slog.String("remote", h.remote),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		s.mu.Lock()
		delete(s.conns, h)
		count := len(s.conns)
		s.metrics.ActiveConns.Add(-1)
		s.mu.Unlock()

		if !s.closed.Load() {
			s.opts.logger.Info("connection count changed", slog.Int("connections", count))
		}
		s.wg.Done()
	}()

	s.opts.logger.Debug("connection accepted", slog.String("remote", h.remote))

	err := h.run()
	if err != nil && !transport.IsClosed(err) && !errors.Is(err, context.Canceled) {
		s.opts.logger.Debug("connection closed",
			slog.String("remote", h.remote),
			slog.String("error", err.Error()))
	}
}

// evictLoop cancels connections idle for longer than the connection
// timeout.
func (s *Server) evictLoop() {
	defer s.wg.Done()

	timeout := s.opts.connectionTimeout
	ticker := time.NewTicker(max(10*time.Millisecond, min(timeout/10, time.Second)))
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for h := range s.conns {
				if idle := now.Sub(h.LastActivity()); idle > timeout {
					s.opts.logger.Warn("evicting idle connection",
						slog.String("remote", h.remote),
						slog.Duration("idle", idle))
					s.metrics.Evictions.Add(1)
					h.cancel()
				}
			}
			s.mu.Unlock()
		}
	}
}
