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
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/modbus/internal/transport"
)

// requestHandler runs the receive, execute and respond cycle of one
// connection or serial port, one request at a time.
type requestHandler struct {
	engine *engine
	conn   transport.Conn
	mode   Mode
	remote string
	logger *slog.Logger

	// silence is the read timeout. RTU drops a partial frame when it
	// expires, TCP closes the connection.
	silence time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	fb       *frameBuffer
	n        int // bytes accumulated in fb.rx
	frameLen int // length of the request at the start of fb.rx
	tcp      tcpFramer

	lastActivity atomic.Int64

	// pending is set while a received request waits for an update cycle
	// (synchronous mode). processed is signalled when the cycle served it.
	pending   atomic.Bool
	processed chan struct{}
}

func newRequestHandler(ctx context.Context, e *engine, conn transport.Conn, mode Mode, remote string) *requestHandler {
	h := &requestHandler{
		engine:    e,
		conn:      conn,
		mode:      mode,
		remote:    remote,
		logger:    e.logger.With(slog.String("remote", remote)),
		silence:   e.opts.readTimeout,
		processed: make(chan struct{}, 1),
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.touch()
	return h
}

func (h *requestHandler) touch() {
	h.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time the last request was received.
func (h *requestHandler) LastActivity() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

// run serves requests until the handler is cancelled or the connection
// fails. The frame buffer is held for the lifetime of the loop.
func (h *requestHandler) run() error {
	h.fb = acquireFrameBuffer(framePoolFor(h.mode))
	stop := context.AfterFunc(h.ctx, func() {
		h.conn.Close()
	})
	h.engine.register(h)

	defer func() {
		h.engine.unregister(h)
		stop()
		h.cancel()
		h.conn.Close()
		h.fb.release()
	}()

	for {
		size, err := h.receive()
		if err != nil {
			if h.ctx.Err() != nil {
				return h.ctx.Err()
			}
			return err
		}
		h.frameLen = size
		h.touch()

		if h.engine.opts.synchronous {
			if !h.await() {
				return h.ctx.Err()
			}
		} else {
			h.respond()
		}
		h.consume(size)
	}
}

// await parks the request until an update cycle served it. It returns
// false when the handler was cancelled first.
func (h *requestHandler) await() bool {
	h.pending.Store(true)
	select {
	case <-h.processed:
		return true
	case <-h.ctx.Done():
		if h.pending.CompareAndSwap(true, false) {
			return false
		}
		// The update cycle owns the frame buffer until it signals.
		<-h.processed
		return false
	}
}

// receive reads until a complete request sits at the start of fb.rx and
// returns its length.
func (h *requestHandler) receive() (int, error) {
	for {
		if h.n > 0 {
			size, err := h.detect(h.fb.rx[:h.n])
			switch {
			case err != nil && h.mode == ModeTCP:
				h.engine.metrics.InvalidFrames.Inc()
				return 0, err
			case err != nil:
				h.engine.metrics.InvalidFrames.Inc()
				h.logger.Debug("rtu frame dropped", slog.String("error", err.Error()))
				h.reset()
				continue
			case size > 0:
				return size, nil
			case h.n == len(h.fb.rx):
				// Buffer full without a frame: the stream is out of sync.
				h.reset()
			}
		}

		deadline := time.Time{}
		if h.silence > 0 {
			deadline = time.Now().Add(h.silence)
		}
		if err := h.conn.SetReadDeadline(deadline); err != nil {
			return 0, err
		}

		m, err := h.conn.Read(h.fb.rx[h.n:])
		h.n += m
		if err != nil {
			if h.mode != ModeTCP && transport.IsTimeout(err) && h.ctx.Err() == nil {
				if h.n > 0 {
					h.engine.metrics.InvalidFrames.Inc()
					h.logger.Debug("incomplete rtu frame dropped", slog.Int("bytes", h.n))
				}
				h.reset()
				continue
			}
			return 0, err
		}
	}
}

func (h *requestHandler) detect(buf []byte) (int, error) {
	if h.mode == ModeTCP {
		return h.tcp.frame(buf)
	}
	return rtuRequestFrame(buf)
}

func (h *requestHandler) reset() {
	h.n = 0
	h.tcp.reset()
}

// consume removes the served request and keeps any bytes that followed it.
func (h *requestHandler) consume(size int) {
	copy(h.fb.rx, h.fb.rx[size:h.n])
	h.n -= size
	h.tcp.reset()
}

// respond executes the received request and writes the response. A write
// failure cancels the handler.
func (h *requestHandler) respond() {
	w := h.fb.writer()
	adu, ok := h.engine.serve(h.mode, h.fb.rx[:h.frameLen], &w)
	if !ok {
		return
	}

	deadline := time.Time{}
	if d := h.engine.opts.writeTimeout; d > 0 {
		deadline = time.Now().Add(d)
	}
	h.conn.SetWriteDeadline(deadline)

	if _, err := h.conn.Write(adu); err != nil {
		if !errors.Is(err, context.Canceled) {
			h.logger.Debug("write error", slog.String("error", err.Error()))
		}
		h.cancel()
	}
}
