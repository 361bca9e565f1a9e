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
	"encoding/binary"
	"fmt"
)

// frameBuffer is the pair of pooled byte arrays a connection uses for one
// exchange at a time: rx accumulates the incoming frame, tx receives the
// outgoing one. It is owned by exactly one handler or client.
type frameBuffer struct {
	pool *bufferPool
	rx   []byte
	tx   []byte
}

// acquireFrameBuffer takes two buffers from p. The caller must release the
// frame buffer on every exit path.
func acquireFrameBuffer(p *bufferPool) *frameBuffer {
	return &frameBuffer{
		pool: p,
		rx:   p.get(),
		tx:   p.get(),
	}
}

// release returns both buffers to the pool. The frame buffer must not be
// used afterwards.
func (b *frameBuffer) release() {
	if b.rx != nil {
		b.pool.put(b.rx)
		b.rx = nil
	}
	if b.tx != nil {
		b.pool.put(b.tx)
		b.tx = nil
	}
}

// writer returns a writer over the transmit buffer.
func (b *frameBuffer) writer() frameWriter {
	return frameWriter{buf: b.tx[:0]}
}

// frameWriter appends big-endian protocol fields to a fixed-capacity
// buffer. Writes past the capacity are dropped and reported by Err.
type frameWriter struct {
	buf []byte
	err error
}

func (w *frameWriter) grow(n int) bool {
	if w.err != nil {
		return false
	}
	if len(w.buf)+n > cap(w.buf) {
		w.err = fmt.Errorf("%w: frame exceeds %d bytes", ErrInvalidFrame, cap(w.buf))
		return false
	}
	return true
}

func (w *frameWriter) writeByte(v byte) {
	if w.grow(1) {
		w.buf = append(w.buf, v)
	}
}

func (w *frameWriter) writeUint16(v uint16) {
	if w.grow(2) {
		w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	}
}

func (w *frameWriter) write(p []byte) {
	if w.grow(len(p)) {
		w.buf = append(w.buf, p...)
	}
}

// reserve appends n zero bytes and returns them for in-place filling.
func (w *frameWriter) reserve(n int) []byte {
	if !w.grow(n) {
		return nil
	}
	start := len(w.buf)
	w.buf = w.buf[:start+n]
	clear(w.buf[start:])
	return w.buf[start:]
}

func (w *frameWriter) len() int {
	return len(w.buf)
}

func (w *frameWriter) bytes() []byte {
	return w.buf
}

func (w *frameWriter) Err() error {
	return w.err
}

// frameReader consumes big-endian protocol fields from a frame. Reads past
// the end return zero values and are reported by Err.
type frameReader struct {
	buf []byte
	off int
	err error
}

func newFrameReader(b []byte) frameReader {
	return frameReader{buf: b}
}

func (r *frameReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrInvalidResponseLength, n, r.off, len(r.buf))
		return false
	}
	return true
}

func (r *frameReader) readByte() byte {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *frameReader) readUint16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

// next returns the next n bytes without copying.
func (r *frameReader) next(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

func (r *frameReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *frameReader) Err() error {
	return r.err
}
