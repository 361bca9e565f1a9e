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

// defaultPoolCapacity is the number of idle buffers each frame pool keeps.
const defaultPoolCapacity = 64

// Shared frame pools, one per transport frame size.
var (
	tcpFramePool = newBufferPool(TCPFrameSize, defaultPoolCapacity)
	rtuFramePool = newBufferPool(RTUFrameSize, defaultPoolCapacity)
)

// framePoolFor returns the shared pool sized for the framing of m.
func framePoolFor(m Mode) *bufferPool {
	if m == ModeTCP {
		return tcpFramePool
	}
	return rtuFramePool
}

// bufferPool is a bounded free list of fixed-size byte arrays. Buffers
// beyond the capacity are left to the garbage collector on put.
type bufferPool struct {
	size    int
	free    chan []byte
	metrics *PoolMetrics
}

// PoolMetrics holds frame pool metrics.
type PoolMetrics struct {
	Gets      Counter
	Puts      Counter
	Hits      Counter
	Misses    Counter
	Discarded Counter
}

// PoolStats holds frame pool statistics.
type PoolStats struct {
	BufferSize int
	Capacity   int
	Available  int
	Gets       int64
	Puts       int64
	Hits       int64
	Misses     int64
	Discarded  int64
}

func newBufferPool(size, capacity int) *bufferPool {
	if capacity < 1 {
		capacity = 1
	}
	return &bufferPool{
		size:    size,
		free:    make(chan []byte, capacity),
		metrics: &PoolMetrics{},
	}
}

// get returns a zeroed buffer of the pool size.
func (p *bufferPool) get() []byte {
	p.metrics.Gets.Add(1)

	select {
	case buf := <-p.free:
		p.metrics.Hits.Add(1)
		clear(buf)
		return buf
	default:
		p.metrics.Misses.Add(1)
	}

	return make([]byte, p.size)
}

// put returns buf to the pool. Buffers of a foreign size are dropped.
func (p *bufferPool) put(buf []byte) {
	if cap(buf) != p.size {
		p.metrics.Discarded.Add(1)
		return
	}

	p.metrics.Puts.Add(1)

	select {
	case p.free <- buf[:p.size]:
	default:
		// Pool is full
		p.metrics.Discarded.Add(1)
	}
}

// Stats returns pool statistics.
func (p *bufferPool) Stats() PoolStats {
	return PoolStats{
		BufferSize: p.size,
		Capacity:   cap(p.free),
		Available:  len(p.free),
		Gets:       p.metrics.Gets.Value(),
		Puts:       p.metrics.Puts.Value(),
		Hits:       p.metrics.Hits.Value(),
		Misses:     p.metrics.Misses.Value(),
		Discarded:  p.metrics.Discarded.Value(),
	}
}

// FramePoolStats returns the statistics of the shared TCP and RTU frame
// pools.
func FramePoolStats() (tcp, rtu PoolStats) {
	return tcpFramePool.Stats(), rtuFramePool.Stats()
}
