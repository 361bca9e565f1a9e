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
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/modbus/internal/transport"
)

// Counter is an atomic event counter.
type Counter struct {
	n atomic.Int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	c.n.Add(delta)
}

// Inc adds one to the counter.
func (c *Counter) Inc() {
	c.n.Add(1)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return c.n.Load()
}

// Reset sets the counter to zero.
func (c *Counter) Reset() {
	c.n.Store(0)
}

// latencyBounds are the bucket upper bounds of a LatencyHistogram. A TCP
// round trip on a LAN lands in the first buckets; an RTU exchange at 9600
// baud takes tens of milliseconds for the frames alone.
var latencyBounds = []time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// LatencyHistogram records request round-trip times.
type LatencyHistogram struct {
	mu     sync.Mutex
	counts []int64 // per bound, the last entry counts values above every bound
	sum    time.Duration
	count  int64
	min    time.Duration
	max    time.Duration
}

// NewLatencyHistogram creates an empty histogram.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{counts: make([]int64, len(latencyBounds)+1)}
}

// Observe records one round trip.
func (h *LatencyHistogram) Observe(d time.Duration) {
	i, _ := slices.BinarySearch(latencyBounds, d)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.counts[i]++
	h.sum += d
	if h.count == 0 || d < h.min {
		h.min = d
	}
	if d > h.max {
		h.max = d
	}
	h.count++
}

// LatencyBucket is the number of observations at or below UpperBound and
// above the previous bound. UpperBound is zero for the overflow bucket.
type LatencyBucket struct {
	UpperBound time.Duration
	Count      int64
}

// LatencyStats is a snapshot of a LatencyHistogram.
type LatencyStats struct {
	Count   int64
	Sum     time.Duration
	Mean    time.Duration
	Min     time.Duration
	Max     time.Duration
	Buckets []LatencyBucket
}

// Stats returns a snapshot of the histogram.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:   h.count,
		Sum:     h.sum,
		Min:     h.min,
		Max:     h.max,
		Buckets: make([]LatencyBucket, len(h.counts)),
	}
	if h.count > 0 {
		stats.Mean = h.sum / time.Duration(h.count)
	}
	for i, n := range h.counts {
		if i < len(latencyBounds) {
			stats.Buckets[i].UpperBound = latencyBounds[i]
		}
		stats.Buckets[i].Count = n
	}
	return stats
}

// Reset discards all observations.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clear(h.counts)
	h.sum = 0
	h.count = 0
	h.min = 0
	h.max = 0
}

// Metrics holds client metrics. A failed request is counted in
// RequestsErrors and in at most one of the cause counters.
type Metrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter

	// BroadcastWrites counts RTU writes to unit 0, which get no reply.
	BroadcastWrites Counter

	Exceptions      Counter // exception responses
	Timeouts        Counter // no complete reply within the timeout
	ConnectionsLost Counter // connection closed by the peer or locally
	InvalidFrames   Counter // bad CRC, header, length or mismatched reply

	Retries       Counter
	Reconnections Counter
	ActiveConns   Counter

	// Latency covers completed round trips, exception responses included.
	Latency *LatencyHistogram

	funcs      sync.Map // FunctionCode -> *FunctionMetrics
	exceptions sync.Map // ExceptionCode -> *Counter
}

// FunctionMetrics holds metrics for a specific function code.
type FunctionMetrics struct {
	Requests   Counter
	Errors     Counter
	Exceptions Counter
	Latency    *LatencyHistogram
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		Latency: NewLatencyHistogram(),
	}
}

// ForFunction returns metrics for a specific function code.
func (m *Metrics) ForFunction(fc FunctionCode) *FunctionMetrics {
	if v, ok := m.funcs.Load(fc); ok {
		return v.(*FunctionMetrics)
	}
	v, _ := m.funcs.LoadOrStore(fc, &FunctionMetrics{Latency: NewLatencyHistogram()})
	return v.(*FunctionMetrics)
}

// ExceptionCount returns the number of exception responses carrying ec.
func (m *Metrics) ExceptionCount(ec ExceptionCode) int64 {
	if v, ok := m.exceptions.Load(ec); ok {
		return v.(*Counter).Value()
	}
	return 0
}

func (m *Metrics) exceptionCounter(ec ExceptionCode) *Counter {
	if v, ok := m.exceptions.Load(ec); ok {
		return v.(*Counter)
	}
	v, _ := m.exceptions.LoadOrStore(ec, &Counter{})
	return v.(*Counter)
}

// begin counts a request about to be sent.
func (m *Metrics) begin(fc FunctionCode) *FunctionMetrics {
	fm := m.ForFunction(fc)
	m.RequestsTotal.Inc()
	fm.Requests.Inc()
	return fm
}

// done records the outcome of a request started with begin.
func (m *Metrics) done(fm *FunctionMetrics, d time.Duration, err error) {
	if err == nil {
		m.RequestsSuccess.Inc()
		m.Latency.Observe(d)
		fm.Latency.Observe(d)
		return
	}

	m.RequestsErrors.Inc()
	fm.Errors.Inc()

	var mbErr *ModbusError
	switch {
	case errors.As(err, &mbErr):
		m.Exceptions.Inc()
		fm.Exceptions.Inc()
		m.exceptionCounter(mbErr.ExceptionCode).Inc()
		m.Latency.Observe(d)
		fm.Latency.Observe(d)
	case IsTimeout(err):
		m.Timeouts.Inc()
	case transport.IsClosed(err):
		m.ConnectionsLost.Inc()
	case isFrameError(err):
		m.InvalidFrames.Inc()
	}
}

func isFrameError(err error) bool {
	return errors.Is(err, ErrInvalidCRC) ||
		errors.Is(err, ErrInvalidFrame) ||
		errors.Is(err, ErrInvalidResponse) ||
		errors.Is(err, ErrInvalidResponseLength)
}

// Collect returns all metrics as a map, suitable for expvar or a log line.
func (m *Metrics) Collect() map[string]any {
	result := map[string]any{
		"requests_total":   m.RequestsTotal.Value(),
		"requests_success": m.RequestsSuccess.Value(),
		"requests_errors":  m.RequestsErrors.Value(),
		"broadcast_writes": m.BroadcastWrites.Value(),
		"exceptions":       m.Exceptions.Value(),
		"timeouts":         m.Timeouts.Value(),
		"connections_lost": m.ConnectionsLost.Value(),
		"invalid_frames":   m.InvalidFrames.Value(),
		"retries":          m.Retries.Value(),
		"reconnections":    m.Reconnections.Value(),
		"active_conns":     m.ActiveConns.Value(),
		"latency":          m.Latency.Stats(),
	}

	codes := make(map[string]int64)
	m.exceptions.Range(func(key, value any) bool {
		codes[key.(ExceptionCode).String()] = value.(*Counter).Value()
		return true
	})
	if len(codes) > 0 {
		result["exception_codes"] = codes
	}

	funcs := make(map[string]any)
	m.funcs.Range(func(key, value any) bool {
		fm := value.(*FunctionMetrics)
		funcs[key.(FunctionCode).String()] = map[string]any{
			"requests":   fm.Requests.Value(),
			"errors":     fm.Errors.Value(),
			"exceptions": fm.Exceptions.Value(),
			"latency":    fm.Latency.Stats(),
		}
		return true
	})
	if len(funcs) > 0 {
		result["functions"] = funcs
	}

	return result
}

// Reset zeroes all counters except ActiveConns, which tracks live state.
func (m *Metrics) Reset() {
	for _, c := range []*Counter{
		&m.RequestsTotal, &m.RequestsSuccess, &m.RequestsErrors,
		&m.BroadcastWrites, &m.Exceptions, &m.Timeouts,
		&m.ConnectionsLost, &m.InvalidFrames, &m.Retries, &m.Reconnections,
	} {
		c.Reset()
	}
	m.Latency.Reset()

	m.exceptions.Range(func(_, value any) bool {
		value.(*Counter).Reset()
		return true
	})
	m.funcs.Range(func(_, value any) bool {
		fm := value.(*FunctionMetrics)
		fm.Requests.Reset()
		fm.Errors.Reset()
		fm.Exceptions.Reset()
		fm.Latency.Reset()
		return true
	})
}

// ServerMetrics holds server-side metrics, shared by the TCP and RTU
// servers.
type ServerMetrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter // answered with an exception
	RequestsDropped Counter // unknown unit or broadcast read, no response
	Broadcasts      Counter // RTU writes applied to every unit
	InvalidFrames   Counter // RTU frames dropped on CRC or silence, bad MBAP headers
	ActiveConns     Counter
	TotalConns      Counter
	Evictions       Counter
}

// Collect returns the server metrics as a map.
func (m *ServerMetrics) Collect() map[string]any {
	tcp, rtu := FramePoolStats()
	return map[string]any{
		"requests_total":   m.RequestsTotal.Value(),
		"requests_success": m.RequestsSuccess.Value(),
		"requests_errors":  m.RequestsErrors.Value(),
		"requests_dropped": m.RequestsDropped.Value(),
		"broadcasts":       m.Broadcasts.Value(),
		"invalid_frames":   m.InvalidFrames.Value(),
		"active_conns":     m.ActiveConns.Value(),
		"total_conns":      m.TotalConns.Value(),
		"evictions":        m.Evictions.Value(),
		"frame_pool_tcp":   tcp,
		"frame_pool_rtu":   rtu,
	}
}
