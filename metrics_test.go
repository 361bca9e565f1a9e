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
	"fmt"
	"io"
	"testing"
	"time"
)

func TestCounter(t *testing.T) {
	var c Counter

	if c.Value() != 0 {
		t.Errorf("Initial value: expected 0, got %d", c.Value())
	}

	c.Add(5)
	c.Inc()
	if c.Value() != 6 {
		t.Errorf("After Add(5) and Inc: expected 6, got %d", c.Value())
	}

	c.Add(-2)
	if c.Value() != 4 {
		t.Errorf("After Add(-2): expected 4, got %d", c.Value())
	}

	c.Reset()
	if c.Value() != 0 {
		t.Errorf("After Reset: expected 0, got %d", c.Value())
	}
}

func TestLatencyHistogram(t *testing.T) {
	h := NewLatencyHistogram()

	for _, d := range []time.Duration{
		500 * time.Microsecond,
		2 * time.Millisecond,
		10 * time.Millisecond, // on a bound
		50 * time.Millisecond,
		100 * time.Millisecond,
		2 * time.Second, // above every bound
	} {
		h.Observe(d)
	}

	stats := h.Stats()
	if stats.Count != 6 {
		t.Errorf("Count: expected 6, got %d", stats.Count)
	}
	if stats.Min != 500*time.Microsecond {
		t.Errorf("Min: expected 500µs, got %v", stats.Min)
	}
	if stats.Max != 2*time.Second {
		t.Errorf("Max: expected 2s, got %v", stats.Max)
	}
	if want := stats.Sum / 6; stats.Mean != want {
		t.Errorf("Mean: expected %v, got %v", want, stats.Mean)
	}

	if len(stats.Buckets) != len(latencyBounds)+1 {
		t.Fatalf("Buckets: expected %d, got %d", len(latencyBounds)+1, len(stats.Buckets))
	}
	want := map[time.Duration]int64{
		time.Millisecond:       1,
		5 * time.Millisecond:   1,
		10 * time.Millisecond:  1,
		25 * time.Millisecond:  0,
		50 * time.Millisecond:  1,
		100 * time.Millisecond: 1,
		0:                      1, // overflow
	}
	for _, b := range stats.Buckets {
		if n, ok := want[b.UpperBound]; ok && b.Count != n {
			t.Errorf("Bucket <= %v: expected %d, got %d", b.UpperBound, n, b.Count)
		}
	}
}

func TestLatencyHistogramReset(t *testing.T) {
	h := NewLatencyHistogram()

	h.Observe(5 * time.Millisecond)
	h.Observe(10 * time.Millisecond)

	h.Reset()

	stats := h.Stats()
	if stats.Count != 0 || stats.Sum != 0 || stats.Min != 0 || stats.Max != 0 {
		t.Errorf("Stats after reset: %+v", stats)
	}

	h.Observe(3 * time.Millisecond)
	if stats := h.Stats(); stats.Min != 3*time.Millisecond {
		t.Errorf("Min after reset: expected 3ms, got %v", stats.Min)
	}
}

func TestMetricsClassifiesErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		counter func(m *Metrics) *Counter
		latency int64
	}{
		{"exception", NewModbusError(FuncReadCoils, ExceptionIllegalDataAddress),
			func(m *Metrics) *Counter { return &m.Exceptions }, 1},
		{"timeout", fmt.Errorf("%w: read: i/o timeout", ErrTimeout),
			func(m *Metrics) *Counter { return &m.Timeouts }, 0},
		{"closed", fmt.Errorf("%w: read: EOF", ErrConnectionClosed),
			func(m *Metrics) *Counter { return &m.ConnectionsLost }, 0},
		{"eof", io.EOF,
			func(m *Metrics) *Counter { return &m.ConnectionsLost }, 0},
		{"crc", ErrInvalidCRC,
			func(m *Metrics) *Counter { return &m.InvalidFrames }, 0},
		{"mismatch", fmt.Errorf("%w: transaction ID mismatch", ErrInvalidResponse),
			func(m *Metrics) *Counter { return &m.InvalidFrames }, 0},
		{"length", fmt.Errorf("%w: byte count 0 for 8 bits", ErrInvalidResponseLength),
			func(m *Metrics) *Counter { return &m.InvalidFrames }, 0},
		{"cancelled", context.Canceled, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetrics()
			fm := m.begin(FuncReadCoils)
			m.done(fm, time.Millisecond, tt.err)

			if m.RequestsTotal.Value() != 1 || m.RequestsErrors.Value() != 1 || fm.Errors.Value() != 1 {
				t.Errorf("Expected one failed request, got total=%d errors=%d func errors=%d",
					m.RequestsTotal.Value(), m.RequestsErrors.Value(), fm.Errors.Value())
			}

			causes := []*Counter{&m.Exceptions, &m.Timeouts, &m.ConnectionsLost, &m.InvalidFrames}
			var want *Counter
			if tt.counter != nil {
				want = tt.counter(m)
			}
			for _, c := range causes {
				expected := int64(0)
				if c == want {
					expected = 1
				}
				if c.Value() != expected {
					t.Errorf("Cause counter %p: expected %d, got %d", c, expected, c.Value())
				}
			}

			if got := m.Latency.Stats().Count; got != tt.latency {
				t.Errorf("Latency count: expected %d, got %d", tt.latency, got)
			}
		})
	}
}

func TestMetricsExceptionCodes(t *testing.T) {
	m := NewMetrics()

	for _, ec := range []ExceptionCode{
		ExceptionIllegalDataAddress,
		ExceptionIllegalDataAddress,
		ExceptionServerDeviceBusy,
	} {
		m.done(m.begin(FuncReadHoldingRegisters), time.Millisecond, NewModbusError(FuncReadHoldingRegisters, ec))
	}

	if got := m.ExceptionCount(ExceptionIllegalDataAddress); got != 2 {
		t.Errorf("IllegalDataAddress: expected 2, got %d", got)
	}
	if got := m.ExceptionCount(ExceptionServerDeviceBusy); got != 1 {
		t.Errorf("ServerDeviceBusy: expected 1, got %d", got)
	}
	if got := m.ExceptionCount(ExceptionIllegalFunction); got != 0 {
		t.Errorf("IllegalFunction: expected 0, got %d", got)
	}
	if got := m.ForFunction(FuncReadHoldingRegisters).Exceptions.Value(); got != 3 {
		t.Errorf("Function exceptions: expected 3, got %d", got)
	}

	codes, ok := m.Collect()["exception_codes"].(map[string]int64)
	if !ok {
		t.Fatal("exception_codes missing from Collect")
	}
	if codes["illegal data address"] != 2 {
		t.Errorf("exception_codes: %v", codes)
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.RequestsTotal.Add(10)
	m.RequestsSuccess.Add(8)
	m.RequestsErrors.Add(2)
	m.BroadcastWrites.Add(3)
	m.Retries.Add(1)
	m.Reconnections.Add(1)

	collected := m.Collect()

	for key, want := range map[string]int64{
		"requests_total":   10,
		"requests_success": 8,
		"requests_errors":  2,
		"broadcast_writes": 3,
		"retries":          1,
		"reconnections":    1,
		"timeouts":         0,
	} {
		if collected[key] != want {
			t.Errorf("%s: expected %d, got %v", key, want, collected[key])
		}
	}
	if _, ok := collected["latency"].(LatencyStats); !ok {
		t.Errorf("latency: expected LatencyStats, got %T", collected["latency"])
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.ActiveConns.Add(1)
	m.done(m.begin(FuncReadCoils), 5*time.Millisecond, nil)
	m.done(m.begin(FuncReadCoils), 5*time.Millisecond, NewModbusError(FuncReadCoils, ExceptionIllegalDataValue))

	m.Reset()

	if m.RequestsTotal.Value() != 0 || m.Exceptions.Value() != 0 {
		t.Errorf("Counters after reset: total=%d exceptions=%d", m.RequestsTotal.Value(), m.Exceptions.Value())
	}
	if m.ExceptionCount(ExceptionIllegalDataValue) != 0 {
		t.Error("Exception codes should be reset")
	}
	if stats := m.Latency.Stats(); stats.Count != 0 {
		t.Errorf("Latency.Count after reset: expected 0, got %d", stats.Count)
	}
	if fm := m.ForFunction(FuncReadCoils); fm.Requests.Value() != 0 || fm.Exceptions.Value() != 0 {
		t.Error("Function metrics should be reset")
	}
	if m.ActiveConns.Value() != 1 {
		t.Errorf("ActiveConns should survive a reset, got %d", m.ActiveConns.Value())
	}
}

func TestFunctionMetrics(t *testing.T) {
	m := NewMetrics()

	fm := m.ForFunction(FuncReadHoldingRegisters)
	fm.Requests.Add(5)
	fm.Errors.Add(1)

	if fm2 := m.ForFunction(FuncReadHoldingRegisters); fm2 != fm {
		t.Error("ForFunction should return the same instance for a function code")
	}

	fm3 := m.ForFunction(FuncWriteSingleRegister)
	fm3.Requests.Add(3)

	if fm3.Requests.Value() != 3 {
		t.Errorf("WriteSingleRegister requests: expected 3, got %d", fm3.Requests.Value())
	}
	if fm.Requests.Value() != 5 {
		t.Errorf("ReadHoldingRegisters requests: expected 5, got %d", fm.Requests.Value())
	}
}

func TestFunctionCodeString(t *testing.T) {
	tests := []struct {
		fc     FunctionCode
		expect string
	}{
		{FuncReadCoils, "ReadCoils"},
		{FuncReadDiscreteInputs, "ReadDiscreteInputs"},
		{FuncReadHoldingRegisters, "ReadHoldingRegisters"},
		{FuncReadInputRegisters, "ReadInputRegisters"},
		{FuncWriteSingleCoil, "WriteSingleCoil"},
		{FuncWriteSingleRegister, "WriteSingleRegister"},
		{FuncWriteMultipleCoils, "WriteMultipleCoils"},
		{FuncWriteMultipleRegisters, "WriteMultipleRegisters"},
		{FuncReadWriteMultipleRegisters, "ReadWriteMultipleRegisters"},
		{FuncReadHoldingRegisters | FuncErrorFlag, "Error(ReadHoldingRegisters)"},
		{FunctionCode(0x7F), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expect, func(t *testing.T) {
			if tt.fc.String() != tt.expect {
				t.Errorf("FunctionCode %d: expected %s, got %s", tt.fc, tt.expect, tt.fc.String())
			}
		})
	}
}

func TestServerMetricsCollect(t *testing.T) {
	var m ServerMetrics

	m.RequestsTotal.Add(4)
	m.RequestsSuccess.Add(2)
	m.RequestsErrors.Add(1)
	m.RequestsDropped.Add(1)
	m.Broadcasts.Add(2)
	m.InvalidFrames.Add(5)
	m.Evictions.Add(3)

	collected := m.Collect()

	for key, want := range map[string]int64{
		"requests_total":   4,
		"requests_success": 2,
		"requests_errors":  1,
		"requests_dropped": 1,
		"broadcasts":       2,
		"invalid_frames":   5,
		"evictions":        3,
	} {
		if collected[key] != want {
			t.Errorf("%s: expected %d, got %v", key, want, collected[key])
		}
	}

	if _, ok := collected["frame_pool_tcp"].(PoolStats); !ok {
		t.Errorf("frame_pool_tcp: expected PoolStats, got %T", collected["frame_pool_tcp"])
	}
}
