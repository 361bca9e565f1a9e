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
	"io"
	"net"
	"testing"
	"time"

	goburrow "github.com/goburrow/modbus"
)

// startServer serves a new TCP server on a loopback port and returns it
// with its address.
func startServer(t *testing.T, opts ...ServerOption) (*Server, string) {
	t.Helper()

	server := NewServer(append([]ServerOption{WithServerLogger(quietLogger())}, opts...)...)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })

	return server, listener.Addr().String()
}

func connectClient(t *testing.T, addr string, opts ...Option) *Client {
	t.Helper()

	client, err := NewClient(addr, append([]Option{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return client
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestNewServer(t *testing.T) {
	server := NewServer()

	if server == nil {
		t.Fatal("NewServer returned nil")
	}
	if !server.IsAsynchronous() {
		t.Error("Server should be asynchronous by default")
	}
	if !server.IsReady() {
		t.Error("Server should be ready before the first update")
	}
	if server.Addr() != nil {
		t.Error("Addr should be nil before Serve")
	}
}

func TestServer_ClientIntegration(t *testing.T) {
	server, addr := startServer(t)

	hr, _ := server.HoldingRegisters(0)
	SetBigEndian[uint16](hr, 0, 1234)
	SetBigEndian[uint16](hr, 1, 5678)
	coils, _ := server.Coils(0)
	coils.Set(0, true)

	client := connectClient(t, addr, WithUnitID(1))
	ctx := context.Background()

	t.Run("ReadHoldingRegisters", func(t *testing.T) {
		regs, err := client.ReadHoldingRegisters(ctx, 0, 2)
		if err != nil {
			t.Fatalf("ReadHoldingRegisters failed: %v", err)
		}
		if len(regs) != 2 {
			t.Fatalf("Expected 2 registers, got %d", len(regs))
		}
		if regs[0] != 1234 {
			t.Errorf("Register[0]: expected 1234, got %d", regs[0])
		}
		if regs[1] != 5678 {
			t.Errorf("Register[1]: expected 5678, got %d", regs[1])
		}
	})

	t.Run("ReadCoils", func(t *testing.T) {
		coils, err := client.ReadCoils(ctx, 0, 8)
		if err != nil {
			t.Fatalf("ReadCoils failed: %v", err)
		}
		if len(coils) != 8 {
			t.Fatalf("Expected 8 coils, got %d", len(coils))
		}
		if !coils[0] {
			t.Error("Coil[0] should be true")
		}
	})

	t.Run("WriteSingleRegister", func(t *testing.T) {
		if err := client.WriteSingleRegister(ctx, 10, 9999); err != nil {
			t.Fatalf("WriteSingleRegister failed: %v", err)
		}

		regs, err := client.ReadHoldingRegisters(ctx, 10, 1)
		if err != nil {
			t.Fatalf("ReadHoldingRegisters failed: %v", err)
		}
		if regs[0] != 9999 {
			t.Errorf("Register[10]: expected 9999, got %d", regs[0])
		}
	})

	t.Run("WriteSingleCoil", func(t *testing.T) {
		if err := client.WriteSingleCoil(ctx, 5, true); err != nil {
			t.Fatalf("WriteSingleCoil failed: %v", err)
		}

		coils, err := client.ReadCoils(ctx, 5, 1)
		if err != nil {
			t.Fatalf("ReadCoils failed: %v", err)
		}
		if !coils[0] {
			t.Error("Coil[5] should be true")
		}
	})

	t.Run("WriteMultipleCoils", func(t *testing.T) {
		values := []bool{true, false, true, true, false}
		if err := client.WriteMultipleCoils(ctx, 20, values); err != nil {
			t.Fatalf("WriteMultipleCoils failed: %v", err)
		}

		coils, err := client.ReadCoils(ctx, 20, 5)
		if err != nil {
			t.Fatalf("ReadCoils failed: %v", err)
		}
		for i, v := range values {
			if coils[i] != v {
				t.Errorf("Coil[%d]: expected %v, got %v", i, v, coils[i])
			}
		}
	})

	t.Run("WriteMultipleRegisters", func(t *testing.T) {
		values := []uint16{111, 222, 333}
		if err := client.WriteMultipleRegisters(ctx, 100, values); err != nil {
			t.Fatalf("WriteMultipleRegisters failed: %v", err)
		}

		regs, err := client.ReadHoldingRegisters(ctx, 100, 3)
		if err != nil {
			t.Fatalf("ReadHoldingRegisters failed: %v", err)
		}
		for i, v := range values {
			if regs[i] != v {
				t.Errorf("Register[%d]: expected %d, got %d", i, v, regs[i])
			}
		}
	})

	t.Run("ReadWriteMultipleRegisters", func(t *testing.T) {
		regs, err := client.ReadWriteMultipleRegisters(ctx, 100, 4, 103, []uint16{444})
		if err != nil {
			t.Fatalf("ReadWriteMultipleRegisters failed: %v", err)
		}
		expected := []uint16{111, 222, 333, 444}
		for i, v := range expected {
			if regs[i] != v {
				t.Errorf("Register[%d]: expected %d, got %d", i, v, regs[i])
			}
		}
	})

	t.Run("ReadDiscreteInputs", func(t *testing.T) {
		server.Lock()
		di, _ := server.DiscreteInputs(0)
		di.Set(6, true)
		server.Unlock()

		inputs, err := client.ReadDiscreteInputs(ctx, 5, 3)
		if err != nil {
			t.Fatalf("ReadDiscreteInputs failed: %v", err)
		}
		if inputs[0] || !inputs[1] || inputs[2] {
			t.Errorf("Unexpected inputs %v", inputs)
		}
	})

	t.Run("ReadInputRegisters", func(t *testing.T) {
		server.Lock()
		ir, _ := server.InputRegisters(0)
		SetBigEndian[uint16](ir, 3, 4242)
		server.Unlock()

		regs, err := client.ReadInputRegisters(ctx, 3, 1)
		if err != nil {
			t.Fatalf("ReadInputRegisters failed: %v", err)
		}
		if regs[0] != 4242 {
			t.Errorf("Input register: expected 4242, got %d", regs[0])
		}
	})

	metrics := client.Metrics()
	if metrics.RequestsErrors.Value() != 0 {
		t.Errorf("RequestsErrors: expected 0, got %d", metrics.RequestsErrors.Value())
	}
	if server.Metrics().RequestsTotal.Value() != metrics.RequestsTotal.Value() {
		t.Errorf("Server saw %d requests, client sent %d",
			server.Metrics().RequestsTotal.Value(), metrics.RequestsTotal.Value())
	}
}

func TestServer_Float32Values(t *testing.T) {
	server, addr := startServer(t)
	server.AddUnit(1)

	server.Lock()
	hr, _ := server.HoldingRegisters(1)
	values := AsSlice[float32](hr)
	values[6] = 65.455
	values[7] = 24
	values[8] = 25
	server.Unlock()

	client := connectClient(t, addr)

	got, err := ReadHoldingRegistersAs[float32](context.Background(), client, 1, 2, 10)
	if err != nil {
		t.Fatalf("ReadHoldingRegistersAs failed: %v", err)
	}

	expected := []float32{0, 0, 0, 0, 0, 65.455, 24, 25, 0, 0}
	if len(got) != len(expected) {
		t.Fatalf("Expected %d values, got %d", len(expected), len(got))
	}
	for i, v := range expected {
		if got[i] != v {
			t.Errorf("Value[%d]: expected %v, got %v", i, v, got[i])
		}
	}
}

func TestServer_TypedBigEndian(t *testing.T) {
	server, addr := startServer(t)
	client := connectClient(t, addr, WithEndianness(BigEndian))
	ctx := context.Background()

	if err := WriteMultipleRegistersAs(ctx, client, 1, 40, []float64{1.5, -2.25}); err != nil {
		t.Fatalf("WriteMultipleRegistersAs failed: %v", err)
	}

	server.Lock()
	hr, _ := server.HoldingRegisters(0)
	first, _ := GetBigEndian[float64](hr, 40)
	second, _ := GetBigEndian[float64](hr, 44)
	server.Unlock()

	if first != 1.5 || second != -2.25 {
		t.Errorf("Expected 1.5 and -2.25 in big-endian order, got %v and %v", first, second)
	}

	got, err := ReadWriteMultipleRegistersAs(ctx, client, 1, 40, 3, 48, []float64{8})
	if err != nil {
		t.Fatalf("ReadWriteMultipleRegistersAs failed: %v", err)
	}
	if got[0] != 1.5 || got[1] != -2.25 || got[2] != 8 {
		t.Errorf("Unexpected values %v", got)
	}

	words, err := ReadInputRegistersAs[uint32](ctx, client, 1, 0, 2)
	if err != nil {
		t.Fatalf("ReadInputRegistersAs failed: %v", err)
	}
	if words[0] != 0 || words[1] != 0 {
		t.Errorf("Expected zeroed input registers, got %v", words)
	}
}

func TestServer_TypedOddByteCount(t *testing.T) {
	server, addr := startServer(t)
	client := connectClient(t, addr)
	ctx := context.Background()

	if _, err := ReadHoldingRegistersAs[uint8](ctx, client, 1, 0, 3); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}
	if err := WriteMultipleRegistersAs(ctx, client, 1, 0, []int8{1}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}

	// Nothing was sent.
	if n := server.Metrics().RequestsTotal.Value(); n != 0 {
		t.Errorf("Expected no request on the wire, got %d", n)
	}

	values, err := ReadHoldingRegistersAs[uint8](ctx, client, 1, 0, 4)
	if err != nil {
		t.Fatalf("ReadHoldingRegistersAs failed: %v", err)
	}
	if len(values) != 4 {
		t.Errorf("Expected 4 values, got %d", len(values))
	}
}

func TestServer_Exceptions(t *testing.T) {
	_, addr := startServer(t, WithMaxHoldingRegisterAddress(99))
	client := connectClient(t, addr)
	ctx := context.Background()

	_, err := client.ReadHoldingRegisters(ctx, 0, 126)
	if !IsIllegalDataValue(err) {
		t.Errorf("Expected illegal data value, got %v", err)
	}
	var mbErr *ModbusError
	if !errors.As(err, &mbErr) || mbErr.FunctionCode != FuncReadHoldingRegisters {
		t.Errorf("Expected ModbusError for ReadHoldingRegisters, got %v", err)
	}

	if _, err := client.ReadHoldingRegisters(ctx, 99, 2); !IsIllegalDataAddress(err) {
		t.Errorf("Expected illegal data address, got %v", err)
	}

	// Writes that cannot be framed fail before sending.
	if err := client.WriteMultipleRegisters(ctx, 0, make([]uint16, 124)); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("Expected ErrInvalidQuantity, got %v", err)
	}
	if err := client.WriteMultipleCoils(ctx, 0, make([]bool, 1969)); !IsIllegalDataValue(err) {
		t.Errorf("Expected illegal data value, got %v", err)
	}

	// The connection survives exceptions.
	if _, err := client.ReadHoldingRegisters(ctx, 99, 1); err != nil {
		t.Errorf("Read after exceptions failed: %v", err)
	}
}

func TestServer_UnknownUnitTimesOut(t *testing.T) {
	server, addr := startServer(t)
	server.AddUnit(1)

	client := connectClient(t, addr, WithTimeout(200*time.Millisecond))

	start := time.Now()
	_, err := client.ReadHoldingRegistersWithUnit(context.Background(), 2, 0, 1)
	if !IsTimeout(err) {
		t.Fatalf("Expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Timeout took %v", elapsed)
	}

	if !waitFor(t, time.Second, func() bool { return server.Metrics().RequestsDropped.Value() == 1 }) {
		t.Errorf("RequestsDropped: expected 1, got %d", server.Metrics().RequestsDropped.Value())
	}
}

func TestServer_ContextCancel(t *testing.T) {
	_, addr := startServer(t, WithSynchronousMode(true))
	client := connectClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Without Update the request is never answered.
	_, err := client.ReadCoils(ctx, 0, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
}

func TestServer_SynchronousMode(t *testing.T) {
	server, addr := startServer(t, WithSynchronousMode(true))
	if server.IsAsynchronous() {
		t.Fatal("Server should be synchronous")
	}

	hr, _ := server.HoldingRegisters(0)
	SetBigEndian[uint16](hr, 0, 77)

	client := connectClient(t, addr)

	type result struct {
		regs []uint16
		err  error
	}
	done := make(chan result, 1)
	go func() {
		regs, err := client.ReadHoldingRegisters(context.Background(), 0, 1)
		done <- result{regs, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("Request answered before Update: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}

	var r result
	deadline := time.After(2 * time.Second)
wait:
	for {
		server.Update()
		select {
		case r = <-done:
			break wait
		case <-deadline:
			t.Fatal("Request not answered after Update")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if r.err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", r.err)
	}
	if r.regs[0] != 77 {
		t.Errorf("Expected 77, got %d", r.regs[0])
	}

	if !waitFor(t, time.Second, server.IsReady) {
		t.Error("Server not ready after the update cycle")
	}
}

func TestServer_AsynchronousUpdateIsNoop(t *testing.T) {
	server := NewServer(WithServerLogger(quietLogger()))

	server.Update()
	if !server.IsReady() {
		t.Error("Update should not affect an asynchronous server")
	}
}

func TestServer_ConnectionEviction(t *testing.T) {
	server, addr := startServer(t, WithConnectionTimeout(100*time.Millisecond))
	client := connectClient(t, addr)

	if _, err := client.ReadCoils(context.Background(), 0, 1); err != nil {
		t.Fatalf("ReadCoils failed: %v", err)
	}
	if server.ActiveConnections() != 1 {
		t.Errorf("Expected 1 active connection, got %d", server.ActiveConnections())
	}

	if !waitFor(t, 2*time.Second, func() bool { return server.ActiveConnections() == 0 }) {
		t.Fatal("Idle connection was not evicted")
	}
	if server.Metrics().Evictions.Value() < 1 {
		t.Error("Evictions should be counted")
	}
}

func TestServer_AutoReconnectAfterEviction(t *testing.T) {
	_, addr := startServer(t, WithConnectionTimeout(100*time.Millisecond))
	client := connectClient(t, addr,
		WithAutoReconnect(true),
		WithReconnectBackoff(10*time.Millisecond),
		WithMaxRetries(3),
	)
	ctx := context.Background()

	if err := client.WriteSingleRegister(ctx, 1, 10); err != nil {
		t.Fatalf("WriteSingleRegister failed: %v", err)
	}

	time.Sleep(400 * time.Millisecond)

	regs, err := client.ReadHoldingRegisters(ctx, 1, 1)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters after eviction failed: %v", err)
	}
	if regs[0] != 10 {
		t.Errorf("Expected 10, got %d", regs[0])
	}
	if client.Metrics().Reconnections.Value() < 1 {
		t.Error("Reconnections should be counted")
	}
}

func TestServer_MaxConnections(t *testing.T) {
	server, addr := startServer(t, WithMaxConnections(1))

	first := connectClient(t, addr)
	if _, err := first.ReadCoils(context.Background(), 0, 1); err != nil {
		t.Fatalf("ReadCoils failed: %v", err)
	}

	second := connectClient(t, addr, WithTimeout(500*time.Millisecond))
	if _, err := second.ReadCoils(context.Background(), 0, 1); err == nil {
		t.Error("Second connection should be rejected")
	}
	if server.ActiveConnections() != 1 {
		t.Errorf("Expected 1 active connection, got %d", server.ActiveConnections())
	}
}

func TestServer_PipelinedRequests(t *testing.T) {
	server, addr := startServer(t)
	hr, _ := server.HoldingRegisters(0)
	SetBigEndian[uint16](hr, 0, 0x0A0B)
	SetBigEndian[uint16](hr, 1, 0x0C0D)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	requests := []byte{
		0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01,
		0x00, 0x02, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x01, 0x00, 0x01,
	}
	if _, err := conn.Write(requests); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := make([]byte, 22)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}

	expected := []byte{
		0x00, 0x01, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x0A, 0x0B,
		0x00, 0x02, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x0C, 0x0D,
	}
	for i := range expected {
		if resp[i] != expected[i] {
			t.Fatalf("Expected %x, got %x", expected, resp)
		}
	}
}

func TestServer_InvalidProtocolClosesConnection(t *testing.T) {
	_, addr := startServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{0x00, 0x01, 0x00, 0x05, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err == nil || n != 0 {
		t.Fatalf("Expected the connection to be closed, read %d bytes", n)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Errorf("Connection still open: %v", err)
	}
}

func TestServer_CloseClearsBuffers(t *testing.T) {
	server, addr := startServer(t)
	client := connectClient(t, addr)

	if err := client.WriteSingleRegister(context.Background(), 3, 33); err != nil {
		t.Fatalf("WriteSingleRegister failed: %v", err)
	}

	if err := server.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	hr, _ := server.HoldingRegisters(0)
	if v, _ := GetBigEndian[uint16](hr, 3); v != 0 {
		t.Errorf("Expected cleared register after Close, got %d", v)
	}
	if server.ActiveConnections() != 0 {
		t.Errorf("Expected no connections after Close, got %d", server.ActiveConnections())
	}
	if err := server.Serve(nil); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Expected ErrServerClosed, got %v", err)
	}
}

func TestServer_ListenAndServeContext(t *testing.T) {
	server := NewServer(WithServerLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServeContext(ctx, "127.0.0.1:0")
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrServerClosed) {
			t.Errorf("Expected ErrServerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServeContext did not return")
	}
}

func TestServer_Start(t *testing.T) {
	server := NewServer(WithServerLogger(quietLogger()))
	if err := server.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer server.Stop()

	if server.Addr() == nil {
		t.Fatal("Addr should be set after Start")
	}
	connectClient(t, server.Addr().String())
}

func TestServer_GoburrowClient(t *testing.T) {
	server, addr := startServer(t)
	server.AddUnit(17)

	handler := goburrow.NewTCPClientHandler(addr)
	handler.SlaveId = 17
	handler.Timeout = 2 * time.Second
	if err := handler.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer handler.Close()

	client := goburrow.NewClient(handler)

	if _, err := client.WriteMultipleRegisters(0, 2, []byte{0x12, 0x34, 0x56, 0x78}); err != nil {
		t.Fatalf("WriteMultipleRegisters failed: %v", err)
	}

	results, err := client.ReadHoldingRegisters(0, 2)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if string(results) != "\x12\x34\x56\x78" {
		t.Errorf("Unexpected registers %x", results)
	}

	if _, err := client.WriteSingleCoil(9, 0xFF00); err != nil {
		t.Fatalf("WriteSingleCoil failed: %v", err)
	}
	results, err = client.ReadCoils(8, 4)
	if err != nil {
		t.Fatalf("ReadCoils failed: %v", err)
	}
	if len(results) != 1 || results[0] != 0x02 {
		t.Errorf("Unexpected coils %x", results)
	}

	results, err = client.ReadWriteMultipleRegisters(0, 3, 2, 1, []byte{0x9A, 0xBC})
	if err != nil {
		t.Fatalf("ReadWriteMultipleRegisters failed: %v", err)
	}
	if string(results) != "\x12\x34\x56\x78\x9A\xBC" {
		t.Errorf("Unexpected registers %x", results)
	}

	if _, err := client.ReadInputRegisters(0, 126); err == nil {
		t.Error("Expected an exception for 126 registers")
	}
}
