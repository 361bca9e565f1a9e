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
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/edgeo-scada/modbus/internal/transport"
)

// Client is a Modbus client for TCP, RTU and RTU over TCP with support for
// automatic reconnection. A client has at most one request in flight.
type Client struct {
	addr   string
	mode   Mode
	unitID UnitID
	opts   *clientOptions

	stream  *transport.Stream
	txIDGen TransactionIDGenerator

	// reqMu serialises exchanges and guards tx, the transmit buffer taken
	// from the frame pool for the lifetime of a connection.
	reqMu sync.Mutex
	tx    []byte

	mu      sync.Mutex
	state   ConnectionState
	swap    bool
	closed  bool
	closeCh chan struct{}
	metrics *Metrics
	logger  *slog.Logger
}

// NewClient creates a new Modbus TCP client.
func NewClient(addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("modbus: address cannot be empty")
	}
	options := buildOptions(opts)
	dial := transport.DialTCP(addr, options.connectTimeout)
	return newClient(addr, ModeTCP, dial, options), nil
}

// NewRTUOverTCPClient creates a client sending RTU frames over a TCP
// connection, as used by serial device servers.
func NewRTUOverTCPClient(addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("modbus: address cannot be empty")
	}
	options := buildOptions(opts)
	dial := transport.DialTCP(addr, options.connectTimeout)
	return newClient(addr, ModeRTUOverTCP, dial, options), nil
}

// NewRTUClient creates a Modbus RTU client on the serial port at address.
// Line settings come from WithSerialConfig.
func NewRTUClient(address string, opts ...Option) (*Client, error) {
	if address == "" {
		return nil, errors.New("modbus: serial port address cannot be empty")
	}
	options := buildOptions(opts)
	cfg := options.serial
	cfg.Address = address
	return newClient(address, ModeRTU, transport.DialSerial(cfg), options), nil
}

func buildOptions(opts []Option) *clientOptions {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

func newClient(addr string, mode Mode, dial transport.Dialer, options *clientOptions) *Client {
	bufSize := RTUFrameSize
	if mode == ModeTCP {
		bufSize = TCPFrameSize
	}
	return &Client{
		addr:    addr,
		mode:    mode,
		unitID:  options.unitID,
		opts:    options,
		stream:  transport.NewStream(dial, options.timeout, bufSize),
		state:   StateDisconnected,
		closeCh: make(chan struct{}),
		metrics: NewMetrics(),
		logger:  options.logger.With(slog.String("mode", mode.String())),
	}
}

// nativeBigEndian reports whether the host stores the most significant
// byte first.
func nativeBigEndian() bool {
	return binary.NativeEndian.Uint16([]byte{0x00, 0x01}) == 0x0001
}

// Connect establishes a connection to the Modbus server.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Debug("connecting", slog.String("addr", c.addr))

	if err := c.stream.Connect(ctx); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	c.acquireTx()

	c.mu.Lock()
	c.state = StateConnected
	c.swap = nativeBigEndian() != (c.opts.endianness == BigEndian)
	c.metrics.ActiveConns.Add(1)
	c.mu.Unlock()

	c.logger.Info("connected", slog.String("addr", c.addr))

	if c.opts.onConnect != nil {
		c.opts.onConnect()
	}

	return nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	if wasConnected {
		c.metrics.ActiveConns.Add(-1)
	}
	c.mu.Unlock()

	c.logger.Debug("closing connection", slog.String("addr", c.addr))
	err := c.stream.Close()
	c.releaseTx()
	return err
}

// acquireTx takes the transmit buffer of a new connection.
func (c *Client) acquireTx() {
	c.reqMu.Lock()
	if c.tx == nil {
		c.tx = framePoolFor(c.mode).get()
	}
	c.reqMu.Unlock()
}

// releaseTx returns the transmit buffer once no exchange uses it.
func (c *Client) releaseTx() {
	c.reqMu.Lock()
	if c.tx != nil {
		framePoolFor(c.mode).put(c.tx)
		c.tx = nil
	}
	c.reqMu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Metrics returns the client metrics.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Mode returns the framing used by the client.
func (c *Client) Mode() Mode {
	return c.mode
}

// SetUnitID sets the default unit ID for subsequent requests.
func (c *Client) SetUnitID(id UnitID) {
	c.mu.Lock()
	c.unitID = id
	c.mu.Unlock()
}

// UnitID returns the current default unit ID.
func (c *Client) UnitID() UnitID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unitID
}

// Address returns the server address or serial port.
func (c *Client) Address() string {
	return c.addr
}

// swapBytes reports whether multi-byte values must be byte-swapped
// between host order and the configured order.
func (c *Client) swapBytes() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.swap
}

// send sends one request with optional retry logic and returns a copy of
// the response PDU. Broadcast writes return a nil PDU.
func (c *Client) send(ctx context.Context, unitID UnitID, fc FunctionCode, payload payloadWriter) ([]byte, error) {
	if unitID == BroadcastUnitID && c.mode.isRTU() && !fc.isWrite() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBroadcast, fc)
	}

	var lastErr error
	maxRetries := 1
	if c.opts.autoReconnect {
		maxRetries = max(c.opts.maxRetries, 1)
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.Retries.Inc()
			c.logger.Debug("retrying request",
				slog.Int("attempt", attempt+1),
				slog.Int("max", maxRetries))

			if err := c.reconnect(ctx); err != nil {
				lastErr = err
				continue
			}
		}

		resp, err := c.doSend(ctx, unitID, fc, payload)
		if err != nil {
			lastErr = err
			if !c.opts.autoReconnect || !isRetryableError(err) {
				return nil, err
			}
			continue
		}
		return resp, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

func (c *Client) doSend(ctx context.Context, unitID UnitID, fc FunctionCode, payload payloadWriter) ([]byte, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.mu.Unlock()

	start := time.Now()
	fm := c.metrics.begin(fc)

	resp, err := c.exchange(ctx, unitID, fc, payload)
	c.metrics.done(fm, time.Since(start), err)
	if err != nil {
		if !c.stream.IsConnected() {
			c.handleDisconnect(err)
		}
		return nil, err
	}
	if resp == nil {
		c.metrics.BroadcastWrites.Inc()
	}
	return resp, nil
}

// exchange frames the request, waits for the matching response and
// validates it.
func (c *Client) exchange(ctx context.Context, unitID UnitID, fc FunctionCode, payload payloadWriter) ([]byte, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if c.tx == nil {
		// A reconnect raced with the release of the previous connection.
		c.tx = framePoolFor(c.mode).get()
	}

	w := frameWriter{buf: c.tx[:0]}
	txID := uint16(0)
	if c.mode == ModeTCP {
		txID = c.txIDGen.Next()
	}
	adu, err := buildRequest(&w, c.mode, txID, unitID, fc, payload)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("sending request",
		slog.Uint64("tx_id", uint64(txID)),
		slog.Uint64("unit_id", uint64(unitID)),
		slog.String("func", fc.String()))

	if unitID == BroadcastUnitID && c.mode.isRTU() {
		return nil, c.stream.Write(ctx, adu)
	}

	var (
		frame []byte
		pdu   []byte
	)
	if c.mode == ModeTCP {
		var framer tcpFramer
		frame, err = c.stream.Send(ctx, adu, framer.frame)
		if err != nil {
			return nil, err
		}

		var header MBAPHeader
		header.Decode(frame)
		if header.TransactionID != txID {
			return nil, fmt.Errorf("%w: transaction ID mismatch (expected %d, got %d)",
				ErrInvalidResponse, txID, header.TransactionID)
		}
		if header.UnitID != unitID {
			return nil, fmt.Errorf("%w: unit ID mismatch (expected %d, got %d)",
				ErrInvalidResponse, unitID, header.UnitID)
		}
		pdu = frame[MBAPHeaderSize:]
	} else {
		frame, err = c.stream.Send(ctx, adu, func(b []byte) (int, error) {
			return rtuResponseFrame(b, unitID)
		})
		if err != nil {
			return nil, err
		}
		pdu = frame[1 : len(frame)-2]
	}

	// Check for exception response
	if IsExceptionResponse(pdu) {
		if mbErr := ParseExceptionResponse(pdu); mbErr != nil {
			return nil, mbErr
		}
		return nil, fmt.Errorf("%w: truncated exception response", ErrInvalidResponseLength)
	}

	// Validate function code
	if FunctionCode(pdu[0]) != fc {
		return nil, fmt.Errorf("%w: function code mismatch (expected %02X, got %02X)",
			ErrInvalidResponse, uint8(fc), pdu[0])
	}

	c.logger.Debug("received response", slog.Uint64("tx_id", uint64(txID)))

	return slices.Clone(pdu), nil
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	if wasConnected {
		c.metrics.ActiveConns.Add(-1)
	}
	c.mu.Unlock()

	c.stream.Close()
	c.releaseTx()

	if !wasConnected {
		return
	}

	c.logger.Warn("disconnected", slog.String("error", err.Error()))

	if c.opts.onDisconnect != nil {
		c.opts.onDisconnect(err)
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	backoff := c.opts.reconnectBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return ErrConnectionClosed
		default:
		}

		c.logger.Info("attempting reconnection",
			slog.String("addr", c.addr),
			slog.Duration("backoff", backoff))

		c.metrics.Reconnections.Add(1)

		if err := c.Connect(ctx); err == nil {
			c.logger.Info("reconnected", slog.String("addr", c.addr))
			return nil
		}

		// Exponential backoff
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return ErrConnectionClosed
		case <-time.After(backoff):
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*2,
			float64(c.opts.maxReconnectTime),
		))
	}
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	// Don't retry Modbus protocol errors
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return false
	}
	// Don't retry context errors
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Don't retry requests that can never succeed
	if errors.Is(err, ErrInvalidBroadcast) || errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrOutOfRange) || errors.Is(err, ErrInvalidFrame) {
		return false
	}
	return true
}

// ReadCoils reads coils from the server (FC01).
func (c *Client) ReadCoils(ctx context.Context, addr, qty uint16) ([]bool, error) {
	return c.ReadCoilsWithUnit(ctx, c.UnitID(), addr, qty)
}

// ReadDiscreteInputs reads discrete inputs from the server (FC02).
func (c *Client) ReadDiscreteInputs(ctx context.Context, addr, qty uint16) ([]bool, error) {
	return c.ReadDiscreteInputsWithUnit(ctx, c.UnitID(), addr, qty)
}

// ReadHoldingRegisters reads holding registers from the server (FC03).
func (c *Client) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	return c.ReadHoldingRegistersWithUnit(ctx, c.UnitID(), addr, qty)
}

// ReadInputRegisters reads input registers from the server (FC04).
func (c *Client) ReadInputRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	return c.ReadInputRegistersWithUnit(ctx, c.UnitID(), addr, qty)
}

// WriteSingleCoil writes a single coil (FC05).
func (c *Client) WriteSingleCoil(ctx context.Context, addr uint16, value bool) error {
	return c.WriteSingleCoilWithUnit(ctx, c.UnitID(), addr, value)
}

// WriteSingleRegister writes a single register (FC06).
func (c *Client) WriteSingleRegister(ctx context.Context, addr, value uint16) error {
	return c.WriteSingleRegisterWithUnit(ctx, c.UnitID(), addr, value)
}

// WriteMultipleCoils writes multiple coils (FC15).
func (c *Client) WriteMultipleCoils(ctx context.Context, addr uint16, values []bool) error {
	return c.WriteMultipleCoilsWithUnit(ctx, c.UnitID(), addr, values)
}

// WriteMultipleRegisters writes multiple registers (FC16).
func (c *Client) WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
	return c.WriteMultipleRegistersWithUnit(ctx, c.UnitID(), addr, values)
}

// ReadWriteMultipleRegisters writes values at writeAddr, then reads readQty
// registers from readAddr in one transaction (FC23).
func (c *Client) ReadWriteMultipleRegisters(ctx context.Context, readAddr, readQty, writeAddr uint16, values []uint16) ([]uint16, error) {
	return c.ReadWriteMultipleRegistersWithUnit(ctx, c.UnitID(), readAddr, readQty, writeAddr, values)
}

// ReadCoilsWithUnit reads coils using a specific unit ID.
func (c *Client) ReadCoilsWithUnit(ctx context.Context, unitID UnitID, addr, qty uint16) ([]bool, error) {
	resp, err := c.send(ctx, unitID, FuncReadCoils, addressQuantity(addr, qty))
	if err != nil {
		return nil, err
	}
	return parseBitsResponse(resp, qty)
}

// ReadDiscreteInputsWithUnit reads discrete inputs using a specific unit ID.
func (c *Client) ReadDiscreteInputsWithUnit(ctx context.Context, unitID UnitID, addr, qty uint16) ([]bool, error) {
	resp, err := c.send(ctx, unitID, FuncReadDiscreteInputs, addressQuantity(addr, qty))
	if err != nil {
		return nil, err
	}
	return parseBitsResponse(resp, qty)
}

// ReadHoldingRegistersWithUnit reads holding registers using a specific unit ID.
func (c *Client) ReadHoldingRegistersWithUnit(ctx context.Context, unitID UnitID, addr, qty uint16) ([]uint16, error) {
	resp, err := c.send(ctx, unitID, FuncReadHoldingRegisters, addressQuantity(addr, qty))
	if err != nil {
		return nil, err
	}
	return parseRegistersResponse(resp, qty)
}

// ReadInputRegistersWithUnit reads input registers using a specific unit ID.
func (c *Client) ReadInputRegistersWithUnit(ctx context.Context, unitID UnitID, addr, qty uint16) ([]uint16, error) {
	resp, err := c.send(ctx, unitID, FuncReadInputRegisters, addressQuantity(addr, qty))
	if err != nil {
		return nil, err
	}
	return parseRegistersResponse(resp, qty)
}

// readRegisterBytes reads the raw register bytes of qty registers.
func (c *Client) readRegisterBytes(ctx context.Context, unitID UnitID, fc FunctionCode, addr, qty uint16) ([]byte, error) {
	resp, err := c.send(ctx, unitID, fc, addressQuantity(addr, qty))
	if err != nil {
		return nil, err
	}
	return parseRegisterData(resp, qty)
}

// WriteSingleCoilWithUnit writes a single coil using a specific unit ID.
func (c *Client) WriteSingleCoilWithUnit(ctx context.Context, unitID UnitID, addr uint16, value bool) error {
	resp, err := c.send(ctx, unitID, FuncWriteSingleCoil, singleCoil(addr, value))
	if err != nil || resp == nil {
		return err
	}
	expectedValue := CoilOff
	if value {
		expectedValue = CoilOn
	}
	return parseEchoResponse(resp, addr, expectedValue)
}

// WriteSingleRegisterWithUnit writes a single register using a specific unit ID.
func (c *Client) WriteSingleRegisterWithUnit(ctx context.Context, unitID UnitID, addr, value uint16) error {
	resp, err := c.send(ctx, unitID, FuncWriteSingleRegister, addressQuantity(addr, value))
	if err != nil || resp == nil {
		return err
	}
	return parseEchoResponse(resp, addr, value)
}

// WriteMultipleCoilsWithUnit writes multiple coils using a specific unit ID.
func (c *Client) WriteMultipleCoilsWithUnit(ctx context.Context, unitID UnitID, addr uint16, values []bool) error {
	if err := checkWriteQuantity(FuncWriteMultipleCoils, len(values), MaxQuantityWriteCoils); err != nil {
		return err
	}
	resp, err := c.send(ctx, unitID, FuncWriteMultipleCoils, multipleCoils(addr, values))
	if err != nil || resp == nil {
		return err
	}
	return parseEchoResponse(resp, addr, uint16(len(values)))
}

// WriteMultipleRegistersWithUnit writes multiple registers using a specific unit ID.
func (c *Client) WriteMultipleRegistersWithUnit(ctx context.Context, unitID UnitID, addr uint16, values []uint16) error {
	return c.writeRegisterBytes(ctx, unitID, addr, registerBytes(values))
}

// writeRegisterBytes writes raw register bytes (FC16).
func (c *Client) writeRegisterBytes(ctx context.Context, unitID UnitID, addr uint16, data []byte) error {
	qty := len(data) / 2
	if err := checkWriteQuantity(FuncWriteMultipleRegisters, qty, MaxQuantityWriteRegisters); err != nil {
		return err
	}
	resp, err := c.send(ctx, unitID, FuncWriteMultipleRegisters, multipleRegisters(addr, data))
	if err != nil || resp == nil {
		return err
	}
	return parseEchoResponse(resp, addr, uint16(qty))
}

// ReadWriteMultipleRegistersWithUnit performs FC23 using a specific unit ID.
func (c *Client) ReadWriteMultipleRegistersWithUnit(ctx context.Context, unitID UnitID, readAddr, readQty, writeAddr uint16, values []uint16) ([]uint16, error) {
	data, err := c.readWriteRegisterBytes(ctx, unitID, readAddr, readQty, writeAddr, registerBytes(values))
	if err != nil {
		return nil, err
	}
	out := make([]uint16, readQty)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return out, nil
}

func (c *Client) readWriteRegisterBytes(ctx context.Context, unitID UnitID, readAddr, readQty, writeAddr uint16, data []byte) ([]byte, error) {
	if err := checkWriteQuantity(FuncReadWriteMultipleRegisters, len(data)/2, MaxQuantityReadWriteWrite); err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, unitID, FuncReadWriteMultipleRegisters,
		readWriteRegisters(readAddr, readQty, writeAddr, data))
	if err != nil {
		return nil, err
	}
	return parseRegisterData(resp, readQty)
}
