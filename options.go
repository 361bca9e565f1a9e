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
	"log/slog"
	"time"
)

// Option is a functional option for configuring the client.
type Option func(*clientOptions)

type clientOptions struct {
	// Connection settings
	unitID         UnitID
	timeout        time.Duration
	connectTimeout time.Duration
	endianness     Endianness
	serial         SerialConfig

	// Reconnection settings
	autoReconnect    bool
	reconnectBackoff time.Duration
	maxReconnectTime time.Duration
	maxRetries       int

	// Callbacks
	onConnect    func()
	onDisconnect func(error)

	// Logging
	logger *slog.Logger
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		unitID:           1,
		timeout:          DefaultTimeout,
		connectTimeout:   DefaultTimeout,
		endianness:       LittleEndian,
		autoReconnect:    false,
		reconnectBackoff: 1 * time.Second,
		maxReconnectTime: 30 * time.Second,
		maxRetries:       3,
		logger:           slog.Default(),
	}
}

// WithUnitID sets the default unit ID for requests.
func WithUnitID(id UnitID) Option {
	return func(o *clientOptions) {
		o.unitID = id
	}
}

// WithTimeout sets how long a request waits for its response.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// WithConnectTimeout sets the TCP connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithEndianness sets the byte order of multi-byte values read and written
// with the typed register functions.
func WithEndianness(e Endianness) Option {
	return func(o *clientOptions) {
		o.endianness = e
	}
}

// WithSerialConfig sets the line settings of an RTU client. The port
// address passed to NewRTUClient takes precedence over cfg.Address.
func WithSerialConfig(cfg SerialConfig) Option {
	return func(o *clientOptions) {
		o.serial = cfg
	}
}

// WithAutoReconnect enables automatic reconnection on connection loss.
func WithAutoReconnect(enable bool) Option {
	return func(o *clientOptions) {
		o.autoReconnect = enable
	}
}

// WithReconnectBackoff sets the initial backoff duration for reconnection attempts.
func WithReconnectBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.reconnectBackoff = d
	}
}

// WithMaxReconnectTime sets the maximum time between reconnection attempts.
func WithMaxReconnectTime(d time.Duration) Option {
	return func(o *clientOptions) {
		o.maxReconnectTime = d
	}
}

// WithMaxRetries sets the maximum number of retries for operations.
func WithMaxRetries(n int) Option {
	return func(o *clientOptions) {
		o.maxRetries = n
	}
}

// WithOnConnect sets a callback to be called when the connection is established.
func WithOnConnect(fn func()) Option {
	return func(o *clientOptions) {
		o.onConnect = fn
	}
}

// WithOnDisconnect sets a callback to be called when the connection is lost.
func WithOnDisconnect(fn func(error)) Option {
	return func(o *clientOptions) {
		o.onDisconnect = fn
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// RequestValidatorArgs describes the range a request is about to access.
// Read-write requests (FC23) are validated once per range, written range
// first.
type RequestValidatorArgs struct {
	UnitID       UnitID
	FunctionCode FunctionCode
	Address      uint16
	Quantity     uint16
}

// RequestValidator inspects a request before the built-in checks. Any
// result other than ExceptionNone is returned to the client as is.
type RequestValidator func(args RequestValidatorArgs) ExceptionCode

// ChangeHandler receives the addresses modified by a write request.
type ChangeHandler func(unit UnitID, addresses []uint16)

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger            *slog.Logger
	maxConns          int
	readTimeout       time.Duration
	writeTimeout      time.Duration
	connectionTimeout time.Duration

	synchronous bool
	validator   RequestValidator

	changeDetection    bool
	alwaysRaiseChanged bool
	onRegistersChanged ChangeHandler
	onCoilsChanged     ChangeHandler

	maxAddress [numDataKinds]int
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:            slog.Default(),
		maxConns:          100,
		writeTimeout:      DefaultTimeout,
		connectionTimeout: DefaultConnectionTimeout,
		maxAddress:        [numDataKinds]int{MaxAddress, MaxAddress, MaxAddress, MaxAddress},
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithReadTimeout bounds a single read. A TCP connection is closed when it
// expires; an RTU server drops the partially received frame instead.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// WithWriteTimeout bounds the write of a response.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.writeTimeout = d
	}
}

// WithConnectionTimeout sets the idle time after which a TCP connection is
// evicted. Zero disables eviction.
func WithConnectionTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.connectionTimeout = d
	}
}

// WithSynchronousMode makes the server answer requests only when the
// application calls Update.
func WithSynchronousMode(enable bool) ServerOption {
	return func(o *serverOptions) {
		o.synchronous = enable
	}
}

// WithRequestValidator installs a validator called before the built-in
// bounds checks.
func WithRequestValidator(v RequestValidator) ServerOption {
	return func(o *serverOptions) {
		o.validator = v
	}
}

// WithChangeDetection enables the change handlers.
func WithChangeDetection(enable bool) ServerOption {
	return func(o *serverOptions) {
		o.changeDetection = enable
	}
}

// WithAlwaysRaiseChangedEvent reports every written address, changed or not.
func WithAlwaysRaiseChangedEvent(enable bool) ServerOption {
	return func(o *serverOptions) {
		o.alwaysRaiseChanged = enable
	}
}

// WithOnRegistersChanged sets the handler for holding register writes.
func WithOnRegistersChanged(fn ChangeHandler) ServerOption {
	return func(o *serverOptions) {
		o.onRegistersChanged = fn
	}
}

// WithOnCoilsChanged sets the handler for coil writes.
func WithOnCoilsChanged(fn ChangeHandler) ServerOption {
	return func(o *serverOptions) {
		o.onCoilsChanged = fn
	}
}

// WithMaxHoldingRegisterAddress sets the highest holding register address.
func WithMaxHoldingRegisterAddress(max uint16) ServerOption {
	return func(o *serverOptions) {
		o.maxAddress[HoldingRegisters] = int(max)
	}
}

// WithMaxInputRegisterAddress sets the highest input register address.
func WithMaxInputRegisterAddress(max uint16) ServerOption {
	return func(o *serverOptions) {
		o.maxAddress[InputRegisters] = int(max)
	}
}

// WithMaxCoilAddress sets the highest coil address.
func WithMaxCoilAddress(max uint16) ServerOption {
	return func(o *serverOptions) {
		o.maxAddress[Coils] = int(max)
	}
}

// WithMaxDiscreteInputAddress sets the highest discrete input address.
func WithMaxDiscreteInputAddress(max uint16) ServerOption {
	return func(o *serverOptions) {
		o.maxAddress[DiscreteInputs] = int(max)
	}
}
