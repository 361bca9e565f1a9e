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
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
)

// engine is the part shared by the TCP and RTU servers: the unit table,
// the data lock, the scheduling mode and request dispatch.
type engine struct {
	opts    *serverOptions
	logger  *slog.Logger
	metrics *ServerMetrics

	// dataMu serialises register access in asynchronous mode.
	dataMu sync.Mutex

	unitsMu sync.RWMutex
	units   map[UnitID]*registerSet
	// anyUnit is set while only the default unit 0 exists; it then answers
	// every unit ID.
	anyUnit bool

	handlersMu sync.Mutex
	handlers   map[*requestHandler]struct{}

	// Synchronous mode bookkeeping.
	updateCh  chan struct{}
	requested atomic.Uint64
	served    atomic.Uint64
	loopMu    sync.Mutex
	loopStop  chan struct{}
	loopDone  chan struct{}
}

func newEngine(opts *serverOptions) *engine {
	e := &engine{
		opts:     opts,
		logger:   opts.logger,
		metrics:  &ServerMetrics{},
		units:    make(map[UnitID]*registerSet),
		handlers: make(map[*requestHandler]struct{}),
		updateCh: make(chan struct{}, 1),
	}
	e.units[0] = newRegisterSet(opts.maxAddress)
	e.anyUnit = true
	return e
}

// start launches the processing loop of synchronous mode.
func (e *engine) start() {
	if !e.opts.synchronous {
		return
	}
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.loopStop != nil {
		return
	}
	e.loopStop = make(chan struct{})
	e.loopDone = make(chan struct{})
	go e.processLoop(e.loopStop, e.loopDone)
}

// stop ends the processing loop and zeroes every unit.
func (e *engine) stop() {
	e.loopMu.Lock()
	if e.loopStop != nil {
		close(e.loopStop)
		<-e.loopDone
		e.loopStop = nil
	}
	e.loopMu.Unlock()

	e.unitsMu.RLock()
	for _, rs := range e.units {
		rs.clear()
	}
	e.unitsMu.RUnlock()
}

// Metrics returns the server metrics.
func (e *engine) Metrics() *ServerMetrics {
	return e.metrics
}

// Lock acquires the lock that request handlers hold while they touch the
// register buffers in asynchronous mode. The application must hold it
// while reading or writing buffers directly.
func (e *engine) Lock() {
	e.dataMu.Lock()
}

// Unlock releases the lock acquired by Lock.
func (e *engine) Unlock() {
	e.dataMu.Unlock()
}

// IsAsynchronous reports whether requests are served as they arrive.
func (e *engine) IsAsynchronous() bool {
	return !e.opts.synchronous
}

// Update lets the server answer every request received so far. It only has
// an effect in synchronous mode and does not wait for the cycle to finish.
func (e *engine) Update() {
	if !e.opts.synchronous {
		return
	}
	e.requested.Add(1)
	select {
	case e.updateCh <- struct{}{}:
	default:
	}
}

// IsReady reports whether no update cycle is pending or running. In
// synchronous mode the application may only touch the buffers while
// IsReady returns true.
func (e *engine) IsReady() bool {
	return e.served.Load() == e.requested.Load()
}

func (e *engine) processLoop(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-e.updateCh:
		}

		target := e.requested.Load()
		for _, h := range e.snapshotHandlers() {
			if h.pending.CompareAndSwap(true, false) {
				h.respond()
				h.processed <- struct{}{}
			}
		}
		e.served.Store(target)
	}
}

// AddUnit registers a unit with zeroed buffers. The default unit 0, which
// answers every unit ID, is removed when the first other unit is added.
func (e *engine) AddUnit(unit UnitID) error {
	e.unitsMu.Lock()
	defer e.unitsMu.Unlock()

	if e.anyUnit && unit != 0 {
		delete(e.units, 0)
		e.anyUnit = false
	}
	if _, ok := e.units[unit]; ok {
		return fmt.Errorf("%w: %d", ErrUnitExists, unit)
	}
	e.units[unit] = newRegisterSet(e.opts.maxAddress)
	return nil
}

// RemoveUnit unregisters a unit. Requests for it are dropped afterwards.
func (e *engine) RemoveUnit(unit UnitID) error {
	e.unitsMu.Lock()
	defer e.unitsMu.Unlock()

	rs, ok := e.units[unit]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnitNotFound, unit)
	}
	rs.clear()
	delete(e.units, unit)
	if unit == 0 {
		e.anyUnit = false
	}
	return nil
}

// Units returns the registered unit IDs in ascending order.
func (e *engine) Units() []UnitID {
	e.unitsMu.RLock()
	defer e.unitsMu.RUnlock()

	ids := make([]UnitID, 0, len(e.units))
	for id := range e.units {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (e *engine) unit(unit UnitID) (*registerSet, error) {
	e.unitsMu.RLock()
	defer e.unitsMu.RUnlock()

	rs, ok := e.units[unit]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnitNotFound, unit)
	}
	return rs, nil
}

// Buffer returns the raw bank of a unit. The slice aliases the server
// memory; see Lock for the access rules.
func (e *engine) Buffer(kind DataKind, unit UnitID) ([]byte, error) {
	if kind >= numDataKinds {
		return nil, fmt.Errorf("%w: %s", ErrOutOfRange, kind)
	}
	rs, err := e.unit(unit)
	if err != nil {
		return nil, err
	}
	return rs.bank(kind), nil
}

// HoldingRegisters returns the holding register bank of unit.
func (e *engine) HoldingRegisters(unit UnitID) ([]byte, error) {
	return e.Buffer(HoldingRegisters, unit)
}

// InputRegisters returns the input register bank of unit.
func (e *engine) InputRegisters(unit UnitID) ([]byte, error) {
	return e.Buffer(InputRegisters, unit)
}

// Coils returns the coil bank of unit.
func (e *engine) Coils(unit UnitID) (Bits, error) {
	b, err := e.Buffer(Coils, unit)
	return Bits(b), err
}

// DiscreteInputs returns the discrete input bank of unit.
func (e *engine) DiscreteInputs(unit UnitID) (Bits, error) {
	b, err := e.Buffer(DiscreteInputs, unit)
	return Bits(b), err
}

// ClearBuffers zeroes the four banks of unit.
func (e *engine) ClearBuffers(unit UnitID) error {
	rs, err := e.unit(unit)
	if err != nil {
		return err
	}
	rs.clear()
	return nil
}

type routedUnit struct {
	id UnitID
	rs *registerSet
}

// route returns the units a request for unit is executed on. A broadcast
// reaches every registered unit.
func (e *engine) route(unit UnitID, broadcast bool) []routedUnit {
	e.unitsMu.RLock()
	defer e.unitsMu.RUnlock()

	if e.anyUnit {
		if rs, ok := e.units[0]; ok {
			return []routedUnit{{id: unit, rs: rs}}
		}
	}
	if broadcast {
		targets := make([]routedUnit, 0, len(e.units))
		for id, rs := range e.units {
			targets = append(targets, routedUnit{id: id, rs: rs})
		}
		return targets
	}
	if rs, ok := e.units[unit]; ok {
		return []routedUnit{{id: unit, rs: rs}}
	}
	return nil
}

func (e *engine) register(h *requestHandler) {
	e.handlersMu.Lock()
	e.handlers[h] = struct{}{}
	e.handlersMu.Unlock()
}

func (e *engine) unregister(h *requestHandler) {
	e.handlersMu.Lock()
	delete(e.handlers, h)
	e.handlersMu.Unlock()
}

func (e *engine) snapshotHandlers() []*requestHandler {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()

	hs := make([]*requestHandler, 0, len(e.handlers))
	for h := range e.handlers {
		hs = append(hs, h)
	}
	return hs
}

// serve executes the request in frame and writes the response ADU into w.
// It returns false when no response must be sent: the unit is not served
// here, or the request was broadcast.
func (e *engine) serve(mode Mode, frame []byte, w *frameWriter) ([]byte, bool) {
	var (
		header MBAPHeader
		unit   UnitID
		pdu    []byte
	)
	if mode == ModeTCP {
		header.Decode(frame)
		unit = header.UnitID
		pdu = frame[MBAPHeaderSize:]
	} else {
		unit = UnitID(frame[0])
		pdu = frame[1 : len(frame)-2]
	}

	e.metrics.RequestsTotal.Add(1)

	broadcast := mode != ModeTCP && unit == BroadcastUnitID
	if broadcast && !FunctionCode(pdu[0]).isWrite() {
		e.metrics.RequestsDropped.Add(1)
		e.logger.Debug("broadcast read dropped", slog.String("func", FunctionCode(pdu[0]).String()))
		return nil, false
	}
	targets := e.route(unit, broadcast)
	if len(targets) == 0 {
		e.metrics.RequestsDropped.Add(1)
		e.logger.Debug("request for unknown unit dropped", slog.Uint64("unit_id", uint64(unit)))
		return nil, false
	}

	if mode == ModeTCP {
		header.Length = 0
		w.buf = header.appendTo(w.buf)
	} else {
		w.writeByte(byte(unit))
	}
	start := w.len()

	var changes []changeEvent
	if !e.opts.synchronous {
		e.dataMu.Lock()
	}
	var ec ExceptionCode
	for _, t := range targets {
		w.buf = w.buf[:start]
		ec = e.execute(t, pdu, w, &changes)
	}
	if !e.opts.synchronous {
		e.dataMu.Unlock()
	}
	e.fireChanges(changes)

	if ec != ExceptionNone {
		w.buf = w.buf[:start]
		appendException(w, FunctionCode(pdu[0])&^FuncErrorFlag, ec)
		e.metrics.RequestsErrors.Add(1)
	} else {
		e.metrics.RequestsSuccess.Add(1)
	}

	if broadcast {
		e.metrics.Broadcasts.Inc()
		return nil, false
	}

	adu := w.bytes()
	if mode == ModeTCP {
		binary.BigEndian.PutUint16(adu[4:6], uint16(len(adu)-MBAPHeaderSize+1))
		return adu, true
	}
	return appendCRC(adu), true
}

// execute runs one request against one unit. A panic while dispatching is
// reported as a server device failure.
func (e *engine) execute(t routedUnit, pdu []byte, w *frameWriter, changes *[]changeEvent) (ec ExceptionCode) {
	fc := FunctionCode(pdu[0])

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic while dispatching request",
				slog.String("func", fc.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			ec = ExceptionServerDeviceFailure
		}
	}()

	e.logger.Debug("processing request",
		slog.Uint64("unit_id", uint64(t.id)),
		slog.String("func", fc.String()))

	req, ec := parseRequest(pdu)
	if ec != ExceptionNone {
		return ec
	}
	if ec := e.check(t.id, &req); ec != ExceptionNone {
		return ec
	}

	ec = e.dispatch(t, &req, w, changes)
	if ec == ExceptionNone && w.Err() != nil {
		e.logger.Error("response does not fit the frame",
			slog.String("func", fc.String()),
			slog.String("error", w.Err().Error()))
		return ExceptionServerDeviceFailure
	}
	return ec
}

// check runs the request validator, or the built-in quantity and address
// checks when no validator is installed or it accepts the request. The
// quantity is checked first, as in the Modbus request processing diagrams,
// so a request failing both reports IllegalDataValue.
func (e *engine) check(unit UnitID, req *request) ExceptionCode {
	if v := e.opts.validator; v != nil {
		if req.fc == FuncReadWriteMultipleRegisters {
			if ec := v(RequestValidatorArgs{unit, req.fc, req.writeAddress, req.writeQuantity}); ec != ExceptionNone {
				return ec
			}
		}
		if ec := v(RequestValidatorArgs{unit, req.fc, req.address, req.quantity}); ec != ExceptionNone {
			return ec
		}
	}

	if ec := req.checkQuantity(); ec != ExceptionNone {
		return ec
	}

	max := e.opts.maxAddress[req.kind()]
	if !inRange(req.address, req.quantity, max) {
		return ExceptionIllegalDataAddress
	}
	if req.fc == FuncReadWriteMultipleRegisters && !inRange(req.writeAddress, req.writeQuantity, max) {
		return ExceptionIllegalDataAddress
	}
	return ExceptionNone
}

func (e *engine) dispatch(t routedUnit, req *request, w *frameWriter, changes *[]changeEvent) ExceptionCode {
	bank := t.rs.bank(req.kind())
	addr := int(req.address)
	qty := int(req.quantity)

	switch req.fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		n := (qty + 7) / 8
		w.writeByte(byte(req.fc))
		w.writeByte(byte(n))
		if out := w.reserve(n); out != nil {
			copyBits(out, 0, bank, addr, qty)
		}

	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		w.writeByte(byte(req.fc))
		w.writeByte(byte(qty * 2))
		w.write(bank[addr*2 : (addr+qty)*2])

	case FuncWriteSingleCoil:
		value := req.value == CoilOn
		changed := Bits(bank).Get(addr) != value
		Bits(bank).Set(addr, value)
		e.recordChange(changes, t.id, Coils, req.address, changed)
		w.writeByte(byte(req.fc))
		w.writeUint16(req.address)
		w.writeUint16(req.value)

	case FuncWriteSingleRegister:
		var data [2]byte
		binary.BigEndian.PutUint16(data[:], req.value)
		e.writeRegisters(changes, t.id, bank, req.address, data[:])
		w.writeByte(byte(req.fc))
		w.writeUint16(req.address)
		w.writeUint16(req.value)

	case FuncWriteMultipleCoils:
		for i := 0; i < qty; i++ {
			value := Bits(req.data).Get(i)
			changed := Bits(bank).Get(addr+i) != value
			Bits(bank).Set(addr+i, value)
			e.recordChange(changes, t.id, Coils, uint16(addr+i), changed)
		}
		w.writeByte(byte(req.fc))
		w.writeUint16(req.address)
		w.writeUint16(req.quantity)

	case FuncWriteMultipleRegisters:
		e.writeRegisters(changes, t.id, bank, req.address, req.data)
		w.writeByte(byte(req.fc))
		w.writeUint16(req.address)
		w.writeUint16(req.quantity)

	case FuncReadWriteMultipleRegisters:
		// The write is performed before the read.
		e.writeRegisters(changes, t.id, bank, req.writeAddress, req.data)
		w.writeByte(byte(req.fc))
		w.writeByte(byte(qty * 2))
		w.write(bank[addr*2 : (addr+qty)*2])

	default:
		return ExceptionIllegalFunction
	}
	return ExceptionNone
}

// writeRegisters copies data into bank at register address and records
// the registers whose value changed.
func (e *engine) writeRegisters(changes *[]changeEvent, unit UnitID, bank []byte, address uint16, data []byte) {
	offset := int(address) * 2
	for i := 0; i+1 < len(data); i += 2 {
		old := bank[offset+i : offset+i+2]
		changed := old[0] != data[i] || old[1] != data[i+1]
		old[0], old[1] = data[i], data[i+1]
		e.recordChange(changes, unit, HoldingRegisters, address+uint16(i/2), changed)
	}
}

type changeEvent struct {
	unit      UnitID
	kind      DataKind
	addresses []uint16
}

func (e *engine) recordChange(changes *[]changeEvent, unit UnitID, kind DataKind, address uint16, changed bool) {
	if !e.opts.changeDetection || (!changed && !e.opts.alwaysRaiseChanged) {
		return
	}
	events := *changes
	if n := len(events); n > 0 && events[n-1].unit == unit && events[n-1].kind == kind {
		events[n-1].addresses = append(events[n-1].addresses, address)
		return
	}
	*changes = append(events, changeEvent{unit: unit, kind: kind, addresses: []uint16{address}})
}

// fireChanges runs the change handlers. It is called without the data lock.
func (e *engine) fireChanges(changes []changeEvent) {
	for _, ev := range changes {
		switch ev.kind {
		case HoldingRegisters:
			if fn := e.opts.onRegistersChanged; fn != nil {
				fn(ev.unit, ev.addresses)
			}
		case Coils:
			if fn := e.opts.onCoilsChanged; fn != nil {
				fn(ev.unit, ev.addresses)
			}
		}
	}
}
