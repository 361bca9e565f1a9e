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
	"slices"
	"unsafe"
)

// Typed register access. Values travel as their raw bytes; the client
// byte-swaps each value when the configured endianness differs from the
// host's.

// ReadHoldingRegistersAs reads count values of type T starting at register
// address (FC03).
func ReadHoldingRegistersAs[T Numeric](ctx context.Context, c *Client, unitID UnitID, address uint16, count int) ([]T, error) {
	return readRegistersAs[T](ctx, c, unitID, FuncReadHoldingRegisters, address, count)
}

// ReadInputRegistersAs reads count values of type T starting at register
// address (FC04).
func ReadInputRegistersAs[T Numeric](ctx context.Context, c *Client, unitID UnitID, address uint16, count int) ([]T, error) {
	return readRegistersAs[T](ctx, c, unitID, FuncReadInputRegisters, address, count)
}

// WriteMultipleRegistersAs writes values starting at register address
// (FC16).
func WriteMultipleRegistersAs[T Numeric](ctx context.Context, c *Client, unitID UnitID, address uint16, values []T) error {
	if _, err := registerQuantity[T](len(values)); err != nil {
		return err
	}
	return c.writeRegisterBytes(ctx, unitID, address, encodeValues(values, c.swapBytes()))
}

// ReadWriteMultipleRegistersAs writes values at writeAddress, then reads
// readCount values starting at readAddress (FC23).
func ReadWriteMultipleRegistersAs[T Numeric](ctx context.Context, c *Client, unitID UnitID, readAddress uint16, readCount int, writeAddress uint16, values []T) ([]T, error) {
	readQty, err := registerQuantity[T](readCount)
	if err != nil {
		return nil, err
	}
	if _, err := registerQuantity[T](len(values)); err != nil {
		return nil, err
	}
	swap := c.swapBytes()
	data, err := c.readWriteRegisterBytes(ctx, unitID, readAddress, readQty, writeAddress, encodeValues(values, swap))
	if err != nil {
		return nil, err
	}
	return decodeValues[T](data, readCount, swap), nil
}

func readRegistersAs[T Numeric](ctx context.Context, c *Client, unitID UnitID, fc FunctionCode, address uint16, count int) ([]T, error) {
	qty, err := registerQuantity[T](count)
	if err != nil {
		return nil, err
	}
	data, err := c.readRegisterBytes(ctx, unitID, fc, address, qty)
	if err != nil {
		return nil, err
	}
	return decodeValues[T](data, count, c.swapBytes()), nil
}

// registerQuantity converts a value count into a register count. The total
// byte size must be even.
func registerQuantity[T Numeric](count int) (uint16, error) {
	var zero T
	size := count * int(unsafe.Sizeof(zero))
	if count < 0 || size%2 != 0 {
		return 0, fmt.Errorf("%w: %d bytes do not fill whole registers", ErrOutOfRange, size)
	}
	if size/2 > MaxAddress {
		return 0, fmt.Errorf("%w: %d registers", ErrOutOfRange, size/2)
	}
	return uint16(size / 2), nil
}

func valueBytes[T Numeric](values []T) []byte {
	var zero T
	if len(values) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(values))), len(values)*int(unsafe.Sizeof(zero)))
}

// swapEach reverses the bytes of every size-byte value in b.
func swapEach(b []byte, size int) {
	if size < 2 {
		return
	}
	for i := 0; i+size <= len(b); i += size {
		slices.Reverse(b[i : i+size])
	}
}

func decodeValues[T Numeric](data []byte, count int, swap bool) []T {
	var zero T
	out := make([]T, count)
	raw := valueBytes(out)
	copy(raw, data)
	if swap {
		swapEach(raw, int(unsafe.Sizeof(zero)))
	}
	return out
}

func encodeValues[T Numeric](values []T, swap bool) []byte {
	var zero T
	data := slices.Clone(valueBytes(values))
	if swap {
		swapEach(data, int(unsafe.Sizeof(zero)))
	}
	return data
}
