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
	"unsafe"
)

// Numeric is the set of fixed-size value types a register buffer can hold.
type Numeric interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 |
		~int64 | ~uint64 | ~float32 | ~float64
}

// registerSet holds the four banks of one unit. Register banks store the
// registers exactly as they travel on the wire: register n occupies bytes
// 2n and 2n+1. Bit banks pack eight addresses per byte, LSB first.
type registerSet struct {
	banks [numDataKinds][]byte
}

// bankSize returns the byte size of a bank whose highest address is max.
func bankSize(kind DataKind, max int) int {
	if kind.IsBit() {
		return (max + 8) / 8
	}
	return (max + 1) * 2
}

func newRegisterSet(maxAddress [numDataKinds]int) *registerSet {
	rs := &registerSet{}
	for kind := range rs.banks {
		rs.banks[kind] = make([]byte, bankSize(DataKind(kind), maxAddress[kind]))
	}
	return rs
}

func (rs *registerSet) bank(kind DataKind) []byte {
	return rs.banks[kind]
}

// clear zeroes all four banks.
func (rs *registerSet) clear() {
	for _, b := range rs.banks {
		clear(b)
	}
}

// AsSlice reinterprets buf as a slice of T sharing the same memory. The
// values are in host byte order; trailing bytes that do not fill a whole T
// are not part of the view.
func AsSlice[T Numeric](buf []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(buf) < size {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(buf))), len(buf)/size)
}

// registerSpan returns the bytes of a T stored at register address.
func registerSpan[T Numeric](buf []byte, address int) ([]byte, error) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if address < 0 || address > MaxAddress {
		return nil, fmt.Errorf("%w: register address %d", ErrOutOfRange, address)
	}
	offset := address * 2
	if offset+size > len(buf) {
		return nil, fmt.Errorf("%w: %d bytes at register %d exceed buffer of %d bytes",
			ErrOutOfRange, size, address, len(buf))
	}
	return buf[offset : offset+size], nil
}

func getValue[T Numeric](buf []byte, address int, order binary.ByteOrder) (T, error) {
	var v T
	span, err := registerSpan[T](buf, address)
	if err != nil {
		return v, err
	}
	if _, err := binary.Decode(span, order, &v); err != nil {
		return v, err
	}
	return v, nil
}

func setValue[T Numeric](buf []byte, address int, v T, order binary.ByteOrder) error {
	span, err := registerSpan[T](buf, address)
	if err != nil {
		return err
	}
	_, err = binary.Encode(span, order, v)
	return err
}

// GetBigEndian reads a T stored most significant byte first at register
// address.
func GetBigEndian[T Numeric](buf []byte, address int) (T, error) {
	return getValue[T](buf, address, binary.BigEndian)
}

// SetBigEndian stores v most significant byte first at register address.
func SetBigEndian[T Numeric](buf []byte, address int, v T) error {
	return setValue(buf, address, v, binary.BigEndian)
}

// GetLittleEndian reads a T stored least significant byte first at
// register address.
func GetLittleEndian[T Numeric](buf []byte, address int) (T, error) {
	return getValue[T](buf, address, binary.LittleEndian)
}

// SetLittleEndian stores v least significant byte first at register
// address.
func SetLittleEndian[T Numeric](buf []byte, address int, v T) error {
	return setValue(buf, address, v, binary.LittleEndian)
}

// Bits is a packed bit bank (coils or discrete inputs). Address n is bit
// n%8 of byte n/8. Addresses beyond the bank panic like any slice index.
type Bits []byte

// Set sets the bit at address.
func (b Bits) Set(address int, value bool) {
	if value {
		b[address/8] |= 1 << (address % 8)
	} else {
		b[address/8] &^= 1 << (address % 8)
	}
}

// Get returns the bit at address.
func (b Bits) Get(address int) bool {
	return b[address/8]&(1<<(address%8)) != 0
}

// Toggle flips the bit at address.
func (b Bits) Toggle(address int) {
	b[address/8] ^= 1 << (address % 8)
}

// copyBits copies qty bits starting at bit src of from into to, starting
// at bit dst.
func copyBits(to []byte, dst int, from []byte, src, qty int) {
	for i := 0; i < qty; i++ {
		Bits(to).Set(dst+i, Bits(from).Get(src+i))
	}
}
