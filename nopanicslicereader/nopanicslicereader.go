// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// nopanicslicereader provides little convenience utilities to read little endian
// values from a slice at given offset. Zeroes are returned on out of bounds access
// instead of panic. It is used to decode fixed frame records after they have been
// read from the walked thread's memory in one block.
package nopanicslicereader // import "go.opentelemetry.io/rtstackwalk/nopanicslicereader"

import (
	"encoding/binary"

	"go.opentelemetry.io/rtstackwalk/libpf"
)

// Uint8 reads one 8-bit unsigned integer from given byte slice offset
func Uint8(b []byte, offs uint) uint8 {
	if offs+1 > uint(len(b)) {
		return 0
	}
	return b[offs]
}

// Uint16 reads one 16-bit unsigned integer from given byte slice offset
func Uint16(b []byte, offs uint) uint16 {
	if offs+2 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint16(b[offs:])
}

// Uint32 reads one 32-bit unsigned integer from given byte slice offset
func Uint32(b []byte, offs uint) uint32 {
	if offs+4 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint32(b[offs:])
}

// Uint64 reads one 64-bit unsigned integer from given byte slice offset
func Uint64(b []byte, offs uint) uint64 {
	if offs+8 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint64(b[offs:])
}

// Ptr reads one 64-bit pointer from given byte slice offset
func Ptr(b []byte, offs uint) libpf.Address {
	return libpf.Address(Uint64(b, offs))
}

// PtrSized reads one pointer of ptrSize bytes (4 or 8) from given byte slice offset.
func PtrSized(b []byte, offs uint, ptrSize uint) libpf.Address {
	if ptrSize == 4 {
		return libpf.Address(Uint32(b, offs))
	}
	return libpf.Address(Uint64(b, offs))
}
