// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// remotememory provides access to memory space of the walked thread. The ReaderAt
// interface is used for the basic access, and various convenience functions are
// provided to help reading specific data types.
package remotememory // import "go.opentelemetry.io/rtstackwalk/remotememory"

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.opentelemetry.io/rtstackwalk/libpf"
)

// RemoteMemory implements a set of convenience functions to access the remote memory
type RemoteMemory struct {
	io.ReaderAt
	// PointerSize is the width of a native pointer of the target, 4 or 8 bytes.
	// Zero is treated as 8.
	PointerSize uint
}

// Valid determines if this RemoteMemory instance contains a valid reference to target memory
func (rm RemoteMemory) Valid() bool {
	return rm.ReaderAt != nil
}

// PtrSize returns the native pointer width in bytes.
func (rm RemoteMemory) PtrSize() uint {
	if rm.PointerSize == 4 {
		return 4
	}
	return 8
}

// Read fills slice p[] with data from remote memory at address addr
func (rm RemoteMemory) Read(addr libpf.Address, p []byte) error {
	n, err := rm.ReadAt(p, int64(addr))
	if err == nil && n != len(p) {
		err = fmt.Errorf("short read at 0x%x: got %d of %d", uintptr(addr), n, len(p))
	}
	return err
}

// Ptr reads a native pointer from remote memory
func (rm RemoteMemory) Ptr(addr libpf.Address) libpf.Address {
	ptr, err := rm.PtrChecked(addr)
	if err != nil {
		return 0
	}
	return ptr
}

// PtrChecked reads a native pointer from remote memory
func (rm RemoteMemory) PtrChecked(addr libpf.Address) (libpf.Address, error) {
	var buf [8]byte
	if rm.PtrSize() == 4 {
		if err := rm.Read(addr, buf[:4]); err != nil {
			return 0, err
		}
		return libpf.Address(binary.LittleEndian.Uint32(buf[:4])), nil
	}
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return libpf.Address(binary.LittleEndian.Uint64(buf[:])), nil
}

// Uint8 reads an 8-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint8(addr libpf.Address) uint8 {
	var buf [1]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return buf[0]
}

// Uint32 reads a 32-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint32(addr libpf.Address) uint32 {
	var buf [4]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Uint32Checked reads a 32-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint32Checked(addr libpf.Address) (uint32, error) {
	var buf [4]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Uint64 reads a 64-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint64(addr libpf.Address) uint64 {
	var buf [8]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// ProcessVirtualMemory implements RemoteMemory by using process_vm_readv syscalls
// to read the remote memory.
type ProcessVirtualMemory struct {
	pid libpf.PID
}

// NewProcessVirtualMemory returns ProcessVirtualMemory implementation of RemoteMemory.
func NewProcessVirtualMemory(pid libpf.PID, ptrSize uint) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid}, PointerSize: ptrSize}
}
