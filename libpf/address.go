// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/rtstackwalk/libpf"

import "fmt"

// Address represents an address, or offset within the walked thread's address space.
type Address uintptr

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used as key for caching.
func (adr Address) Hash32() uint32 {
	return uint32(adr.Hash())
}

// Hash returns a 64 bits hash of the input using the finalizer function for Murmur3.
func (adr Address) Hash() uint64 {
	x := uint64(adr)
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// AlignUp rounds the address up to a multiple of align, which must be a power of two.
func (adr Address) AlignUp(align uint) Address {
	return (adr + Address(align-1)) &^ Address(align-1)
}

// Offset returns the address displaced by a signed byte offset.
func (adr Address) Offset(off int64) Address {
	return Address(int64(adr) + off)
}

func (adr Address) String() string {
	return fmt.Sprintf("0x%x", uintptr(adr))
}

// AddressRange is a half-open [Start, End) range of addresses.
type AddressRange struct {
	Start Address
	End   Address
}

// Contains reports whether addr lies inside the range.
func (r AddressRange) Contains(addr Address) bool {
	return addr >= r.Start && addr < r.End
}

// Empty reports whether the range covers no addresses.
func (r AddressRange) Empty() bool {
	return r.End <= r.Start
}

// Size returns the number of bytes covered by the range.
func (r AddressRange) Size() uint64 {
	if r.Empty() {
		return 0
	}
	return uint64(r.End - r.Start)
}

func (r AddressRange) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", uintptr(r.Start), uintptr(r.End))
}
