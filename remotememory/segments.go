// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "go.opentelemetry.io/rtstackwalk/remotememory"

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"go.opentelemetry.io/rtstackwalk/libpf"
)

// ErrUnmapped is returned when reading an address not covered by any segment.
var ErrUnmapped = errors.New("address not mapped")

// Segment is one contiguous block of captured memory.
type Segment struct {
	Base libpf.Address
	Data []byte
}

// End returns the first address after the segment.
func (s *Segment) End() libpf.Address {
	return s.Base + libpf.Address(len(s.Data))
}

// Segments is a sparse memory image assembled from captured blocks. It implements
// io.ReaderAt so that a snapshot of a thread's stack and runtime data can be walked
// exactly like live memory.
type Segments struct {
	segs []Segment
}

// NewSegments builds a sorted memory image. Overlapping segments are rejected.
func NewSegments(segs ...Segment) (*Segments, error) {
	sorted := slices.Clone(segs)
	slices.SortFunc(sorted, func(a, b Segment) int {
		switch {
		case a.Base < b.Base:
			return -1
		case a.Base > b.Base:
			return 1
		}
		return 0
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Base < sorted[i-1].End() {
			return nil, fmt.Errorf("segment at %v overlaps segment at %v",
				sorted[i].Base, sorted[i-1].Base)
		}
	}
	return &Segments{segs: sorted}, nil
}

// Segments returns the segments in address order.
func (m *Segments) Segments() []Segment {
	return m.segs
}

func (m *Segments) find(addr libpf.Address) int {
	idx, found := slices.BinarySearchFunc(m.segs, addr, func(s Segment, a libpf.Address) int {
		switch {
		case a < s.Base:
			return 1
		case a >= s.End():
			return -1
		}
		return 0
	})
	if !found {
		return -1
	}
	return idx
}

// ReadAt implements io.ReaderAt. Reads may span adjacent segments; a read running
// past the last contiguous byte returns the bytes available and io.EOF.
func (m *Segments) ReadAt(p []byte, off int64) (int, error) {
	addr := libpf.Address(off)
	idx := m.find(addr)
	if idx < 0 {
		return 0, fmt.Errorf("read at %v: %w", addr, ErrUnmapped)
	}
	n := 0
	for {
		seg := &m.segs[idx]
		copied := copy(p[n:], seg.Data[addr-seg.Base:])
		n += copied
		addr += libpf.Address(copied)
		if n == len(p) {
			return n, nil
		}
		idx++
		if idx >= len(m.segs) || m.segs[idx].Base != addr {
			return n, io.EOF
		}
	}
}

// Contains reports whether size bytes starting at addr are readable.
func (m *Segments) Contains(addr libpf.Address, size uint) bool {
	buf := make([]byte, size)
	n, _ := m.ReadAt(buf, int64(addr))
	return uint(n) == size
}
