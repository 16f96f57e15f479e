// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddressAlignUp(t *testing.T) {
	tests := map[string]struct {
		addr  Address
		align uint
		want  Address
	}{
		"aligned":   {addr: 0x1000, align: 8, want: 0x1000},
		"unaligned": {addr: 0x1003, align: 8, want: 0x1008},
		"align 16":  {addr: 0x7ff8, align: 16, want: 0x8000},
		"align 4":   {addr: 0x7ff9, align: 4, want: 0x7ffc},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.addr.AlignUp(tc.align))
		})
	}
}

func TestAddressOffset(t *testing.T) {
	tests := map[string]struct {
		addr Address
		off  int64
		want Address
	}{
		"zero":     {addr: 0x1000, off: 0, want: 0x1000},
		"positive": {addr: 0x1000, off: 0x18, want: 0x1018},
		"negative": {addr: 0x1000, off: -0x10, want: 0xff0},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.addr.Offset(tc.off))
		})
	}
}

func TestAddressHash(t *testing.T) {
	assert.Equal(t, uint64(0), Address(0).Hash())
	assert.Equal(t, uint64(12994781566227106604), Address(1).Hash())
	assert.Equal(t, uint32(12994781566227106604&0xffffffff), Address(1).Hash32())
}

func TestAddressRange(t *testing.T) {
	r := AddressRange{Start: 0x100, End: 0x200}
	assert.True(t, r.Contains(0x100))
	assert.True(t, r.Contains(0x1ff))
	assert.False(t, r.Contains(0x200))
	assert.Equal(t, uint64(0x100), r.Size())
	assert.True(t, AddressRange{Start: 0x200, End: 0x100}.Empty())
	assert.Equal(t, "[0x100, 0x200)", r.String())
}

func TestTraceHasher(t *testing.T) {
	a := NewTraceHasher()
	a.AddFrame(0x1000, 4)
	a.AddFrame(0x2000, 8)

	b := NewTraceHasher()
	b.AddFrame(0x1000, 4)
	b.AddFrame(0x2000, 8)
	assert.Equal(t, a.Sum(), b.Sum())

	c := NewTraceHasher()
	c.AddFrame(0x2000, 8)
	c.AddFrame(0x1000, 4)
	assert.NotEqual(t, a.Sum(), c.Sum())
	assert.Len(t, a.Sum().String(), 32)
}

func TestSet(t *testing.T) {
	s := SliceToSet([]int{1, 2, 2, 3})
	assert.Len(t, s, 3)
	assert.True(t, s.Has(2))
	assert.False(t, s.Has(4))
	assert.ElementsMatch(t, []int{1, 2, 3}, s.ToSlice())
	assert.Equal(t, []int{2, 4}, MapSlice([]int{1, 2}, func(i int) int { return i * 2 }))
}
