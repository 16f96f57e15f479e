// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackdeltatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStackDeltaArrayAdd(t *testing.T) {
	var deltas StackDeltaArray
	push := UnwindInfo{Opcode: UnwindOpcodeBaseSP, Param: 16}

	deltas.Add(StackDelta{Address: 0, Info: UnwindInfo{Opcode: UnwindOpcodeBaseSP, Param: 8}})
	deltas.Add(StackDelta{Address: 1, Info: push})
	// Same info as before merges into the previous interval.
	deltas.Add(StackDelta{Address: 4, Info: push, Hints: UnwindHintKeep})
	deltas.Add(StackDelta{Address: 8, Info: UnwindInfo{Opcode: UnwindOpcodeCommand, Param: 1,
		FPOpcode: UnwindOpcodeBaseCFA, FPParam: 5}})

	require.Len(t, deltas, 3)
	assert.Equal(t, UnwindHintKeep, deltas[1].Hints)
	assert.Equal(t, UnwindInfoStop, deltas[2].Info)

	// Same address replaces the previous entry.
	deltas.Add(StackDelta{Address: 8, Info: push})
	require.Len(t, deltas, 3)
	assert.Equal(t, push, deltas[2].Info)
}

func TestStackDeltaArrayLookup(t *testing.T) {
	deltas := StackDeltaArray{
		{Address: 0x10, Info: UnwindInfo{Opcode: UnwindOpcodeBaseSP, Param: 8}},
		{Address: 0x11, Info: UnwindInfoFramePointerX64},
		{Address: 0x40, Hints: UnwindHintGap, Info: UnwindInfoInvalid},
	}

	tests := map[string]struct {
		addr     uint64
		expected UnwindInfo
	}{
		"before first":   {addr: 0x0f, expected: UnwindInfoInvalid},
		"first":          {addr: 0x10, expected: deltas[0].Info},
		"second start":   {addr: 0x11, expected: UnwindInfoFramePointerX64},
		"second end":     {addr: 0x3f, expected: UnwindInfoFramePointerX64},
		"in gap":         {addr: 0x40, expected: UnwindInfoInvalid},
		"far after body": {addr: 0x1000, expected: UnwindInfoInvalid},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, deltas.Lookup(tc.addr))
		})
	}
}

func TestUnwindInfoString(t *testing.T) {
	assert.Equal(t, "stop", UnwindInfoStop.String())
	assert.Equal(t, "invalid", UnwindInfoInvalid.String())
	assert.Equal(t, "cfa=fp+16 fp=cfa-16", UnwindInfoFramePointerX64.String())
	assert.True(t, UnwindInfoStop.IsStop())
	assert.False(t, UnwindInfoLR.IsCommand())
}
