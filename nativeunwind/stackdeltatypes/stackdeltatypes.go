// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stackdeltatypes provides the vocabulary a code manager uses to describe how one
// frame of a method is unwound at a given code offset. Consecutive stack deltas establish
// intervals of the method body sharing the same unwind rule.
package stackdeltatypes // import "go.opentelemetry.io/rtstackwalk/nativeunwind/stackdeltatypes"

import (
	"fmt"
	"sort"
)

const (
	// UnwindOpcodeCommand marks an entry whose Param is an UnwindCommand.
	UnwindOpcodeCommand uint8 = 0x00
	// UnwindOpcodeBaseCFA takes the value relative to the canonical frame address.
	UnwindOpcodeBaseCFA uint8 = 0x01
	// UnwindOpcodeBaseSP takes the value relative to the stack pointer.
	UnwindOpcodeBaseSP uint8 = 0x02
	// UnwindOpcodeBaseFP takes the value relative to the frame pointer.
	UnwindOpcodeBaseFP uint8 = 0x03
	// UnwindOpcodeBaseLR takes the return address from the link register.
	UnwindOpcodeBaseLR uint8 = 0x04

	// UnwindCommandInvalid marks an offset at which the frame cannot be unwound.
	UnwindCommandInvalid int32 = 0
	// UnwindCommandStop marks the outermost frame of a stack.
	UnwindCommandStop int32 = 1

	// UnwindHintNone indicates that no flags are set.
	UnwindHintNone uint8 = 0
	// UnwindHintKeep flags important intervals that should not be merged away
	// (e.g. the instruction after a call).
	UnwindHintKeep uint8 = 1
	// UnwindHintGap indicates that the delta marks the end of the method body.
	UnwindHintGap uint8 = 4
)

// UnwindInfo contains the data needed to unwind PC, SP and FP.
//
// Opcode and Param describe how the canonical frame address (CFA) is computed from
// the callee's registers. FPOpcode and FPParam describe where the caller's frame
// pointer lives; on link register ABIs they describe the return address instead
// and the caller's frame pointer is stored in the word below it.
type UnwindInfo struct {
	Opcode, FPOpcode uint8

	Param, FPParam int32
}

// UnwindInfoInvalid is the stack delta info indicating invalid or unsupported PC.
var UnwindInfoInvalid = UnwindInfo{Opcode: UnwindOpcodeCommand, Param: UnwindCommandInvalid}

// UnwindInfoStop is the stack delta info indicating root function of a stack.
var UnwindInfoStop = UnwindInfo{Opcode: UnwindOpcodeCommand, Param: UnwindCommandStop}

// UnwindInfoFramePointerX64 contains the description to unwind a x86-64 frame pointer frame.
var UnwindInfoFramePointerX64 = UnwindInfo{
	Opcode:   UnwindOpcodeBaseFP,
	Param:    16,
	FPOpcode: UnwindOpcodeBaseCFA,
	FPParam:  -16,
}

// UnwindInfoFramePointerX86 contains the description to unwind a 32-bit x86 frame pointer frame.
var UnwindInfoFramePointerX86 = UnwindInfo{
	Opcode:   UnwindOpcodeBaseFP,
	Param:    8,
	FPOpcode: UnwindOpcodeBaseCFA,
	FPParam:  -8,
}

// UnwindInfoLR contains the description to unwind arm function without frame (Link Register only)
var UnwindInfoLR = UnwindInfo{
	Opcode:   UnwindOpcodeBaseSP,
	FPOpcode: UnwindOpcodeBaseLR,
}

// IsCommand reports whether the info carries a command instead of an unwind rule.
func (ui UnwindInfo) IsCommand() bool {
	return ui.Opcode == UnwindOpcodeCommand
}

// IsStop reports whether the info marks the root function of a stack.
func (ui UnwindInfo) IsStop() bool {
	return ui == UnwindInfoStop
}

func (ui UnwindInfo) String() string {
	if ui.IsCommand() {
		switch ui.Param {
		case UnwindCommandStop:
			return "stop"
		case UnwindCommandInvalid:
			return "invalid"
		}
		return fmt.Sprintf("command(%d)", ui.Param)
	}
	return fmt.Sprintf("cfa=%s%+d fp=%s%+d",
		opcodeName(ui.Opcode), ui.Param, opcodeName(ui.FPOpcode), ui.FPParam)
}

func opcodeName(op uint8) string {
	switch op {
	case UnwindOpcodeBaseCFA:
		return "cfa"
	case UnwindOpcodeBaseSP:
		return "sp"
	case UnwindOpcodeBaseFP:
		return "fp"
	case UnwindOpcodeBaseLR:
		return "lr"
	case UnwindOpcodeCommand:
		return "cmd"
	}
	return fmt.Sprintf("op%d", op)
}

// StackDelta defines the start offset for the delta interval, along with
// the unwind information.
type StackDelta struct {
	Address uint64
	Hints   uint8
	Info    UnwindInfo
}

// StackDeltaArray defines an address space where consecutive entries establish
// intervals for the stack deltas
type StackDeltaArray []StackDelta

// AddEx adds a new stack delta to the array.
func (deltas *StackDeltaArray) AddEx(delta StackDelta, sorted bool) {
	num := len(*deltas)
	if delta.Info.Opcode == UnwindOpcodeCommand {
		// FP information is unused for command opcodes. Resetting it
		// reduces the number of unique Info contents generated.
		delta.Info.FPOpcode = UnwindOpcodeCommand
		delta.Info.FPParam = UnwindCommandInvalid
	}
	if num > 0 && sorted {
		prev := &(*deltas)[num-1]
		if prev.Info == delta.Info {
			prev.Hints |= delta.Hints & UnwindHintKeep
			return
		}
		if prev.Address == delta.Address {
			*prev = delta
			return
		}
	}
	*deltas = append(*deltas, delta)
}

// Add adds a new stack delta from a sorted source.
func (deltas *StackDeltaArray) Add(delta StackDelta) {
	deltas.AddEx(delta, true)
}

// Sort orders the deltas by address. It is needed after unsorted AddEx calls.
func (deltas StackDeltaArray) Sort() {
	sort.SliceStable(deltas, func(i, j int) bool {
		return deltas[i].Address < deltas[j].Address
	})
}

// Lookup returns the unwind information of the interval containing addr.
// Addresses before the first delta, or in an interval opened by a gap marker,
// resolve to UnwindInfoInvalid.
func (deltas StackDeltaArray) Lookup(addr uint64) UnwindInfo {
	idx := sort.Search(len(deltas), func(i int) bool {
		return deltas[i].Address > addr
	}) - 1
	if idx < 0 || deltas[idx].Hints&UnwindHintGap != 0 {
		return UnwindInfoInvalid
	}
	return deltas[idx].Info
}
