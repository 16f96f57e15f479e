// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/rtstackwalk/stackwalk"

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/rtstackwalk/codeman"
	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/remotememory"
)

// ExKind describes the origin of an in-flight exception.
type ExKind uint8

const (
	// ExKindThrow is a software throw.
	ExKindThrow ExKind = 1
	// ExKindHardwareFault is an exception raised by a faulting instruction.
	ExKindHardwareFault ExKind = 2
	// ExKindSupersededFlag marks entries invalidated by a later collided unwind.
	ExKindSupersededFlag ExKind = 8
)

// IsHardwareFault reports whether the exception was raised by a faulting instruction.
func (k ExKind) IsHardwareFault() bool {
	return k&ExKindHardwareFault != 0
}

// IsSuperseded reports whether the entry was superseded.
func (k ExKind) IsSuperseded() bool {
	return k&ExKindSupersededFlag != 0
}

func (k ExKind) String() string {
	var parts []string
	switch k &^ ExKindSupersededFlag {
	case ExKindThrow:
		parts = append(parts, "throw")
	case ExKindHardwareFault:
		parts = append(parts, "hardware-fault")
	default:
		parts = append(parts, fmt.Sprintf("ExKind(%d)", uint8(k&^ExKindSupersededFlag)))
	}
	if k.IsSuperseded() {
		parts = append(parts, "superseded")
	}
	return strings.Join(parts, "|")
}

// ExInfo is one in-flight exception dispatch of a thread. Entries are owned and
// mutated by the exception dispatcher; the walker only reads them.
type ExInfo struct {
	// StackPointer is the stack location of the entry. A walk whose stack pointer
	// passes it has crossed into the frames below the dispatch.
	StackPointer libpf.Address
	Kind         ExKind
	// PassNumber is the dispatch pass (1 or 2).
	PassNumber uint8
	// CurClause is the index of the clause whose handler is running, or
	// codeman.MaxTryRegionIdx.
	CurClause uint32
	// Context is the location of the LimitedContext captured at the throw or fault.
	Context libpf.Address
	// FrameIter is the dispatcher's iterator. During the second pass it is
	// positioned on the frame whose handler is running.
	FrameIter *Iterator
	// Next is the older entry, at a higher stack address.
	Next *ExInfo
}

// NewExInfo returns a first pass entry without a running handler.
func NewExInfo(kind ExKind, sp, ctx libpf.Address) *ExInfo {
	return &ExInfo{
		StackPointer: sp,
		Kind:         kind,
		PassNumber:   1,
		CurClause:    codeman.MaxTryRegionIdx,
		Context:      ctx,
	}
}

// Thread is a walkable thread: its memory, its stack bounds and its runtime state.
// The thread must be suspended, or be the walking thread, for the duration of a walk.
type Thread struct {
	ID      libpf.TID
	Runtime *Runtime
	Memory  remotememory.RemoteMemory

	// StackLow and StackHigh bound the thread's stack. Zero means unknown.
	StackLow  libpf.Address
	StackHigh libpf.Address

	// TransitionFrame is the transition frame saved when the thread left managed
	// code, the starting point of GC and stack trace walks.
	TransitionFrame libpf.Address

	// ExInfoHead is the most recent in-flight exception.
	ExInfoHead *ExInfo
}

// InStack reports whether addr lies within the thread's stack bounds. Unknown
// bounds accept every address.
func (t *Thread) InStack(addr libpf.Address) bool {
	if t.StackLow != 0 && addr < t.StackLow {
		return false
	}
	if t.StackHigh != 0 && addr > t.StackHigh {
		return false
	}
	return true
}

// ValidateExInfoChain checks that the exception chain is ordered by strictly
// increasing stack address and lies within the stack.
func (t *Thread) ValidateExInfoChain() error {
	var prev *ExInfo
	for ex := t.ExInfoHead; ex != nil; ex = ex.Next {
		if !t.InStack(ex.StackPointer) {
			return fmt.Errorf("%w: exception info at %v outside of stack",
				ErrCorruptExInfoChain, ex.StackPointer)
		}
		if prev != nil && ex.StackPointer <= prev.StackPointer {
			return fmt.Errorf("%w: exception info at %v follows %v",
				ErrCorruptExInfoChain, ex.StackPointer, prev.StackPointer)
		}
		if ex.PassNumber != 1 && ex.PassNumber != 2 {
			return fmt.Errorf("%w: exception info at %v in pass %d",
				ErrCorruptExInfoChain, ex.StackPointer, ex.PassNumber)
		}
		prev = ex
	}
	return nil
}

// nextLiveExInfo skips superseded entries.
func nextLiveExInfo(ex *ExInfo) *ExInfo {
	for ex != nil && ex.Kind.IsSuperseded() {
		ex = ex.Next
	}
	return ex
}
