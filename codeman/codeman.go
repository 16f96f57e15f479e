// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package codeman defines the contract between the stack walker and the code managers
// owning ranges of compiled managed code. A code manager knows how to resolve a PC to
// a method, how to unwind that method's frame, where its GC references live and how
// its exception handling clauses are laid out.
package codeman // import "go.opentelemetry.io/rtstackwalk/codeman"

import (
	"fmt"

	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/regdisplay"
	"go.opentelemetry.io/rtstackwalk/remotememory"
)

// TopOfStackMarker is returned by UnwindOneFrame as previous transition frame of a
// reverse P/Invoke method that was entered from native code without any managed code
// further up the stack.
const TopOfStackMarker = ^libpf.Address(0)

// MaxTryRegionIdx is the clause index meaning "no clause".
const MaxTryRegionIdx = ^uint32(0)

// MethodInfo identifies one method body or funclet of a code manager. Start is the
// method's entry point; code offsets are relative to it. Handle is owned by the code
// manager and opaque to everyone else.
type MethodInfo struct {
	Start  libpf.Address
	Handle uint64
}

// GCRefKind describes the kind of a reported reference.
type GCRefKind uint8

const (
	GCRefScalar GCRefKind = iota
	GCRefObject
	GCRefByRef
)

func (k GCRefKind) String() string {
	switch k {
	case GCRefScalar:
		return "scalar"
	case GCRefObject:
		return "object"
	case GCRefByRef:
		return "byref"
	}
	return fmt.Sprintf("GCRefKind(%d)", uint8(k))
}

// GCSlotFlags qualify a reported reference.
type GCSlotFlags uint8

const (
	// GCSlotInterior marks references that may point inside an object.
	GCSlotInterior GCSlotFlags = 1 << iota
	// GCSlotPinned marks references whose target must not be moved.
	GCSlotPinned
)

// GCRef is one live reference location reported for a frame.
type GCRef struct {
	// Addr is the stack location holding the reference.
	Addr  libpf.Address
	Kind  GCRefKind
	Flags GCSlotFlags
}

// EHClauseKind is the kind of an exception handling clause.
type EHClauseKind uint8

const (
	// EHClauseTyped catches exceptions of a given type.
	EHClauseTyped EHClauseKind = iota
	// EHClauseFault runs on exceptional exit (finally blocks are compiled as faults
	// plus a normal-path copy).
	EHClauseFault
	// EHClauseFilter catches exceptions accepted by a filter funclet.
	EHClauseFilter
)

func (k EHClauseKind) String() string {
	switch k {
	case EHClauseTyped:
		return "typed"
	case EHClauseFault:
		return "fault"
	case EHClauseFilter:
		return "filter"
	}
	return fmt.Sprintf("EHClauseKind(%d)", uint8(k))
}

// EHClause is one exception handling clause of a method. Clauses are ordered from the
// most nested try region outwards.
type EHClause struct {
	Kind EHClauseKind `json:"kind"`
	// TryStart and TryEnd delimit the protected region [TryStart, TryEnd).
	TryStart uint32 `json:"tryStart"`
	TryEnd   uint32 `json:"tryEnd"`
	// HandlerOffset is the code offset of the handler funclet.
	HandlerOffset uint32 `json:"handlerOffset"`
	// FilterOffset is the code offset of the filter funclet of filter clauses.
	FilterOffset uint32 `json:"filterOffset,omitempty"`
	// CatchType names the caught type of typed clauses.
	CatchType string `json:"catchType,omitempty"`
}

// ContainsCodeOffset reports whether the try region covers the code offset.
func (c *EHClause) ContainsCodeOffset(offs uint32) bool {
	return offs >= c.TryStart && offs < c.TryEnd
}

// CodeManager is implemented by the owners of managed code ranges.
type CodeManager interface {
	// ResolveMethod maps a control PC to its method and code offset.
	ResolveMethod(pc libpf.Address) (MethodInfo, uint32, bool)

	// UnwindOneFrame replaces the register context with the caller's context. For
	// reverse P/Invoke methods it returns the previous transition frame of the thread
	// (or TopOfStackMarker) instead, leaving the context for the caller to reload.
	UnwindOneFrame(mem remotememory.RemoteMemory, mi *MethodInfo,
		rd *regdisplay.RegDisplay) (libpf.Address, error)

	// EnumerateGCReferences reports the live references of the frame.
	EnumerateGCReferences(mi *MethodInfo, codeOffset uint32,
		rd *regdisplay.RegDisplay, fn func(GCRef)) error

	// IsInProlog reports whether the code offset is inside the method's prolog.
	IsInProlog(mi *MethodInfo, codeOffset uint32) bool
	// IsInEpilog reports whether the code offset is inside one of the method's epilogs.
	IsInEpilog(mi *MethodInfo, codeOffset uint32) bool

	// IsFunclet reports whether the method info describes a funclet.
	IsFunclet(mi *MethodInfo) bool
	// FuncletStartOffset returns the code offset a funclet starts at.
	FuncletStartOffset(mi *MethodInfo) (uint32, bool)
	// FramePointer returns the establisher frame of the activation. A method body and
	// all its funclets share it.
	FramePointer(mi *MethodInfo, rd *regdisplay.RegDisplay) libpf.Address

	// ConservativeUpperBoundForOutgoingArgs returns the end of the frame's outgoing
	// argument area, the upper bound of a conservatively reported range.
	ConservativeUpperBoundForOutgoingArgs(mi *MethodInfo,
		rd *regdisplay.RegDisplay) libpf.Address

	// EHClauses returns the method's exception handling clauses, most nested first.
	EHClauses(mi *MethodInfo) []EHClause
	// FindNearestGCSafePointInHandler returns the code offset of the GC safe point
	// following the prolog of the handler funclet starting at handlerOffset.
	FindNearestGCSafePointInHandler(mi *MethodInfo, handlerOffset uint32) (uint32, bool)

	// MethodName returns a symbolic name for diagnostics.
	MethodName(mi *MethodInfo) string
}
