// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package codeimage // import "go.opentelemetry.io/rtstackwalk/codeimage"

import (
	"fmt"

	"go.opentelemetry.io/rtstackwalk/codeman"
	"go.opentelemetry.io/rtstackwalk/libpf"
	sdtypes "go.opentelemetry.io/rtstackwalk/nativeunwind/stackdeltatypes"
	"go.opentelemetry.io/rtstackwalk/regdisplay"
)

// GCSlotBase selects what a GC slot offset is relative to.
type GCSlotBase string

const (
	GCBaseSP  GCSlotBase = "sp"
	GCBaseFP  GCSlotBase = "fp"
	GCBaseReg GCSlotBase = "reg"
)

// OffsetRange is a half-open range of code offsets.
type OffsetRange struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// Contains reports whether offs lies within the range.
func (r OffsetRange) Contains(offs uint32) bool {
	return offs >= r.Start && offs < r.End
}

// GCSlot is a location holding a reference while the code offset is in Live.
type GCSlot struct {
	Base   GCSlotBase          `json:"base"`
	Offset int32               `json:"offset,omitempty"`
	Reg    string              `json:"reg,omitempty"`
	Kind   codeman.GCRefKind   `json:"kind"`
	Flags  codeman.GCSlotFlags `json:"flags,omitempty"`
	Live   OffsetRange         `json:"live"`
}

// Body is a contiguous piece of compiled code with its own unwind rules: a method's
// main body or one of its funclets.
type Body struct {
	// Deltas describe the CFA and return address rule; addresses are code offsets
	// relative to the method start.
	Deltas sdtypes.StackDeltaArray `json:"deltas"`
	// Saved lists the callee-saved registers spilled by the prolog.
	Saved      []regdisplay.SavedReg `json:"saved,omitempty"`
	PrologSize uint32                `json:"prologSize"`
	Epilogs    []OffsetRange         `json:"epilogs,omitempty"`
	GCSlots    []GCSlot              `json:"gcSlots,omitempty"`
	// OutgoingArgSize is the size of the outgoing argument area above SP at call sites.
	OutgoingArgSize uint32 `json:"outgoingArgSize,omitempty"`
}

// Funclet is an exception handler compiled out of line.
type Funclet struct {
	Body
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
}

// Method describes one compiled managed method.
type Method struct {
	Body
	Name  string        `json:"name"`
	Start libpf.Address `json:"start"`
	// Size covers the main body and all funclets.
	Size     uint32    `json:"size"`
	Funclets []Funclet `json:"funclets,omitempty"`
	// EHClauses are ordered most nested first.
	EHClauses []codeman.EHClause `json:"ehClauses,omitempty"`
	// HasFramePointer marks methods establishing an FP frame. Funclets of such methods
	// run with the parent's frame pointer.
	HasFramePointer bool `json:"hasFramePointer,omitempty"`
	// ReversePInvoke marks methods entered from native code. The previous transition
	// frame of the thread is stored at ReversePInvokeSlot relative to FP.
	ReversePInvoke     bool  `json:"reversePInvoke,omitempty"`
	ReversePInvokeSlot int32 `json:"reversePInvokeSlot,omitempty"`
}

// End returns the first address after the method's code.
func (m *Method) End() libpf.Address {
	return m.Start + libpf.Address(m.Size)
}

// funcletAt returns the index of the funclet containing the code offset, or -1.
func (m *Method) funcletAt(offs uint32) int {
	for i := range m.Funclets {
		f := &m.Funclets[i]
		if offs >= f.Offset && offs < f.Offset+f.Size {
			return i
		}
	}
	return -1
}

func (m *Method) validate() error {
	if m.Size == 0 {
		return fmt.Errorf("method %s has no code", m.Name)
	}
	for i := range m.Funclets {
		f := &m.Funclets[i]
		if f.Size == 0 || f.Offset+f.Size > m.Size {
			return fmt.Errorf("method %s funclet %d at +0x%x outside of method",
				m.Name, i, f.Offset)
		}
		for j := range i {
			o := &m.Funclets[j]
			if f.Offset < o.Offset+o.Size && o.Offset < f.Offset+f.Size {
				return fmt.Errorf("method %s funclets %d and %d overlap", m.Name, j, i)
			}
		}
	}
	for i := range m.EHClauses {
		c := &m.EHClauses[i]
		if c.TryStart >= c.TryEnd {
			return fmt.Errorf("method %s clause %d has empty try region", m.Name, i)
		}
		if m.funcletAt(c.HandlerOffset) < 0 {
			return fmt.Errorf("method %s clause %d handler +0x%x is not a funclet",
				m.Name, i, c.HandlerOffset)
		}
	}
	if len(m.EHClauses) > 0 && !m.HasFramePointer {
		return fmt.Errorf("method %s has EH clauses but no frame pointer", m.Name)
	}
	return nil
}
