// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stackwalk implements the stack frame iterator shared by the exception
// dispatcher, the GC root walker and the stack trace producer. It walks a thread's
// stack frame by frame, unwinding through the runtime's assembly thunks, exception
// dispatch frames and reverse P/Invoke transitions.
package stackwalk // import "go.opentelemetry.io/rtstackwalk/stackwalk"

import (
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/rtstackwalk/codeman"
	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/regdisplay"
	"go.opentelemetry.io/rtstackwalk/thunks"
)

// CodeRange assigns a range of code to the code manager owning it.
type CodeRange struct {
	Range   libpf.AddressRange
	Manager codeman.CodeManager
}

// CallSiteVerifier checks that the instruction preceding a return address is a call.
type CallSiteVerifier interface {
	IsCallSite(returnAddress libpf.Address) bool
}

// Config is the runtime instance configuration.
type Config struct {
	// ABI of the walked threads.
	ABI *regdisplay.ABI
	// Thunks classifies return addresses inside the runtime's assembly thunks.
	Thunks *thunks.Table
	// CodeRanges lists the managed code ranges and their code managers.
	CodeRanges []CodeRange
	// CallSites, if set, strengthens IsValidReturnAddress by decoding the call
	// instruction preceding the address.
	CallSites CallSiteVerifier
}

// Runtime describes one runtime instance: its ABI, its thunks and the code managers
// of its managed code. It is immutable and shared by all walks.
type Runtime struct {
	abi       *regdisplay.ABI
	thunks    *thunks.Table
	ranges    []CodeRange
	callSites CallSiteVerifier
}

// NewRuntime validates the configuration and returns a runtime instance.
func NewRuntime(cfg *Config) (*Runtime, error) {
	if cfg.ABI == nil {
		return nil, errors.New("no ABI configured")
	}
	if err := cfg.Thunks.Err(); err != nil {
		return nil, err
	}
	ranges := slices.Clone(cfg.CodeRanges)
	slices.SortFunc(ranges, func(a, b CodeRange) int {
		switch {
		case a.Range.Start < b.Range.Start:
			return -1
		case a.Range.Start > b.Range.Start:
			return 1
		}
		return 0
	})
	for i := range ranges {
		r := &ranges[i]
		if r.Range.Empty() || r.Manager == nil {
			return nil, fmt.Errorf("invalid code range %v", r.Range)
		}
		if i > 0 && r.Range.Start < ranges[i-1].Range.End {
			return nil, fmt.Errorf("code range %v overlaps %v", r.Range, ranges[i-1].Range)
		}
	}
	for _, thunk := range cfg.Thunks.Ranges() {
		for i := range ranges {
			r := &ranges[i].Range
			if thunk.Start < r.End && r.Start < thunk.End {
				return nil, fmt.Errorf("code range %v overlaps thunk %s", *r, thunk.Symbol)
			}
		}
	}
	return &Runtime{
		abi:       cfg.ABI,
		thunks:    cfg.Thunks,
		ranges:    ranges,
		callSites: cfg.CallSites,
	}, nil
}

// ABI returns the ABI of the runtime.
func (rt *Runtime) ABI() *regdisplay.ABI {
	return rt.abi
}

// Thunks returns the thunk table of the runtime.
func (rt *Runtime) Thunks() *thunks.Table {
	return rt.thunks
}

// CodeRanges returns the managed code ranges in address order.
func (rt *Runtime) CodeRanges() []CodeRange {
	return slices.Clone(rt.ranges)
}

// FindCodeManagerByAddress returns the code manager owning pc, or nil.
func (rt *Runtime) FindCodeManagerByAddress(pc libpf.Address) codeman.CodeManager {
	idx, found := slices.BinarySearchFunc(rt.ranges, pc, func(r CodeRange, pc libpf.Address) int {
		switch {
		case pc < r.Range.Start:
			return 1
		case pc >= r.Range.End:
			return -1
		}
		return 0
	})
	if !found {
		return nil
	}
	return rt.ranges[idx].Manager
}

// IsValidReturnAddress reports whether addr may be a return address into managed
// code. Return addresses into the thunks that call managed code are valid too, those
// into the throw site and funclet invoke thunks never are.
func (rt *Runtime) IsValidReturnAddress(addr libpf.Address) bool {
	switch c := rt.thunks.Classify(addr); {
	case c == thunks.ThrowSiteThunk || c == thunks.FuncletInvokeThunk:
		return false
	case thunks.IsNonEHThunk(c):
		return true
	}
	if rt.FindCodeManagerByAddress(addr) == nil {
		return false
	}
	if rt.callSites != nil {
		return rt.callSites.IsCallSite(addr)
	}
	return true
}
