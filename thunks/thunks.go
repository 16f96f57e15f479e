// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package thunks classifies return addresses against the runtime's assembly thunks.
package thunks // import "go.opentelemetry.io/rtstackwalk/thunks"

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/rtstackwalk/libpf"
)

// Category is the kind of code a return address points into.
type Category uint8

const (
	// OrdinaryManaged is any address outside the known thunks.
	OrdinaryManaged Category = iota
	// ThrowSiteThunk raises managed exceptions and hardware faults.
	ThrowSiteThunk
	// FuncletInvokeThunk calls exception handler funclets.
	FuncletInvokeThunk
	// ManagedCalloutThunk calls managed code from the runtime.
	ManagedCalloutThunk
	// CallDescrThunk calls managed code with a runtime constructed argument list.
	CallDescrThunk
	// UniversalTransitionThunk dispatches calls of any signature generically.
	UniversalTransitionThunk
)

var categoryNames = map[Category]string{
	OrdinaryManaged:          "managed",
	ThrowSiteThunk:           "throw-site",
	FuncletInvokeThunk:       "funclet-invoke",
	ManagedCalloutThunk:      "managed-callout",
	CallDescrThunk:           "call-descr",
	UniversalTransitionThunk: "universal-transition",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Category(%d)", uint8(c))
}

// ParseCategory parses the name of a category.
func ParseCategory(name string) (Category, error) {
	for c, n := range categoryNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown thunk category %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// IsNonEHThunk reports whether the category is a thunk irrelevant to exception
// handling: exception dispatch never unwinds into these, only GC walks do.
func IsNonEHThunk(c Category) bool {
	switch c {
	case ManagedCalloutThunk, CallDescrThunk, UniversalTransitionThunk:
		return true
	}
	return false
}

// Range is the code of one thunk. Return addresses into the thunk lie in
// [Start, End).
type Range struct {
	Start    libpf.Address `json:"start"`
	End      libpf.Address `json:"end"`
	Category Category      `json:"category"`
	Symbol   string        `json:"symbol,omitempty"`
}

// Table is the immutable set of thunk ranges of a runtime image. The ranges are
// resolved, validated and sorted once on first use and are read-only afterwards, so
// a table can be shared by all walks without teardown.
type Table struct {
	ranges func() ([]Range, error)
}

// NewLazyTable returns a table whose ranges are produced by resolve on first use.
func NewLazyTable(resolve func() ([]Range, error)) *Table {
	return &Table{ranges: sync.OnceValues(func() ([]Range, error) {
		ranges, err := resolve()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve thunk ranges: %w", err)
		}
		return sortRanges(ranges)
	})}
}

// NewTable validates the ranges and returns a table owning a copy of them.
func NewTable(ranges []Range) (*Table, error) {
	ranges = slices.Clone(ranges)
	t := NewLazyTable(func() ([]Range, error) { return ranges, nil })
	if err := t.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

func sortRanges(ranges []Range) ([]Range, error) {
	for _, r := range ranges {
		if r.End <= r.Start {
			return nil, fmt.Errorf("thunk %s has empty range %v-%v", r.Symbol, r.Start, r.End)
		}
		if r.Category == OrdinaryManaged {
			return nil, fmt.Errorf("thunk %s has no thunk category", r.Symbol)
		}
	}
	slices.SortFunc(ranges, func(a, b Range) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	for i := 1; i < len(ranges); i++ {
		if ranges[i].Start < ranges[i-1].End {
			return nil, fmt.Errorf("thunk %s overlaps %s", ranges[i].Symbol, ranges[i-1].Symbol)
		}
	}
	return ranges, nil
}

// Err returns the error of resolving the table, if any. A table that failed to
// resolve knows no thunks.
func (t *Table) Err() error {
	if t == nil {
		return nil
	}
	_, err := t.ranges()
	return err
}

// Classify maps a control PC to its category. Every PC outside a thunk is
// OrdinaryManaged. A nil table knows no thunks.
func (t *Table) Classify(pc libpf.Address) Category {
	if r, ok := t.Lookup(pc); ok {
		return r.Category
	}
	return OrdinaryManaged
}

// Lookup returns the thunk range containing pc.
func (t *Table) Lookup(pc libpf.Address) (Range, bool) {
	if t == nil {
		return Range{}, false
	}
	ranges, err := t.ranges()
	if err != nil {
		return Range{}, false
	}
	idx, found := slices.BinarySearchFunc(ranges, pc, func(r Range, pc libpf.Address) int {
		switch {
		case pc < r.Start:
			return 1
		case pc >= r.End:
			return -1
		}
		return 0
	})
	if !found {
		return Range{}, false
	}
	return ranges[idx], true
}

// Ranges returns the thunk ranges in address order.
func (t *Table) Ranges() []Range {
	if t == nil {
		return nil
	}
	ranges, _ := t.ranges()
	return slices.Clone(ranges)
}

// MarshalJSON implements json.Marshaler.
func (t *Table) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Ranges())
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Table) UnmarshalJSON(data []byte) error {
	var ranges []Range
	if err := json.Unmarshal(data, &ranges); err != nil {
		return err
	}
	parsed, err := NewTable(ranges)
	if err != nil {
		return err
	}
	*t = *parsed
	return nil
}
