// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/rtstackwalk/libpf"

// Void allows to use maps as sets without memory allocation for the values.
// From the "Go Programming Language":
//
//	The struct type with no fields is called the empty struct, written struct{}. It has size zero
//	and carries no information but may be useful nonetheless. Some Go programmers
//	use it instead of bool as the value type of a map that represents a set, to emphasize
//	that only the keys are significant, but the space saving is marginal and the syntax more
//	cumbersome, so we generally avoid it.
type Void struct{}

// Set is a convenience alias for a map with a `Void` key.
type Set[T comparable] map[T]Void

// Has reports whether item is a member of the set.
func (s Set[T]) Has(item T) bool {
	_, ok := s[item]
	return ok
}

// ToSlice converts the Set keys into a slice.
func (s Set[T]) ToSlice() []T {
	slice := make([]T, 0, len(s))
	for item := range s {
		slice = append(slice, item)
	}
	return slice
}

// SliceToSet creates a set from a slice, deduplicating it.
func SliceToSet[T comparable](s []T) Set[T] {
	set := make(map[T]Void, len(s))
	for _, item := range s {
		set[item] = Void{}
	}
	return set
}

// MapSlice returns a new slice by mapping given function over the input slice.
func MapSlice[T, V any](in []T, mapf func(T) V) []V {
	ret := make([]V, len(in))
	for idx := range in {
		ret[idx] = mapf(in[idx])
	}
	return ret
}
