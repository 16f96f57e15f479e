// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package gcroots enumerates the stack roots of suspended threads the way a
// garbage collector consumes the stack frame iterator.
package gcroots // import "go.opentelemetry.io/rtstackwalk/gcroots"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/rtstackwalk/codeman"
	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/metrics"
	"go.opentelemetry.io/rtstackwalk/stackwalk"
)

// ErrUnwalkableThread is returned for threads whose stack could not be walked to
// its end. A collector cannot proceed with such a thread.
var ErrUnwalkableThread = errors.New("thread stack is not walkable")

// Source is the origin of a reported root.
type Source uint8

const (
	// SourceFrame roots are precise slots described by a code manager.
	SourceFrame Source = iota
	// SourceConservative roots are words of a conservatively reported stack range.
	SourceConservative
	// SourceHijackedReturn is the return value saved by a hijacked return.
	SourceHijackedReturn
)

func (s Source) String() string {
	switch s {
	case SourceFrame:
		return "frame"
	case SourceConservative:
		return "conservative"
	case SourceHijackedReturn:
		return "hijacked-return"
	}
	return fmt.Sprintf("Source(%d)", uint8(s))
}

// Root is one stack location holding a reference.
type Root struct {
	Addr   libpf.Address
	Kind   codeman.GCRefKind
	Flags  codeman.GCSlotFlags
	Source Source
	// ControlPC identifies the frame reporting the root.
	ControlPC libpf.Address
}

// Result summarizes the enumeration of one thread.
type Result struct {
	Frames       int
	Precise      int
	Conservative int
	Stats        stackwalk.Stats
}

// EnumerateThread reports the stack roots of a thread stopped in a transition
// frame. Threads without a transition frame run no managed code and have none.
func EnumerateThread(thread *stackwalk.Thread, fn func(Root)) (Result, error) {
	var res Result
	if thread.TransitionFrame == 0 {
		return res, nil
	}

	it := stackwalk.NewFromTransitionFrame(thread, thread.TransitionFrame,
		stackwalk.GCPolicy)
	err := enumerate(it, &res, fn)
	if err == nil {
		err = it.Err()
	}
	res.Stats = it.Stats()
	metrics.AddSlice(append(res.Stats.Metrics(err != nil),
		metrics.Metric{ID: metrics.IDGCRootsPrecise, Value: metrics.MetricValue(res.Precise)},
		metrics.Metric{ID: metrics.IDGCRootsConservative,
			Value: metrics.MetricValue(res.Conservative)},
	))
	if err != nil {
		log.Warnf("Failed to enumerate GC roots of thread %d after %d frames: %v",
			thread.ID, res.Frames, err)
		return res, fmt.Errorf("%w: thread %d: %w", ErrUnwalkableThread, thread.ID, err)
	}
	return res, nil
}

func enumerate(it *stackwalk.Iterator, res *Result, fn func(Root)) error {
	ptrSize := libpf.Address(it.Thread().Runtime.ABI().PointerSize)
	for it.IsValid() {
		res.Frames++
		pc := it.ControlPC()

		if addr, kind, ok := it.HijackedReturnValueLocation(); ok {
			fn(Root{Addr: addr, Kind: kind, Source: SourceHijackedReturn, ControlPC: pc})
			res.Precise++
		}

		if it.HasStackRangeToReportConservatively() {
			lower, upper := it.StackRangeToReportConservatively()
			for addr := lower.AlignUp(uint(ptrSize)); addr+ptrSize <= upper; addr += ptrSize {
				fn(Root{
					Addr:      addr,
					Kind:      codeman.GCRefObject,
					Flags:     codeman.GCSlotInterior | codeman.GCSlotPinned,
					Source:    SourceConservative,
					ControlPC: pc,
				})
				res.Conservative++
			}
		}

		cm := it.CodeManager()
		err := cm.EnumerateGCReferences(it.MethodInfo(), it.CodeOffset(), it.RegisterSet(),
			func(ref codeman.GCRef) {
				fn(Root{
					Addr:      ref.Addr,
					Kind:      ref.Kind,
					Flags:     ref.Flags,
					Source:    SourceFrame,
					ControlPC: pc,
				})
				res.Precise++
			})
		if err != nil {
			return fmt.Errorf("%s: %w", cm.MethodName(it.MethodInfo()), err)
		}

		it.Next()
		for it.IsCollisionPending() {
			it.ResumeAfterCollision()
		}
	}
	return nil
}
