// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package ehdispatch implements the two pass exception dispatch on top of the stack
// frame iterator. The first pass searches the frames of the throwing thread for a
// catching clause. The second pass lists the fault and finally handlers that run
// before the catch handler, and leaves the exception positioned on the catching
// frame.
//
// Filter funclets are never executed: filter clauses do not catch.
package ehdispatch // import "go.opentelemetry.io/rtstackwalk/ehdispatch"

import (
	"errors"
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/rtstackwalk/codeman"
	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/metrics"
	"go.opentelemetry.io/rtstackwalk/stackwalk"
)

var (
	// ErrUnhandled is returned by SecondPass for exceptions without a catching clause.
	ErrUnhandled = errors.New("unhandled exception")
	// ErrNoContext is returned for exceptions without a captured context.
	ErrNoContext = errors.New("exception has no context")
	// ErrStackChanged is returned when the second pass does not find the frame the
	// first pass selected.
	ErrStackChanged = errors.New("stack changed between dispatch passes")
)

// CatchMatcher decides whether a typed clause catching catchType handles the
// dispatched exception.
type CatchMatcher func(catchType string) bool

// CatchAll matches every typed clause.
func CatchAll(string) bool { return true }

// CatchTypes matches clauses catching one of the given types.
func CatchTypes(types ...string) CatchMatcher {
	return func(catchType string) bool {
		return slices.Contains(types, catchType)
	}
}

// Frame identifies a frame visited by the dispatch.
type Frame struct {
	// Index is the position of the frame in the dispatch walk.
	Index        int
	Method       string
	ControlPC    libpf.Address
	CodeOffset   uint32
	SP           libpf.Address
	FramePointer libpf.Address
}

func (f Frame) String() string {
	return fmt.Sprintf("#%d %s+0x%x (sp %v)", f.Index, f.Method, f.CodeOffset, f.SP)
}

// Handler is a clause whose handler funclet runs during the dispatch.
type Handler struct {
	Frame     Frame
	ClauseIdx uint32
	Clause    codeman.EHClause
}

// Dispatch is the outcome of the first pass.
type Dispatch struct {
	// Handled is set when a catching clause was found. Catch is only valid then.
	Handled bool
	Catch   Handler
	Stats   stackwalk.Stats
}

// Dispatcher dispatches the exceptions of one thread.
type Dispatcher struct {
	thread  *stackwalk.Thread
	matcher CatchMatcher
}

// New returns a dispatcher for the thread. A nil matcher catches everything.
func New(thread *stackwalk.Thread, matcher CatchMatcher) *Dispatcher {
	if matcher == nil {
		matcher = CatchAll
	}
	return &Dispatcher{thread: thread, matcher: matcher}
}

// walk calls visit for every frame of the exception's dispatch with the index of
// the first clause still eligible in that frame. It stops when visit returns true
// or at the end of the managed frames reachable by the exception, and returns the
// iterator positioned on the last visited frame along with the dispatches it
// crossed.
func (d *Dispatcher) walk(ex *stackwalk.ExInfo,
	visit func(it *stackwalk.Iterator, idx int, first uint32) bool) (
	it *stackwalk.Iterator, found bool, crossed []*stackwalk.ExInfo, err error) {
	if ex.Context == 0 {
		return nil, false, nil, ErrNoContext
	}
	it = stackwalk.NewForEH(d.thread, ex.Context, ex.Kind.IsHardwareFault())
	first := uint32(0)
	for idx := 0; it.IsValid(); idx++ {
		if visit(it, idx, first) {
			return it, true, crossed, nil
		}
		first = 0

		out := it.Next()
		if out.UnwoundReversePInvoke {
			// Exceptions do not propagate into native code.
			log.Debugf("Exception of thread %d reached a native boundary", d.thread.ID)
			return it, false, crossed, nil
		}
		for it.IsCollisionPending() {
			collided := out.CollidedWith
			clause := out.ExCollideClauseIdx
			crossed = append(crossed, collided)
			out = it.ResumeAfterCollision()
			if collided.PassNumber == 2 && clause != codeman.MaxTryRegionIdx {
				// The frame running the handler of clause only offers the clauses
				// enclosing it.
				first = clause + 1
			}
		}
	}
	return it, false, crossed, it.Err()
}

func frameOf(it *stackwalk.Iterator, idx int) Frame {
	return Frame{
		Index:        idx,
		Method:       it.CodeManager().MethodName(it.MethodInfo()),
		ControlPC:    it.ControlPC(),
		CodeOffset:   it.CodeOffset(),
		SP:           it.RegisterSet().SP,
		FramePointer: it.FramePointer(),
	}
}

// FirstPass searches the frames of the exception for a catching clause.
func (d *Dispatcher) FirstPass(ex *stackwalk.ExInfo) (*Dispatch, error) {
	disp := &Dispatch{}
	it, found, _, err := d.walk(ex, func(it *stackwalk.Iterator, idx int, first uint32) bool {
		offs := it.CodeOffset()
		clauses := it.CodeManager().EHClauses(it.MethodInfo())
		for i := int(first); i < len(clauses); i++ {
			c := clauses[i]
			if !c.ContainsCodeOffset(offs) {
				continue
			}
			switch c.Kind {
			case codeman.EHClauseTyped:
				if !d.matcher(c.CatchType) {
					continue
				}
			case codeman.EHClauseFilter:
				log.Debugf("Skipping filter clause %d of %s", i,
					it.CodeManager().MethodName(it.MethodInfo()))
				continue
			default:
				continue
			}
			disp.Handled = true
			disp.Catch = Handler{Frame: frameOf(it, idx), ClauseIdx: uint32(i), Clause: c}
			return true
		}
		return false
	})
	if it != nil {
		disp.Stats = it.Stats()
	}
	handled := metrics.Metric{ID: metrics.IDEHUnhandled, Value: 1}
	if found {
		handled.ID = metrics.IDEHHandled
	}
	metrics.AddSlice(append(disp.Stats.Metrics(err != nil), handled))
	if err != nil {
		return disp, fmt.Errorf("first pass of %s exception at %v: %w",
			ex.Kind, ex.StackPointer, err)
	}
	if found {
		log.Debugf("Exception at %v caught by clause %d in %v",
			ex.StackPointer, disp.Catch.ClauseIdx, disp.Catch.Frame)
	}
	return disp, nil
}

// SecondPass returns the fault and finally handlers to run before the catch
// handler found by the first pass, innermost first. The exception is moved into
// its second pass with the catching clause running, and its dispatch iterator is
// left on the catching frame. Dispatches crossed on the way are superseded.
func (d *Dispatcher) SecondPass(ex *stackwalk.ExInfo, disp *Dispatch) ([]Handler, error) {
	if !disp.Handled {
		return nil, ErrUnhandled
	}
	target := disp.Catch
	var handlers []Handler
	it, found, crossed, err := d.walk(ex, func(it *stackwalk.Iterator, idx int, first uint32) bool {
		offs := it.CodeOffset()
		clauses := it.CodeManager().EHClauses(it.MethodInfo())
		end := uint32(len(clauses))
		if idx == target.Frame.Index {
			end = target.ClauseIdx
		}
		for i := first; i < end; i++ {
			c := clauses[i]
			if c.Kind == codeman.EHClauseFault && c.ContainsCodeOffset(offs) {
				handlers = append(handlers, Handler{Frame: frameOf(it, idx), ClauseIdx: i,
					Clause: c})
			}
		}
		return idx == target.Frame.Index
	})
	if err != nil {
		return nil, fmt.Errorf("second pass of %s exception at %v: %w",
			ex.Kind, ex.StackPointer, err)
	}
	if !found || it.RegisterSet().SP != target.Frame.SP ||
		it.ControlPC() != target.Frame.ControlPC {
		return nil, fmt.Errorf("%w: %v", ErrStackChanged, target.Frame)
	}

	for _, c := range crossed {
		if c.PassNumber == 2 {
			c.Kind |= stackwalk.ExKindSupersededFlag
		}
	}
	ex.PassNumber = 2
	ex.CurClause = target.ClauseIdx
	ex.FrameIter = it
	return handlers, nil
}
