// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stacktrace captures the managed stack traces of suspended threads and
// renders them as pprof profiles.
package stacktrace // import "go.opentelemetry.io/rtstackwalk/stacktrace"

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/metrics"
	"go.opentelemetry.io/rtstackwalk/stackwalk"
)

// Frame is one frame of a stack trace.
type Frame struct {
	Method      string        `json:"method"`
	MethodStart libpf.Address `json:"methodStart"`
	ControlPC   libpf.Address `json:"pc"`
	CodeOffset  uint32        `json:"offset"`
	// Collided is set on the first frame reached after crossing an in-flight
	// exception dispatch.
	Collided bool `json:"collided,omitempty"`
}

func (f Frame) String() string {
	return fmt.Sprintf("%s+0x%x", f.Method, f.CodeOffset)
}

// Trace is the stack trace of one thread, innermost frame first.
type Trace struct {
	ThreadID libpf.TID       `json:"thread"`
	Frames   []Frame         `json:"frames"`
	Hash     libpf.TraceHash `json:"hash"`
	Stats    stackwalk.Stats `json:"-"`
}

func (t *Trace) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "thread %d (%s)", t.ThreadID, t.Hash)
	for i, f := range t.Frames {
		fmt.Fprintf(&sb, "\n  #%d %s", i, f)
	}
	return sb.String()
}

// Capture walks the thread from its transition frame. Funclets are reported as
// their method activation and hardware faults at the safe point of their handler.
// Frames walked before an error are returned with it.
func Capture(thread *stackwalk.Thread) (*Trace, error) {
	trace := &Trace{ThreadID: thread.ID}
	hasher := libpf.NewTraceHasher()
	if thread.TransitionFrame == 0 {
		trace.Hash = hasher.Sum()
		return trace, nil
	}

	it := stackwalk.NewFromTransitionFrame(thread, thread.TransitionFrame,
		stackwalk.StackTracePolicy)
	collided := false
	for it.IsValid() {
		mi := it.MethodInfo()
		trace.Frames = append(trace.Frames, Frame{
			Method:      it.CodeManager().MethodName(mi),
			MethodStart: mi.Start,
			ControlPC:   it.ControlPC(),
			CodeOffset:  it.CodeOffset(),
			Collided:    collided,
		})
		hasher.AddFrame(mi.Start, it.CodeOffset())

		out := it.Next()
		collided = out.Collided
		for it.IsCollisionPending() {
			it.ResumeAfterCollision()
		}
	}
	trace.Hash = hasher.Sum()
	trace.Stats = it.Stats()

	err := it.Err()
	metrics.AddSlice(append(trace.Stats.Metrics(err != nil),
		metrics.Metric{ID: metrics.IDStackTraces, Value: 1},
		metrics.Metric{ID: metrics.IDStackTraceDepth,
			Value: metrics.MetricValue(len(trace.Frames))},
	))
	if err != nil {
		log.Debugf("Stack trace of thread %d truncated after %d frames: %v",
			thread.ID, len(trace.Frames), err)
		return trace, fmt.Errorf("stack trace of thread %d: %w", thread.ID, err)
	}
	return trace, nil
}
