// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package synthstack // import "go.opentelemetry.io/rtstackwalk/internal/synthstack"

import (
	"fmt"

	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/stackwalk"
)

// maxWalkFrames bounds walks of corrupt stacks.
const maxWalkFrames = 4096

// WalkedFrame describes a frame yielded by an iterator.
type WalkedFrame struct {
	Name         string
	ControlPC    libpf.Address
	CodeOffset   uint32
	SP           libpf.Address
	FramePointer libpf.Address
	// Conservative is set for frames with a conservatively reported range
	// [Lower, Upper).
	Conservative bool
	Lower        libpf.Address
	Upper        libpf.Address
	// Outcome is the outcome of the advance that reached the frame.
	Outcome stackwalk.Outcome
}

// Describe captures the frame the iterator is on.
func Describe(it *stackwalk.Iterator) WalkedFrame {
	f := WalkedFrame{
		Name:         it.CodeManager().MethodName(it.MethodInfo()),
		ControlPC:    it.ControlPC(),
		CodeOffset:   it.CodeOffset(),
		SP:           it.RegisterSet().SP,
		FramePointer: it.FramePointer(),
	}
	if it.HasStackRangeToReportConservatively() {
		f.Conservative = true
		f.Lower, f.Upper = it.StackRangeToReportConservatively()
	}
	return f
}

// Walk advances the iterator to the end of the stack, resolving collisions as they
// happen, and returns the yielded frames.
func Walk(it *stackwalk.Iterator) ([]WalkedFrame, error) {
	var frames []WalkedFrame
	var out stackwalk.Outcome
	for it.IsValid() {
		if len(frames) >= maxWalkFrames {
			return frames, fmt.Errorf("walk exceeded %d frames", maxWalkFrames)
		}
		f := Describe(it)
		f.Outcome = out
		frames = append(frames, f)

		out = it.Next()
		for it.IsCollisionPending() {
			resumed := it.ResumeAfterCollision()
			out.UnwoundReversePInvoke = out.UnwoundReversePInvoke ||
				resumed.UnwoundReversePInvoke
		}
	}
	return frames, it.Err()
}

// Names returns the names of walked frames.
func Names(frames []WalkedFrame) []string {
	return libpf.MapSlice(frames, func(f WalkedFrame) string { return f.Name })
}
