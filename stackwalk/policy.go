// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/rtstackwalk/stackwalk"

import (
	"strings"

	"go.opentelemetry.io/rtstackwalk/codeman"
	"go.opentelemetry.io/rtstackwalk/metrics"
)

// Policy configures a walk. It is fixed when the iterator is seeded.
type Policy struct {
	// ApplyReturnAddressAdjustment moves the control PC of every frame reached
	// through a return address back into the call instruction, so that it stays
	// within the try region enclosing the call.
	ApplyReturnAddressAdjustment bool
	// CollapseFunclets reports one frame per method activation: the most nested
	// funclet. Its parent funclets and the method body are skipped.
	CollapseFunclets bool
	// RemapHardwareFaultsToSafePoint reports a hardware fault frame at the GC safe
	// point after the prolog of the handler of the innermost enclosing try region.
	RemapHardwareFaultsToSafePoint bool
}

var (
	// GCPolicy is used by GC root enumeration.
	GCPolicy = Policy{CollapseFunclets: true, RemapHardwareFaultsToSafePoint: true}
	// EHPolicy is used by exception dispatch.
	EHPolicy = Policy{ApplyReturnAddressAdjustment: true}
	// StackTracePolicy is used for stack trace capture.
	StackTracePolicy = GCPolicy
)

func (p Policy) String() string {
	var parts []string
	if p.ApplyReturnAddressAdjustment {
		parts = append(parts, "adjust-return-address")
	}
	if p.CollapseFunclets {
		parts = append(parts, "collapse-funclets")
	}
	if p.RemapHardwareFaultsToSafePoint {
		parts = append(parts, "remap-hardware-faults")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// Outcome describes what happened during one advance of an iterator.
type Outcome struct {
	// Collided is set when the walk crossed an in-flight exception dispatch. The
	// iterator waits in the collision pending state for ResumeAfterCollision.
	Collided bool
	// ExCollideClauseIdx is the clause that was running in the crossed dispatch,
	// codeman.MaxTryRegionIdx when there is none.
	ExCollideClauseIdx uint32
	// CollidedWith is the crossed exception.
	CollidedWith *ExInfo
	// UnwoundReversePInvoke is set when the walk left a method entered from
	// native code.
	UnwoundReversePInvoke bool
}

func noOutcome() Outcome {
	return Outcome{ExCollideClauseIdx: codeman.MaxTryRegionIdx}
}

// Stats counts events of a walk.
type Stats struct {
	Frames                uint64
	Collisions            uint64
	ConservativeRanges    uint64
	ReversePInvokeUnwinds uint64
	HardwareFaultRemaps   uint64
}

// Metrics converts the stats of one walk into metric values. failed is set for
// walks that ended with an error.
func (s Stats) Metrics(failed bool) []metrics.Metric {
	var failures metrics.MetricValue
	if failed {
		failures = 1
	}
	return []metrics.Metric{
		{ID: metrics.IDWalks, Value: 1},
		{ID: metrics.IDWalkFrames, Value: metrics.MetricValue(s.Frames)},
		{ID: metrics.IDWalkFailures, Value: failures},
		{ID: metrics.IDCollisions, Value: metrics.MetricValue(s.Collisions)},
		{ID: metrics.IDConservativeRanges, Value: metrics.MetricValue(s.ConservativeRanges)},
		{ID: metrics.IDReversePInvokeUnwinds,
			Value: metrics.MetricValue(s.ReversePInvokeUnwinds)},
		{ID: metrics.IDHardwareFaultRemaps, Value: metrics.MetricValue(s.HardwareFaultRemaps)},
	}
}
