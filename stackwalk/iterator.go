// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/rtstackwalk/stackwalk"

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/rtstackwalk/codeman"
	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/regdisplay"
	"go.opentelemetry.io/rtstackwalk/thunks"
)

type state uint8

const (
	stateInvalid state = iota
	stateValid
	stateCollisionPending
)

// Iterator walks the managed frames of a thread from the innermost outwards. It is
// owned by one goroutine and holds no locks. An iterator always ends up either on a
// frame or invalid; Err tells failures apart from the end of the stack.
type Iterator struct {
	thread *Thread
	rt     *Runtime
	policy Policy
	state  state
	err    error

	rd regdisplay.RegDisplay

	// Method state of the current frame, see calculateMethodState.
	controlPC             libpf.Address
	framePointer          libpf.Address
	cm                    codeman.CodeManager
	methodInfo            codeman.MethodInfo
	codeOffset            uint32
	methodStateCalculated bool
	// unwindMethodInfo is the method the frame belongs to. It differs from
	// methodInfo when a hardware fault was remapped into a handler funclet.
	unwindMethodInfo codeman.MethodInfo
	// instructionFault marks a first frame stopped at a faulting instruction, whose
	// control PC is not a return address.
	instructionFault bool

	hijackedReturnValue     libpf.Address
	hijackedReturnValueKind codeman.GCRefKind

	conservativeLower libpf.Address
	conservativeUpper libpf.Address

	// nextExInfo is the oldest live exception above the current frame.
	nextExInfo   *ExInfo
	collidedWith *ExInfo

	// pendingFuncletFramePointer is the frame pointer of the last funclet unwound
	// by a walk collapsing funclets; collapsingTarget the frame pointer of the
	// activation whose remaining frames are skipped.
	pendingFuncletFramePointer libpf.Address
	collapsingTarget           libpf.Address
	// funcletRegs are the preserved register locations at the last funclet
	// invocation.
	funcletRegs regdisplay.PreservedSet

	stats Stats
}

func newIterator(thread *Thread, policy Policy) *Iterator {
	return &Iterator{
		thread: thread,
		rt:     thread.Runtime,
		policy: policy,
		rd:     regdisplay.New(thread.Runtime.ABI()),
	}
}

// NewFromTransitionFrame starts a GC or stack trace walk at the transition frame
// the thread saved when it left managed code. Thunks between the transition frame
// and the first managed frame are unwound. A zero frame yields an invalid iterator
// without error: the thread runs no managed code.
func NewFromTransitionFrame(thread *Thread, frame libpf.Address, policy Policy) *Iterator {
	it := newIterator(thread, policy)
	if policy.ApplyReturnAddressAdjustment {
		it.fail(fmt.Errorf("%w: return address adjustment from a transition frame",
			ErrInvalidPolicy))
		return it
	}
	if frame == 0 {
		return it
	}
	if err := it.initFromTransitionFrame(frame); err != nil {
		it.fail(err)
		return it
	}
	if err := it.yieldFrame(); err != nil {
		it.fail(err)
	}
	return it
}

// NewFromContext starts a walk at a captured LimitedContext. If the context is not
// stopped in managed code the iterator is invalid, without error.
func NewFromContext(thread *Thread, ctx libpf.Address, policy Policy) *Iterator {
	return newFromContext(thread, ctx, policy, false)
}

// NewForEH starts an exception dispatch walk at the context captured by a throw or
// fault. The control PC of a faulting instruction is reported unadjusted.
func NewForEH(thread *Thread, ctx libpf.Address, instructionFault bool) *Iterator {
	return newFromContext(thread, ctx, EHPolicy, instructionFault)
}

func newFromContext(thread *Thread, ctx libpf.Address, policy Policy,
	instructionFault bool) *Iterator {
	it := newIterator(thread, policy)
	if err := it.initFromContext(ctx); err != nil {
		it.fail(err)
		return it
	}
	if it.rt.FindCodeManagerByAddress(it.rd.IP) == nil {
		log.Debugf("Context %v of thread %d not stopped in managed code (ip %v)",
			ctx, thread.ID, it.rd.IP)
		return it
	}
	it.instructionFault = instructionFault
	if err := it.yieldFrame(); err != nil {
		it.fail(err)
	}
	return it
}

// initFromTransitionFrame loads the context of a transition frame and unwinds the
// thunks between it and managed code.
func (it *Iterator) initFromTransitionFrame(frame libpf.Address) error {
	it.resetFrameState()
	rd := regdisplay.New(it.rt.ABI())
	tf, err := rd.InitFromTransitionFrame(it.thread.Memory, frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptFrame, err)
	}
	it.rd = rd

	if tf.ReturnValueAddr != 0 {
		switch {
		case tf.Flags&regdisplay.TFReturnIsByRef != 0:
			it.hijackedReturnValue = tf.ReturnValueAddr
			it.hijackedReturnValueKind = codeman.GCRefByRef
		case tf.Flags&regdisplay.TFReturnIsGCRef != 0:
			it.hijackedReturnValue = tf.ReturnValueAddr
			it.hijackedReturnValueKind = codeman.GCRefObject
		}
	}

	category := it.rt.thunks.Classify(it.rd.IP)
	if thunks.IsNonEHThunk(category) {
		if err = it.unwindNonEHThunkSequence(); err != nil {
			return err
		}
		category = it.rt.thunks.Classify(it.rd.IP)
	}
	if category != thunks.OrdinaryManaged {
		return fmt.Errorf("%w: %s at %v", ErrUnexpectedThunk, category, it.rd.IP)
	}

	it.nextExInfo = nextLiveExInfo(it.thread.ExInfoHead)
	it.resetNextExInfoForSP(it.rd.SP)
	return nil
}

// initFromContext loads a LimitedContext.
func (it *Iterator) initFromContext(ctx libpf.Address) error {
	it.resetFrameState()
	rd := regdisplay.New(it.rt.ABI())
	if err := rd.InitFromLimitedContext(it.thread.Memory, ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptFrame, err)
	}
	it.rd = rd
	it.nextExInfo = nextLiveExInfo(it.thread.ExInfoHead)
	it.resetNextExInfoForSP(it.rd.SP)
	return nil
}

// resetFrameState drops everything known about the current frame.
func (it *Iterator) resetFrameState() {
	it.state = stateInvalid
	it.methodStateCalculated = false
	it.instructionFault = false
	it.controlPC = 0
	it.framePointer = 0
	it.hijackedReturnValue = 0
	it.hijackedReturnValueKind = codeman.GCRefScalar
	it.conservativeLower = 0
	it.conservativeUpper = 0
}

// resetNextExInfoForSP moves the exception chain cursor past all entries below sp.
func (it *Iterator) resetNextExInfoForSP(sp libpf.Address) {
	ex := nextLiveExInfo(it.nextExInfo)
	for ex != nil && sp > ex.StackPointer {
		ex = nextLiveExInfo(ex.Next)
	}
	it.nextExInfo = ex
}

func (it *Iterator) fail(err error) {
	it.resetFrameState()
	it.err = err
	log.Debugf("Stack walk of thread %d failed: %v", it.thread.ID, err)
}

// end terminates a walk that reached the end of the stack.
func (it *Iterator) end() {
	it.resetFrameState()
	log.Debugf("Stack walk of thread %d ended after %d frames", it.thread.ID, it.stats.Frames)
}

// UpdateFromExceptionDispatch positions the iterator on the frame the source
// iterator is on. The walk continues exactly as the source would. The iterator's
// policy, statistics and funclet state are kept, the control PC follows the
// iterator's own return address adjustment, and the preserved registers saved
// at the last funclet invocation replace the source's register locations.
func (it *Iterator) UpdateFromExceptionDispatch(src *Iterator) {
	if err := it.updateFromExceptionDispatch(src); err != nil {
		it.fail(err)
	}
}

func (it *Iterator) updateFromExceptionDispatch(src *Iterator) error {
	if src == nil || src.state != stateValid {
		return fmt.Errorf("%w: dispatch iterator not positioned on a frame", ErrCorruptFrame)
	}
	policy := it.policy
	stats := it.stats
	collapsingTarget := it.collapsingTarget
	funcletRegs := it.funcletRegs

	*it = *src

	it.policy = policy
	it.stats = stats
	it.collapsingTarget = collapsingTarget
	it.pendingFuncletFramePointer = 0
	it.collidedWith = nil
	it.err = nil
	if funcletRegs.Len() > 0 {
		it.rd.RestorePreserved(funcletRegs)
	}
	it.funcletRegs = regdisplay.PreservedSet{}
	if policy.ApplyReturnAddressAdjustment != src.policy.ApplyReturnAddressAdjustment {
		// The source's control PC was derived under the other adjustment rule.
		it.methodStateCalculated = false
		it.instructionFault = false
		if err := it.calculateMethodState(); err != nil {
			return err
		}
	}
	it.resetNextExInfoForSP(it.rd.SP)
	return nil
}

// calculateMethodState resolves the method and code offset of the current frame.
func (it *Iterator) calculateMethodState() error {
	if it.methodStateCalculated {
		return nil
	}
	pc := it.rd.IP
	if it.policy.ApplyReturnAddressAdjustment && !it.instructionFault {
		pc -= libpf.Address(it.rt.ABI().ReturnAddressAdjustment)
	}
	cm := it.rt.FindCodeManagerByAddress(pc)
	if cm == nil {
		return fmt.Errorf("%w: %v", ErrUnknownControlPC, pc)
	}
	mi, codeOffset, ok := cm.ResolveMethod(pc)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownControlPC, pc)
	}
	it.controlPC = pc
	it.cm = cm
	it.methodInfo = mi
	it.unwindMethodInfo = mi
	it.codeOffset = codeOffset
	it.framePointer = cm.FramePointer(&it.methodInfo, &it.rd)
	it.methodStateCalculated = true
	return nil
}

// yieldFrame makes the current frame the reported one.
func (it *Iterator) yieldFrame() error {
	if err := it.calculateMethodState(); err != nil {
		return err
	}
	return it.prepareToYieldFrame()
}

// prepareToYieldFrame remaps hardware faults and completes the conservative range
// of a method state already calculated.
func (it *Iterator) prepareToYieldFrame() error {
	if it.policy.RemapHardwareFaultsToSafePoint {
		it.remapHardwareFaultToGCSafePoint()
	}
	if it.conservativeLower != 0 {
		upper := it.cm.ConservativeUpperBoundForOutgoingArgs(&it.methodInfo, &it.rd)
		if upper < it.conservativeLower ||
			!it.thread.InStack(it.conservativeLower) || !it.thread.InStack(upper) {
			return fmt.Errorf("%w: conservative range [%v, %v) outside of stack",
				ErrCorruptFrame, it.conservativeLower, upper)
		}
		it.conservativeUpper = upper
		it.stats.ConservativeRanges++
	}
	it.state = stateValid
	it.stats.Frames++
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("Frame %s+0x%x pc %v sp %v fp %v", it.cm.MethodName(&it.methodInfo),
			it.codeOffset, it.controlPC, it.rd.SP, it.framePointer)
	}
	return nil
}

func (it *Iterator) mustBeValid() {
	if it.state != stateValid {
		panic(ErrNotValid)
	}
}

// IsValid reports whether the iterator is positioned on a frame.
func (it *Iterator) IsValid() bool {
	return it.state == stateValid
}

// IsCollisionPending reports whether the last advance crossed an exception
// dispatch that ResumeAfterCollision has yet to resolve.
func (it *Iterator) IsCollisionPending() bool {
	return it.state == stateCollisionPending
}

// Err returns the reason a walk failed. It is nil while the walk is valid and when
// it ended at the end of the stack.
func (it *Iterator) Err() error {
	return it.err
}

// Policy returns the walk policy.
func (it *Iterator) Policy() Policy {
	return it.policy
}

// Stats returns the counters of the walk so far.
func (it *Iterator) Stats() Stats {
	return it.stats
}

// Thread returns the walked thread.
func (it *Iterator) Thread() *Thread {
	return it.thread
}

// CalculateCurrentMethodState resolves the method state of the current frame. The
// state is resolved once per frame, further calls return immediately.
func (it *Iterator) CalculateCurrentMethodState() {
	it.mustBeValid()
	if err := it.calculateMethodState(); err != nil {
		it.fail(err)
	}
}

// CodeOffset returns the offset of the control PC into its method.
func (it *Iterator) CodeOffset() uint32 {
	it.mustBeValid()
	return it.codeOffset
}

// RegisterSet returns the register context of the current frame. It is updated in
// place by Next.
func (it *Iterator) RegisterSet() *regdisplay.RegDisplay {
	it.mustBeValid()
	return &it.rd
}

// CodeManager returns the code manager of the current frame.
func (it *Iterator) CodeManager() codeman.CodeManager {
	it.mustBeValid()
	return it.cm
}

// MethodInfo returns the method of the current frame.
func (it *Iterator) MethodInfo() *codeman.MethodInfo {
	it.mustBeValid()
	return &it.methodInfo
}

// ControlPC returns the PC the current frame is reported at.
func (it *Iterator) ControlPC() libpf.Address {
	it.mustBeValid()
	return it.controlPC
}

// FramePointer returns the establisher frame of the current activation.
func (it *Iterator) FramePointer() libpf.Address {
	it.mustBeValid()
	return it.framePointer
}

// HijackedReturnValueLocation returns the stack location of the return value
// register saved for the current frame when it was hijacked, and the kind of
// reference it holds.
func (it *Iterator) HijackedReturnValueLocation() (libpf.Address, codeman.GCRefKind, bool) {
	it.mustBeValid()
	if it.hijackedReturnValue == 0 {
		return 0, codeman.GCRefScalar, false
	}
	return it.hijackedReturnValue, it.hijackedReturnValueKind, true
}

// HasStackRangeToReportConservatively reports whether the current frame was
// called through a thunk whose outgoing arguments have no precise GC information.
func (it *Iterator) HasStackRangeToReportConservatively() bool {
	it.mustBeValid()
	return it.conservativeLower != 0
}

// StackRangeToReportConservatively returns the stack range [lower, upper) whose
// every aligned word must be reported as a potential interior reference.
func (it *Iterator) StackRangeToReportConservatively() (lower, upper libpf.Address) {
	it.mustBeValid()
	return it.conservativeLower, it.conservativeUpper
}

// String implements fmt.Stringer.
func (it *Iterator) String() string {
	switch it.state {
	case stateValid:
		return fmt.Sprintf("%s+0x%x (pc %v sp %v)", it.cm.MethodName(&it.methodInfo),
			it.codeOffset, it.controlPC, it.rd.SP)
	case stateCollisionPending:
		return fmt.Sprintf("collision pending at sp %v", it.rd.SP)
	}
	if it.err != nil {
		return fmt.Sprintf("invalid: %v", it.err)
	}
	return "invalid"
}
