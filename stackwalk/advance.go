// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/rtstackwalk/stackwalk"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/rtstackwalk/codeman"
	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/regdisplay"
	"go.opentelemetry.io/rtstackwalk/thunks"
)

// Next advances the iterator to the caller of the current frame. It panics if the
// iterator is invalid or a collision is pending.
func (it *Iterator) Next() Outcome {
	switch it.state {
	case stateCollisionPending:
		panic(ErrCollisionPending)
	case stateInvalid:
		panic(ErrNotValid)
	}
	return it.nextInternal(false)
}

// ResumeAfterCollision completes an advance that stopped at an exception dispatch.
// Depending on the state of the crossed dispatch the walk reloads the context of the
// throw, continues in the frame whose handler is running, or skips the frames of an
// activation whose funclet was already reported.
func (it *Iterator) ResumeAfterCollision() Outcome {
	if it.state != stateCollisionPending {
		panic(fmt.Errorf("%w: no collision pending", ErrNotValid))
	}
	return it.nextInternal(true)
}

func (it *Iterator) nextInternal(resume bool) Outcome {
	out := noOutcome()
	for {
		if resume {
			resume = false
			if err := it.handleExCollide(); err != nil {
				it.fail(err)
				return out
			}
		} else {
			end, err := it.unwindCurrentFrame(&out)
			if err != nil {
				it.fail(err)
				return out
			}
			if end {
				it.end()
				return out
			}
			if it.checkExCollide(&out) {
				return out
			}
		}

		if err := it.calculateMethodState(); err != nil {
			it.fail(err)
			return out
		}

		if it.collapsingTarget != 0 && it.framePointer == it.collapsingTarget {
			if !it.cm.IsFunclet(&it.methodInfo) {
				it.collapsingTarget = 0
			}
			log.Debugf("Collapsing %s of activation %v",
				it.cm.MethodName(&it.methodInfo), it.framePointer)
			continue
		}

		if err := it.prepareToYieldFrame(); err != nil {
			it.fail(err)
		}
		return out
	}
}

// checkExCollide stops the walk when it crossed the next live exception.
func (it *Iterator) checkExCollide(out *Outcome) bool {
	ex := it.nextExInfo
	if ex == nil || it.rd.SP <= ex.StackPointer {
		return false
	}
	it.state = stateCollisionPending
	it.collidedWith = ex
	out.Collided = true
	out.ExCollideClauseIdx = ex.CurClause
	out.CollidedWith = ex
	it.stats.Collisions++
	log.Debugf("Stack walk of thread %d collided with %s exception at %v (pass %d, clause %d)",
		it.thread.ID, ex.Kind, ex.StackPointer, ex.PassNumber, ex.CurClause)
	return true
}

// handleExCollide resolves a pending collision.
func (it *Iterator) handleExCollide() error {
	ex := it.collidedWith
	it.collidedWith = nil
	it.state = stateInvalid

	if ex.PassNumber == 1 || ex.CurClause == codeman.MaxTryRegionIdx {
		// The dispatch has not reached its handler yet: the frames between the
		// throw and the dispatcher are still live.
		if ex.Context != 0 {
			if err := it.initFromContext(ex.Context); err != nil {
				return err
			}
		}
		it.nextExInfo = nextLiveExInfo(ex.Next)
		it.resetNextExInfoForSP(it.rd.SP)
		return nil
	}

	if it.policy.CollapseFunclets {
		it.collapsingTarget = it.pendingFuncletFramePointer
	}
	it.pendingFuncletFramePointer = 0
	return it.updateFromExceptionDispatch(ex.FrameIter)
}

// unwindCurrentFrame replaces the context with that of the nearest managed caller.
// It reports true at the end of the stack.
func (it *Iterator) unwindCurrentFrame(out *Outcome) (bool, error) {
	mi := it.unwindMethodInfo
	cm := it.cm
	framePointer := it.framePointer
	prevSP := it.rd.SP
	it.resetFrameState()

	if it.policy.CollapseFunclets && cm.IsFunclet(&mi) {
		it.pendingFuncletFramePointer = framePointer
	}

	prevTF, err := cm.UnwindOneFrame(it.thread.Memory, &mi, &it.rd)
	if err != nil {
		if errors.Is(err, regdisplay.ErrStackEnd) {
			return true, nil
		}
		return false, fmt.Errorf("%w: %s: %w", ErrCorruptFrame, cm.MethodName(&mi), err)
	}

	if prevTF != 0 {
		out.UnwoundReversePInvoke = true
		it.stats.ReversePInvokeUnwinds++
		if prevTF == codeman.TopOfStackMarker {
			return true, nil
		}
		if err = it.initFromTransitionFrame(prevTF); err != nil {
			return false, err
		}
	} else {
		if it.rd.IP == 0 {
			return true, nil
		}
		if err = it.unwindThunks(); err != nil {
			return false, err
		}
	}

	if it.rd.SP <= prevSP {
		return false, fmt.Errorf("%w: stack pointer %v did not advance past %v",
			ErrCorruptFrame, it.rd.SP, prevSP)
	}
	return false, nil
}

// unwindThunks unwinds every runtime thunk between the current context and the
// next managed frame.
func (it *Iterator) unwindThunks() error {
	for {
		category := it.rt.thunks.Classify(it.rd.IP)
		var err error
		switch {
		case category == thunks.OrdinaryManaged:
			return nil
		case thunks.IsNonEHThunk(category):
			err = it.unwindNonEHThunkSequence()
		case category == thunks.FuncletInvokeThunk:
			err = it.unwindFuncletInvokeThunk()
		case category == thunks.ThrowSiteThunk:
			err = it.unwindThrowSiteThunk()
		default:
			err = fmt.Errorf("%w: %s at %v", ErrUnexpectedThunk, category, it.rd.IP)
		}
		if err != nil {
			return err
		}
	}
}

// unwindNonEHThunkSequence unwinds the thunks that call managed code from the
// runtime or from code without precise GC information. Thunks that hide outgoing
// arguments publish the lower bound of the range to report conservatively.
func (it *Iterator) unwindNonEHThunkSequence() error {
	mem := it.thread.Memory
	for {
		category := it.rt.thunks.Classify(it.rd.IP)
		if !thunks.IsNonEHThunk(category) {
			return nil
		}
		sp := it.rd.SP
		var lower libpf.Address
		var err error
		switch category {
		case thunks.ManagedCalloutThunk:
			lower = it.rd.SP
			var tf libpf.Address
			if tf, err = it.rd.ManagedCalloutTransitionFrame(mem); err == nil {
				_, err = it.rd.InitFromTransitionFrame(mem, tf)
			}
		case thunks.UniversalTransitionThunk:
			lower, err = it.rd.UnwindUniversalTransitionThunk(mem)
		case thunks.CallDescrThunk:
			err = it.rd.UnwindCallDescrThunk(mem)
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCorruptFrame, category, err)
		}
		if it.rd.SP <= sp {
			return fmt.Errorf("%w: %s did not advance the stack pointer", ErrCorruptFrame,
				category)
		}
		if lower != 0 && (it.conservativeLower == 0 || lower < it.conservativeLower) {
			it.conservativeLower = lower
		}
	}
}

// unwindFuncletInvokeThunk unwinds from a funclet into the exception dispatcher.
// The preserved registers of the funclet are kept: they are the registers of the
// funclet's parent activation.
func (it *Iterator) unwindFuncletInvokeThunk() error {
	it.funcletRegs = it.rd.SavePreserved()
	sp := it.rd.SP
	if err := it.rd.UnwindFuncletInvokeThunk(it.thread.Memory); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptFrame, err)
	}
	if it.rd.SP <= sp {
		return fmt.Errorf("%w: funclet invoke thunk did not advance the stack pointer",
			ErrCorruptFrame)
	}
	return nil
}

// unwindThrowSiteThunk reloads the context captured by a throw.
func (it *Iterator) unwindThrowSiteThunk() error {
	sp := it.rd.SP
	if _, err := it.rd.UnwindThrowSiteThunk(it.thread.Memory); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptFrame, err)
	}
	if it.rd.SP <= sp {
		return fmt.Errorf("%w: throw site thunk did not advance the stack pointer",
			ErrCorruptFrame)
	}
	return nil
}

// remapHardwareFaultToGCSafePoint moves the control PC of a frame stopped at a
// hardware fault to the GC safe point of the handler that will run for it.
func (it *Iterator) remapHardwareFaultToGCSafePoint() {
	for ex := it.thread.ExInfoHead; ex != nil; ex = ex.Next {
		if ex.Kind.IsSuperseded() || !ex.Kind.IsHardwareFault() {
			continue
		}
		ip, err := regdisplay.ContextIP(it.thread.Memory, ex.Context)
		if err != nil || ip != it.controlPC {
			continue
		}
		clauses := it.cm.EHClauses(&it.methodInfo)
		for i := range clauses {
			if clauses[i].ContainsCodeOffset(it.codeOffset) {
				it.updateStateForRemappedGCSafePoint(clauses[i].HandlerOffset)
				return
			}
		}
		if start, ok := it.cm.FuncletStartOffset(&it.methodInfo); ok {
			it.updateStateForRemappedGCSafePoint(start)
		}
		return
	}
}

func (it *Iterator) updateStateForRemappedGCSafePoint(handlerOffset uint32) {
	offs, ok := it.cm.FindNearestGCSafePointInHandler(&it.methodInfo, handlerOffset)
	if !ok {
		log.Debugf("No GC safe point in handler at 0x%x of %s", handlerOffset,
			it.cm.MethodName(&it.methodInfo))
		return
	}
	pc := it.methodInfo.Start + libpf.Address(offs)
	mi, codeOffset, ok := it.cm.ResolveMethod(pc)
	if !ok {
		return
	}
	log.Debugf("Remapped hardware fault at %v to safe point %v", it.controlPC, pc)
	it.controlPC = pc
	it.methodInfo = mi
	it.codeOffset = codeOffset
	it.stats.HardwareFaultRemaps++
}
