// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package regdisplay // import "go.opentelemetry.io/rtstackwalk/regdisplay"

import (
	"fmt"
	"math/bits"

	"go.opentelemetry.io/rtstackwalk/libpf"
	npsr "go.opentelemetry.io/rtstackwalk/nopanicslicereader"
	"go.opentelemetry.io/rtstackwalk/remotememory"
)

// Transition frame flags. The low 16 bits select which preserved registers (by ABI
// index) are saved in the frame record. The frame pointer is always saved in the
// record header, so its bit is ignored.
const (
	TFPreservedMask   uint64 = 0xffff
	TFSaveSP          uint64 = 1 << 16
	TFSaveReturnValue uint64 = 1 << 17
	TFReturnIsGCRef   uint64 = 1 << 18
	TFReturnIsByRef   uint64 = 1 << 19
)

// transitionFrameHeaderWords is IP, FP, thread and flags.
const transitionFrameHeaderWords = 4

// TransitionFrame is the decoded header of a transition frame record.
type TransitionFrame struct {
	Addr   libpf.Address
	Thread libpf.Address
	Flags  uint64
	// ReturnValueAddr is the location of the saved return value register, zero
	// unless TFSaveReturnValue is set.
	ReturnValueAddr libpf.Address
}

// TransitionFrameSize returns the size of a transition frame record with the given flags.
func (abi *ABI) TransitionFrameSize(flags uint64) uint {
	words := transitionFrameHeaderWords + abi.transitionFrameRegCount(flags)
	if flags&TFSaveSP != 0 {
		words++
	}
	if flags&TFSaveReturnValue != 0 {
		words++
	}
	return uint(words) * abi.PointerSize
}

func (abi *ABI) transitionFrameRegCount(flags uint64) int {
	mask := flags & TFPreservedMask &^ (1 << uint(abi.FP))
	mask &= (1 << uint(abi.NumPreserved)) - 1
	return bits.OnesCount64(mask)
}

// InitFromTransitionFrame loads the context saved in a transition frame record.
// Without TFSaveSP the stack pointer is the address right after the record.
func (rd *RegDisplay) InitFromTransitionFrame(mem remotememory.RemoteMemory,
	addr libpf.Address) (TransitionFrame, error) {
	abi := rd.abi
	ptrSize := abi.PointerSize
	hdr := make([]byte, transitionFrameHeaderWords*ptrSize)
	if err := mem.Read(addr, hdr); err != nil {
		return TransitionFrame{}, fmt.Errorf("failed to read transition frame at %v: %w",
			addr, err)
	}
	tf := TransitionFrame{
		Addr:   addr,
		Thread: npsr.PtrSized(hdr, 2*ptrSize, ptrSize),
		Flags:  uint64(npsr.PtrSized(hdr, 3*ptrSize, ptrSize)),
	}
	size := abi.TransitionFrameSize(tf.Flags)
	rec := make([]byte, size)
	if err := mem.Read(addr, rec); err != nil {
		return TransitionFrame{}, fmt.Errorf("failed to read transition frame at %v: %w",
			addr, err)
	}

	next := New(abi)
	next.IP = npsr.PtrSized(rec, 0, ptrSize)
	next.AddrOfIP = addr
	next.regs[abi.FP] = Slot{
		Addr:  addr + libpf.Address(ptrSize),
		Value: npsr.PtrSized(rec, ptrSize, ptrSize),
		Valid: true,
	}
	offs := transitionFrameHeaderWords * ptrSize
	for i := range abi.NumPreserved {
		if Reg(i) == abi.FP || tf.Flags&(1<<uint(i)) == 0 {
			continue
		}
		next.regs[i] = Slot{
			Addr:  addr + libpf.Address(offs),
			Value: npsr.PtrSized(rec, offs, ptrSize),
			Valid: true,
		}
		offs += ptrSize
	}
	next.SP = addr + libpf.Address(size)
	if tf.Flags&TFSaveSP != 0 {
		next.SP = npsr.PtrSized(rec, offs, ptrSize)
		offs += ptrSize
	}
	if tf.Flags&TFSaveReturnValue != 0 {
		tf.ReturnValueAddr = addr + libpf.Address(offs)
		next.regs[abi.ReturnValue] = Slot{
			Addr:  tf.ReturnValueAddr,
			Value: npsr.PtrSized(rec, offs, ptrSize),
			Valid: true,
		}
	}
	*rd = next
	return tf, nil
}

// InitFromLimitedContext loads the context captured in a LimitedContext record:
// IP, SP, the preserved registers, the link register if any and the return value
// register.
func (rd *RegDisplay) InitFromLimitedContext(mem remotememory.RemoteMemory,
	addr libpf.Address) error {
	abi := rd.abi
	ptrSize := abi.PointerSize
	rec := make([]byte, abi.LimitedContextSize())
	if err := mem.Read(addr, rec); err != nil {
		return fmt.Errorf("failed to read limited context at %v: %w", addr, err)
	}

	next := New(abi)
	next.IP = npsr.PtrSized(rec, 0, ptrSize)
	next.AddrOfIP = addr
	next.SP = npsr.PtrSized(rec, ptrSize, ptrSize)
	slot := func(offs uint) Slot {
		return Slot{
			Addr:  addr + libpf.Address(offs),
			Value: npsr.PtrSized(rec, offs, ptrSize),
			Valid: true,
		}
	}
	offs := 2 * ptrSize
	for i := range abi.NumPreserved {
		next.regs[i] = slot(offs)
		offs += ptrSize
	}
	if abi.IsLinkRegister() {
		next.regs[abi.LR] = slot(offs)
		offs += ptrSize
	}
	next.regs[abi.ReturnValue] = slot(offs)
	*rd = next
	return nil
}

// ContextIP reads the IP stored in a LimitedContext record.
func ContextIP(mem remotememory.RemoteMemory, addr libpf.Address) (libpf.Address, error) {
	return mem.PtrChecked(addr)
}

// ThrowSiteContext returns the location of the LimitedContext captured by the
// throw site thunk whose frame starts at the current SP.
func (rd *RegDisplay) ThrowSiteContext() libpf.Address {
	return rd.SP + libpf.Address(rd.abi.OutgoingArgScratch+rd.abi.Thunks.ExInfoSize)
}

// ThrowSiteExInfo returns the location of the exception info area of the throw
// site thunk whose frame starts at the current SP.
func (rd *RegDisplay) ThrowSiteExInfo() libpf.Address {
	return rd.SP + libpf.Address(rd.abi.OutgoingArgScratch)
}

// UnwindThrowSiteThunk unwinds through the throw site thunk by loading the context
// it captured. It returns the context location.
func (rd *RegDisplay) UnwindThrowSiteThunk(mem remotememory.RemoteMemory) (libpf.Address, error) {
	ctx := rd.ThrowSiteContext()
	if err := rd.InitFromLimitedContext(mem, ctx); err != nil {
		return 0, err
	}
	return ctx, nil
}

// FuncletThunkFrameSize returns the size of the funclet invoke thunk frame.
func (abi *ABI) FuncletThunkFrameSize() uint {
	return abi.OutgoingArgScratch + abi.Thunks.FuncletPadding +
		uint(abi.NumPreserved+1)*abi.PointerSize
}

// UnwindFuncletInvokeThunk unwinds through the funclet invoke thunk, which saves
// every preserved register and then returns to the exception dispatcher.
func (rd *RegDisplay) UnwindFuncletInvokeThunk(mem remotememory.RemoteMemory) error {
	abi := rd.abi
	ptrSize := abi.PointerSize
	base := rd.SP + libpf.Address(abi.OutgoingArgScratch+abi.Thunks.FuncletPadding)
	rec := make([]byte, uint(abi.NumPreserved+1)*ptrSize)
	if err := mem.Read(base, rec); err != nil {
		return fmt.Errorf("failed to read funclet invoke frame at %v: %w", base, err)
	}

	next := *rd
	offs := uint(0)
	for i := range abi.NumPreserved {
		next.regs[i] = Slot{
			Addr:  base + libpf.Address(offs),
			Value: npsr.PtrSized(rec, offs, ptrSize),
			Valid: true,
		}
		offs += ptrSize
	}
	next.IP = npsr.PtrSized(rec, offs, ptrSize)
	next.AddrOfIP = base + libpf.Address(offs)
	next.SP = next.AddrOfIP + libpf.Address(ptrSize)
	*rd = next
	return nil
}

// ManagedCalloutTransitionFrame returns the transition frame saved by the managed
// callout thunk. The thunk is a frame pointer frame, and the current FP is its own.
func (rd *RegDisplay) ManagedCalloutTransitionFrame(mem remotememory.RemoteMemory) (
	libpf.Address, error) {
	slot := rd.FP().Offset(int64(rd.abi.Thunks.ManagedCalloutTransitionFrameOffset))
	tf, err := mem.PtrChecked(slot)
	if err != nil {
		return 0, fmt.Errorf("failed to read callout transition frame at %v: %w", slot, err)
	}
	if tf == 0 {
		return 0, fmt.Errorf("managed callout thunk at %v has no transition frame", slot)
	}
	return tf, nil
}

// UnwindUniversalTransitionThunk unwinds through the universal transition thunk.
// It returns the start of the spilled argument block, the lower bound of the
// stack range that must be reported conservatively.
func (rd *RegDisplay) UnwindUniversalTransitionThunk(mem remotememory.RemoteMemory) (
	libpf.Address, error) {
	abi := rd.abi
	ptrSize := abi.PointerSize
	lt := abi.Thunks
	rec := make([]byte, lt.UniversalFrameSize)
	if err := mem.Read(rd.SP, rec); err != nil {
		return 0, fmt.Errorf("failed to read universal transition frame at %v: %w", rd.SP, err)
	}

	next := *rd
	if lt.UniversalSavedFPOffset >= 0 {
		offs := uint(lt.UniversalSavedFPOffset)
		next.regs[abi.FP] = Slot{
			Addr:  rd.SP + libpf.Address(offs),
			Value: npsr.PtrSized(rec, offs, ptrSize),
			Valid: true,
		}
	}
	next.AddrOfIP = rd.SP + libpf.Address(lt.UniversalReturnAddressOffset)
	next.IP = npsr.PtrSized(rec, lt.UniversalReturnAddressOffset, ptrSize)
	next.SP = rd.SP + libpf.Address(lt.UniversalFrameSize)
	lowerBound := rd.SP + libpf.Address(lt.UniversalArgBlockOffset)
	*rd = next
	return lowerBound, nil
}

// UnwindCallDescrThunk unwinds through the call descriptor thunk. The thunk's frame
// pointer points at the frame pointer save slot of its context; the saved registers
// and the return address surround it, and the caller's SP follows the context.
func (rd *RegDisplay) UnwindCallDescrThunk(mem remotememory.RemoteMemory) error {
	abi := rd.abi
	ptrSize := abi.PointerSize
	regs := abi.Thunks.CallDescrRegs
	fpIdx := 0
	for i, r := range regs {
		if r == abi.FP {
			fpIdx = i
		}
	}
	base := rd.FP() - libpf.Address(uint(fpIdx)*ptrSize)
	rec := make([]byte, uint(len(regs)+1)*ptrSize)
	if err := mem.Read(base, rec); err != nil {
		return fmt.Errorf("failed to read call descriptor context at %v: %w", base, err)
	}

	next := *rd
	offs := uint(0)
	for _, r := range regs {
		next.regs[r] = Slot{
			Addr:  base + libpf.Address(offs),
			Value: npsr.PtrSized(rec, offs, ptrSize),
			Valid: true,
		}
		offs += ptrSize
	}
	next.IP = npsr.PtrSized(rec, offs, ptrSize)
	next.AddrOfIP = base + libpf.Address(offs)
	next.SP = next.AddrOfIP + libpf.Address(ptrSize)
	*rd = next
	return nil
}
