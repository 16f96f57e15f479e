// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package regdisplay // import "go.opentelemetry.io/rtstackwalk/regdisplay"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/rtstackwalk/libpf"
	sdtypes "go.opentelemetry.io/rtstackwalk/nativeunwind/stackdeltatypes"
	"go.opentelemetry.io/rtstackwalk/remotememory"
)

var (
	// ErrStackEnd is returned when unwinding the outermost frame of a stack.
	ErrStackEnd = errors.New("end of stack")
	// ErrInvalidUnwindInfo is returned for offsets without a usable unwind rule.
	ErrInvalidUnwindInfo = errors.New("invalid unwind info")
)

// SavedReg is a callee-saved register spilled at a CFA relative offset.
type SavedReg struct {
	Reg    Reg   `json:"reg"`
	Offset int32 `json:"offset"`
}

// FrameRule describes how to unwind one frame at a given code offset.
type FrameRule struct {
	Info  sdtypes.UnwindInfo
	Saved []SavedReg
}

// Unwind replaces the context with that of the caller according to rule. On error
// the context is left unchanged.
//
// The canonical frame address (CFA) is the caller's stack pointer. On ABIs pushing
// the return address it is stored in the word below the CFA. On link register ABIs
// it is either still held in the link register, or stored at CFA+FPParam with the
// caller's frame pointer in the word below it.
func (rd *RegDisplay) Unwind(mem remotememory.RemoteMemory, rule FrameRule) error {
	info := rule.Info
	if info.IsCommand() {
		if info.IsStop() {
			return ErrStackEnd
		}
		return ErrInvalidUnwindInfo
	}

	var cfa libpf.Address
	switch info.Opcode {
	case sdtypes.UnwindOpcodeBaseSP:
		cfa = rd.SP.Offset(int64(info.Param))
	case sdtypes.UnwindOpcodeBaseFP:
		cfa = rd.FP().Offset(int64(info.Param))
	default:
		return fmt.Errorf("%w: CFA opcode %d", ErrInvalidUnwindInfo, info.Opcode)
	}

	next := *rd
	ptrSize := int64(rd.abi.PointerSize)
	load := func(r Reg, addr libpf.Address) error {
		val, err := mem.PtrChecked(addr)
		if err != nil {
			return fmt.Errorf("failed to restore %s from %v: %w",
				rd.abi.RegName(r), addr, err)
		}
		next.regs[r] = Slot{Addr: addr, Value: val, Valid: true}
		return nil
	}

	for _, saved := range rule.Saved {
		if saved.Reg < 0 || int(saved.Reg) >= len(rd.abi.Registers) {
			return fmt.Errorf("%w: saved register %d", ErrInvalidUnwindInfo, saved.Reg)
		}
		if err := load(saved.Reg, cfa.Offset(int64(saved.Offset))); err != nil {
			return err
		}
	}

	if rd.abi.IsLinkRegister() {
		switch info.FPOpcode {
		case sdtypes.UnwindOpcodeBaseLR:
			lr := next.regs[rd.abi.LR]
			if !lr.Valid {
				return fmt.Errorf("%w: link register not available", ErrInvalidUnwindInfo)
			}
			next.IP = lr.Value
			next.AddrOfIP = lr.Addr
		case sdtypes.UnwindOpcodeBaseCFA:
			raAddr := cfa.Offset(int64(info.FPParam))
			if err := load(rd.abi.LR, raAddr); err != nil {
				return err
			}
			if err := load(rd.abi.FP, raAddr.Offset(-ptrSize)); err != nil {
				return err
			}
			next.IP = next.regs[rd.abi.LR].Value
			next.AddrOfIP = raAddr
		default:
			return fmt.Errorf("%w: return address opcode %d", ErrInvalidUnwindInfo, info.FPOpcode)
		}
	} else {
		raAddr := cfa.Offset(-ptrSize)
		ra, err := mem.PtrChecked(raAddr)
		if err != nil {
			return fmt.Errorf("failed to read return address at %v: %w", raAddr, err)
		}
		next.IP = ra
		next.AddrOfIP = raAddr
		if info.FPOpcode == sdtypes.UnwindOpcodeBaseCFA {
			if err := load(rd.abi.FP, cfa.Offset(int64(info.FPParam))); err != nil {
				return err
			}
		}
	}

	next.SP = cfa
	*rd = next
	return nil
}
