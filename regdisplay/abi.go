// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package regdisplay holds the register context of a frame being walked, and the ABI
// descriptions that define how registers are saved in the runtime's frame records.
// It is the only place that knows about architecture differences.
package regdisplay // import "go.opentelemetry.io/rtstackwalk/regdisplay"

import (
	"fmt"
	"runtime"
	"slices"
)

// Reg is the index of a register inside an ABI's register list.
type Reg int8

// NoReg is used for registers an ABI does not have (e.g. the link register on x86).
const NoReg Reg = -1

// MaxRegs is the upper bound of tracked registers of any supported ABI.
const MaxRegs = 16

// ABI describes one target architecture and calling convention. It is selected once
// and shared read-only by all walks.
type ABI struct {
	// Name is the unique ABI identifier, e.g. "amd64-sysv".
	Name string
	// PointerSize is the native word size in bytes.
	PointerSize uint
	// StackAlignment is the required stack pointer alignment at call sites.
	StackAlignment uint
	// Registers lists all tracked register names. The first NumPreserved entries are
	// the callee-saved registers in the order the runtime's frame records store them.
	Registers    []string
	NumPreserved int
	// FP is the frame pointer register. It is always one of the preserved registers.
	FP Reg
	// LR is the link register, or NoReg on ABIs pushing the return address.
	LR Reg
	// ReturnValue is the integer return value register, saved by hijack frames.
	ReturnValue Reg
	// ReturnAddressAdjustment is subtracted from a return address to land inside
	// the calling instruction.
	ReturnAddressAdjustment uint
	// OutgoingArgScratch is the callee scratch area every thunk frame starts with
	// (Windows x64 shadow space).
	OutgoingArgScratch uint

	// Thunks describes the frame layouts of the runtime's assembly thunks.
	Thunks ThunkLayout
}

// ThunkLayout describes the stack frames the runtime's assembly thunks build. All
// offsets are in bytes.
type ThunkLayout struct {
	// ExInfoSize is the size of the exception info area in the throw site thunk
	// frame. The captured LimitedContext follows it.
	ExInfoSize uint
	// FuncletPadding is the space between the scratch area and the preserved
	// registers saved by the funclet invoke thunk.
	FuncletPadding uint
	// ManagedCalloutTransitionFrameOffset is the FP relative location of the saved
	// transition frame pointer in the managed callout thunk frame.
	ManagedCalloutTransitionFrameOffset int32
	// UniversalArgBlockOffset is the SP relative start of the spilled argument
	// registers in the universal transition frame.
	UniversalArgBlockOffset uint
	// UniversalSavedFPOffset is the SP relative location of the saved frame
	// pointer in the universal transition frame, or -1 if it is not saved.
	UniversalSavedFPOffset int32
	// UniversalReturnAddressOffset is the SP relative location of the pushed caller IP.
	UniversalReturnAddressOffset uint
	// UniversalFrameSize is the distance from the thunk's SP to the caller's SP.
	UniversalFrameSize uint
	// CallDescrRegs are the registers saved in the call descriptor context, in
	// storage order. The saved IP follows them. The frame pointer value of the thunk
	// points at its own save slot.
	CallDescrRegs []Reg
}

// IsLinkRegister reports whether the ABI passes return addresses in a register.
func (abi *ABI) IsLinkRegister() bool {
	return abi.LR != NoReg
}

// RegByName resolves a register name into its index.
func (abi *ABI) RegByName(name string) (Reg, bool) {
	idx := slices.Index(abi.Registers, name)
	if idx < 0 {
		return NoReg, false
	}
	return Reg(idx), true
}

// RegName returns the name of a register.
func (abi *ABI) RegName(r Reg) string {
	if r < 0 || int(r) >= len(abi.Registers) {
		return fmt.Sprintf("reg%d", r)
	}
	return abi.Registers[r]
}

// Preserved returns the preserved registers in frame record order.
func (abi *ABI) Preserved() []Reg {
	regs := make([]Reg, abi.NumPreserved)
	for i := range regs {
		regs[i] = Reg(i)
	}
	return regs
}

// LimitedContextSize is the size of a LimitedContext record: IP, SP, the preserved
// registers, the link register if any and the return value register.
func (abi *ABI) LimitedContextSize() uint {
	n := 2 + abi.NumPreserved + 1
	if abi.IsLinkRegister() {
		n++
	}
	return uint(n) * abi.PointerSize
}

// String implements fmt.Stringer.
func (abi *ABI) String() string {
	return abi.Name
}

func (abi *ABI) validate() error {
	if len(abi.Registers) > MaxRegs {
		return fmt.Errorf("ABI %s tracks %d registers, more than %d",
			abi.Name, len(abi.Registers), MaxRegs)
	}
	if abi.FP < 0 || int(abi.FP) >= abi.NumPreserved {
		return fmt.Errorf("ABI %s frame pointer is not a preserved register", abi.Name)
	}
	if !slices.Contains(abi.Thunks.CallDescrRegs, abi.FP) {
		return fmt.Errorf("ABI %s call descriptor context does not save the frame pointer",
			abi.Name)
	}
	return nil
}

var (
	// AMD64Windows is the Microsoft x64 calling convention.
	AMD64Windows = &ABI{
		Name:           "amd64-windows",
		PointerSize:    8,
		StackAlignment: 16,
		Registers: []string{"rbp", "rdi", "rsi", "rbx", "r12", "r13", "r14", "r15",
			"rax"},
		NumPreserved:            8,
		FP:                      0,
		LR:                      NoReg,
		ReturnValue:             8,
		ReturnAddressAdjustment: 1,
		OutgoingArgScratch:      0x20,
		Thunks: ThunkLayout{
			ExInfoSize:                          0x100,
			FuncletPadding:                      0x8,
			ManagedCalloutTransitionFrameOffset: -0x10,
			UniversalArgBlockOffset:             0x20,
			UniversalSavedFPOffset:              0x80,
			UniversalReturnAddressOffset:        0x88,
			UniversalFrameSize:                  0x90,
			CallDescrRegs:                       []Reg{0, 2, 3},
		},
	}

	// AMD64SysV is the System V x86-64 calling convention.
	AMD64SysV = &ABI{
		Name:                    "amd64-sysv",
		PointerSize:             8,
		StackAlignment:          16,
		Registers:               []string{"rbp", "rbx", "r12", "r13", "r14", "r15", "rax"},
		NumPreserved:            6,
		FP:                      0,
		LR:                      NoReg,
		ReturnValue:             6,
		ReturnAddressAdjustment: 1,
		Thunks: ThunkLayout{
			ExInfoSize:                          0x100,
			FuncletPadding:                      0x8,
			ManagedCalloutTransitionFrameOffset: -0x10,
			UniversalArgBlockOffset:             0x0,
			UniversalSavedFPOffset:              0x30,
			UniversalReturnAddressOffset:        0x38,
			UniversalFrameSize:                  0x40,
			CallDescrRegs:                       []Reg{0, 1},
		},
	}

	// X86 is the 32-bit x86 runtime calling convention.
	X86 = &ABI{
		Name:                    "x86",
		PointerSize:             4,
		StackAlignment:          4,
		Registers:               []string{"ebp", "edi", "esi", "ebx", "eax"},
		NumPreserved:            4,
		FP:                      0,
		LR:                      NoReg,
		ReturnValue:             4,
		ReturnAddressAdjustment: 1,
		Thunks: ThunkLayout{
			ExInfoSize:                          0x80,
			FuncletPadding:                      0x4,
			ManagedCalloutTransitionFrameOffset: -0x8,
			UniversalArgBlockOffset:             0x0,
			UniversalSavedFPOffset:              0x8,
			UniversalReturnAddressOffset:        0xc,
			UniversalFrameSize:                  0x10,
			CallDescrRegs:                       []Reg{0, 2, 3},
		},
	}

	// ARM is the 32-bit ARM (Thumb-2) calling convention.
	ARM = &ABI{
		Name:                    "arm",
		PointerSize:             4,
		StackAlignment:          8,
		Registers:               []string{"r4", "r5", "r6", "r7", "r8", "r9", "r10", "r11", "lr", "r0"},
		NumPreserved:            8,
		// r7 is the frame pointer in Thumb-2 code.
		FP:                      3,
		LR:                      8,
		ReturnValue:             9,
		ReturnAddressAdjustment: 2,
		Thunks: ThunkLayout{
			ExInfoSize:                          0x80,
			FuncletPadding:                      0x4,
			ManagedCalloutTransitionFrameOffset: -0x4,
			UniversalArgBlockOffset:             0x0,
			UniversalSavedFPOffset:              0x10,
			UniversalReturnAddressOffset:        0x14,
			UniversalFrameSize:                  0x18,
			CallDescrRegs:                       []Reg{0, 1, 3},
		},
	}

	// ARM64 is the AArch64 calling convention.
	ARM64 = &ABI{
		Name:           "arm64",
		PointerSize:    8,
		StackAlignment: 16,
		Registers: []string{"x19", "x20", "x21", "x22", "x23", "x24", "x25", "x26",
			"x27", "x28", "fp", "lr", "x0"},
		NumPreserved:            11,
		FP:                      10,
		LR:                      11,
		ReturnValue:             12,
		ReturnAddressAdjustment: 4,
		Thunks: ThunkLayout{
			ExInfoSize:                          0x100,
			FuncletPadding:                      0x8,
			ManagedCalloutTransitionFrameOffset: -0x8,
			UniversalArgBlockOffset:             0x10,
			UniversalSavedFPOffset:              0x0,
			UniversalReturnAddressOffset:        0x8,
			UniversalFrameSize:                  0x90,
			CallDescrRegs:                       []Reg{10, 0, 1},
		},
	}

	abis = []*ABI{AMD64Windows, AMD64SysV, X86, ARM, ARM64}
)

func init() {
	for _, abi := range abis {
		if err := abi.validate(); err != nil {
			panic(err)
		}
	}
}

// All returns the supported ABIs.
func All() []*ABI {
	return slices.Clone(abis)
}

// Lookup returns the ABI with the given name.
func Lookup(name string) (*ABI, error) {
	for _, abi := range abis {
		if abi.Name == name {
			return abi, nil
		}
	}
	return nil, fmt.Errorf("unsupported ABI %q", name)
}

// HostABI returns the ABI of the running process.
func HostABI() (*ABI, error) {
	switch runtime.GOARCH {
	case "amd64":
		if runtime.GOOS == "windows" {
			return AMD64Windows, nil
		}
		return AMD64SysV, nil
	case "386":
		return X86, nil
	case "arm":
		return ARM, nil
	case "arm64":
		return ARM64, nil
	}
	return nil, fmt.Errorf("unsupported architecture %s/%s", runtime.GOOS, runtime.GOARCH)
}
