// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package regdisplay // import "go.opentelemetry.io/rtstackwalk/regdisplay"

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/rtstackwalk/libpf"
)

// Slot is one tracked register. Addr is the stack or context location the value was
// restored from, zero when the register has not been spilled since the walk started.
type Slot struct {
	Addr  libpf.Address
	Value libpf.Address
	Valid bool
}

// RegDisplay is the register context of the frame currently being walked. It is
// updated in place as frames are unwound. Copying the struct yields an independent
// context.
type RegDisplay struct {
	abi *ABI

	// SP is the stack pointer of the frame.
	SP libpf.Address
	// IP is the unadjusted instruction pointer (return address) of the frame.
	IP libpf.Address
	// AddrOfIP is where IP was loaded from, zero if it came from a register.
	AddrOfIP libpf.Address

	regs [MaxRegs]Slot
}

// New returns an empty register context for the given ABI.
func New(abi *ABI) RegDisplay {
	return RegDisplay{abi: abi}
}

// ABI returns the ABI the context belongs to.
func (rd *RegDisplay) ABI() *ABI {
	return rd.abi
}

// Reg returns the slot of a register. NoReg yields an invalid slot.
func (rd *RegDisplay) Reg(r Reg) Slot {
	if r < 0 || int(r) >= MaxRegs {
		return Slot{}
	}
	return rd.regs[r]
}

// SetReg replaces the slot of a register.
func (rd *RegDisplay) SetReg(r Reg, s Slot) {
	if r < 0 || int(r) >= MaxRegs {
		return
	}
	rd.regs[r] = s
}

// SetRegValue sets a register to a value that does not live in memory.
func (rd *RegDisplay) SetRegValue(r Reg, v libpf.Address) {
	rd.SetReg(r, Slot{Value: v, Valid: true})
}

// FP returns the frame pointer value.
func (rd *RegDisplay) FP() libpf.Address {
	return rd.regs[rd.abi.FP].Value
}

// PreservedSet is a saved copy of the preserved register slots.
type PreservedSet struct {
	slots [MaxRegs]Slot
	n     int
}

// Len returns the number of saved registers.
func (ps *PreservedSet) Len() int {
	return ps.n
}

// Slot returns the saved slot of a preserved register.
func (ps *PreservedSet) Slot(r Reg) Slot {
	if r < 0 || int(r) >= ps.n {
		return Slot{}
	}
	return ps.slots[r]
}

// SavePreserved captures the preserved register slots.
func (rd *RegDisplay) SavePreserved() PreservedSet {
	ps := PreservedSet{n: rd.abi.NumPreserved}
	copy(ps.slots[:ps.n], rd.regs[:ps.n])
	return ps
}

// RestorePreserved replaces the preserved register slots with a saved copy. An empty
// set leaves the context untouched.
func (rd *RegDisplay) RestorePreserved(ps PreservedSet) {
	copy(rd.regs[:ps.n], ps.slots[:ps.n])
}

// String implements fmt.Stringer.
func (rd *RegDisplay) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ip=%v sp=%v", rd.IP, rd.SP)
	if rd.abi == nil {
		return sb.String()
	}
	for i, name := range rd.abi.Registers {
		if s := rd.regs[i]; s.Valid {
			fmt.Fprintf(&sb, " %s=%v", name, s.Value)
		}
	}
	return sb.String()
}
