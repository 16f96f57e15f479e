// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package synthstack // import "go.opentelemetry.io/rtstackwalk/internal/synthstack"

import (
	"encoding/binary"

	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/regdisplay"
)

func putPtr(buf []byte, v libpf.Address, ptrSize uint) {
	if ptrSize == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(buf, uint64(v))
}

// code returns the machine code of the image: no-ops, with a call instruction
// ending at every recorded return address. The call targets are irrelevant.
func (b *Builder) code() []byte {
	code := make([]byte, len(b.methods)*int(MethodSize))
	switch b.abi {
	case regdisplay.ARM64:
		for i := 0; i+4 <= len(code); i += 4 {
			binary.LittleEndian.PutUint32(code[i:], 0xd503201f)
		}
	case regdisplay.ARM:
		for i := 0; i+2 <= len(code); i += 2 {
			binary.LittleEndian.PutUint16(code[i:], 0xbf00)
		}
	default:
		for i := range code {
			code[i] = 0x90
		}
	}

	for _, ra := range b.callSites {
		offs := int(ra - CodeBase)
		switch b.abi {
		case regdisplay.ARM64:
			if offs < 4 || offs > len(code) {
				continue
			}
			insn := ra - 4
			disp := (int64(ThunkBase) - int64(insn)) >> 2
			binary.LittleEndian.PutUint32(code[offs-4:], 0x94000000|uint32(disp)&0x03ffffff)
		case regdisplay.ARM:
			if offs < 4 || offs > len(code) {
				continue
			}
			// Thumb-2 BL with a zero displacement.
			binary.LittleEndian.PutUint16(code[offs-4:], 0xf000)
			binary.LittleEndian.PutUint16(code[offs-2:], 0xf800)
		default:
			if offs < 5 || offs > len(code) {
				continue
			}
			code[offs-5] = 0xe8
			rel := int64(ThunkBase) - int64(ra)
			binary.LittleEndian.PutUint32(code[offs-4:], uint32(int32(rel)))
		}
	}
	return code
}
