// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callsite // import "go.opentelemetry.io/rtstackwalk/callsite"

import "encoding/binary"

// endsWithCallThumb recognizes the Thumb-2 calls: BL and BLX with an immediate
// (32 bits), and BLX with a register (16 bits).
func endsWithCallThumb(code []byte) bool {
	if len(code) < 2 {
		return false
	}
	last := binary.LittleEndian.Uint16(code[len(code)-2:])
	if last&0xff87 == 0x4780 {
		return true
	}
	if len(code) < 4 {
		return false
	}
	first := binary.LittleEndian.Uint16(code[len(code)-4:])
	if first&0xf800 != 0xf000 {
		return false
	}
	// BL has bits 14 and 12 set, BLX immediate only bit 14.
	return last&0xd000 == 0xd000 || last&0xd001 == 0xc000
}
