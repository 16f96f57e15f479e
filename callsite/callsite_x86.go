// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callsite // import "go.opentelemetry.io/rtstackwalk/callsite"

// The filename ends with `_x86` instead of `_amd64`, so that the code
// can be taken into account regardless of the target build platform.

import "golang.org/x/arch/x86/x86asm"

// endsWithCallX86 reports whether code ends with a CALL instruction. x86 code
// cannot be decoded backwards, so every suffix long enough to hold a call is tried.
func endsWithCallX86(code []byte, mode int) bool {
	for n := 2; n <= len(code); n++ {
		inst, err := x86asm.Decode(code[len(code)-n:], mode)
		if err != nil {
			continue
		}
		if inst.Op == x86asm.CALL && inst.Len == n {
			return true
		}
	}
	return false
}
