// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callsite // import "go.opentelemetry.io/rtstackwalk/callsite"

import aa "golang.org/x/arch/arm64/arm64asm"

func endsWithCallARM64(code []byte) bool {
	if len(code) < 4 {
		return false
	}
	inst, err := aa.Decode(code[len(code)-4:])
	if err != nil {
		return false
	}
	switch inst.Op {
	case aa.BL, aa.BLR:
		return true
	}
	return false
}
