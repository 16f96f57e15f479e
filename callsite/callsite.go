// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package callsite validates return addresses by decoding the instruction in front
// of them. A return address is only plausible if that instruction is a call.
package callsite // import "go.opentelemetry.io/rtstackwalk/callsite"

import (
	"fmt"

	lru "github.com/elastic/go-freelru"

	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/regdisplay"
	"go.opentelemetry.io/rtstackwalk/remotememory"
)

// verdictCacheSize is the number of return addresses whose verdict is cached.
const verdictCacheSize = 4096

// maxCallLength is the longest call instruction of any supported ABI.
const maxCallLength = 7

// Verifier decodes call instructions in a process' code. It implements
// stackwalk.CallSiteVerifier and is safe for concurrent use.
type Verifier struct {
	abi      *regdisplay.ABI
	mem      remotememory.RemoteMemory
	isCall   func(code []byte) bool
	verdicts *lru.SyncedLRU[libpf.Address, bool]
}

// New returns a verifier reading code through mem.
func New(abi *regdisplay.ABI, mem remotememory.RemoteMemory) (*Verifier, error) {
	isCall, err := decoderFor(abi)
	if err != nil {
		return nil, err
	}
	verdicts, err := lru.NewSynced[libpf.Address, bool](verdictCacheSize,
		libpf.Address.Hash32)
	if err != nil {
		return nil, err
	}
	return &Verifier{
		abi:      abi,
		mem:      mem,
		isCall:   isCall,
		verdicts: verdicts,
	}, nil
}

func decoderFor(abi *regdisplay.ABI) (func([]byte) bool, error) {
	switch abi {
	case regdisplay.AMD64Windows, regdisplay.AMD64SysV:
		return func(code []byte) bool { return endsWithCallX86(code, 64) }, nil
	case regdisplay.X86:
		return func(code []byte) bool { return endsWithCallX86(code, 32) }, nil
	case regdisplay.ARM64:
		return endsWithCallARM64, nil
	case regdisplay.ARM:
		return endsWithCallThumb, nil
	}
	return nil, fmt.Errorf("no call site decoder for ABI %s", abi)
}

// IsCallInstruction reports whether code ends with a call instruction of the ABI.
func IsCallInstruction(abi *regdisplay.ABI, code []byte) bool {
	isCall, err := decoderFor(abi)
	if err != nil {
		return false
	}
	return isCall(code)
}

// IsCallSite reports whether the instruction ending at returnAddress is a call.
func (v *Verifier) IsCallSite(returnAddress libpf.Address) bool {
	if verdict, ok := v.verdicts.Get(returnAddress); ok {
		return verdict
	}
	verdict := v.decode(returnAddress)
	v.verdicts.Add(returnAddress, verdict)
	return verdict
}

func (v *Verifier) decode(returnAddress libpf.Address) bool {
	// Code at the start of a mapping may not have maxCallLength bytes in front of
	// it. Shorten the window until it is readable.
	for n := maxCallLength; n >= 2; n-- {
		if returnAddress < libpf.Address(n) {
			continue
		}
		code := make([]byte, n)
		if err := v.mem.Read(returnAddress-libpf.Address(n), code); err != nil {
			continue
		}
		return v.isCall(code)
	}
	return false
}
