// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/rtstackwalk/codeman"
	"go.opentelemetry.io/rtstackwalk/internal/synthstack"
	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/regdisplay"
	"go.opentelemetry.io/rtstackwalk/stackwalk"
	"go.opentelemetry.io/rtstackwalk/thunks"
)

type callSiteFunc func(libpf.Address) bool

func (f callSiteFunc) IsCallSite(addr libpf.Address) bool {
	return f(addr)
}

func TestNewRuntime(t *testing.T) {
	st := scenario(t, synthstack.Simple, regdisplay.AMD64SysV)
	imgRange := st.Image.Range()

	tests := map[string]struct {
		cfg stackwalk.Config
		ok  bool
	}{
		"valid": {
			cfg: stackwalk.Config{
				ABI:        regdisplay.AMD64SysV,
				Thunks:     st.Thunks,
				CodeRanges: []stackwalk.CodeRange{{Range: imgRange, Manager: st.Image}},
			},
			ok: true,
		},
		"no abi": {
			cfg: stackwalk.Config{Thunks: st.Thunks},
		},
		"overlapping ranges": {
			cfg: stackwalk.Config{
				ABI:    regdisplay.AMD64SysV,
				Thunks: st.Thunks,
				CodeRanges: []stackwalk.CodeRange{
					{Range: imgRange, Manager: st.Image},
					{Range: libpf.AddressRange{Start: imgRange.Start + 0x10,
						End: imgRange.End + 0x10}, Manager: st.Image},
				},
			},
		},
		"range over thunks": {
			cfg: stackwalk.Config{
				ABI:    regdisplay.AMD64SysV,
				Thunks: st.Thunks,
				CodeRanges: []stackwalk.CodeRange{{Range: libpf.AddressRange{
					Start: synthstack.ThunkBase, End: synthstack.ThunkBase + 0x100,
				}, Manager: st.Image}},
			},
		},
		"thunk inside range": {
			cfg: stackwalk.Config{
				ABI:    regdisplay.AMD64SysV,
				Thunks: st.Thunks,
				CodeRanges: []stackwalk.CodeRange{
					{Range: imgRange, Manager: st.Image},
					{Range: libpf.AddressRange{
						Start: synthstack.ThunkBase - 0x100, End: synthstack.ThunkBase + 0x10,
					}, Manager: st.Image},
				},
			},
		},
		"no manager": {
			cfg: stackwalk.Config{
				ABI:        regdisplay.AMD64SysV,
				Thunks:     st.Thunks,
				CodeRanges: []stackwalk.CodeRange{{Range: imgRange}},
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			rt, err := stackwalk.NewRuntime(&tc.cfg)
			if !tc.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, codeman.CodeManager(st.Image),
				rt.FindCodeManagerByAddress(imgRange.Start))
			assert.Nil(t, rt.FindCodeManagerByAddress(imgRange.End))
			assert.Nil(t, rt.FindCodeManagerByAddress(synthstack.ThunkBase))
		})
	}
}

func TestIsValidReturnAddress(t *testing.T) {
	st := scenario(t, synthstack.Simple, regdisplay.ARM64)
	main := method(t, st, "Main")

	tests := map[string]struct {
		addr     libpf.Address
		valid    bool
		verified bool
	}{
		"managed":        {addr: main + 0x20, valid: true},
		"native":         {addr: synthstack.NativeReturnAddress},
		"zero":           {addr: 0},
		"callout thunk":  {addr: synthstack.ThunkReturnAddress(thunks.ManagedCalloutThunk), valid: true, verified: true},
		"funclet thunk":  {addr: synthstack.ThunkReturnAddress(thunks.FuncletInvokeThunk)},
		"throw thunk":    {addr: synthstack.ThunkReturnAddress(thunks.ThrowSiteThunk)},
		"universal":      {addr: synthstack.ThunkReturnAddress(thunks.UniversalTransitionThunk), valid: true, verified: true},
		"call descr":     {addr: synthstack.ThunkReturnAddress(thunks.CallDescrThunk), valid: true, verified: true},
		"past the image": {addr: st.Image.Range().End},
	}

	rejectAll, err := stackwalk.NewRuntime(&stackwalk.Config{
		ABI:        regdisplay.ARM64,
		Thunks:     st.Thunks,
		CodeRanges: st.Runtime.CodeRanges(),
		CallSites:  callSiteFunc(func(libpf.Address) bool { return false }),
	})
	require.NoError(t, err)

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.valid, st.Runtime.IsValidReturnAddress(tc.addr))
			assert.Equal(t, tc.verified, rejectAll.IsValidReturnAddress(tc.addr))
		})
	}
}

func TestValidateExInfoChain(t *testing.T) {
	tests := map[string]struct {
		tamper func(st *synthstack.Stack)
		ok     bool
	}{
		"valid": {
			tamper: func(*synthstack.Stack) {},
			ok:     true,
		},
		"empty": {
			tamper: func(st *synthstack.Stack) { st.Thread.ExInfoHead = nil },
			ok:     true,
		},
		"out of order": {
			tamper: func(st *synthstack.Stack) {
				older, newer := st.ExInfos[1], st.ExInfos[0]
				newer.Next = nil
				older.Next = newer
				st.Thread.ExInfoHead = older
			},
		},
		"bad pass": {
			tamper: func(st *synthstack.Stack) { st.ExInfos[1].PassNumber = 3 },
		},
		"outside of stack": {
			tamper: func(st *synthstack.Stack) {
				st.ExInfos[1].StackPointer = synthstack.StackHigh + 0x100
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			st := scenario(t, synthstack.NestedException, regdisplay.X86)
			tc.tamper(st)
			err := st.Thread.ValidateExInfoChain()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, stackwalk.ErrCorruptExInfoChain)
			}
		})
	}
}

func TestExKindString(t *testing.T) {
	assert.Equal(t, "throw", stackwalk.ExKindThrow.String())
	assert.Equal(t, "hardware-fault|superseded",
		(stackwalk.ExKindHardwareFault | stackwalk.ExKindSupersededFlag).String())
	assert.True(t, stackwalk.ExKindHardwareFault.IsHardwareFault())
	assert.False(t, stackwalk.ExKindThrow.IsSuperseded())
}
