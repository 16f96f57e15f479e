// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package gcroots_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/rtstackwalk/codeimage"
	"go.opentelemetry.io/rtstackwalk/codeman"
	"go.opentelemetry.io/rtstackwalk/gcroots"
	"go.opentelemetry.io/rtstackwalk/internal/synthstack"
	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/regdisplay"
	"go.opentelemetry.io/rtstackwalk/stackwalk"
)

func build(t *testing.T, abi *regdisplay.ABI, fn func(b *synthstack.Builder)) *synthstack.Stack {
	t.Helper()
	b := synthstack.New(abi)
	fn(b)
	st, err := b.Build()
	require.NoError(t, err)
	return st
}

func collect(t *testing.T, thread *stackwalk.Thread) ([]gcroots.Root, gcroots.Result, error) {
	t.Helper()
	var roots []gcroots.Root
	res, err := gcroots.EnumerateThread(thread, func(r gcroots.Root) {
		roots = append(roots, r)
	})
	return roots, res, err
}

func TestFrameRoots(t *testing.T) {
	abi := regdisplay.AMD64SysV
	rbx, ok := abi.RegByName("rbx")
	require.True(t, ok)

	var tf libpf.Address
	st := build(t, abi, func(b *synthstack.Builder) {
		b.Method(synthstack.MethodSpec{Name: "Main", GCSlots: []codeimage.GCSlot{
			{
				Base:   codeimage.GCBaseFP,
				Offset: -8,
				Kind:   codeman.GCRefObject,
				Live:   codeimage.OffsetRange{Start: 0x10, End: 0x30},
			},
			{
				Base:  codeimage.GCBaseReg,
				Reg:   "rbx",
				Kind:  codeman.GCRefByRef,
				Flags: codeman.GCSlotInterior,
				Live:  codeimage.OffsetRange{Start: 0x10, End: 0x30},
			},
			{
				// Dead at the call site.
				Base:   codeimage.GCBaseFP,
				Offset: -16,
				Kind:   codeman.GCRefObject,
				Live:   codeimage.OffsetRange{Start: 0x40, End: 0x80},
			},
		}})
		b.Method(synthstack.MethodSpec{Name: "Worker"})
		b.Method(synthstack.MethodSpec{Name: "Leaf"})
		b.Call("Main", 0)
		b.Call("Worker", 0x20)
		b.Call("Leaf", 0x30)
		tf = b.TransitionFrame(0x40, regdisplay.TFSaveSP|1<<uint(rbx))
	})

	roots, res, err := collect(t, st.Thread)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Frames)
	assert.Equal(t, 2, res.Precise)
	assert.Zero(t, res.Conservative)
	assert.Equal(t, uint64(3), res.Stats.Frames)

	mainFrame, _ := st.Frame("Main")
	m, ok := st.Image.MethodByName("Main")
	require.True(t, ok)
	assert.Equal(t, []gcroots.Root{
		{
			Addr:      mainFrame.FP - 8,
			Kind:      codeman.GCRefObject,
			Source:    gcroots.SourceFrame,
			ControlPC: m.Start + 0x20,
		},
		{
			// The register was saved by the transition frame, after its header.
			Addr:      tf + 4*8,
			Kind:      codeman.GCRefByRef,
			Flags:     codeman.GCSlotInterior,
			Source:    gcroots.SourceFrame,
			ControlPC: m.Start + 0x20,
		},
	}, roots)
}

func TestRegisterOnlyInCPU(t *testing.T) {
	// Without the register in the transition frame only the frame slot is reported.
	st, err := synthstack.Simple(regdisplay.AMD64SysV)
	require.NoError(t, err)
	roots, res, err := collect(t, st.Thread)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, 1, res.Precise)

	mainFrame, _ := st.Frame("Main")
	assert.Equal(t, mainFrame.FP-8, roots[0].Addr)
}

func TestConservativeRoots(t *testing.T) {
	for _, abi := range regdisplay.All() {
		t.Run(abi.Name, func(t *testing.T) {
			st, err := synthstack.Callout(abi)
			require.NoError(t, err)
			roots, res, err := collect(t, st.Thread)
			require.NoError(t, err)

			p := libpf.Address(abi.PointerSize)
			callee, _ := st.Frame("Callee")
			caller, _ := st.Frame("Caller")
			lower, upper := callee.SP+6*p, caller.SP+4*p
			assert.Equal(t, int((upper-lower)/p), res.Conservative)
			assert.Equal(t, uint64(1), res.Stats.ConservativeRanges)

			n := 0
			for _, r := range roots {
				if r.Source != gcroots.SourceConservative {
					continue
				}
				assert.Equal(t, lower+libpf.Address(n)*p, r.Addr)
				assert.Equal(t, codeman.GCSlotInterior|codeman.GCSlotPinned, r.Flags)
				n++
			}
			assert.Equal(t, res.Conservative, n)
		})
	}
}

func TestHijackedReturnRoot(t *testing.T) {
	st := build(t, regdisplay.ARM64, func(b *synthstack.Builder) {
		b.Method(synthstack.MethodSpec{Name: "Main"})
		b.Method(synthstack.MethodSpec{Name: "Leaf"})
		b.Call("Main", 0)
		b.Call("Leaf", 0x20)
		b.TransitionFrame(0x30, regdisplay.TFSaveSP|regdisplay.TFSaveReturnValue|
			regdisplay.TFReturnIsByRef)
	})
	roots, res, err := collect(t, st.Thread)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, 2, res.Frames)
	assert.Equal(t, gcroots.SourceHijackedReturn, roots[0].Source)
	assert.Equal(t, codeman.GCRefByRef, roots[0].Kind)
	assert.Equal(t, synthstack.HijackedReturnValue, st.Thread.Memory.Ptr(roots[0].Addr))
}

func TestNestedExceptions(t *testing.T) {
	st, err := synthstack.NestedException(regdisplay.AMD64Windows)
	require.NoError(t, err)
	_, res, err := collect(t, st.Thread)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Frames)
	assert.Equal(t, uint64(2), res.Stats.Collisions)
}

func TestUnwalkableThread(t *testing.T) {
	st := build(t, regdisplay.AMD64SysV, func(b *synthstack.Builder) {
		b.Method(synthstack.MethodSpec{Name: "Main"})
		b.Method(synthstack.MethodSpec{Name: "Orphan"})
		b.Call("Main", 0)
		b.TransitionFrame(0x20, regdisplay.TFSaveSP)
		b.Native(0x40)
		b.Call("Orphan", 0)
		b.TransitionFrame(0x10, regdisplay.TFSaveSP)
	})
	_, res, err := collect(t, st.Thread)
	require.ErrorIs(t, err, gcroots.ErrUnwalkableThread)
	assert.ErrorIs(t, err, stackwalk.ErrUnknownControlPC)
	assert.Equal(t, 1, res.Frames)
}

func TestNoTransitionFrame(t *testing.T) {
	st, err := synthstack.Simple(regdisplay.X86)
	require.NoError(t, err)
	thread := *st.Thread
	thread.TransitionFrame = 0

	roots, res, err := collect(t, &thread)
	require.NoError(t, err)
	assert.Empty(t, roots)
	assert.Equal(t, gcroots.Result{}, res)
}

func TestSourceString(t *testing.T) {
	assert.Equal(t, "frame", gcroots.SourceFrame.String())
	assert.Equal(t, "hijacked-return", gcroots.SourceHijackedReturn.String())
	assert.Equal(t, "Source(7)", gcroots.Source(7).String())
}
