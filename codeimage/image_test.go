// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package codeimage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/rtstackwalk/codeman"
	"go.opentelemetry.io/rtstackwalk/libpf"
	sdtypes "go.opentelemetry.io/rtstackwalk/nativeunwind/stackdeltatypes"
	"go.opentelemetry.io/rtstackwalk/regdisplay"
	"go.opentelemetry.io/rtstackwalk/remotememory"
)

func spDelta(offs uint64, param int32) sdtypes.StackDelta {
	return sdtypes.StackDelta{
		Address: offs,
		Info:    sdtypes.UnwindInfo{Opcode: sdtypes.UnwindOpcodeBaseSP, Param: param},
	}
}

func testMethods(t *testing.T) []Method {
	abi := regdisplay.AMD64SysV
	rbx, ok := abi.RegByName("rbx")
	require.True(t, ok)

	return []Method{
		{
			Name:  "Worker",
			Start: 0x2000,
			Size:  0x40,
			Body: Body{
				Deltas: sdtypes.StackDeltaArray{
					spDelta(0, 8),
					{Address: 1, Info: sdtypes.UnwindInfo{Opcode: sdtypes.UnwindOpcodeBaseSP,
						Param: 16, FPOpcode: sdtypes.UnwindOpcodeBaseCFA, FPParam: -16}},
					{Address: 4, Info: sdtypes.UnwindInfoFramePointerX64},
				},
				PrologSize: 4,
			},
			HasFramePointer:    true,
			ReversePInvoke:     true,
			ReversePInvokeSlot: -8,
		},
		{
			Name:  "Main",
			Start: 0x1000,
			Size:  0x100,
			Body: Body{
				Deltas: sdtypes.StackDeltaArray{
					spDelta(0, 8),
					{Address: 1, Info: sdtypes.UnwindInfo{Opcode: sdtypes.UnwindOpcodeBaseSP,
						Param: 16, FPOpcode: sdtypes.UnwindOpcodeBaseCFA, FPParam: -16}},
					{Address: 4, Info: sdtypes.UnwindInfoFramePointerX64},
					{Address: 0x60, Hints: sdtypes.UnwindHintGap, Info: sdtypes.UnwindInfoInvalid},
				},
				Saved:      []regdisplay.SavedReg{{Reg: rbx, Offset: -24}},
				PrologSize: 4,
				Epilogs:    []OffsetRange{{Start: 0x50, End: 0x58}},
				GCSlots: []GCSlot{
					{Base: GCBaseFP, Offset: -0x20, Kind: codeman.GCRefObject,
						Live: OffsetRange{Start: 0x10, End: 0x40}},
					{Base: GCBaseReg, Reg: "rbx", Kind: codeman.GCRefByRef,
						Flags: codeman.GCSlotInterior, Live: OffsetRange{Start: 0, End: 0x60}},
					{Base: GCBaseSP, Offset: 8, Kind: codeman.GCRefObject,
						Live: OffsetRange{Start: 0x20, End: 0x30}},
				},
				OutgoingArgSize: 0x20,
			},
			HasFramePointer: true,
			Funclets: []Funclet{{
				Offset: 0x80,
				Size:   0x40,
				Body: Body{
					Deltas:     sdtypes.StackDeltaArray{spDelta(0x80, 8), spDelta(0x82, 0x18)},
					PrologSize: 2,
				},
			}},
			EHClauses: []codeman.EHClause{{
				Kind:          codeman.EHClauseTyped,
				TryStart:      0x10,
				TryEnd:        0x30,
				HandlerOffset: 0x80,
				CatchType:     "System.Exception",
			}},
		},
	}
}

func newTestImage(t *testing.T) *Image {
	img, err := New("test", regdisplay.AMD64SysV, testMethods(t))
	require.NoError(t, err)
	return img
}

func TestResolveMethod(t *testing.T) {
	img := newTestImage(t)
	assert.Equal(t, libpf.AddressRange{Start: 0x1000, End: 0x2040}, img.Range())

	tests := map[string]struct {
		pc       libpf.Address
		found    bool
		name     string
		offs     uint32
		funclet  bool
		inProlog bool
		inEpilog bool
	}{
		"before":        {pc: 0xfff},
		"gap":           {pc: 0x1100},
		"after":         {pc: 0x2040},
		"main entry":    {pc: 0x1000, found: true, name: "Main", inProlog: true},
		"main body":     {pc: 0x1020, found: true, name: "Main", offs: 0x20},
		"main epilog":   {pc: 0x1054, found: true, name: "Main", offs: 0x54, inEpilog: true},
		"funclet entry": {pc: 0x1081, found: true, name: "Main$funclet0", offs: 0x81, funclet: true, inProlog: true},
		"funclet body":  {pc: 0x1090, found: true, name: "Main$funclet0", offs: 0x90, funclet: true},
		"worker":        {pc: 0x2010, found: true, name: "Worker", offs: 0x10},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			// Twice, to exercise the cached path.
			for range 2 {
				mi, offs, ok := img.ResolveMethod(tc.pc)
				require.Equal(t, tc.found, ok)
				if !ok {
					continue
				}
				assert.Equal(t, tc.name, img.MethodName(&mi))
				assert.Equal(t, tc.offs, offs)
				assert.Equal(t, tc.funclet, img.IsFunclet(&mi))
				assert.Equal(t, tc.inProlog, img.IsInProlog(&mi, offs))
				assert.Equal(t, tc.inEpilog, img.IsInEpilog(&mi, offs))
			}
		})
	}
}

func TestFunclets(t *testing.T) {
	img := newTestImage(t)
	main, _, ok := img.ResolveMethod(0x1020)
	require.True(t, ok)
	funclet, _, ok := img.ResolveMethod(0x1090)
	require.True(t, ok)

	assert.Equal(t, main.Start, funclet.Start)
	_, ok = img.FuncletStartOffset(&main)
	assert.False(t, ok)
	start, ok := img.FuncletStartOffset(&funclet)
	require.True(t, ok)
	assert.Equal(t, uint32(0x80), start)

	clauses := img.EHClauses(&funclet)
	require.Len(t, clauses, 1)
	assert.True(t, clauses[0].ContainsCodeOffset(0x10))
	assert.False(t, clauses[0].ContainsCodeOffset(0x30))

	safePoint, ok := img.FindNearestGCSafePointInHandler(&main, 0x80)
	require.True(t, ok)
	assert.Equal(t, uint32(0x82), safePoint)
	_, ok = img.FindNearestGCSafePointInHandler(&main, 0x81)
	assert.False(t, ok)

	rd := regdisplay.New(regdisplay.AMD64SysV)
	rd.SetRegValue(regdisplay.AMD64SysV.FP, 0x7000)
	assert.Equal(t, libpf.Address(0x7000), img.FramePointer(&main, &rd))
	assert.Equal(t, libpf.Address(0x7000), img.FramePointer(&funclet, &rd))
}

func TestEnumerateGCReferences(t *testing.T) {
	img := newTestImage(t)
	abi := regdisplay.AMD64SysV
	rbx, _ := abi.RegByName("rbx")
	mi, _, ok := img.ResolveMethod(0x1020)
	require.True(t, ok)

	rd := regdisplay.New(abi)
	rd.SP = 0x6f00
	rd.SetRegValue(abi.FP, 0x7000)
	rd.SetReg(rbx, regdisplay.Slot{Addr: 0x7100, Value: 0x1234, Valid: true})

	var refs []codeman.GCRef
	require.NoError(t, img.EnumerateGCReferences(&mi, 0x20, &rd, func(ref codeman.GCRef) {
		refs = append(refs, ref)
	}))
	assert.Equal(t, []codeman.GCRef{
		{Addr: 0x6fe0, Kind: codeman.GCRefObject},
		{Addr: 0x7100, Kind: codeman.GCRefByRef, Flags: codeman.GCSlotInterior},
		{Addr: 0x6f08, Kind: codeman.GCRefObject},
	}, refs)

	// Register values not spilled to memory are not reported.
	rd.SetRegValue(rbx, 0x1234)
	refs = refs[:0]
	require.NoError(t, img.EnumerateGCReferences(&mi, 0x48, &rd, func(ref codeman.GCRef) {
		refs = append(refs, ref)
	}))
	assert.Empty(t, refs)

	assert.Equal(t, libpf.Address(0x6f20), img.ConservativeUpperBoundForOutgoingArgs(&mi, &rd))
}

func TestUnwindOneFrame(t *testing.T) {
	img := newTestImage(t)
	abi := regdisplay.AMD64SysV
	rbx, _ := abi.RegByName("rbx")

	data := make([]byte, 0x100)
	put := func(addr libpf.Address, v uint64) {
		binary.LittleEndian.PutUint64(data[addr-0x7000:], v)
	}
	put(0x7008, 0xbb)   // saved rbx
	put(0x7010, 0x7080) // saved rbp
	put(0x7018, 0x2020) // return address
	put(0x7078, 0)      // reverse P/Invoke slot of the caller frame
	segs, err := remotememory.NewSegments(remotememory.Segment{Base: 0x7000, Data: data})
	require.NoError(t, err)
	mem := remotememory.RemoteMemory{ReaderAt: segs, PointerSize: 8}

	rd := regdisplay.New(abi)
	rd.IP = 0x1020
	rd.SP = 0x6ff0
	rd.SetRegValue(abi.FP, 0x7010)
	mi, _, ok := img.ResolveMethod(rd.IP)
	require.True(t, ok)

	prev, err := img.UnwindOneFrame(mem, &mi, &rd)
	require.NoError(t, err)
	assert.Zero(t, prev)
	assert.Equal(t, libpf.Address(0x2020), rd.IP)
	assert.Equal(t, libpf.Address(0x7020), rd.SP)
	assert.Equal(t, libpf.Address(0x7080), rd.FP())
	assert.Equal(t, libpf.Address(0xbb), rd.Reg(rbx).Value)

	// The caller is a reverse P/Invoke method without a previous transition frame.
	mi, _, ok = img.ResolveMethod(rd.IP)
	require.True(t, ok)
	prev, err = img.UnwindOneFrame(mem, &mi, &rd)
	require.NoError(t, err)
	assert.Equal(t, codeman.TopOfStackMarker, prev)

	put(0x7078, 0x9000)
	prev, err = img.UnwindOneFrame(mem, &mi, &rd)
	require.NoError(t, err)
	assert.Equal(t, libpf.Address(0x9000), prev)

	// Inside the prolog, saved registers are not restored.
	rd = regdisplay.New(abi)
	rd.IP = 0x1000
	rd.SP = 0x7010
	mi, _, _ = img.ResolveMethod(rd.IP)
	_, err = img.UnwindOneFrame(mem, &mi, &rd)
	require.NoError(t, err)
	assert.Equal(t, libpf.Address(0x7018), rd.SP)
	assert.False(t, rd.Reg(rbx).Valid)

	// Offsets in the gap after the body cannot be unwound.
	rd.IP = 0x1070
	mi, _, _ = img.ResolveMethod(rd.IP)
	_, err = img.UnwindOneFrame(mem, &mi, &rd)
	require.ErrorIs(t, err, regdisplay.ErrInvalidUnwindInfo)
}

func TestNewValidation(t *testing.T) {
	tests := map[string]func([]Method){
		"overlapping methods": func(m []Method) { m[0].Start = 0x10f0 },
		"empty method":        func(m []Method) { m[0].Size = 0 },
		"funclet outside":     func(m []Method) { m[1].Funclets[0].Size = 0x100 },
		"handler not funclet": func(m []Method) { m[1].EHClauses[0].HandlerOffset = 0x20 },
		"empty try":           func(m []Method) { m[1].EHClauses[0].TryEnd = 0x10 },
		"clauses without fp":  func(m []Method) { m[1].HasFramePointer = false },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			methods := testMethods(t)
			mutate(methods)
			_, err := New("bad", regdisplay.AMD64SysV, methods)
			require.Error(t, err)
		})
	}
}

func TestDescription(t *testing.T) {
	img := newTestImage(t)
	buf, err := json.Marshal(img.Description())
	require.NoError(t, err)

	loaded, err := Load(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, img.ID(), loaded.ID())
	assert.Equal(t, img.Methods(), loaded.Methods())
	assert.Len(t, img.ID(), 32)

	m, ok := loaded.MethodByName("Worker")
	require.True(t, ok)
	assert.True(t, m.ReversePInvoke)
}
