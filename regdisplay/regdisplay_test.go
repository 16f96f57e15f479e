// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package regdisplay

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/rtstackwalk/libpf"
	sdtypes "go.opentelemetry.io/rtstackwalk/nativeunwind/stackdeltatypes"
	"go.opentelemetry.io/rtstackwalk/remotememory"
)

type testMemory struct {
	base    libpf.Address
	data    []byte
	ptrSize uint
}

func newTestMemory(base libpf.Address, size int, ptrSize uint) *testMemory {
	return &testMemory{base: base, data: make([]byte, size), ptrSize: ptrSize}
}

func (m *testMemory) put(addr libpf.Address, v uint64) {
	offs := addr - m.base
	if m.ptrSize == 4 {
		binary.LittleEndian.PutUint32(m.data[offs:], uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(m.data[offs:], v)
}

func (m *testMemory) remote(t *testing.T) remotememory.RemoteMemory {
	segs, err := remotememory.NewSegments(remotememory.Segment{Base: m.base, Data: m.data})
	require.NoError(t, err)
	return remotememory.RemoteMemory{ReaderAt: segs, PointerSize: m.ptrSize}
}

func reg(t *testing.T, abi *ABI, name string) Reg {
	r, ok := abi.RegByName(name)
	require.True(t, ok, name)
	return r
}

func TestABIs(t *testing.T) {
	for _, abi := range All() {
		t.Run(abi.Name, func(t *testing.T) {
			require.NoError(t, abi.validate())
			found, err := Lookup(abi.Name)
			require.NoError(t, err)
			assert.Same(t, abi, found)
			assert.Less(t, int(abi.ReturnValue), len(abi.Registers))
			assert.Greater(t, abi.ReturnAddressAdjustment, uint(0))
		})
	}
	_, err := Lookup("mips")
	require.Error(t, err)

	assert.False(t, AMD64SysV.IsLinkRegister())
	assert.True(t, ARM64.IsLinkRegister())
	assert.Equal(t, "r7", ARM.RegName(ARM.FP))
	assert.Equal(t, uint(15*8), ARM64.LimitedContextSize())
}

func TestUnwindFramePointerFrame(t *testing.T) {
	abi := AMD64SysV
	mem := newTestMemory(0x1000, 0x100, 8)
	mem.put(0x1008, 0xbb)   // saved rbx
	mem.put(0x1010, 0x1040) // saved rbp
	mem.put(0x1018, 0xdead) // return address

	rd := New(abi)
	rd.SP = 0x1000
	rd.SetRegValue(abi.FP, 0x1010)
	rbx := reg(t, abi, "rbx")

	err := rd.Unwind(mem.remote(t), FrameRule{
		Info:  sdtypes.UnwindInfoFramePointerX64,
		Saved: []SavedReg{{Reg: rbx, Offset: -24}},
	})
	require.NoError(t, err)
	assert.Equal(t, libpf.Address(0x1020), rd.SP)
	assert.Equal(t, libpf.Address(0xdead), rd.IP)
	assert.Equal(t, libpf.Address(0x1018), rd.AddrOfIP)
	assert.Equal(t, Slot{Addr: 0x1010, Value: 0x1040, Valid: true}, rd.Reg(abi.FP))
	assert.Equal(t, Slot{Addr: 0x1008, Value: 0xbb, Valid: true}, rd.Reg(rbx))
}

func TestUnwindLinkRegister(t *testing.T) {
	abi := ARM64
	mem := newTestMemory(0x2000, 0x100, 8)
	mem.put(0x2010, 0x2080) // saved fp
	mem.put(0x2018, 0xcafe) // saved lr

	t.Run("frame record", func(t *testing.T) {
		rd := New(abi)
		rd.SP = 0x2000
		err := rd.Unwind(mem.remote(t), FrameRule{Info: sdtypes.UnwindInfo{
			Opcode:   sdtypes.UnwindOpcodeBaseSP,
			Param:    0x20,
			FPOpcode: sdtypes.UnwindOpcodeBaseCFA,
			FPParam:  -8,
		}})
		require.NoError(t, err)
		assert.Equal(t, libpf.Address(0x2020), rd.SP)
		assert.Equal(t, libpf.Address(0xcafe), rd.IP)
		assert.Equal(t, libpf.Address(0x2018), rd.AddrOfIP)
		assert.Equal(t, libpf.Address(0x2080), rd.FP())
	})

	t.Run("leaf", func(t *testing.T) {
		rd := New(abi)
		rd.SP = 0x2000
		rd.SetRegValue(abi.LR, 0xbeef)
		require.NoError(t, rd.Unwind(mem.remote(t), FrameRule{Info: sdtypes.UnwindInfoLR}))
		assert.Equal(t, libpf.Address(0x2000), rd.SP)
		assert.Equal(t, libpf.Address(0xbeef), rd.IP)
		assert.Equal(t, libpf.Address(0), rd.AddrOfIP)
	})

	t.Run("leaf without link register", func(t *testing.T) {
		rd := New(abi)
		rd.SP = 0x2000
		require.ErrorIs(t, rd.Unwind(mem.remote(t), FrameRule{Info: sdtypes.UnwindInfoLR}),
			ErrInvalidUnwindInfo)
	})
}

func TestUnwindFailureKeepsContext(t *testing.T) {
	abi := AMD64Windows
	mem := newTestMemory(0x1000, 0x20, 8)

	rd := New(abi)
	rd.SP = 0x1000
	rd.IP = 0x5000
	rd.SetRegValue(abi.FP, 0x1010)
	orig := rd

	tests := map[string]struct {
		info     sdtypes.UnwindInfo
		expected error
	}{
		"stop":    {info: sdtypes.UnwindInfoStop, expected: ErrStackEnd},
		"invalid": {info: sdtypes.UnwindInfoInvalid, expected: ErrInvalidUnwindInfo},
		"unmapped": {info: sdtypes.UnwindInfo{Opcode: sdtypes.UnwindOpcodeBaseSP, Param: 0x100},
			expected: remotememory.ErrUnmapped},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := rd.Unwind(mem.remote(t), FrameRule{Info: tc.info})
			require.ErrorIs(t, err, tc.expected)
			assert.Equal(t, orig, rd)
		})
	}

	t.Run("partial saved registers", func(t *testing.T) {
		rbx := reg(t, abi, "rbx")
		err := rd.Unwind(mem.remote(t), FrameRule{
			Info:  sdtypes.UnwindInfo{Opcode: sdtypes.UnwindOpcodeBaseSP, Param: 0x10},
			Saved: []SavedReg{{Reg: rbx, Offset: -0x10}, {Reg: abi.FP, Offset: 0x40}},
		})
		require.Error(t, err)
		assert.Equal(t, orig, rd)
	})
}

func TestInitFromTransitionFrame(t *testing.T) {
	abi := AMD64SysV
	mem := newTestMemory(0x3000, 0x100, 8)
	rbx := reg(t, abi, "rbx")
	r13 := reg(t, abi, "r13")
	flags := uint64(1)<<uint(rbx) | uint64(1)<<uint(r13) | uint64(1)<<uint(abi.FP) |
		TFSaveSP | TFSaveReturnValue | TFReturnIsGCRef
	mem.put(0x3000, 0x401000)
	mem.put(0x3008, 0x3100)
	mem.put(0x3010, 0x77)
	mem.put(0x3018, flags)
	mem.put(0x3020, 0x11)
	mem.put(0x3028, 0x13)
	mem.put(0x3030, 0x3080)
	mem.put(0x3038, 0x99)

	assert.Equal(t, uint(8*8), abi.TransitionFrameSize(flags))

	rd := New(abi)
	tf, err := rd.InitFromTransitionFrame(mem.remote(t), 0x3000)
	require.NoError(t, err)
	assert.Equal(t, libpf.Address(0x77), tf.Thread)
	assert.Equal(t, flags, tf.Flags)
	assert.Equal(t, libpf.Address(0x3038), tf.ReturnValueAddr)

	assert.Equal(t, libpf.Address(0x401000), rd.IP)
	assert.Equal(t, libpf.Address(0x3000), rd.AddrOfIP)
	assert.Equal(t, libpf.Address(0x3080), rd.SP)
	assert.Equal(t, Slot{Addr: 0x3008, Value: 0x3100, Valid: true}, rd.Reg(abi.FP))
	assert.Equal(t, Slot{Addr: 0x3020, Value: 0x11, Valid: true}, rd.Reg(rbx))
	assert.Equal(t, Slot{Addr: 0x3028, Value: 0x13, Valid: true}, rd.Reg(r13))
	assert.False(t, rd.Reg(reg(t, abi, "r12")).Valid)
	assert.Equal(t, Slot{Addr: 0x3038, Value: 0x99, Valid: true}, rd.Reg(abi.ReturnValue))

	t.Run("implicit SP", func(t *testing.T) {
		mem.put(0x3018, 0)
		rd := New(abi)
		_, err := rd.InitFromTransitionFrame(mem.remote(t), 0x3000)
		require.NoError(t, err)
		assert.Equal(t, libpf.Address(0x3020), rd.SP)
	})
}

func TestInitFromLimitedContext(t *testing.T) {
	abi := ARM
	mem := newTestMemory(0x4000, 0x100, 4)
	mem.put(0x4000, 0x8001)
	mem.put(0x4004, 0x4800)
	for i := range abi.NumPreserved {
		mem.put(0x4008+libpf.Address(4*i), uint64(0x40+i))
	}
	mem.put(0x4028, 0x9001) // lr
	mem.put(0x402c, 0x1234) // r0

	rd := New(abi)
	require.NoError(t, rd.InitFromLimitedContext(mem.remote(t), 0x4000))
	assert.Equal(t, libpf.Address(0x8001), rd.IP)
	assert.Equal(t, libpf.Address(0x4000), rd.AddrOfIP)
	assert.Equal(t, libpf.Address(0x4800), rd.SP)
	assert.Equal(t, libpf.Address(0x43), rd.FP())
	assert.Equal(t, libpf.Address(0x4014), rd.Reg(abi.FP).Addr)
	assert.Equal(t, libpf.Address(0x9001), rd.Reg(abi.LR).Value)
	assert.Equal(t, libpf.Address(0x1234), rd.Reg(abi.ReturnValue).Value)

	_, err := ContextIP(mem.remote(t), 0x4000)
	require.NoError(t, err)
	require.Error(t, rd.InitFromLimitedContext(mem.remote(t), 0x40f0))
}

func TestThunkFrames(t *testing.T) {
	abi := AMD64Windows
	mem := newTestMemory(0x10000, 0x1000, 8)

	t.Run("funclet invoke", func(t *testing.T) {
		base := libpf.Address(0x10000 + 0x20 + 0x8)
		for i := range abi.NumPreserved {
			mem.put(base+libpf.Address(8*i), uint64(0x100+i))
		}
		mem.put(base+libpf.Address(8*abi.NumPreserved), 0x7777)

		rd := New(abi)
		rd.SP = 0x10000
		require.NoError(t, rd.UnwindFuncletInvokeThunk(mem.remote(t)))
		assert.Equal(t, libpf.Address(0x7777), rd.IP)
		assert.Equal(t, libpf.Address(0x10000)+libpf.Address(abi.FuncletThunkFrameSize()), rd.SP)
		assert.Equal(t, libpf.Address(0x100), rd.FP())
		assert.Equal(t, base, rd.Reg(abi.FP).Addr)
	})

	t.Run("universal transition", func(t *testing.T) {
		mem.put(0x10200+0x80, 0x10400)
		mem.put(0x10200+0x88, 0x5555)
		rd := New(abi)
		rd.SP = 0x10200
		lower, err := rd.UnwindUniversalTransitionThunk(mem.remote(t))
		require.NoError(t, err)
		assert.Equal(t, libpf.Address(0x10220), lower)
		assert.Equal(t, libpf.Address(0x5555), rd.IP)
		assert.Equal(t, libpf.Address(0x10290), rd.SP)
		assert.Equal(t, libpf.Address(0x10400), rd.FP())
	})

	t.Run("call descriptor", func(t *testing.T) {
		// context: rbp, rsi, rbx, ip
		mem.put(0x10500, 0x10600)
		mem.put(0x10508, 0x5151)
		mem.put(0x10510, 0x5252)
		mem.put(0x10518, 0x6666)
		rd := New(abi)
		rd.SP = 0x10400
		rd.SetRegValue(abi.FP, 0x10500)
		require.NoError(t, rd.UnwindCallDescrThunk(mem.remote(t)))
		assert.Equal(t, libpf.Address(0x6666), rd.IP)
		assert.Equal(t, libpf.Address(0x10518), rd.AddrOfIP)
		assert.Equal(t, libpf.Address(0x10520), rd.SP)
		assert.Equal(t, libpf.Address(0x10600), rd.FP())
		assert.Equal(t, libpf.Address(0x5252), rd.Reg(reg(t, abi, "rbx")).Value)
	})

	t.Run("managed callout", func(t *testing.T) {
		mem.put(0x10800-0x10, 0x10900)
		rd := New(abi)
		rd.SetRegValue(abi.FP, 0x10800)
		tf, err := rd.ManagedCalloutTransitionFrame(mem.remote(t))
		require.NoError(t, err)
		assert.Equal(t, libpf.Address(0x10900), tf)

		rd.SetRegValue(abi.FP, 0x10810)
		_, err = rd.ManagedCalloutTransitionFrame(mem.remote(t))
		require.Error(t, err)
	})

	t.Run("throw site", func(t *testing.T) {
		rd := New(abi)
		rd.SP = 0x10a00
		assert.Equal(t, libpf.Address(0x10a20), rd.ThrowSiteExInfo())
		assert.Equal(t, libpf.Address(0x10b20), rd.ThrowSiteContext())
	})
}

func TestSavePreserved(t *testing.T) {
	rd := New(X86)
	rd.SetReg(0, Slot{Addr: 0x10, Value: 0x20, Valid: true})
	saved := rd.SavePreserved()
	assert.Equal(t, 4, saved.Len())

	rd.SetRegValue(0, 0x30)
	rd.RestorePreserved(saved)
	assert.Equal(t, Slot{Addr: 0x10, Value: 0x20, Valid: true}, rd.Reg(0))
	assert.Equal(t, Slot{}, rd.Reg(NoReg))
}
