// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package synthstack

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/rtstackwalk/regdisplay"
	"go.opentelemetry.io/rtstackwalk/stackwalk"
)

var expectedFrames = map[string][]string{
	"simple":           {"Leaf", "Worker", "Main"},
	"callout":          {"Callee", "Caller", "Main"},
	"universal":        {"Target", "Caller", "Main"},
	"call-descr":       {"Target", "Invoker", "Main"},
	"reverse-pinvoke":  {"Leaf", "Callback", "Main"},
	"hardware-fault":   {"DispatchEx", "Faulter$funclet0", "Main"},
	"nested-exception": {"Thrower$funclet1", "DispatchEx", "DispatchEx", "Main"},
}

func TestScenarios(t *testing.T) {
	require.Len(t, Scenarios(), len(expectedFrames))
	for _, name := range Scenarios() {
		scenario, err := LookupScenario(name)
		require.NoError(t, err)
		for _, abi := range regdisplay.All() {
			t.Run(name+"/"+abi.Name, func(t *testing.T) {
				st, err := scenario(abi)
				require.NoError(t, err)
				require.NoError(t, st.Thread.ValidateExInfoChain())

				frames, err := Walk(stackwalk.NewFromTransitionFrame(st.Thread,
					st.Thread.TransitionFrame, stackwalk.GCPolicy))
				require.NoError(t, err)
				assert.Equal(t, expectedFrames[name], Names(frames))
			})
		}
	}

	_, err := LookupScenario("missing")
	assert.ErrorContains(t, err, "unknown scenario")
}

func TestBuilderErrors(t *testing.T) {
	tests := map[string]func(b *Builder){
		"duplicate method": func(b *Builder) {
			b.Method(MethodSpec{Name: "Main"})
			b.Method(MethodSpec{Name: "Main"})
		},
		"undeclared method": func(b *Builder) {
			b.Call("Main", 0)
		},
		"too many funclets": func(b *Builder) {
			b.Method(MethodSpec{Name: "Main", Funclets: maxFunclets + 1})
		},
		"context without frame": func(b *Builder) {
			b.Context(0x10)
		},
		"missing funclet": func(b *Builder) {
			b.Method(MethodSpec{Name: "Main"})
			b.InvokeFunclet(b.Call("Main", 0), 0, 0x10)
		},
		"not reverse pinvoke": func(b *Builder) {
			b.Method(MethodSpec{Name: "Main"})
			b.ReversePInvoke("Main", 0)
		},
		"stack overflow": func(b *Builder) {
			b.Method(MethodSpec{Name: "Main"})
			b.Call("Main", 0)
			b.Native(StackSize)
		},
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			b := New(regdisplay.AMD64SysV)
			fn(b)
			_, err := b.Build()
			assert.Error(t, err)
		})
	}
}

func TestCaseRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "json"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			st, err := NestedException(regdisplay.ARM64)
			require.NoError(t, err)
			c, err := st.Case()
			require.NoError(t, err)
			require.Len(t, c.Threads, 1)
			assert.Equal(t, expectedFrames["nested-exception"], c.Threads[0].Frames)

			var buf bytes.Buffer
			require.NoError(t, WriteCase(&buf, c, compress))
			assert.Equal(t, compress, bytes.HasPrefix(buf.Bytes(), zstdMagic))

			decoded, err := ReadCase(&buf)
			require.NoError(t, err)
			lc, err := decoded.Load()
			require.NoError(t, err)
			require.Len(t, lc.Threads, 1)
			assert.Equal(t, regdisplay.ARM64, lc.ABI)

			th := lc.Threads[0]
			require.NotNil(t, th.ExInfoHead)
			assert.NotNil(t, th.ExInfoHead.FrameIter)
			frames, err := Walk(stackwalk.NewFromTransitionFrame(th, th.TransitionFrame,
				stackwalk.GCPolicy))
			require.NoError(t, err)
			assert.Equal(t, decoded.Threads[0].Frames, Names(frames))
		})
	}
}

func TestReadCaseRejectsUnknownFields(t *testing.T) {
	_, err := ReadCase(strings.NewReader(`{"abi": "x86", "coredump-ref": "abc"}`))
	assert.Error(t, err)

	c, err := ReadCase(strings.NewReader(`{"abi": "x86"}`))
	require.NoError(t, err)
	_, err = c.Load()
	assert.ErrorContains(t, err, "no code image")
}

func TestCaseFile(t *testing.T) {
	st, err := Simple(regdisplay.X86)
	require.NoError(t, err)
	c, err := st.Case()
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "cases", "simple.json.zst")
	require.NoError(t, WriteCaseFile(path, c, false))
	assert.ErrorIs(t, WriteCaseFile(path, c, false), os.ErrExist)
	require.NoError(t, WriteCaseFile(path, c, true))

	read, err := ReadCaseFile(path)
	require.NoError(t, err)
	assert.Equal(t, c.Threads, read.Threads)
	assert.Equal(t, c.Thunks, read.Thunks)
}
