// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package synthstack // import "go.opentelemetry.io/rtstackwalk/internal/synthstack"

import (
	"fmt"
	"sort"

	"go.opentelemetry.io/rtstackwalk/codeimage"
	"go.opentelemetry.io/rtstackwalk/codeman"
	"go.opentelemetry.io/rtstackwalk/regdisplay"
	"go.opentelemetry.io/rtstackwalk/stackwalk"
)

// Scenario builds a named synthetic thread.
type Scenario func(abi *regdisplay.ABI) (*Stack, error)

var scenarios = map[string]Scenario{
	"simple":           Simple,
	"callout":          Callout,
	"universal":        Universal,
	"call-descr":       CallDescrScenario,
	"reverse-pinvoke":  ReversePInvokeScenario,
	"hardware-fault":   HardwareFault,
	"nested-exception": NestedException,
}

// Scenarios returns the names of the built-in scenarios.
func Scenarios() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupScenario returns a built-in scenario.
func LookupScenario(name string) (Scenario, error) {
	s, ok := scenarios[name]
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q (known: %v)", name, Scenarios())
	}
	return s, nil
}

// mainSlots are the GC slots of the Main method: a frame slot and a register.
func mainSlots(abi *regdisplay.ABI) []codeimage.GCSlot {
	slots := []codeimage.GCSlot{{
		Base:   codeimage.GCBaseFP,
		Offset: -int32(abi.PointerSize),
		Kind:   codeman.GCRefObject,
		Live:   codeimage.OffsetRange{Start: PrologSize, End: BodySize},
	}}
	// The first preserved register that is not the frame pointer.
	for _, r := range abi.Preserved() {
		if r != abi.FP {
			slots = append(slots, codeimage.GCSlot{
				Base:  codeimage.GCBaseReg,
				Reg:   abi.RegName(r),
				Kind:  codeman.GCRefByRef,
				Flags: codeman.GCSlotInterior,
				Live:  codeimage.OffsetRange{Start: PrologSize, End: BodySize},
			})
			break
		}
	}
	return slots
}

// Simple is Main calling Worker calling Leaf, which called into the runtime.
func Simple(abi *regdisplay.ABI) (*Stack, error) {
	b := New(abi)
	b.Method(MethodSpec{Name: "Main", GCSlots: mainSlots(abi)})
	b.Method(MethodSpec{Name: "Worker"})
	b.Method(MethodSpec{Name: "Leaf"})
	b.Call("Main", 0)
	b.Call("Worker", 0x20)
	b.Call("Leaf", 0x30)
	b.TransitionFrame(0x40, regdisplay.TFSaveSP)
	return b.Build()
}

// Callout is a managed method calling into the runtime, which calls managed code
// through the managed callout thunk.
func Callout(abi *regdisplay.ABI) (*Stack, error) {
	b := New(abi)
	b.Method(MethodSpec{Name: "Main"})
	b.Method(MethodSpec{Name: "Caller", OutgoingArgSize: 4 * uint32(abi.PointerSize)})
	b.Method(MethodSpec{Name: "Callee"})
	b.Call("Main", 0)
	b.Call("Caller", 0x20)
	b.ManagedCallout(0x28)
	b.Call("Callee", 0)
	b.TransitionFrame(0x10, regdisplay.TFSaveSP)
	return b.Build()
}

// Universal is a managed method calling a target through the universal transition
// thunk.
func Universal(abi *regdisplay.ABI) (*Stack, error) {
	b := New(abi)
	b.Method(MethodSpec{Name: "Main"})
	b.Method(MethodSpec{Name: "Caller", OutgoingArgSize: 2 * uint32(abi.PointerSize)})
	b.Method(MethodSpec{Name: "Target"})
	b.Call("Main", 0)
	b.Call("Caller", 0x20)
	b.UniversalTransition(0x30)
	b.Call("Target", 0)
	b.TransitionFrame(0x18, regdisplay.TFSaveSP)
	return b.Build()
}

// CallDescrScenario is a managed method calling a target through the call
// descriptor thunk.
func CallDescrScenario(abi *regdisplay.ABI) (*Stack, error) {
	b := New(abi)
	b.Method(MethodSpec{Name: "Main"})
	b.Method(MethodSpec{Name: "Invoker"})
	b.Method(MethodSpec{Name: "Target"})
	b.Call("Main", 0)
	b.Call("Invoker", 0x20)
	b.CallDescr(0x24)
	b.Call("Target", 0)
	b.TransitionFrame(0x18, regdisplay.TFSaveSP)
	return b.Build()
}

// ReversePInvokeScenario is native code called by Main calling back into managed
// code.
func ReversePInvokeScenario(abi *regdisplay.ABI) (*Stack, error) {
	b := New(abi)
	b.Method(MethodSpec{Name: "Main"})
	b.Method(MethodSpec{Name: "Callback", ReversePInvoke: true})
	b.Method(MethodSpec{Name: "Leaf"})
	b.Call("Main", 0)
	tf := b.TransitionFrame(0x20, regdisplay.TFSaveSP)
	b.Native(0x80)
	b.ReversePInvoke("Callback", tf)
	b.Call("Leaf", 0x20)
	b.TransitionFrame(0x10, regdisplay.TFSaveSP)
	return b.Build()
}

// HardwareFault is Faulter faulting inside a try region while the exception
// dispatcher runs its first pass.
func HardwareFault(abi *regdisplay.ABI) (*Stack, error) {
	b := New(abi)
	b.Method(MethodSpec{Name: "Main"})
	b.Method(MethodSpec{
		Name:     "Faulter",
		Funclets: 1,
		EHClauses: []codeman.EHClause{{
			Kind:          codeman.EHClauseTyped,
			TryStart:      0x10,
			TryEnd:        0x80,
			HandlerOffset: FuncletOffset(0),
			CatchType:     "System.NullReferenceException",
		}},
	})
	b.Method(MethodSpec{Name: "DispatchEx"})
	b.Call("Main", 0)
	b.Call("Faulter", 0x20)
	b.Throw(0x40, stackwalk.ExKindHardwareFault)
	b.Call("DispatchEx", 0)
	b.TransitionFrame(0x10, regdisplay.TFSaveSP)
	return b.Build()
}

// NestedException is a catch funclet of Thrower raising a second exception, caught
// by a nested catch funclet. Both dispatches are in their second pass.
func NestedException(abi *regdisplay.ABI) (*Stack, error) {
	b := New(abi)
	b.Method(MethodSpec{Name: "Main"})
	b.Method(MethodSpec{
		Name:     "Thrower",
		Funclets: 2,
		EHClauses: []codeman.EHClause{
			{
				Kind:          codeman.EHClauseTyped,
				TryStart:      0x10,
				TryEnd:        0x80,
				HandlerOffset: FuncletOffset(0),
				CatchType:     "System.Exception",
			},
			{
				Kind:          codeman.EHClauseTyped,
				TryStart:      FuncletOffset(0),
				TryEnd:        FuncletOffset(0) + FuncletSize,
				HandlerOffset: FuncletOffset(1),
				CatchType:     "System.Exception",
			},
		},
	})
	b.Method(MethodSpec{Name: "DispatchEx"})
	b.Call("Main", 0)
	thrower := b.Call("Thrower", 0x20)
	ex1 := b.Throw(0x40, stackwalk.ExKindThrow)
	b.Call("DispatchEx", 0)
	b.InvokeFunclet(thrower, 0, 0x30)
	ex2 := b.Throw(0x10, stackwalk.ExKindThrow)
	b.Call("DispatchEx", 0)
	b.InvokeFunclet(thrower, 1, 0x30)
	b.TransitionFrame(0x10, regdisplay.TFSaveSP)
	st, err := b.Build()
	if err != nil {
		return nil, err
	}
	EnterSecondPass(st.Thread, ex1, 0)
	EnterSecondPass(st.Thread, ex2, 1)
	return st, nil
}

// EnterSecondPass moves an exception into its second pass with the handler of
// clause running, and positions its dispatch iterator on the throwing frame.
func EnterSecondPass(thread *stackwalk.Thread, ex *stackwalk.ExInfo, clause uint32) {
	ex.PassNumber = 2
	ex.CurClause = clause
	ex.FrameIter = stackwalk.NewForEH(thread, ex.Context, ex.Kind.IsHardwareFault())
}
