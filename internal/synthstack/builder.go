// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package synthstack builds synthetic threads: a code image, the runtime thunks and a
// stack laid out exactly as the runtime lays out managed frames, transition frames,
// thunk frames and in-flight exceptions. The result can be walked like a live thread
// and serialized as a case file.
package synthstack // import "go.opentelemetry.io/rtstackwalk/internal/synthstack"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/rtstackwalk/callsite"
	"go.opentelemetry.io/rtstackwalk/codeimage"
	"go.opentelemetry.io/rtstackwalk/codeman"
	"go.opentelemetry.io/rtstackwalk/libpf"
	sdtypes "go.opentelemetry.io/rtstackwalk/nativeunwind/stackdeltatypes"
	"go.opentelemetry.io/rtstackwalk/regdisplay"
	"go.opentelemetry.io/rtstackwalk/remotememory"
	"go.opentelemetry.io/rtstackwalk/stackwalk"
	"go.opentelemetry.io/rtstackwalk/thunks"
)

// Memory layout of a synthetic thread.
const (
	ThunkBase libpf.Address = 0x0f000000
	CodeBase  libpf.Address = 0x10000000
	HeapBase  libpf.Address = 0x60000000
	StackHigh libpf.Address = 0x7fff0000

	StackSize = 0x10000
	HeapSize  = 0x4000

	// MethodSize is the distance between method starts. The main body takes the
	// first BodySize bytes, funclets of FuncletSize bytes follow it.
	MethodSize  uint32 = 0x200
	BodySize    uint32 = 0x100
	FuncletSize uint32 = 0x40
	PrologSize  uint32 = 8

	thunkSize         = 0x40
	thunkReturnOffset = 0x10
	maxFunclets       = int((MethodSize - BodySize) / FuncletSize)
)

// NativeReturnAddress is the return address of frames called from native code.
const NativeReturnAddress libpf.Address = 0x00dead00

// HijackedReturnValue is the value saved in hijacked transition frames.
const HijackedReturnValue libpf.Address = HeapBase + 0x3f00

// ThreadID is the ID of every synthetic thread.
const ThreadID libpf.TID = 1

var thunkSymbols = map[thunks.Category]string{
	thunks.ThrowSiteThunk:           "RhpThrowEx",
	thunks.FuncletInvokeThunk:       "RhpCallFunclet",
	thunks.ManagedCalloutThunk:      "RhpManagedCallout",
	thunks.CallDescrThunk:           "RhCallDescrWorker",
	thunks.UniversalTransitionThunk: "RhpUniversalTransition",
}

// ThunkRange returns the code range of a thunk category.
func ThunkRange(c thunks.Category) thunks.Range {
	start := ThunkBase + libpf.Address(c-1)*thunkSize
	return thunks.Range{
		Start:    start,
		End:      start + thunkSize,
		Category: c,
		Symbol:   thunkSymbols[c],
	}
}

// ThunkReturnAddress is the return address into a thunk used by frames it calls.
func ThunkReturnAddress(c thunks.Category) libpf.Address {
	return ThunkRange(c).Start + thunkReturnOffset
}

// FuncletOffset returns the code offset of the i-th funclet of a method.
func FuncletOffset(i int) uint32 {
	return BodySize + uint32(i)*FuncletSize
}

// MethodSpec declares a method of the synthetic image.
type MethodSpec struct {
	Name            string
	Funclets        int
	EHClauses       []codeman.EHClause
	ReversePInvoke  bool
	GCSlots         []codeimage.GCSlot
	OutgoingArgSize uint32
}

// Frame is a managed frame pushed by the builder.
type Frame struct {
	// Name is the name the code image reports for the frame.
	Name    string
	Method  string
	Funclet int
	// Base is the start of the body or funclet code.
	Base libpf.Address
	// FP and SP are the register values while the frame runs.
	FP libpf.Address
	SP libpf.Address
}

// Builder lays out a synthetic thread from its outermost frame inwards. Errors are
// sticky and reported by Build.
type Builder struct {
	abi     *regdisplay.ABI
	methods []codeimage.Method
	byName  map[string]int

	stack   []byte
	heap    []byte
	heapTop libpf.Address

	sp libpf.Address
	fp libpf.Address

	// top is the running managed frame, nil when the stack ends in native code or
	// a thunk. ret is then the return address of the next pushed frame.
	top *Frame
	ret libpf.Address

	frames    []Frame
	callSites []libpf.Address
	exInfos   []*stackwalk.ExInfo
	tf        libpf.Address
	context   libpf.Address

	err error
}

// New returns a builder for the ABI.
func New(abi *regdisplay.ABI) *Builder {
	return &Builder{
		abi:     abi,
		byName:  make(map[string]int),
		stack:   make([]byte, StackSize),
		heap:    make([]byte, HeapSize),
		heapTop: HeapBase,
		sp:      StackHigh - 0x100,
	}
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Builder) ptrSize() libpf.Address {
	return libpf.Address(b.abi.PointerSize)
}

// Method declares a method. Methods are laid out in declaration order.
func (b *Builder) Method(spec MethodSpec) {
	if _, ok := b.byName[spec.Name]; ok {
		b.fail(fmt.Errorf("method %s declared twice", spec.Name))
		return
	}
	if spec.Funclets > maxFunclets {
		b.fail(fmt.Errorf("method %s has more than %d funclets", spec.Name, maxFunclets))
		return
	}
	p := int32(b.abi.PointerSize)
	raParam := -2 * p
	if b.abi.IsLinkRegister() {
		raParam = -p
	}
	m := codeimage.Method{
		Name:  spec.Name,
		Start: CodeBase + libpf.Address(len(b.methods))*libpf.Address(MethodSize),
		Size:  BodySize + uint32(spec.Funclets)*FuncletSize,
		Body: codeimage.Body{
			Deltas: sdtypes.StackDeltaArray{{
				Info: sdtypes.UnwindInfo{
					Opcode:   sdtypes.UnwindOpcodeBaseFP,
					Param:    2 * p,
					FPOpcode: sdtypes.UnwindOpcodeBaseCFA,
					FPParam:  raParam,
				},
			}},
			PrologSize:      PrologSize,
			GCSlots:         spec.GCSlots,
			OutgoingArgSize: spec.OutgoingArgSize,
		},
		EHClauses:       spec.EHClauses,
		HasFramePointer: true,
		ReversePInvoke:  spec.ReversePInvoke,
	}
	if spec.ReversePInvoke {
		m.ReversePInvokeSlot = -p
	}
	for i := range spec.Funclets {
		offs := FuncletOffset(i)
		m.Funclets = append(m.Funclets, codeimage.Funclet{
			Offset: offs,
			Size:   FuncletSize,
			Body: codeimage.Body{
				Deltas: sdtypes.StackDeltaArray{{
					Address: uint64(offs),
					Info: sdtypes.UnwindInfo{
						Opcode:   sdtypes.UnwindOpcodeBaseSP,
						Param:    int32(b.funcletLocals()) + 2*p,
						FPOpcode: sdtypes.UnwindOpcodeBaseCFA,
						FPParam:  raParam,
					},
				}},
				PrologSize: PrologSize,
			},
		})
	}
	b.byName[spec.Name] = len(b.methods)
	b.methods = append(b.methods, m)
}

func (b *Builder) method(name string) *codeimage.Method {
	idx, ok := b.byName[name]
	if !ok {
		b.fail(fmt.Errorf("method %s not declared", name))
		return nil
	}
	return &b.methods[idx]
}

func (b *Builder) frameLocals() libpf.Address {
	return 4 * b.ptrSize()
}

func (b *Builder) funcletLocals() libpf.Address {
	return 2 * b.ptrSize()
}

// marker is the value of preserved registers without meaning to the walk.
func marker(r regdisplay.Reg) libpf.Address {
	return 0x5000 + libpf.Address(r)
}

func (b *Builder) write(addr, v libpf.Address) {
	var buf []byte
	stackLow := StackHigh - StackSize
	switch {
	case addr >= stackLow && addr+b.ptrSize() <= StackHigh:
		buf = b.stack[addr-stackLow:]
	case addr >= HeapBase && addr+b.ptrSize() <= HeapBase+HeapSize:
		buf = b.heap[addr-HeapBase:]
	default:
		b.fail(fmt.Errorf("write outside of synthetic memory at %v", addr))
		return
	}
	putPtr(buf, v, b.abi.PointerSize)
}

func (b *Builder) fill(addr libpf.Address, size libpf.Address, v byte) {
	stackLow := StackHigh - StackSize
	if addr < stackLow || addr+size > StackHigh {
		b.fail(fmt.Errorf("fill outside of stack at %v", addr))
		return
	}
	for i := range size {
		b.stack[addr-stackLow+i] = v
	}
}

func (b *Builder) checkStack() {
	if b.sp < StackHigh-StackSize+0x100 {
		b.fail(errors.New("synthetic stack overflow"))
	}
}

// pc returns the address of a code offset of the running frame.
func (b *Builder) pc(offs uint32) libpf.Address {
	if b.top == nil {
		b.fail(errors.New("no managed frame running"))
		return 0
	}
	return b.top.Base + libpf.Address(offs)
}

// returnAddress returns the return address of the next pushed frame. The running
// managed frame calls at callSite; otherwise the pending thunk or native return
// address is used.
func (b *Builder) returnAddress(callSite uint32) libpf.Address {
	if b.top == nil {
		return b.ret
	}
	ra := b.pc(callSite)
	b.callSites = append(b.callSites, ra)
	return ra
}

func (b *Builder) leave(ret libpf.Address) {
	b.top = nil
	b.ret = ret
}

func (b *Builder) pushFrame(m *codeimage.Method, funclet int, ret, savedFP libpf.Address,
	locals libpf.Address) Frame {
	p := b.ptrSize()
	f := b.sp - 2*p
	b.write(f, savedFP)
	b.write(f+p, ret)
	if funclet < 0 {
		b.fp = f
	}
	b.sp = f - locals
	b.checkStack()

	frame := Frame{
		Name:    m.Name,
		Method:  m.Name,
		Funclet: funclet,
		Base:    m.Start,
		FP:      b.fp,
		SP:      b.sp,
	}
	if funclet >= 0 {
		frame.Name = fmt.Sprintf("%s$funclet%d", m.Name, funclet)
		frame.Base = m.Start + libpf.Address(FuncletOffset(funclet))
	}
	b.frames = append(b.frames, frame)
	b.top = &b.frames[len(b.frames)-1]
	return frame
}

// Call pushes a frame of the named method. The running managed frame calls it at
// code offset callSite. The first frame of a stack returns to address zero.
func (b *Builder) Call(name string, callSite uint32) Frame {
	m := b.method(name)
	if m == nil {
		return Frame{}
	}
	ret := b.returnAddress(callSite)
	return b.pushFrame(m, -1, ret, b.fp, b.frameLocals())
}

// ReversePInvoke pushes a frame of a method entered from native code. prevTF is the
// transition frame of the managed code further up the stack, zero if there is none.
func (b *Builder) ReversePInvoke(name string, prevTF libpf.Address) Frame {
	m := b.method(name)
	if m == nil {
		return Frame{}
	}
	if !m.ReversePInvoke {
		b.fail(fmt.Errorf("method %s is not a reverse P/Invoke method", name))
	}
	frame := b.pushFrame(m, -1, NativeReturnAddress, 0, b.frameLocals())
	b.write(frame.FP-b.ptrSize(), prevTF)
	return frame
}

// TransitionFrame erects a transition frame for the running frame calling native
// code at callSite, and makes it the thread's transition frame. With
// TFSaveReturnValue the saved return value is HijackedReturnValue.
func (b *Builder) TransitionFrame(callSite uint32, flags uint64) libpf.Address {
	p := b.ptrSize()
	ip := b.returnAddress(callSite)
	size := libpf.Address(b.abi.TransitionFrameSize(flags))
	addr := b.sp - size

	b.write(addr, ip)
	b.write(addr+p, b.fp)
	b.write(addr+2*p, libpf.Address(ThreadID))
	b.write(addr+3*p, libpf.Address(flags))
	offs := 4 * p
	for i := range b.abi.NumPreserved {
		r := regdisplay.Reg(i)
		if r == b.abi.FP || flags&(1<<uint(i)) == 0 {
			continue
		}
		b.write(addr+offs, marker(r))
		offs += p
	}
	if flags&regdisplay.TFSaveSP != 0 {
		b.write(addr+offs, b.sp)
		offs += p
	}
	if flags&regdisplay.TFSaveReturnValue != 0 {
		b.write(addr+offs, HijackedReturnValue)
	}

	b.sp = addr
	b.tf = addr
	b.leave(NativeReturnAddress)
	return addr
}

// Native pushes size bytes of native frames.
func (b *Builder) Native(size uint) {
	s := libpf.Address(size).AlignUp(b.abi.PointerSize)
	b.sp -= s
	b.checkStack()
	b.fill(b.sp, s, 0xcc)
	b.leave(NativeReturnAddress)
}

func (b *Builder) writeContext(addr, ip, sp libpf.Address) {
	p := b.ptrSize()
	b.write(addr, ip)
	b.write(addr+p, sp)
	offs := 2 * p
	for i := range b.abi.NumPreserved {
		r := regdisplay.Reg(i)
		v := marker(r)
		if r == b.abi.FP {
			v = b.fp
		}
		b.write(addr+offs, v)
		offs += p
	}
	if b.abi.IsLinkRegister() {
		b.write(addr+offs, 0)
		offs += p
	}
	b.write(addr+offs, 0)
}

// Context captures the running frame stopped at code offset offs in a
// LimitedContext on the heap and makes it the thread's leaf context.
func (b *Builder) Context(offs uint32) libpf.Address {
	addr := b.heapTop
	size := libpf.Address(b.abi.LimitedContextSize())
	if addr+size > HeapBase+HeapSize-0x100 {
		b.fail(errors.New("synthetic heap exhausted"))
		return 0
	}
	b.heapTop += size
	b.writeContext(addr, b.pc(offs), b.sp)
	b.context = addr
	return addr
}

// ManagedCallout makes the running frame call into the runtime at callSite, which
// calls managed code again through the managed callout thunk. It returns the
// transition frame of the calling frame.
func (b *Builder) ManagedCallout(callSite uint32) libpf.Address {
	p := b.ptrSize()
	tf := b.TransitionFrame(callSite, regdisplay.TFSaveSP)
	b.Native(uint(8 * p))

	f := b.sp - 2*p
	b.write(f, b.fp)
	b.write(f+p, NativeReturnAddress)
	slot := f.Offset(int64(b.abi.Thunks.ManagedCalloutTransitionFrameOffset))
	b.write(slot, tf)
	b.fp = f
	b.sp = min(slot, f) - 2*p
	b.checkStack()
	b.leave(ThunkReturnAddress(thunks.ManagedCalloutThunk))
	return tf
}

// UniversalTransition makes the running frame call through the universal
// transition thunk at callSite. It returns the start of the spilled argument block.
func (b *Builder) UniversalTransition(callSite uint32) libpf.Address {
	lt := b.abi.Thunks
	ra := b.returnAddress(callSite)
	s := b.sp - libpf.Address(lt.UniversalFrameSize)
	b.fill(s, libpf.Address(lt.UniversalFrameSize), 0)
	if lt.UniversalSavedFPOffset >= 0 {
		b.write(s+libpf.Address(lt.UniversalSavedFPOffset), b.fp)
		b.fp = s + libpf.Address(lt.UniversalSavedFPOffset)
	}
	b.write(s+libpf.Address(lt.UniversalReturnAddressOffset), ra)
	b.sp = s
	b.checkStack()
	b.leave(ThunkReturnAddress(thunks.UniversalTransitionThunk))
	return s + libpf.Address(lt.UniversalArgBlockOffset)
}

// CallDescr makes the running frame call through the call descriptor thunk at
// callSite.
func (b *Builder) CallDescr(callSite uint32) {
	p := b.ptrSize()
	ra := b.returnAddress(callSite)
	regs := b.abi.Thunks.CallDescrRegs
	base := b.sp - libpf.Address(len(regs)+1)*p
	fpSlot := base
	for i, r := range regs {
		v := marker(r)
		if r == b.abi.FP {
			v = b.fp
			fpSlot = base + libpf.Address(i)*p
		}
		b.write(base+libpf.Address(i)*p, v)
	}
	b.write(base+libpf.Address(len(regs))*p, ra)
	b.fp = fpSlot
	b.sp = base
	b.checkStack()
	b.leave(ThunkReturnAddress(thunks.CallDescrThunk))
}

// Throw makes the running frame raise an exception at code offset offs. For
// hardware faults offs is the faulting instruction. The exception info lives in
// the throw site thunk frame and is returned in its first pass.
func (b *Builder) Throw(offs uint32, kind stackwalk.ExKind) *stackwalk.ExInfo {
	abi := b.abi
	var ip libpf.Address
	if kind.IsHardwareFault() {
		ip = b.pc(offs)
	} else {
		ip = b.returnAddress(offs)
	}
	scratch := libpf.Address(abi.OutgoingArgScratch)
	size := (scratch + libpf.Address(abi.Thunks.ExInfoSize+abi.LimitedContextSize()) +
		b.ptrSize()).AlignUp(abi.StackAlignment)
	s := b.sp - size
	b.fill(s, size, 0)
	ctx := s + scratch + libpf.Address(abi.Thunks.ExInfoSize)
	b.writeContext(ctx, ip, b.sp)

	ex := stackwalk.NewExInfo(kind, s+scratch, ctx)
	b.exInfos = append(b.exInfos, ex)
	b.sp = s
	b.checkStack()
	b.leave(ThunkReturnAddress(thunks.ThrowSiteThunk))
	return ex
}

// InvokeFunclet makes the running frame, the exception dispatcher, call funclet
// number funclet of the parent frame's method through the funclet invoke thunk at
// callSite. The funclet runs with the parent's frame pointer.
func (b *Builder) InvokeFunclet(parent Frame, funclet int, callSite uint32) Frame {
	abi := b.abi
	p := b.ptrSize()
	m := b.method(parent.Method)
	if m == nil {
		return Frame{}
	}
	if funclet < 0 || funclet >= len(m.Funclets) {
		b.fail(fmt.Errorf("method %s has no funclet %d", m.Name, funclet))
		return Frame{}
	}
	ra := b.returnAddress(callSite)
	s := b.sp - libpf.Address(abi.FuncletThunkFrameSize())
	b.fill(s, libpf.Address(abi.FuncletThunkFrameSize()), 0)
	base := s + libpf.Address(abi.OutgoingArgScratch+abi.Thunks.FuncletPadding)
	for i := range abi.NumPreserved {
		r := regdisplay.Reg(i)
		v := marker(r)
		if r == abi.FP {
			v = b.fp
		}
		b.write(base+libpf.Address(i)*p, v)
	}
	b.write(base+libpf.Address(abi.NumPreserved)*p, ra)
	b.sp = s
	b.fp = parent.FP
	ret := ThunkReturnAddress(thunks.FuncletInvokeThunk)
	b.leave(ret)
	return b.pushFrame(m, funclet, ret, b.fp, b.funcletLocals())
}

// Stack is a built synthetic thread.
type Stack struct {
	ABI      *regdisplay.ABI
	Image    *codeimage.Image
	Thunks   *thunks.Table
	Runtime  *stackwalk.Runtime
	Segments *remotememory.Segments
	Thread   *stackwalk.Thread
	// Frames lists the pushed managed frames, outermost first.
	Frames []Frame
	// ExInfos lists the raised exceptions, newest first.
	ExInfos []*stackwalk.ExInfo
	// Context is the last captured leaf context.
	Context libpf.Address
}

// ThunkRanges returns the ranges of all thunk categories.
func ThunkRanges() []thunks.Range {
	var ranges []thunks.Range
	for c := thunks.ThrowSiteThunk; c <= thunks.UniversalTransitionThunk; c++ {
		ranges = append(ranges, ThunkRange(c))
	}
	return ranges
}

// newRuntime returns a runtime over the image whose return addresses are checked
// against the call instructions in mem.
func newRuntime(abi *regdisplay.ABI, img *codeimage.Image, table *thunks.Table,
	mem remotememory.RemoteMemory) (*stackwalk.Runtime, error) {
	verifier, err := callsite.New(abi, mem)
	if err != nil {
		return nil, err
	}
	cfg := &stackwalk.Config{ABI: abi, Thunks: table, CallSites: verifier}
	if len(img.Methods()) > 0 {
		cfg.CodeRanges = []stackwalk.CodeRange{{Range: img.Range(), Manager: img}}
	}
	return stackwalk.NewRuntime(cfg)
}

// Build assembles the code image, the runtime and the thread.
func (b *Builder) Build() (*Stack, error) {
	if b.err != nil {
		return nil, b.err
	}
	img, err := codeimage.New("synthetic", b.abi, b.methods)
	if err != nil {
		return nil, err
	}
	table, err := thunks.NewTable(ThunkRanges())
	if err != nil {
		return nil, err
	}
	segs, err := remotememory.NewSegments(
		remotememory.Segment{Base: CodeBase, Data: b.code()},
		remotememory.Segment{Base: HeapBase, Data: b.heap},
		remotememory.Segment{Base: StackHigh - StackSize, Data: b.stack},
	)
	if err != nil {
		return nil, err
	}
	mem := remotememory.RemoteMemory{ReaderAt: segs, PointerSize: b.abi.PointerSize}
	rt, err := newRuntime(b.abi, img, table, mem)
	if err != nil {
		return nil, err
	}

	st := &Stack{
		ABI:      b.abi,
		Image:    img,
		Thunks:   table,
		Runtime:  rt,
		Segments: segs,
		Frames:   b.frames,
		Context:  b.context,
	}
	for i := len(b.exInfos) - 1; i >= 0; i-- {
		ex := b.exInfos[i]
		if i > 0 {
			ex.Next = b.exInfos[i-1]
		}
		st.ExInfos = append(st.ExInfos, ex)
	}
	st.Thread = &stackwalk.Thread{
		ID:              ThreadID,
		Runtime:         rt,
		Memory:          mem,
		StackLow:        StackHigh - StackSize,
		StackHigh:       StackHigh,
		TransitionFrame: b.tf,
	}
	if len(st.ExInfos) > 0 {
		st.Thread.ExInfoHead = st.ExInfos[0]
	}
	return st, nil
}

// Frame returns the built frame with the given image name, outermost first.
func (st *Stack) Frame(name string) (Frame, bool) {
	for _, f := range st.Frames {
		if f.Name == name {
			return f, true
		}
	}
	return Frame{}, false
}
