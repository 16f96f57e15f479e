// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package codeimage implements a code manager over a described image of compiled
// managed methods: their unwind rules, funclets, exception clauses and GC slots.
package codeimage // import "go.opentelemetry.io/rtstackwalk/codeimage"

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	lru "github.com/elastic/go-freelru"
	sha256 "github.com/minio/sha256-simd"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/rtstackwalk/codeman"
	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/metrics"
	"go.opentelemetry.io/rtstackwalk/regdisplay"
	"go.opentelemetry.io/rtstackwalk/remotememory"
)

// methodCacheSize is the number of PC to method mappings cached per image.
const methodCacheSize = 1024

var (
	// ErrUnknownMethod is returned for method infos not issued by the image.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrUnknownRegister is returned for GC slots naming registers the ABI lacks.
	ErrUnknownRegister = errors.New("unknown register")
)

// Image is a code manager for a set of methods. It is safe for concurrent use.
type Image struct {
	name    string
	abi     *regdisplay.ABI
	methods []Method

	// addrToMethod caches PC to method index lookups.
	addrToMethod *lru.SyncedLRU[libpf.Address, int]
	lookupHits   atomic.Uint64
	lookupMisses atomic.Uint64

	id string
}

var _ codeman.CodeManager = &Image{}

// New validates the methods and builds an image for the given ABI.
func New(name string, abi *regdisplay.ABI, methods []Method) (*Image, error) {
	sorted := slices.Clone(methods)
	slices.SortFunc(sorted, func(a, b Method) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	for i := range sorted {
		m := &sorted[i]
		if err := m.validate(); err != nil {
			return nil, err
		}
		if i > 0 && m.Start < sorted[i-1].End() {
			return nil, fmt.Errorf("method %s overlaps %s", m.Name, sorted[i-1].Name)
		}
	}

	cache, err := lru.NewSynced[libpf.Address, int](methodCacheSize, libpf.Address.Hash32)
	if err != nil {
		return nil, err
	}
	img := &Image{
		name:         name,
		abi:          abi,
		methods:      sorted,
		addrToMethod: cache,
	}
	img.id = img.computeID()
	return img, nil
}

// computeID derives a content identity from the method layout.
func (img *Image) computeID() string {
	h := sha256.New()
	var buf [12]byte
	for i := range img.methods {
		m := &img.methods[i]
		binary.LittleEndian.PutUint64(buf[0:8], uint64(m.Start))
		binary.LittleEndian.PutUint32(buf[8:12], m.Size)
		_, _ = h.Write(buf[:])
		_, _ = h.Write([]byte(m.Name))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Name returns the image name.
func (img *Image) Name() string {
	return img.name
}

// ID returns the content identity of the image.
func (img *Image) ID() string {
	return img.id
}

// Methods returns the methods in address order.
func (img *Image) Methods() []Method {
	return img.methods
}

// Range returns the address range covered by the image's code.
func (img *Image) Range() libpf.AddressRange {
	if len(img.methods) == 0 {
		return libpf.AddressRange{}
	}
	return libpf.AddressRange{
		Start: img.methods[0].Start,
		End:   img.methods[len(img.methods)-1].End(),
	}
}

// MethodByName returns the method with the given name.
func (img *Image) MethodByName(name string) (*Method, bool) {
	for i := range img.methods {
		if img.methods[i].Name == name {
			return &img.methods[i], true
		}
	}
	return nil, false
}

// methodIndex looks up the method containing pc.
func (img *Image) methodIndex(pc libpf.Address) (int, bool) {
	if idx, ok := img.addrToMethod.Get(pc); ok {
		img.lookupHits.Add(1)
		return idx, true
	}
	img.lookupMisses.Add(1)
	idx, found := slices.BinarySearchFunc(img.methods, pc, func(m Method, pc libpf.Address) int {
		switch {
		case pc < m.Start:
			return 1
		case pc >= m.End():
			return -1
		}
		return 0
	})
	if !found {
		return 0, false
	}
	img.addrToMethod.Add(pc, idx)
	return idx, true
}

// GetAndResetMetrics returns the method lookup cache metrics accumulated since the
// previous call.
func (img *Image) GetAndResetMetrics() []metrics.Metric {
	return []metrics.Metric{
		{
			ID:    metrics.IDCodeImageLookupHit,
			Value: metrics.MetricValue(img.lookupHits.Swap(0)),
		},
		{
			ID:    metrics.IDCodeImageLookupMiss,
			Value: metrics.MetricValue(img.lookupMisses.Swap(0)),
		},
	}
}

// Method handles encode the method index and funclet index plus one.
func makeHandle(methodIdx, funcletIdx int) uint64 {
	return uint64(methodIdx)<<16 | uint64(funcletIdx+1)
}

func (img *Image) resolveHandle(mi *codeman.MethodInfo) (*Method, *Body, int, error) {
	methodIdx := int(mi.Handle >> 16)
	funcletIdx := int(mi.Handle&0xffff) - 1
	if methodIdx >= len(img.methods) || img.methods[methodIdx].Start != mi.Start {
		return nil, nil, 0, fmt.Errorf("%w: %v", ErrUnknownMethod, mi.Start)
	}
	m := &img.methods[methodIdx]
	if funcletIdx < 0 {
		return m, &m.Body, -1, nil
	}
	if funcletIdx >= len(m.Funclets) {
		return nil, nil, 0, fmt.Errorf("%w: funclet %d of %s", ErrUnknownMethod,
			funcletIdx, m.Name)
	}
	return m, &m.Funclets[funcletIdx].Body, funcletIdx, nil
}

// ResolveMethod implements codeman.CodeManager.
func (img *Image) ResolveMethod(pc libpf.Address) (codeman.MethodInfo, uint32, bool) {
	idx, ok := img.methodIndex(pc)
	if !ok {
		return codeman.MethodInfo{}, 0, false
	}
	m := &img.methods[idx]
	offs := uint32(pc - m.Start)
	return codeman.MethodInfo{
		Start:  m.Start,
		Handle: makeHandle(idx, m.funcletAt(offs)),
	}, offs, true
}

// UnwindOneFrame implements codeman.CodeManager.
func (img *Image) UnwindOneFrame(mem remotememory.RemoteMemory, mi *codeman.MethodInfo,
	rd *regdisplay.RegDisplay) (libpf.Address, error) {
	m, body, funcletIdx, err := img.resolveHandle(mi)
	if err != nil {
		return 0, err
	}
	if m.ReversePInvoke && funcletIdx < 0 {
		slot := rd.FP().Offset(int64(m.ReversePInvokeSlot))
		prev, err := mem.PtrChecked(slot)
		if err != nil {
			return 0, fmt.Errorf("failed to read previous transition frame of %s: %w",
				m.Name, err)
		}
		if prev == 0 {
			prev = codeman.TopOfStackMarker
		}
		log.Debugf("Reverse P/Invoke frame %s: previous transition frame %v", m.Name, prev)
		return prev, nil
	}

	offs := uint32(rd.IP - m.Start)
	rule := regdisplay.FrameRule{Info: body.Deltas.Lookup(uint64(offs))}
	if offs >= body.prologEnd(funcletIdx, m) {
		rule.Saved = body.Saved
	}
	if err := rd.Unwind(mem, rule); err != nil {
		return 0, fmt.Errorf("failed to unwind %s+0x%x: %w", m.Name, offs, err)
	}
	return 0, nil
}

// prologEnd returns the code offset the body's prolog ends at.
func (b *Body) prologEnd(funcletIdx int, m *Method) uint32 {
	if funcletIdx < 0 {
		return b.PrologSize
	}
	return m.Funclets[funcletIdx].Offset + b.PrologSize
}

// EnumerateGCReferences implements codeman.CodeManager.
func (img *Image) EnumerateGCReferences(mi *codeman.MethodInfo, codeOffset uint32,
	rd *regdisplay.RegDisplay, fn func(codeman.GCRef)) error {
	_, body, _, err := img.resolveHandle(mi)
	if err != nil {
		return err
	}
	for i := range body.GCSlots {
		slot := &body.GCSlots[i]
		if !slot.Live.Contains(codeOffset) {
			continue
		}
		var addr libpf.Address
		switch slot.Base {
		case GCBaseSP:
			addr = rd.SP.Offset(int64(slot.Offset))
		case GCBaseFP:
			addr = rd.FP().Offset(int64(slot.Offset))
		case GCBaseReg:
			r, ok := img.abi.RegByName(slot.Reg)
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownRegister, slot.Reg)
			}
			// Registers only live in the CPU cannot be reported by location.
			addr = rd.Reg(r).Addr
			if addr == 0 {
				continue
			}
		default:
			return fmt.Errorf("invalid GC slot base %q", slot.Base)
		}
		fn(codeman.GCRef{Addr: addr, Kind: slot.Kind, Flags: slot.Flags})
	}
	return nil
}

// IsInProlog implements codeman.CodeManager.
func (img *Image) IsInProlog(mi *codeman.MethodInfo, codeOffset uint32) bool {
	m, body, funcletIdx, err := img.resolveHandle(mi)
	if err != nil {
		return false
	}
	start := uint32(0)
	if funcletIdx >= 0 {
		start = m.Funclets[funcletIdx].Offset
	}
	return codeOffset >= start && codeOffset < body.prologEnd(funcletIdx, m)
}

// IsInEpilog implements codeman.CodeManager.
func (img *Image) IsInEpilog(mi *codeman.MethodInfo, codeOffset uint32) bool {
	_, body, _, err := img.resolveHandle(mi)
	if err != nil {
		return false
	}
	for _, e := range body.Epilogs {
		if e.Contains(codeOffset) {
			return true
		}
	}
	return false
}

// IsFunclet implements codeman.CodeManager.
func (img *Image) IsFunclet(mi *codeman.MethodInfo) bool {
	return mi.Handle&0xffff != 0
}

// FuncletStartOffset implements codeman.CodeManager.
func (img *Image) FuncletStartOffset(mi *codeman.MethodInfo) (uint32, bool) {
	m, _, funcletIdx, err := img.resolveHandle(mi)
	if err != nil || funcletIdx < 0 {
		return 0, false
	}
	return m.Funclets[funcletIdx].Offset, true
}

// FramePointer implements codeman.CodeManager. Methods with a frame pointer, and
// their funclets, are identified by it; frameless methods by their CFA.
func (img *Image) FramePointer(mi *codeman.MethodInfo, rd *regdisplay.RegDisplay) libpf.Address {
	m, body, _, err := img.resolveHandle(mi)
	if err != nil {
		return 0
	}
	if m.HasFramePointer {
		return rd.FP()
	}
	info := body.Deltas.Lookup(uint64(rd.IP - m.Start))
	if info.IsCommand() {
		return 0
	}
	return rd.SP.Offset(int64(info.Param))
}

// ConservativeUpperBoundForOutgoingArgs implements codeman.CodeManager.
func (img *Image) ConservativeUpperBoundForOutgoingArgs(mi *codeman.MethodInfo,
	rd *regdisplay.RegDisplay) libpf.Address {
	_, body, _, err := img.resolveHandle(mi)
	if err != nil {
		return rd.SP
	}
	return rd.SP + libpf.Address(body.OutgoingArgSize)
}

// EHClauses implements codeman.CodeManager.
func (img *Image) EHClauses(mi *codeman.MethodInfo) []codeman.EHClause {
	m, _, _, err := img.resolveHandle(mi)
	if err != nil {
		return nil
	}
	return m.EHClauses
}

// FindNearestGCSafePointInHandler implements codeman.CodeManager.
func (img *Image) FindNearestGCSafePointInHandler(mi *codeman.MethodInfo,
	handlerOffset uint32) (uint32, bool) {
	m, _, _, err := img.resolveHandle(mi)
	if err != nil {
		return 0, false
	}
	idx := m.funcletAt(handlerOffset)
	if idx < 0 || m.Funclets[idx].Offset != handlerOffset {
		return 0, false
	}
	f := &m.Funclets[idx]
	return f.Offset + f.PrologSize, true
}

// MethodName implements codeman.CodeManager.
func (img *Image) MethodName(mi *codeman.MethodInfo) string {
	m, _, funcletIdx, err := img.resolveHandle(mi)
	if err != nil {
		return mi.Start.String()
	}
	if funcletIdx >= 0 {
		return fmt.Sprintf("%s$funclet%d", m.Name, funcletIdx)
	}
	return m.Name
}
