// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Defines the structures used in (de)serializing synthetic stack cases.

package synthstack // import "go.opentelemetry.io/rtstackwalk/internal/synthstack"

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"go.opentelemetry.io/rtstackwalk/codeimage"
	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/regdisplay"
	"go.opentelemetry.io/rtstackwalk/remotememory"
	"go.opentelemetry.io/rtstackwalk/stackwalk"
	"go.opentelemetry.io/rtstackwalk/thunks"
)

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Case is a self-contained snapshot of a runtime and its threads: the code image,
// the thunk ranges, the captured memory and the per-thread walk roots.
type Case struct {
	ABI     string                 `json:"abi"`
	Image   *codeimage.Description `json:"image"`
	Thunks  []thunks.Range         `json:"thunks"`
	Memory  []CaseSegment          `json:"memory"`
	Threads []CaseThread           `json:"threads"`
}

// CaseSegment is one captured memory block.
type CaseSegment struct {
	Base libpf.Address `json:"base"`
	Data []byte        `json:"data"`
}

// CaseThread describes the walk roots of one thread.
type CaseThread struct {
	ID              libpf.TID     `json:"id"`
	StackLow        libpf.Address `json:"stack-low"`
	StackHigh       libpf.Address `json:"stack-high"`
	TransitionFrame libpf.Address `json:"transition-frame,omitempty"`
	Context         libpf.Address `json:"context,omitempty"`
	// ExInfos lists the in-flight exceptions, newest first.
	ExInfos []CaseExInfo `json:"exinfos,omitempty"`
	// Frames are the frame names a GC walk is expected to yield.
	Frames []string `json:"frames,omitempty"`
}

// CaseExInfo is one in-flight exception. Second pass dispatch iterators are
// positioned on the frame of Context.
type CaseExInfo struct {
	StackPointer libpf.Address    `json:"sp"`
	Kind         stackwalk.ExKind `json:"kind"`
	PassNumber   uint8            `json:"pass"`
	CurClause    uint32           `json:"clause"`
	Context      libpf.Address    `json:"context"`
}

// Case serializes the stack. The expected frames are those of a GC walk.
func (st *Stack) Case() (*Case, error) {
	c := &Case{
		ABI:    st.ABI.Name,
		Image:  st.Image.Description(),
		Thunks: st.Thunks.Ranges(),
	}
	for _, seg := range st.Segments.Segments() {
		c.Memory = append(c.Memory, CaseSegment{Base: seg.Base, Data: seg.Data})
	}

	th := st.Thread
	ct := CaseThread{
		ID:              th.ID,
		StackLow:        th.StackLow,
		StackHigh:       th.StackHigh,
		TransitionFrame: th.TransitionFrame,
		Context:         st.Context,
	}
	for ex := th.ExInfoHead; ex != nil; ex = ex.Next {
		ct.ExInfos = append(ct.ExInfos, CaseExInfo{
			StackPointer: ex.StackPointer,
			Kind:         ex.Kind,
			PassNumber:   ex.PassNumber,
			CurClause:    ex.CurClause,
			Context:      ex.Context,
		})
	}
	if th.TransitionFrame != 0 {
		frames, err := Walk(stackwalk.NewFromTransitionFrame(th, th.TransitionFrame,
			stackwalk.GCPolicy))
		if err != nil {
			return nil, fmt.Errorf("failed to walk thread %d: %w", th.ID, err)
		}
		ct.Frames = Names(frames)
	}
	c.Threads = append(c.Threads, ct)
	return c, nil
}

// LoadedCase is a case turned back into a runtime and walkable threads.
type LoadedCase struct {
	ABI     *regdisplay.ABI
	Image   *codeimage.Image
	Runtime *stackwalk.Runtime
	Threads []*stackwalk.Thread
	// Contexts holds the leaf context of each thread, zero if there is none.
	Contexts map[libpf.TID]libpf.Address
}

// Load rebuilds the runtime and threads of the case over its captured memory.
func (c *Case) Load() (*LoadedCase, error) {
	segs := make([]remotememory.Segment, 0, len(c.Memory))
	for _, s := range c.Memory {
		segs = append(segs, remotememory.Segment{Base: s.Base, Data: s.Data})
	}
	image, err := remotememory.NewSegments(segs...)
	if err != nil {
		return nil, err
	}
	return c.LoadFrom(image)
}

// LoadFrom rebuilds the runtime and threads of the case reading memory from r,
// e.g. the live process the case describes.
func (c *Case) LoadFrom(r io.ReaderAt) (*LoadedCase, error) {
	if c.Image == nil {
		return nil, errors.New("case has no code image")
	}
	abi, err := regdisplay.Lookup(c.ABI)
	if err != nil {
		return nil, err
	}
	img, err := codeimage.FromDescription(c.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to load code image: %w", err)
	}
	table, err := thunks.NewTable(c.Thunks)
	if err != nil {
		return nil, err
	}
	mem := remotememory.RemoteMemory{ReaderAt: r, PointerSize: abi.PointerSize}
	rt, err := newRuntime(abi, img, table, mem)
	if err != nil {
		return nil, err
	}

	lc := &LoadedCase{
		ABI:      abi,
		Image:    img,
		Runtime:  rt,
		Contexts: make(map[libpf.TID]libpf.Address),
	}
	for _, ct := range c.Threads {
		th := &stackwalk.Thread{
			ID:              ct.ID,
			Runtime:         rt,
			Memory:          mem,
			StackLow:        ct.StackLow,
			StackHigh:       ct.StackHigh,
			TransitionFrame: ct.TransitionFrame,
		}
		var prev *stackwalk.ExInfo
		var chain []*stackwalk.ExInfo
		for _, ce := range ct.ExInfos {
			ex := &stackwalk.ExInfo{
				StackPointer: ce.StackPointer,
				Kind:         ce.Kind,
				PassNumber:   ce.PassNumber,
				CurClause:    ce.CurClause,
				Context:      ce.Context,
			}
			if prev == nil {
				th.ExInfoHead = ex
			} else {
				prev.Next = ex
			}
			prev = ex
			chain = append(chain, ex)
		}
		if err := th.ValidateExInfoChain(); err != nil {
			return nil, fmt.Errorf("thread %d: %w", ct.ID, err)
		}
		for _, ex := range chain {
			if ex.PassNumber == 2 {
				ex.FrameIter = stackwalk.NewForEH(th, ex.Context, ex.Kind.IsHardwareFault())
			}
		}
		lc.Threads = append(lc.Threads, th)
		if ct.Context != 0 {
			lc.Contexts[ct.ID] = ct.Context
		}
	}
	return lc, nil
}

// WriteCase encodes the case as indented JSON, zstd compressed if requested.
func WriteCase(w io.Writer, c *Case, compress bool) (err error) {
	if compress {
		zw, zerr := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if zerr != nil {
			return zerr
		}
		defer func() {
			if cerr := zw.Close(); err == nil {
				err = cerr
			}
		}()
		w = zw
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err = enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode case: %w", err)
	}
	return nil
}

// ReadCase decodes a case, detecting zstd compression.
func ReadCase(r io.Reader) (*Case, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(len(zstdMagic)); err == nil && bytes.Equal(magic, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return decodeCase(dec)
	}
	return decodeCase(br)
}

func decodeCase(r io.Reader) (*Case, error) {
	c := &Case{}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("failed to decode case: %w", err)
	}
	return c, nil
}

// ReadCaseFile reads a case from disk.
func ReadCaseFile(path string) (*Case, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCase(f)
}

// WriteCaseFile writes a case to disk. Paths ending in ".zst" are compressed.
func WriteCaseFile(path string, c *Case, allowOverwrite bool) error {
	flags := os.O_RDWR | os.O_CREATE
	if allowOverwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, flags, 0o666)
	if err != nil {
		return fmt.Errorf("failed to create case file: %w", err)
	}
	if err := WriteCase(f, c, strings.HasSuffix(path, ".zst")); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
