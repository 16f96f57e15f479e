// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/rtstackwalk/libpf"

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// TraceHash represents the unique hash of a walked stack.
type TraceHash struct {
	hi, lo uint64
}

// NewTraceHash creates a TraceHash from its two halves.
func NewTraceHash(hi, lo uint64) TraceHash {
	return TraceHash{hi: hi, lo: lo}
}

// TraceHasher accumulates frame identities into a TraceHash.
type TraceHasher struct {
	h   *xxh3.Hasher
	buf [16]byte
}

// NewTraceHasher returns an empty TraceHasher.
func NewTraceHasher() *TraceHasher {
	return &TraceHasher{h: xxh3.New()}
}

// AddFrame mixes one frame, identified by its method start and code offset, into the hash.
func (th *TraceHasher) AddFrame(methodStart Address, codeOffset uint32) {
	binary.LittleEndian.PutUint64(th.buf[0:8], uint64(methodStart))
	binary.LittleEndian.PutUint64(th.buf[8:16], uint64(codeOffset))
	_, _ = th.h.Write(th.buf[:])
}

// Sum returns the hash of all frames added so far.
func (th *TraceHasher) Sum() TraceHash {
	h := th.h.Sum128()
	return TraceHash{hi: h.Hi, lo: h.Lo}
}

// Hi returns the upper 64 bits of the hash.
func (h TraceHash) Hi() uint64 { return h.hi }

// Lo returns the lower 64 bits of the hash.
func (h TraceHash) Lo() uint64 { return h.lo }

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used for LRU caching.
func (h TraceHash) Hash32() uint32 {
	return uint32(h.lo)
}

func (h TraceHash) String() string {
	return fmt.Sprintf("%016x%016x", h.hi, h.lo)
}

// MarshalText implements the encoding.TextMarshaler interface.
func (h TraceHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}
