// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package codeman

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsCodeOffset(t *testing.T) {
	clause := EHClause{Kind: EHClauseTyped, TryStart: 0x10, TryEnd: 0x30}

	tests := map[string]struct {
		offs uint32
		want bool
	}{
		"before":    {offs: 0xf, want: false},
		"start":     {offs: 0x10, want: true},
		"inside":    {offs: 0x20, want: true},
		"last byte": {offs: 0x2f, want: true},
		"end":       {offs: 0x30, want: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, clause.ContainsCodeOffset(tc.offs))
		})
	}
}

func TestKindStrings(t *testing.T) {
	assert.Equal(t, "byref", GCRefByRef.String())
	assert.Equal(t, "GCRefKind(9)", GCRefKind(9).String())
	assert.Equal(t, "filter", EHClauseFilter.String())
	assert.Equal(t, "EHClauseKind(7)", EHClauseKind(7).String())
}
