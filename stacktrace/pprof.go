// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stacktrace // import "go.opentelemetry.io/rtstackwalk/stacktrace"

import (
	"time"

	"github.com/google/pprof/profile"

	"go.opentelemetry.io/rtstackwalk/libpf"
)

// ToProfile aggregates traces into a pprof profile with one "samples/count" value
// per distinct trace.
func ToProfile(traces []*Trace, captured time.Time) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		TimeNanos:  captured.UnixNano(),
		Mapping: []*profile.Mapping{{
			ID:           1,
			File:         "[managed]",
			HasFunctions: true,
		}},
	}
	mapping := p.Mapping[0]

	functions := make(map[string]*profile.Function)
	locations := make(map[libpf.Address]*profile.Location)
	samples := make(map[libpf.TraceHash]*profile.Sample)

	for _, trace := range traces {
		if s, ok := samples[trace.Hash]; ok {
			s.Value[0]++
			continue
		}
		s := &profile.Sample{Value: []int64{1}}
		for _, f := range trace.Frames {
			loc, ok := locations[f.ControlPC]
			if !ok {
				fn, ok := functions[f.Method]
				if !ok {
					fn = &profile.Function{
						ID:         uint64(len(p.Function) + 1),
						Name:       f.Method,
						SystemName: f.Method,
					}
					functions[f.Method] = fn
					p.Function = append(p.Function, fn)
				}
				loc = &profile.Location{
					ID:      uint64(len(p.Location) + 1),
					Mapping: mapping,
					Address: uint64(f.ControlPC),
					Line:    []profile.Line{{Function: fn}},
				}
				locations[f.ControlPC] = loc
				p.Location = append(p.Location, loc)
			}
			s.Location = append(s.Location, loc)
		}
		samples[trace.Hash] = s
		p.Sample = append(p.Sample, s)
	}
	return p
}
