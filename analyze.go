// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/rtstackwalk/ehdispatch"
	"go.opentelemetry.io/rtstackwalk/gcroots"
	"go.opentelemetry.io/rtstackwalk/internal/synthstack"
	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/metrics"
	"go.opentelemetry.io/rtstackwalk/stacktrace"
	"go.opentelemetry.io/rtstackwalk/stackwalk"
)

type analyzeCmd struct {
	caseArgs
	out io.Writer

	parallelism int
	check       bool
	threads     string
}

func newAnalyzeCmd(out io.Writer) *ffcli.Command {
	args := &analyzeCmd{out: out}

	set := flag.NewFlagSet("analyze", flag.ContinueOnError)
	args.register(set)
	set.IntVar(&args.parallelism, "parallelism", defaultArgParallelism, parallelismHelp)
	set.BoolVar(&args.check, "check", false,
		"Fail if a GC walk does not yield the frames recorded in the case")
	set.StringVar(&args.threads, "threads", "", "Only walk certain threads (comma separated)")

	return &ffcli.Command{
		Name:       "analyze",
		Exec:       args.exec,
		ShortUsage: "analyze [flags]",
		ShortHelp:  "Walk all threads of a case",
		FlagSet:    set,
		Options:    []ff.Option{ff.WithEnvVarPrefix(envVarPrefix)},
	}
}

type frameReport struct {
	Method       string          `json:"method"`
	ControlPC    libpf.Address   `json:"pc"`
	CodeOffset   uint32          `json:"offset"`
	SP           libpf.Address   `json:"sp"`
	FramePointer libpf.Address   `json:"fp"`
	Conservative []libpf.Address `json:"conservative,omitempty"`
	Collided     bool            `json:"collided,omitempty"`
}

type catchReport struct {
	Handled bool   `json:"handled"`
	Frame   string `json:"frame,omitempty"`
	Clause  uint32 `json:"clause,omitempty"`
}

type threadReport struct {
	ID                libpf.TID       `json:"id"`
	Frames            []frameReport   `json:"frames"`
	PreciseRoots      int             `json:"precise-roots"`
	ConservativeRoots int             `json:"conservative-roots"`
	TraceHash         libpf.TraceHash `json:"trace-hash"`
	// Exception is the first pass result of the newest in-flight exception.
	Exception *catchReport `json:"exception,omitempty"`
	Error     string       `json:"error,omitempty"`
	Mismatch  bool         `json:"mismatch,omitempty"`
}

func analyzeThread(th *stackwalk.Thread, expected []string) threadReport {
	rep := threadReport{ID: th.ID}
	if th.TransitionFrame != 0 {
		it := stackwalk.NewFromTransitionFrame(th, th.TransitionFrame, stackwalk.GCPolicy)
		frames, err := synthstack.Walk(it)
		for i := range frames {
			f := &frames[i]
			fr := frameReport{
				Method:       f.Name,
				ControlPC:    f.ControlPC,
				CodeOffset:   f.CodeOffset,
				SP:           f.SP,
				FramePointer: f.FramePointer,
				Collided:     f.Outcome.Collided,
			}
			if f.Conservative {
				fr.Conservative = []libpf.Address{f.Lower, f.Upper}
			}
			rep.Frames = append(rep.Frames, fr)
		}
		if err != nil {
			rep.Error = err.Error()
		}
		if expected != nil && !slices.Equal(expected, synthstack.Names(frames)) {
			rep.Mismatch = true
		}
	}

	res, err := gcroots.EnumerateThread(th, func(gcroots.Root) {})
	rep.PreciseRoots = res.Precise
	rep.ConservativeRoots = res.Conservative
	if err != nil && rep.Error == "" {
		rep.Error = err.Error()
	}

	if trace, err := stacktrace.Capture(th); err == nil {
		rep.TraceHash = trace.Hash
	}

	if ex := th.ExInfoHead; ex != nil && ex.PassNumber == 1 {
		disp, err := ehdispatch.New(th, ehdispatch.CatchAll).FirstPass(ex)
		if err != nil {
			log.Warnf("Thread %d: %v", th.ID, err)
		} else {
			rep.Exception = &catchReport{Handled: disp.Handled}
			if disp.Handled {
				rep.Exception.Frame = disp.Catch.Frame.String()
				rep.Exception.Clause = disp.Catch.ClauseIdx
			}
		}
	}
	return rep
}

func parseThreadFilter(arg string) (libpf.Set[libpf.TID], error) {
	if arg == "" {
		return nil, nil
	}
	filter := libpf.Set[libpf.TID]{}
	for _, tid := range strings.Split(arg, ",") {
		parsed, err := strconv.ParseUint(strings.TrimSpace(tid), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse thread ID: %v", err)
		}
		filter[libpf.TID(parsed)] = libpf.Void{}
	}
	return filter, nil
}

func (cmd *analyzeCmd) exec(ctx context.Context, _ []string) error {
	filter, err := parseThreadFilter(cmd.threads)
	if err != nil {
		return err
	}
	c, lc, err := cmd.load()
	if err != nil {
		return err
	}
	threads := lc.Threads
	if filter != nil {
		threads = slices.DeleteFunc(slices.Clone(threads), func(th *stackwalk.Thread) bool {
			return !filter.Has(th.ID)
		})
	}
	expected := make(map[libpf.TID][]string, len(c.Threads))
	for _, ct := range c.Threads {
		expected[ct.ID] = ct.Frames
	}

	reports := make([]threadReport, len(threads))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(max(cmd.parallelism, 1))
	for i, th := range threads {
		var want []string
		if cmd.check {
			want = expected[th.ID]
		}
		g.Go(func() error {
			reports[i] = analyzeThread(th, want)
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}
	metrics.AddSlice(lc.Image.GetAndResetMetrics())

	enc := json.NewEncoder(cmd.out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err = enc.Encode(reports); err != nil {
		return fmt.Errorf("JSON Marshall failed: %w", err)
	}

	for _, rep := range reports {
		if rep.Mismatch {
			return fmt.Errorf("thread %d: GC walk does not match the case", rep.ID)
		}
	}
	return nil
}
