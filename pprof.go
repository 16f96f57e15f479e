// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/rtstackwalk/stacktrace"
)

type pprofCmd struct {
	caseArgs
	out io.Writer

	outputPath string
}

func newPprofCmd(out io.Writer) *ffcli.Command {
	args := &pprofCmd{out: out}

	set := flag.NewFlagSet("pprof", flag.ContinueOnError)
	args.register(set)
	set.StringVar(&args.outputPath, "o", "", outputHelp+" Defaults to stdout.")

	return &ffcli.Command{
		Name:       "pprof",
		Exec:       args.exec,
		ShortUsage: "pprof [flags]",
		ShortHelp:  "Export the stack traces of a case as pprof profile",
		FlagSet:    set,
		Options:    []ff.Option{ff.WithEnvVarPrefix(envVarPrefix)},
	}
}

func (cmd *pprofCmd) exec(context.Context, []string) (err error) {
	_, lc, err := cmd.load()
	if err != nil {
		return err
	}

	traces := make([]*stacktrace.Trace, 0, len(lc.Threads))
	for _, th := range lc.Threads {
		trace, cerr := stacktrace.Capture(th)
		if cerr != nil {
			log.Warnf("Incomplete stack trace: %v", cerr)
		}
		traces = append(traces, trace)
	}
	p := stacktrace.ToProfile(traces, time.Now())

	w := cmd.out
	if cmd.outputPath != "" {
		var f *os.File
		if f, err = os.Create(cmd.outputPath); err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		w = f
	}
	if err = p.Write(w); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}
