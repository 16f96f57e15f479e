// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// stackwalk is a tool for walking the managed stacks of runtime snapshot cases. It
// generates synthetic cases, walks their threads the way the garbage collector,
// the exception dispatcher and the profiler do, and exports stack traces as pprof.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/rtstackwalk/metrics"
)

func newRootCmd(out io.Writer) (*ffcli.Command, *rootArgs) {
	args := &rootArgs{}
	return &ffcli.Command{
		Name:       "stackwalk",
		ShortUsage: "stackwalk [flags] <subcommand> [flags]",
		ShortHelp:  "Tool for walking managed runtime stacks",
		FlagSet:    args.flagSet(),
		Options:    ffOptions(),
		Subcommands: []*ffcli.Command{
			newAnalyzeCmd(out),
			newClassifyCmd(out),
			newGenerateCmd(),
			newPprofCmd(out),
			newVersionCmd(out),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}, args
}

func run(ctx context.Context, argv []string, out io.Writer) error {
	root, args := newRootCmd(out)
	if err := root.Parse(argv); err != nil {
		return err
	}
	if args.verbose {
		log.SetLevel(log.DebugLevel)
	}
	defer metrics.Flush()
	return root.Run(ctx)
}

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
	}
}
