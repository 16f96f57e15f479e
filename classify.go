// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/rtstackwalk/libpf"
)

type classifyCmd struct {
	caseArgs
	out io.Writer
}

func newClassifyCmd(out io.Writer) *ffcli.Command {
	args := &classifyCmd{out: out}

	set := flag.NewFlagSet("classify", flag.ContinueOnError)
	args.register(set)

	return &ffcli.Command{
		Name:       "classify",
		Exec:       args.exec,
		ShortUsage: "classify [flags] <address>...",
		ShortHelp:  "Classify code addresses of a case",
		FlagSet:    set,
		Options:    []ff.Option{ff.WithEnvVarPrefix(envVarPrefix)},
	}
}

func (cmd *classifyCmd) exec(_ context.Context, addrs []string) error {
	if len(addrs) == 0 {
		return errors.New("no addresses to classify")
	}
	_, lc, err := cmd.load()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tTHUNK\tMETHOD\tRETURN ADDRESS")
	for _, arg := range addrs {
		parsed, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return fmt.Errorf("failed to parse address %q: %v", arg, err)
		}
		pc := libpf.Address(parsed)

		method := "-"
		if cm := lc.Runtime.FindCodeManagerByAddress(pc); cm != nil {
			if mi, offs, ok := cm.ResolveMethod(pc); ok {
				method = fmt.Sprintf("%s+0x%x", cm.MethodName(&mi), offs)
			}
		}
		fmt.Fprintf(tw, "%v\t%s\t%s\t%t\n", pc, lc.Runtime.Thunks().Classify(pc), method,
			lc.Runtime.IsValidReturnAddress(pc))
	}
	return tw.Flush()
}
