// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/rtstackwalk/vc"
)

func newVersionCmd(out io.Writer) *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "version",
		ShortHelp:  "Show version",
		FlagSet:    flag.NewFlagSet("version", flag.ContinueOnError),
		Exec: func(context.Context, []string) error {
			_, err := fmt.Fprintln(out, vc.String())
			return err
		},
	}
}
