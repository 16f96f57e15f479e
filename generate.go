// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/rtstackwalk/internal/synthstack"
	"go.opentelemetry.io/rtstackwalk/regdisplay"
)

type generateCmd struct {
	abi        string
	scenario   string
	outputPath string
	all        bool
	overwrite  bool
}

func newGenerateCmd() *ffcli.Command {
	args := &generateCmd{}

	set := flag.NewFlagSet("generate", flag.ContinueOnError)
	set.StringVar(&args.abi, "abi", defaultArgABI, abiHelp)
	set.StringVar(&args.scenario, "scenario", "", scenarioHelp)
	set.StringVar(&args.outputPath, "o", "",
		outputHelp+" With -all, the directory to write the cases to.")
	set.BoolVar(&args.all, "all", false, "Generate every scenario for every ABI")
	set.BoolVar(&args.overwrite, "overwrite", false, "Overwrite existing cases")

	return &ffcli.Command{
		Name:       "generate",
		Exec:       args.exec,
		ShortUsage: "generate [flags]",
		ShortHelp:  "Generate synthetic cases",
		FlagSet:    set,
		Options:    []ff.Option{ff.WithEnvVarPrefix(envVarPrefix)},
	}
}

func (cmd *generateCmd) exec(context.Context, []string) error {
	if cmd.outputPath == "" {
		return errors.New("please specify `-o`")
	}
	if !cmd.all {
		if cmd.scenario == "" {
			return errors.New("please specify either `-scenario` or `-all`")
		}
		abi, err := regdisplay.Lookup(cmd.abi)
		if err != nil {
			return err
		}
		return cmd.generate(cmd.scenario, abi, cmd.outputPath)
	}

	for _, name := range synthstack.Scenarios() {
		for _, abi := range regdisplay.All() {
			path := filepath.Join(cmd.outputPath,
				fmt.Sprintf("%s-%s.json.zst", name, abi.Name))
			if err := cmd.generate(name, abi, path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (cmd *generateCmd) generate(name string, abi *regdisplay.ABI, path string) error {
	scenario, err := synthstack.LookupScenario(name)
	if err != nil {
		return err
	}
	st, err := scenario(abi)
	if err != nil {
		return fmt.Errorf("failed to build %s for %s: %w", name, abi, err)
	}
	c, err := st.Case()
	if err != nil {
		return err
	}
	if err = synthstack.WriteCaseFile(path, c, cmd.overwrite); err != nil {
		return err
	}
	log.Infof("Wrote %s", path)
	return nil
}
