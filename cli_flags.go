// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3"

	"go.opentelemetry.io/rtstackwalk/internal/synthstack"
	"go.opentelemetry.io/rtstackwalk/libpf"
	"go.opentelemetry.io/rtstackwalk/regdisplay"
	"go.opentelemetry.io/rtstackwalk/remotememory"
)

const (
	// Default values for CLI flags
	defaultArgABI         = "amd64-sysv"
	defaultArgParallelism = 4

	envVarPrefix = "STACKWALK"
)

// Help strings for command line arguments
var (
	verboseModeHelp = "Enable verbose logging and debugging capabilities."
	configHelp      = "Path of a config file with one 'flag value' per line."
	caseHelp        = "Path of the case file to load."
	pidHelp         = "Read memory from the live process with this PID instead of the " +
		"memory captured in the case."
	parallelismHelp = "Number of threads walked concurrently."
	abiHelp         = "ABI of generated cases."
	scenarioHelp    = fmt.Sprintf("Scenario to generate, one of %v.", synthstack.Scenarios())
	outputHelp      = "Output file path."
)

// ffOptions configures flag parsing of all commands: environment variables with the
// STACKWALK_ prefix and an optional plain config file.
func ffOptions() []ff.Option {
	return []ff.Option{
		ff.WithEnvVarPrefix(envVarPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithAllowMissingConfigFile(true),
	}
}

type rootArgs struct {
	verbose bool
	config  string
}

func (args *rootArgs) flagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("stackwalk", flag.ContinueOnError)
	fs.StringVar(&args.config, "config", "", configHelp)
	fs.BoolVar(&args.verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verbose, "verbose", false, verboseModeHelp)
	return fs
}

// caseArgs are shared by the commands reading a case.
type caseArgs struct {
	casePath string
	pid      int
}

func (args *caseArgs) register(fs *flag.FlagSet) {
	fs.StringVar(&args.casePath, "case", "", caseHelp)
	fs.IntVar(&args.pid, "pid", 0, pidHelp)
}

func (args *caseArgs) load() (*synthstack.Case, *synthstack.LoadedCase, error) {
	if args.casePath == "" {
		return nil, nil, errors.New("please specify `-case`")
	}
	c, err := synthstack.ReadCaseFile(args.casePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read case: %w", err)
	}
	var lc *synthstack.LoadedCase
	if args.pid != 0 {
		// Live memory must belong to a process of the case ABI.
		host, herr := regdisplay.HostABI()
		if herr != nil {
			return nil, nil, herr
		}
		if host.Name != c.ABI {
			return nil, nil, fmt.Errorf("case ABI %s does not match host ABI %s", c.ABI, host)
		}
		mem := remotememory.NewProcessVirtualMemory(libpf.PID(args.pid), 0)
		lc, err = c.LoadFrom(mem.ReaderAt)
	} else {
		lc, err = c.Load()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load case %s: %w", args.casePath, err)
	}
	return c, lc, nil
}
