// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vc provides buildtime information.
package vc // import "go.opentelemetry.io/rtstackwalk/vc"

import (
	"fmt"
	"runtime/debug"
)

var (
	// The following variables are going to be set at link time using ldflags
	// and can be referenced later in the program.

	// revision of the build
	revision = ""
	// buildTimestamp, timestamp of the build
	buildTimestamp = ""
	// version in vX.Y.Z{-N-abbrev} format (via git-describe --tags)
	version = ""
)

// Revision of the build. Without ldflags it falls back to the VCS revision
// recorded by the Go toolchain.
func Revision() string {
	if revision != "" {
		return revision
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
	}
	return ""
}

// BuildTimestamp returns the timestamp of the build.
func BuildTimestamp() string {
	return buildTimestamp
}

// Version in vX.Y.Z{-N-abbrev} format, "dev" for builds without ldflags.
func Version() string {
	if version == "" {
		return "dev"
	}
	return version
}

// String describes the build in one line.
func String() string {
	s := Version()
	if rev := Revision(); rev != "" {
		s += fmt.Sprintf(" (%s)", rev)
	}
	if ts := BuildTimestamp(); ts != "" {
		s += " built " + ts
	}
	return s
}
