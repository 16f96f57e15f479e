// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/rtstackwalk/libpf"

// PID represent Unix Process ID (pid_t)
type PID uint32

// TID represents a thread ID inside a process.
type TID uint32
