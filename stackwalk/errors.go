// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/rtstackwalk/stackwalk"

import "errors"

var (
	// ErrUnknownControlPC is the reason for walks reaching a PC that belongs to
	// neither a code manager nor a thunk.
	ErrUnknownControlPC = errors.New("control PC not in managed code")
	// ErrUnexpectedThunk is the reason for walks seeded inside an exception
	// handling thunk from a transition frame.
	ErrUnexpectedThunk = errors.New("unexpected thunk")
	// ErrCorruptFrame is the reason for walks failing to unwind a frame.
	ErrCorruptFrame = errors.New("corrupt stack frame")
	// ErrCorruptExInfoChain is returned for exception chains out of order.
	ErrCorruptExInfoChain = errors.New("corrupt exception info chain")
	// ErrInvalidPolicy is the reason for walks seeded with a policy the entry point
	// does not support.
	ErrInvalidPolicy = errors.New("invalid walk policy")

	// ErrCollisionPending is the panic value of Next calls made while a collision
	// awaits ResumeAfterCollision.
	ErrCollisionPending = errors.New("exception collision pending")
	// ErrNotValid is the panic value of frame accessors called on an iterator
	// without a current frame.
	ErrNotValid = errors.New("stack frame iterator not valid")
)
