// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrAlreadyInstalled means the target already carries a handler.
	// The existing handler is kept.
	ErrAlreadyInstalled = errors.New("hook already installed")
	// ErrNilHandler means Install was called without a handler.
	ErrNilHandler = errors.New("nil hook handler")
	// ErrUnresolved means the Target was not produced by Resolve.
	ErrUnresolved = errors.New("target not resolved")
)

// TargetNotFoundError is returned by Resolve when no declared callable
// matches the requested owner, method and parameter signature.
type TargetNotFoundError struct {
	Owner  reflect.Type
	Method string
	Params []reflect.Type
	Reason string
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("hook target %s not found: %s", formatKey(e.Owner, e.Method, e.Params), e.Reason)
}

// InstallationError is returned by Install when the handler could not be
// attached to the target.
type InstallationError struct {
	Target string
	Err    error
}

func (e *InstallationError) Error() string {
	return fmt.Sprintf("install hook on %s: %v", e.Target, e.Err)
}

func (e *InstallationError) Unwrap() error {
	return e.Err
}
