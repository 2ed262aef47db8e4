// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package socktune

import "fmt"

// OptionUnavailableError means the option, or the accessor needed to set
// it, does not exist for this conn or platform.
type OptionUnavailableError struct {
	Option Option
	Reason string
}

func (e *OptionUnavailableError) Error() string {
	return fmt.Sprintf("socket option %s unavailable: %s", e.Option, e.Reason)
}

// OptionApplicationError means setting the option failed.
type OptionApplicationError struct {
	Option Option
	Err    error
}

func (e *OptionApplicationError) Error() string {
	return fmt.Sprintf("set socket option %s: %v", e.Option, e.Err)
}

func (e *OptionApplicationError) Unwrap() error {
	return e.Err
}
