// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package rewrite builds argument rewrites for before-hooks.
//
// A rewrite never writes to the slices it is given: the callee, or whoever
// built the arguments, may still hold them.
package rewrite

import (
	"errors"
	"fmt"

	"github.com/mbeema/fcastd/pkg/hook"
)

// ErrLengthMismatch means two parallel slices differ in length.
var ErrLengthMismatch = errors.New("parallel slices differ in length")

// AppendParallel extends a pair of parallel slices with a pair of appendix
// slices. The results are freshly allocated: values then extraValues, labels
// then extraLabels. Element i of the input is element i of the output.
// Nil slices count as empty.
func AppendParallel[T, U any](values []T, labels []U, extraValues []T, extraLabels []U) ([]T, []U, error) {
	if len(values) != len(labels) {
		return nil, nil, fmt.Errorf("%w: %d values, %d labels", ErrLengthMismatch, len(values), len(labels))
	}
	if len(extraValues) != len(extraLabels) {
		return nil, nil, fmt.Errorf("%w: %d extra values, %d extra labels", ErrLengthMismatch, len(extraValues), len(extraLabels))
	}

	return concat(values, extraValues), concat(labels, extraLabels), nil
}

// concat never reuses the backing array of a, unlike append.
func concat[E any](a, b []E) []E {
	out := make([]E, len(a)+len(b))
	n := copy(out, a)
	copy(out[n:], b)
	return out
}

// ExtendParallel returns a before-hook that extends the parallel slice
// arguments at valueIndex and labelIndex with the given appendix. The
// appendix is copied once; the hook keeps no other state.
//
// When a slot is missing or holds the wrong type the hook returns an error
// and the call proceeds with its original arguments.
func ExtendParallel[T, U any](valueIndex, labelIndex int, extraValues []T, extraLabels []U) hook.Before {
	extraValues = concat(extraValues, nil)
	extraLabels = concat(extraLabels, nil)

	return func(args hook.Args) (hook.Args, error) {
		values, err := slot[T](args, valueIndex)
		if err != nil {
			return nil, err
		}
		labels, err := slot[U](args, labelIndex)
		if err != nil {
			return nil, err
		}

		newValues, newLabels, err := AppendParallel(values, labels, extraValues, extraLabels)
		if err != nil {
			return nil, err
		}

		out := args.Clone()
		out[valueIndex] = newValues
		out[labelIndex] = newLabels
		return out, nil
	}
}

func slot[E any](args hook.Args, i int) ([]E, error) {
	if i < 0 || i >= len(args) {
		return nil, fmt.Errorf("argument %d out of range (%d arguments)", i, len(args))
	}
	if args[i] == nil {
		return nil, nil
	}
	s, ok := args[i].([]E)
	if !ok {
		return nil, fmt.Errorf("argument %d is %T, want %T", i, args[i], []E(nil))
	}
	return s, nil
}
