// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import "fmt"

// Args is the ordered, fixed-arity argument list of a hooked call.
type Args []any

// Clone returns a shallow copy. Handlers always receive a clone so the
// caller's list is never written through.
func (a Args) Clone() Args {
	out := make(Args, len(a))
	copy(out, a)
	return out
}

// Kind identifies a Handler variant.
type Kind uint8

const (
	KindBefore  Kind = iota + 1 // runs before the original, may rewrite args
	KindReplace                 // runs instead of the original
)

func (k Kind) String() string {
	switch k {
	case KindBefore:
		return "before"
	case KindReplace:
		return "replace"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Handler is attached to a Site. The only implementations are Before and
// Replace.
//
// Handlers run concurrently on arbitrary goroutines and must not retain
// mutable state.
type Handler interface {
	Kind() Kind
	isNil() bool
}

// Before observes the argument list and returns the list the original will
// be called with. Returning an error keeps the original arguments.
type Before func(args Args) (Args, error)

// Kind implements Handler.
func (Before) Kind() Kind { return KindBefore }

func (h Before) isNil() bool { return h == nil }

// Replace computes the results of the call. The original body never runs
// unless the handler fails, in which case the site falls back to it.
type Replace func(args Args) ([]any, error)

// Kind implements Handler.
func (Replace) Kind() Kind { return KindReplace }

func (h Replace) isNil() bool { return h == nil }

// runBefore calls h, converting a panic into an error.
func runBefore(h Before, args Args) (out Args, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("before handler panic: %v", r)
		}
	}()
	return h(args)
}

// runReplace calls h, converting a panic into an error.
func runReplace(h Replace, args Args) (out []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("replace handler panic: %v", r)
		}
	}()
	return h(args)
}
