// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package identity replaces identity strings (user agents, client names)
// that lower-level components would otherwise derive from the environment.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mbeema/fcastd/pkg/hook"
)

// Source produces an identity string. Value is evaluated on every call.
type Source interface {
	Value() string
}

type literal string

func (l literal) Value() string { return string(l) }

// Literal returns a Source that always yields s.
func Literal(s string) Source {
	return literal(s)
}

type formatted struct {
	format string
	args   []any
}

func (f formatted) Value() string {
	return fmt.Sprintf(f.format, f.args...)
}

// Formatted returns a Source that formats args with format on each call.
// args are copied and must be values known at install time.
func Formatted(format string, args ...any) Source {
	return formatted{format: format, args: append([]any(nil), args...)}
}

// Handler returns a replace-hook yielding src's value. The hooked call's
// arguments are not consulted and its original body never runs.
func Handler(src Source) hook.Replace {
	return func(hook.Args) ([]any, error) {
		return []any{src.Value()}, nil
	}
}

// Config describes an identity override.
type Config struct {
	Literal string   `yaml:"literal"`
	Format  string   `yaml:"format"`
	Args    []string `yaml:"args"` // names of known values, e.g. "version"
}

// ErrNoIdentity means the config sets neither a literal nor a format.
var ErrNoIdentity = errors.New("identity override has neither literal nor format")

// FromConfig builds a Source from cfg. Format args are looked up by name in
// known; an unknown name is an error.
func FromConfig(cfg Config, known map[string]string) (Source, error) {
	if cfg.Literal != "" {
		return Literal(cfg.Literal), nil
	}
	if cfg.Format == "" {
		return nil, ErrNoIdentity
	}

	args := make([]any, 0, len(cfg.Args))
	var missing []string
	for _, name := range cfg.Args {
		v, ok := known[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		args = append(args, v)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("unknown identity values: %s", strings.Join(missing, ", "))
	}

	return Formatted(cfg.Format, args...), nil
}
