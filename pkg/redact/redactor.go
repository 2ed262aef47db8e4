// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package redact scrubs credentials from sender-supplied media URLs and
// request headers before they are logged.
package redact

import (
	"net/url"
	"regexp"
	"strings"
)

const mask = "[REDACTED]"

// Rule rewrites matches of Pattern in a string that is not a parseable URL.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Redactor masks secrets in URLs and headers. A disabled Redactor returns
// its input unchanged.
type Redactor struct {
	enabled bool
	params  map[string]bool
	rules   []Rule
}

// sensitiveParams are query parameters that carry signed-URL or API
// credentials. Matching is case-insensitive.
var sensitiveParams = []string{
	"token", "access_token", "auth", "key", "api_key", "apikey",
	"sig", "signature", "policy", "key-pair-id", "password", "secret",
	"x-amz-signature", "x-amz-credential", "x-amz-security-token",
	"x-goog-signature", "x-goog-credential", "hdnts", "hdnea",
}

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
}

// New creates a Redactor. extraParams adds query parameter names to mask.
func New(enabled bool, extraParams ...string) *Redactor {
	r := &Redactor{enabled: enabled}
	if !enabled {
		return r
	}
	r.params = make(map[string]bool, len(sensitiveParams)+len(extraParams))
	for _, p := range sensitiveParams {
		r.params[p] = true
	}
	for _, p := range extraParams {
		r.params[strings.ToLower(p)] = true
	}
	r.rules = builtinRules()
	return r
}

// URL masks userinfo and sensitive query values in raw. Input that does not
// parse as a URL falls back to pattern rules.
func (r *Redactor) URL(raw string) string {
	if !r.enabled || raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return r.text(raw)
	}

	if u.User != nil {
		u.User = url.User(mask)
	}
	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for k := range q {
			if r.params[strings.ToLower(k)] {
				q[k] = []string{mask}
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}

// Headers returns a copy of h with credential-bearing values masked.
func (r *Redactor) Headers(h map[string]string) map[string]string {
	if len(h) == 0 {
		return h
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if r.enabled && sensitiveHeaders[strings.ToLower(k)] {
			v = mask
		}
		out[k] = v
	}
	return out
}

func (r *Redactor) text(s string) string {
	for _, rule := range r.rules {
		s = rule.Pattern.ReplaceAllString(s, rule.Replacement)
	}
	return s
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:        "bearer",
			Pattern:     regexp.MustCompile(`(?i)(bearer\s+)\S+`),
			Replacement: "${1}" + mask,
		},
		{
			Name:        "credential_param",
			Pattern:     regexp.MustCompile(`(?i)\b(token|access_token|sig|signature|api_?key|password|secret)=[^\s&]+`),
			Replacement: "${1}=" + mask,
		},
	}
}
