// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Site is a hookable callable. Host components declare one per call they
// allow to be intercepted and route that call through Invoke:
//
//	var newAdapterSite = hook.Declare(hook.TypeOf[Adapter](), "new", newAdapter)
//
//	func NewAdapter(texts []string) *Adapter {
//	    return hook.Call1[*Adapter](newAdapterSite, texts)
//	}
//
// The attached handler lives in an atomic slot: it is written once at
// install time and read lock-free on every invocation.
type Site struct {
	owner  reflect.Type
	method string
	fn     reflect.Value
	in     []reflect.Type
	out    []reflect.Type

	attached atomic.Pointer[attachment]
}

// attachment is what Install stores on a Site.
type attachment struct {
	handler Handler
	logger  *zap.Logger
	onFault func(key string, err error)
}

func newSite(owner reflect.Type, method string, original any) *Site {
	fn := reflect.ValueOf(original)
	if fn.Kind() != reflect.Func || fn.IsNil() {
		panic(fmt.Sprintf("hook: declare %s.%s: original is %T, not a func", owner, method, original))
	}
	ft := fn.Type()
	if ft.IsVariadic() {
		panic(fmt.Sprintf("hook: declare %s.%s: variadic callables are not supported", owner, method))
	}

	s := &Site{
		owner:  owner,
		method: method,
		fn:     fn,
		in:     make([]reflect.Type, ft.NumIn()),
		out:    make([]reflect.Type, ft.NumOut()),
	}
	for i := range s.in {
		s.in[i] = ft.In(i)
	}
	for i := range s.out {
		s.out[i] = ft.Out(i)
	}
	return s
}

// Key returns the site's printable signature, e.g. "player.SpeedAdapter.new(*player.ControlView,[]string,[]float32)".
func (s *Site) Key() string {
	return formatKey(s.owner, s.method, s.in)
}

// Hooked reports whether a handler is attached.
func (s *Site) Hooked() bool {
	return s.attached.Load() != nil
}

// attach stores a once. It reports false when a handler is already present.
func (s *Site) attach(a *attachment) bool {
	return s.attached.CompareAndSwap(nil, a)
}

// Invoke runs the call through the attached handler, synchronously on the
// calling goroutine. With no handler it calls the original directly.
//
// Handler faults never reach the caller: a failed Before keeps the original
// arguments, a failed Replace falls back to the original body.
func (s *Site) Invoke(args ...any) []any {
	a := s.attached.Load()
	if a == nil {
		return s.call(args)
	}

	switch h := a.handler.(type) {
	case Before:
		rewritten, err := runBefore(h, Args(args).Clone())
		if err == nil {
			err = checkValues("argument", rewritten, s.in)
		}
		if err != nil {
			a.fault(s.Key(), err)
			return s.call(args)
		}
		return s.call(rewritten)

	case Replace:
		results, err := runReplace(h, Args(args).Clone())
		if err == nil {
			err = checkValues("result", results, s.out)
		}
		if err != nil {
			a.fault(s.Key(), err)
			return s.call(args)
		}
		return results
	}

	return s.call(args)
}

func (a *attachment) fault(key string, err error) {
	if a.logger != nil {
		a.logger.Debug("hook handler fault, using original behaviour",
			zap.String("target", key),
			zap.Error(err),
		)
	}
	if a.onFault != nil {
		a.onFault(key, err)
	}
}

// call invokes the original through reflection.
func (s *Site) call(args []any) []any {
	in := make([]reflect.Value, len(s.in))
	for i, t := range s.in {
		if i >= len(args) || args[i] == nil {
			in[i] = reflect.Zero(t)
			continue
		}
		in[i] = reflect.ValueOf(args[i])
	}

	out := s.fn.Call(in)
	results := make([]any, len(out))
	for i, v := range out {
		results[i] = v.Interface()
	}
	return results
}

// checkValues verifies vals can be passed where types are expected.
func checkValues(what string, vals []any, types []reflect.Type) error {
	if len(vals) != len(types) {
		return fmt.Errorf("%s count %d, want %d", what, len(vals), len(types))
	}
	for i, v := range vals {
		if v == nil {
			if !nilable(types[i]) {
				return fmt.Errorf("%s %d is nil, want %s", what, i, types[i])
			}
			continue
		}
		if vt := reflect.TypeOf(v); !vt.AssignableTo(types[i]) {
			return fmt.Errorf("%s %d is %s, want %s", what, i, vt, types[i])
		}
	}
	return nil
}

func nilable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface, reflect.Func, reflect.Chan:
		return true
	}
	return false
}

// Call1 invokes a single-result site and returns its result as R.
// A nil or mistyped result yields the zero value.
func Call1[R any](s *Site, args ...any) R {
	var zero R
	out := s.Invoke(args...)
	if len(out) == 0 {
		return zero
	}
	r, ok := out[0].(R)
	if !ok {
		return zero
	}
	return r
}

// TypeOf returns the reflect.Type of T, usable for interface and struct owners.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

type siteKey struct {
	owner  reflect.Type
	method string
}

// Catalog is the table of declared sites, keyed by owner type and method
// name. It is the hooking primitive the Registry is built on.
type Catalog struct {
	mu    sync.RWMutex
	sites map[siteKey]*Site
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{sites: make(map[siteKey]*Site)}
}

// Default is the process catalog host packages declare into at init time.
var Default = NewCatalog()

// Declare adds a site to the Default catalog.
func Declare(owner reflect.Type, method string, original any) *Site {
	return Default.Declare(owner, method, original)
}

// Declare adds a site for owner.method backed by original. Pointer owners
// are normalised to their element type. Declaring the same owner and method
// twice panics.
func (c *Catalog) Declare(owner reflect.Type, method string, original any) *Site {
	owner = normalizeOwner(owner)
	s := newSite(owner, method, original)

	c.mu.Lock()
	defer c.mu.Unlock()
	key := siteKey{owner: owner, method: method}
	if _, dup := c.sites[key]; dup {
		panic(fmt.Sprintf("hook: %s.%s declared twice", owner, method))
	}
	c.sites[key] = s
	return s
}

// Lookup returns the site declared for owner.method.
func (c *Catalog) Lookup(owner reflect.Type, method string) (*Site, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sites[siteKey{owner: normalizeOwner(owner), method: method}]
	return s, ok
}

// Sites returns all declared sites ordered by key.
func (c *Catalog) Sites() []*Site {
	c.mu.RLock()
	out := make([]*Site, 0, len(c.sites))
	for _, s := range c.sites {
		out = append(out, s)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func normalizeOwner(t reflect.Type) reflect.Type {
	if t != nil && t.Kind() == reflect.Pointer {
		return t.Elem()
	}
	return t
}

func formatKey(owner reflect.Type, method string, params []reflect.Type) string {
	var b strings.Builder
	if owner != nil {
		b.WriteString(owner.String())
		b.WriteByte('.')
	}
	b.WriteString(method)
	b.WriteByte('(')
	for i, p := range params {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.String())
	}
	b.WriteByte(')')
	return b.String()
}
