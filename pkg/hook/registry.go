// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Target identifies a declared callable by owner type, method name and
// parameter signature. Only Resolve produces usable Targets.
type Target struct {
	Owner  reflect.Type
	Method string
	Params []reflect.Type

	site *Site
}

// Key returns the printable signature of the target.
func (t Target) Key() string {
	return formatKey(t.Owner, t.Method, t.Params)
}

// Resolved reports whether t came from a successful Resolve.
func (t Target) Resolved() bool {
	return t.site != nil
}

// Installation records a handler bound to a target.
type Installation struct {
	Target      Target
	Kind        Kind
	InstalledAt time.Time
}

// Observer receives install outcomes. The health stats implement it.
type Observer interface {
	HookApplied(name string)
	HookSkipped(name string, err error)
	HookFault(target string, err error)
}

// Spec describes one hook to apply during attach.
type Spec struct {
	Name    string
	Owner   reflect.Type
	Method  string
	Params  []reflect.Type
	Handler Handler
}

// Registry binds handlers to targets for the lifetime of the process.
// It is built once during attach and never torn down. Each target accepts
// one handler; a second Install is rejected with ErrAlreadyInstalled.
type Registry struct {
	catalog  *Catalog
	observer Observer
	logger   *zap.Logger

	mu        sync.Mutex
	installed map[string]*Installation
}

// NewRegistry creates a registry over catalog. observer may be nil.
func NewRegistry(catalog *Catalog, observer Observer, logger *zap.Logger) *Registry {
	if catalog == nil {
		catalog = Default
	}
	return &Registry{
		catalog:   catalog,
		observer:  observer,
		logger:    logger,
		installed: make(map[string]*Installation),
	}
}

// Resolve finds the declared callable owner.method whose inputs are exactly
// params. It returns a *TargetNotFoundError when there is none.
func (r *Registry) Resolve(owner reflect.Type, method string, params ...reflect.Type) (Target, error) {
	notFound := func(reason string) (Target, error) {
		return Target{}, &TargetNotFoundError{Owner: owner, Method: method, Params: params, Reason: reason}
	}
	if owner == nil {
		return notFound("nil owner type")
	}

	site, ok := r.catalog.Lookup(owner, method)
	if !ok {
		if _, exists := normalizedMethod(owner, method); exists {
			return notFound("method exists but is not hookable")
		}
		return notFound("no such callable")
	}

	if len(site.in) != len(params) {
		return notFound(fmt.Sprintf("declared with %d parameters, want %d", len(site.in), len(params)))
	}
	for i, p := range params {
		if site.in[i] != p {
			return notFound(fmt.Sprintf("parameter %d is %s, want %s", i, site.in[i], p))
		}
	}

	return Target{
		Owner:  site.owner,
		Method: method,
		Params: append([]reflect.Type(nil), site.in...),
		site:   site,
	}, nil
}

// normalizedMethod looks method up on owner and *owner.
func normalizedMethod(owner reflect.Type, method string) (reflect.Method, bool) {
	owner = normalizeOwner(owner)
	if m, ok := owner.MethodByName(method); ok {
		return m, true
	}
	if owner.Kind() != reflect.Interface {
		return reflect.PointerTo(owner).MethodByName(method)
	}
	return reflect.Method{}, false
}

// Install attaches h to t. It returns an *InstallationError wrapping
// ErrAlreadyInstalled when t already carries a handler.
func (r *Registry) Install(t Target, h Handler) (*Installation, error) {
	key := t.Key()
	if t.site == nil {
		return nil, &InstallationError{Target: key, Err: ErrUnresolved}
	}
	if h == nil || h.isNil() {
		return nil, &InstallationError{Target: key, Err: ErrNilHandler}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.installed[key]; ok {
		return nil, &InstallationError{Target: key, Err: ErrAlreadyInstalled}
	}

	a := &attachment{handler: h, logger: r.logger}
	if r.observer != nil {
		a.onFault = r.observer.HookFault
	}
	if !t.site.attach(a) {
		// Another registry over the same catalog got there first.
		return nil, &InstallationError{Target: key, Err: ErrAlreadyInstalled}
	}

	inst := &Installation{Target: t, Kind: h.Kind(), InstalledAt: time.Now()}
	r.installed[key] = inst

	r.logger.Info("hook installed",
		zap.String("target", key),
		zap.Stringer("kind", inst.Kind),
	)
	return inst, nil
}

// Apply resolves and installs spec. Every failure, including a panic, is
// logged and reported to the observer; Apply only says whether the hook is
// now active.
func (r *Registry) Apply(spec Spec) (applied bool) {
	name := spec.Name
	if name == "" {
		name = formatKey(spec.Owner, spec.Method, spec.Params)
	}

	defer func() {
		if rec := recover(); rec != nil {
			applied = false
			r.skipped(name, fmt.Errorf("apply panic: %v", rec))
		}
	}()

	target, err := r.Resolve(spec.Owner, spec.Method, spec.Params...)
	if err != nil {
		r.skipped(name, err)
		return false
	}
	if _, err := r.Install(target, spec.Handler); err != nil {
		r.skipped(name, err)
		return false
	}

	if r.observer != nil {
		r.observer.HookApplied(name)
	}
	return true
}

func (r *Registry) skipped(name string, err error) {
	r.logger.Warn("hook not applied", zap.String("hook", name), zap.Error(err))
	if r.observer != nil {
		r.observer.HookSkipped(name, err)
	}
}

// Installations returns the installed hooks ordered by target key.
func (r *Registry) Installations() []*Installation {
	r.mu.Lock()
	out := make([]*Installation, 0, len(r.installed))
	for _, inst := range r.installed {
		out = append(out, inst)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Target.Key() < out[j].Target.Key() })
	return out
}
