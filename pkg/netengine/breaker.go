// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package netengine

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Probe while a host is failing.
var ErrCircuitOpen = errors.New("host circuit open")

// CircuitState is the probe circuit state of one host.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // probes flow
	CircuitOpen                         // probes fail fast
	CircuitHalfOpen                     // one trial probe
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold = 3
	defaultResetTimeout     = 30 * time.Second
	maxTrackedHosts         = 256
)

type hostCircuit struct {
	state    CircuitState
	failures int
	lastFail time.Time
}

// hostBreakers keeps one circuit per media host so a dead CDN does not
// tie up the callback pool with probes that will time out anyway.
type hostBreakers struct {
	threshold int
	reset     time.Duration
	now       func() time.Time

	mu    sync.Mutex
	hosts map[string]*hostCircuit
}

func newHostBreakers(threshold int, reset time.Duration) *hostBreakers {
	return &hostBreakers{
		threshold: threshold,
		reset:     reset,
		now:       time.Now,
		hosts:     make(map[string]*hostCircuit),
	}
}

// allow reports whether a probe to host may go out. An open circuit moves
// to half-open once the reset timeout has passed.
func (b *hostBreakers) allow(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.hosts[host]
	if !ok {
		return true
	}
	switch c.state {
	case CircuitOpen:
		if b.now().Sub(c.lastFail) < b.reset {
			return false
		}
		c.state = CircuitHalfOpen
		return true
	case CircuitHalfOpen:
		// A trial is already in flight.
		return false
	default:
		return true
	}
}

func (b *hostBreakers) success(host string) {
	b.mu.Lock()
	delete(b.hosts, host)
	b.mu.Unlock()
}

func (b *hostBreakers) failure(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.hosts[host]
	if !ok {
		if len(b.hosts) >= maxTrackedHosts {
			b.evictLocked()
		}
		c = &hostCircuit{}
		b.hosts[host] = c
	}
	c.failures++
	c.lastFail = b.now()
	if c.state == CircuitHalfOpen || c.failures >= b.threshold {
		c.state = CircuitOpen
	}
}

func (b *hostBreakers) state(host string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.hosts[host]
	if !ok {
		return CircuitClosed
	}
	if c.state == CircuitOpen && b.now().Sub(c.lastFail) >= b.reset {
		return CircuitHalfOpen
	}
	return c.state
}

func (b *hostBreakers) evictLocked() {
	var oldest string
	var oldestAt time.Time
	for h, c := range b.hosts {
		if oldest == "" || c.lastFail.Before(oldestAt) {
			oldest, oldestAt = h, c.lastFail
		}
	}
	delete(b.hosts, oldest)
}
