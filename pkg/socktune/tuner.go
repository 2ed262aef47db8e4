// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package socktune applies low-latency socket options to established
// connections. Every option is best effort: a failure is logged and the
// next option is still attempted. Nothing is reported to the caller.
package socktune

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// Option is one tunable socket option.
type Option uint8

const (
	OptNoDelay      Option = iota // disable Nagle coalescing
	OptQuickAck                   // acknowledge segments immediately (Linux)
	OptKeepAlive                  // periodic keep-alive probes
	OptTrafficClass               // IPTOS_LOWDELAY marking
)

// Order is the sequence Tune applies options in.
var Order = []Option{OptNoDelay, OptQuickAck, OptKeepAlive, OptTrafficClass}

func (o Option) String() string {
	switch o {
	case OptNoDelay:
		return "no_delay"
	case OptQuickAck:
		return "quick_ack"
	case OptKeepAlive:
		return "keep_alive"
	case OptTrafficClass:
		return "traffic_class"
	default:
		return fmt.Sprintf("option(%d)", uint8(o))
	}
}

// IPTOSLowDelay is the IPv4 TOS / IPv6 traffic class value for low delay.
const IPTOSLowDelay = 0x10

// Toggles selects which options Tune attempts.
type Toggles struct {
	NoDelay      bool `yaml:"no_delay"`
	QuickAck     bool `yaml:"quick_ack"`
	KeepAlive    bool `yaml:"keep_alive"`
	TrafficClass bool `yaml:"traffic_class"`
}

// AllOptions enables every option.
func AllOptions() Toggles {
	return Toggles{NoDelay: true, QuickAck: true, KeepAlive: true, TrafficClass: true}
}

func (t Toggles) enabled(o Option) bool {
	switch o {
	case OptNoDelay:
		return t.NoDelay
	case OptQuickAck:
		return t.QuickAck
	case OptKeepAlive:
		return t.KeepAlive
	case OptTrafficClass:
		return t.TrafficClass
	}
	return false
}

// Observer receives the outcome of every attempted option.
type Observer interface {
	OptionApplied(opt string)
	OptionSkipped(opt string, err error)
}

// Tuner applies Toggles to connections. It keeps no per-connection state
// and may be shared by any number of goroutines.
type Tuner struct {
	toggles  atomic.Pointer[Toggles]
	observer Observer
	logger   *zap.Logger

	// setsockopt is unix.SetsockoptInt on unix platforms.
	setsockopt func(fd, level, opt, value int) error
}

// NewTuner creates a tuner. observer may be nil.
func NewTuner(toggles Toggles, observer Observer, logger *zap.Logger) *Tuner {
	t := &Tuner{
		observer:   observer,
		logger:     logger,
		setsockopt: setsockoptInt,
	}
	t.toggles.Store(&toggles)
	return t
}

// SetToggles changes the options applied to connections tuned from now on.
func (t *Tuner) SetToggles(toggles Toggles) {
	t.toggles.Store(&toggles)
}

// Toggles returns the current option selection.
func (t *Tuner) Toggles() Toggles {
	return *t.toggles.Load()
}

// Tune applies the enabled options to conn in Order. It never closes conn
// and never fails; a nil Tuner or conn is a no-op.
func (t *Tuner) Tune(conn net.Conn) {
	if t == nil || conn == nil {
		return
	}
	toggles := t.Toggles()

	for _, opt := range Order {
		if !toggles.enabled(opt) {
			continue
		}
		t.record(conn, opt, t.apply(conn, opt))
	}
}

// apply runs one option inside its own recover boundary.
func (t *Tuner) apply(conn net.Conn, opt Option) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &OptionApplicationError{Option: opt, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	switch opt {
	case OptNoDelay:
		c, ok := conn.(interface{ SetNoDelay(bool) error })
		if !ok {
			return &OptionUnavailableError{Option: opt, Reason: fmt.Sprintf("%T has no SetNoDelay", conn)}
		}
		if err := c.SetNoDelay(true); err != nil {
			return &OptionApplicationError{Option: opt, Err: err}
		}
		return nil

	case OptQuickAck:
		return t.quickAck(conn)

	case OptKeepAlive:
		c, ok := conn.(interface{ SetKeepAlive(bool) error })
		if !ok {
			return &OptionUnavailableError{Option: opt, Reason: fmt.Sprintf("%T has no SetKeepAlive", conn)}
		}
		if err := c.SetKeepAlive(true); err != nil {
			return &OptionApplicationError{Option: opt, Err: err}
		}
		return nil

	case OptTrafficClass:
		return t.trafficClass(conn)
	}

	return &OptionUnavailableError{Option: opt, Reason: "unknown option"}
}

func (t *Tuner) record(conn net.Conn, opt Option, err error) {
	if err != nil {
		t.logger.Debug("socket option skipped",
			zap.Stringer("option", opt),
			zap.String("remote", remote(conn)),
			zap.Error(err),
		)
		if t.observer != nil {
			t.observer.OptionSkipped(opt.String(), err)
		}
		return
	}
	if t.observer != nil {
		t.observer.OptionApplied(opt.String())
	}
}

// rawSetsockopt resolves the raw descriptor of conn and sets an integer
// option on it.
func (t *Tuner) rawSetsockopt(conn net.Conn, opt Option, level, name, value int) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return &OptionUnavailableError{Option: opt, Reason: fmt.Sprintf("%T exposes no raw socket", conn)}
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return &OptionUnavailableError{Option: opt, Reason: err.Error()}
	}

	var setErr error
	if err := raw.Control(func(fd uintptr) {
		setErr = t.setsockopt(int(fd), level, name, value)
	}); err != nil {
		return &OptionApplicationError{Option: opt, Err: err}
	}
	if setErr != nil {
		return &OptionApplicationError{Option: opt, Err: setErr}
	}
	return nil
}

// isIPv6 reports whether conn's local address is a non-mapped IPv6 address.
func isIPv6(conn net.Conn) bool {
	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok || addr == nil {
		return false
	}
	return addr.IP.To4() == nil && addr.IP.To16() != nil
}

func remote(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

type tunedListener struct {
	net.Listener
	tuner *Tuner
}

// Listen wraps ln so every accepted connection is tuned before it is
// returned.
func (t *Tuner) Listen(ln net.Listener) net.Listener {
	return &tunedListener{Listener: ln, tuner: t}
}

func (l *tunedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.tuner.Tune(conn)
	return conn, nil
}

// DialContext returns a dial function that tunes each connection d
// establishes. It fits http.Transport.DialContext.
func (t *Tuner) DialContext(d *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if d == nil {
		d = &net.Dialer{}
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		t.Tune(conn)
		return conn, nil
	}
}
