// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package socktune

import (
	"context"
	"errors"
	"net"
	"reflect"
	"runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeRaw hands a fixed descriptor to Control callbacks.
type fakeRaw struct{ controls int }

func (r *fakeRaw) Control(f func(fd uintptr)) error {
	r.controls++
	f(42)
	return nil
}
func (r *fakeRaw) Read(func(fd uintptr) bool) error  { return nil }
func (r *fakeRaw) Write(func(fd uintptr) bool) error { return nil }

// fakeConn counts setter calls and records their sequence. Methods it does
// not need come from the embedded nil net.Conn and must not be called.
type fakeConn struct {
	net.Conn
	raw          *fakeRaw
	noDelayCalls int
	keepCalls    int
	noDelayErr   error
	closed       bool
	calls        []string
}

func (c *fakeConn) SetNoDelay(bool) error {
	c.noDelayCalls++
	c.calls = append(c.calls, OptNoDelay.String())
	return c.noDelayErr
}

func (c *fakeConn) SetKeepAlive(bool) error {
	c.keepCalls++
	c.calls = append(c.calls, OptKeepAlive.String())
	return nil
}

func (c *fakeConn) SyscallConn() (syscall.RawConn, error) { return c.raw, nil }
func (c *fakeConn) LocalAddr() net.Addr                   { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 46899} }
func (c *fakeConn) RemoteAddr() net.Addr                  { return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5000} }
func (c *fakeConn) Close() error                          { c.closed = true; return nil }

// bareConn exposes no option accessors.
type bareConn struct{ net.Conn }

func (bareConn) LocalAddr() net.Addr  { return nil }
func (bareConn) RemoteAddr() net.Addr { return nil }

type outcomes struct {
	mu      sync.Mutex
	applied map[string]int
	skipped map[string]error
	order   []string
}

func newOutcomes() *outcomes {
	return &outcomes{applied: map[string]int{}, skipped: map[string]error{}}
}

func (o *outcomes) OptionApplied(opt string) {
	o.mu.Lock()
	o.applied[opt]++
	o.order = append(o.order, opt)
	o.mu.Unlock()
}

func (o *outcomes) OptionSkipped(opt string, err error) {
	o.mu.Lock()
	o.skipped[opt] = err
	o.order = append(o.order, opt)
	o.mu.Unlock()
}

func (o *outcomes) attempted(opt Option) int {
	n := o.applied[opt.String()]
	if _, ok := o.skipped[opt.String()]; ok {
		n++
	}
	return n
}

func TestTuneQuickAckPanicStillAttemptsOthers(t *testing.T) {
	obs := newOutcomes()
	tuner := NewTuner(AllOptions(), obs, zap.NewNop())

	tuner.setsockopt = func(fd, level, opt, value int) error {
		if level == syscall.IPPROTO_TCP {
			panic("quick-ack accessor missing")
		}
		return nil
	}

	conn := &fakeConn{raw: &fakeRaw{}}
	tuner.Tune(conn) // must not panic

	for _, opt := range Order {
		if n := obs.attempted(opt); n != 1 {
			t.Errorf("%s attempted %d times, want 1", opt, n)
		}
	}
	if conn.noDelayCalls != 1 {
		t.Errorf("SetNoDelay calls = %d, want 1", conn.noDelayCalls)
	}
	if conn.keepCalls != 1 {
		t.Errorf("SetKeepAlive calls = %d, want 1", conn.keepCalls)
	}
	if _, ok := obs.skipped[OptQuickAck.String()]; !ok {
		t.Error("quick_ack should be skipped")
	}
	if obs.applied[OptNoDelay.String()] != 1 || obs.applied[OptKeepAlive.String()] != 1 {
		t.Errorf("applied = %v", obs.applied)
	}
	if conn.closed {
		t.Error("Tune closed the connection")
	}
}

func TestTuneAppliesOptionsInOrder(t *testing.T) {
	obs := newOutcomes()
	tuner := NewTuner(AllOptions(), obs, zap.NewNop())

	conn := &fakeConn{raw: &fakeRaw{}}
	tuner.setsockopt = func(fd, level, opt, value int) error {
		if level == syscall.IPPROTO_TCP {
			conn.calls = append(conn.calls, OptQuickAck.String())
		} else {
			conn.calls = append(conn.calls, OptTrafficClass.String())
		}
		return nil
	}
	tuner.Tune(conn)

	want := []string{"no_delay", "quick_ack", "keep_alive", "traffic_class"}
	if !reflect.DeepEqual(obs.order, want) {
		t.Errorf("outcome order = %v, want %v", obs.order, want)
	}

	// Options the platform cannot set never reach the socket, so compare
	// the calls that did against the same order.
	var wantCalls []string
	for _, opt := range want {
		if obs.applied[opt] == 1 {
			wantCalls = append(wantCalls, opt)
		}
	}
	if runtime.GOOS == "linux" && len(wantCalls) != len(want) {
		t.Errorf("applied = %v, want every option on linux", obs.applied)
	}
	if !reflect.DeepEqual(conn.calls, wantCalls) {
		t.Errorf("socket calls = %v, want %v", conn.calls, wantCalls)
	}
}

func TestTuneNoDelayFailureIsIndependent(t *testing.T) {
	obs := newOutcomes()
	tuner := NewTuner(AllOptions(), obs, zap.NewNop())
	tuner.setsockopt = func(int, int, int, int) error { return nil }

	conn := &fakeConn{raw: &fakeRaw{}, noDelayErr: errors.New("EINVAL")}
	tuner.Tune(conn)

	var appErr *OptionApplicationError
	if !errors.As(obs.skipped[OptNoDelay.String()], &appErr) {
		t.Fatalf("no_delay err = %v, want *OptionApplicationError", obs.skipped[OptNoDelay.String()])
	}
	if appErr.Option != OptNoDelay {
		t.Errorf("Option = %s", appErr.Option)
	}
	if conn.keepCalls != 1 {
		t.Errorf("keep-alive not attempted after no-delay failure")
	}
}

func TestTuneMissingAccessors(t *testing.T) {
	obs := newOutcomes()
	tuner := NewTuner(AllOptions(), obs, zap.NewNop())

	tuner.Tune(bareConn{})

	for _, opt := range Order {
		var unavailable *OptionUnavailableError
		if !errors.As(obs.skipped[opt.String()], &unavailable) {
			t.Errorf("%s err = %v, want *OptionUnavailableError", opt, obs.skipped[opt.String()])
		}
	}
	if len(obs.applied) != 0 {
		t.Errorf("applied = %v, want none", obs.applied)
	}
}

func TestTuneRespectsToggles(t *testing.T) {
	obs := newOutcomes()
	tuner := NewTuner(Toggles{KeepAlive: true}, obs, zap.NewNop())
	tuner.setsockopt = func(int, int, int, int) error { return nil }

	conn := &fakeConn{raw: &fakeRaw{}}
	tuner.Tune(conn)

	if conn.noDelayCalls != 0 || conn.keepCalls != 1 || conn.raw.controls != 0 {
		t.Errorf("noDelay=%d keep=%d controls=%d", conn.noDelayCalls, conn.keepCalls, conn.raw.controls)
	}

	tuner.SetToggles(Toggles{NoDelay: true})
	tuner.Tune(conn)
	if conn.noDelayCalls != 1 || conn.keepCalls != 1 {
		t.Errorf("after SetToggles noDelay=%d keep=%d", conn.noDelayCalls, conn.keepCalls)
	}
}

func TestTuneNilSafe(t *testing.T) {
	var tuner *Tuner
	tuner.Tune(&fakeConn{raw: &fakeRaw{}})

	NewTuner(AllOptions(), nil, zap.NewNop()).Tune(nil)
}

func TestTuneRealTCPConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listen: %v", err)
	}
	defer ln.Close()

	obs := newOutcomes()
	tuner := NewTuner(AllOptions(), obs, zap.NewNop())
	tuned := tuner.Listen(ln)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := tuned.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	server, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	defer server.Close()

	if obs.applied[OptNoDelay.String()] != 1 {
		t.Errorf("no_delay not applied on a TCP conn: %v", obs.skipped)
	}
	if obs.applied[OptKeepAlive.String()] != 1 {
		t.Errorf("keep_alive not applied on a TCP conn: %v", obs.skipped)
	}

	// The connection is still usable after tuning.
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := server.Read(buf); err != nil || string(buf) != "ping" {
		t.Fatalf("read = %q, %v", buf, err)
	}
}

func TestDialContextTunes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()

	obs := newOutcomes()
	tuner := NewTuner(Toggles{NoDelay: true}, obs, zap.NewNop())
	dial := tuner.DialContext(nil)

	conn, err := dial(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	if obs.applied[OptNoDelay.String()] != 1 {
		t.Errorf("dialed conn not tuned: %v", obs.skipped)
	}
}

func TestOptionString(t *testing.T) {
	want := []string{"no_delay", "quick_ack", "keep_alive", "traffic_class"}
	for i, opt := range Order {
		if opt.String() != want[i] {
			t.Errorf("Order[%d] = %s, want %s", i, opt, want[i])
		}
	}
}
