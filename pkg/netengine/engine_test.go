// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package netengine

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/mbeema/fcastd/pkg/socktune"
	"go.uber.org/zap"
)

func TestUserAgentConfiguredWins(t *testing.T) {
	e := New(Options{UserAgent: "custom/1.0"}, "1.2.3", nil, zap.NewNop())
	defer e.Close()

	if got := e.UserAgent(); got != "custom/1.0" {
		t.Errorf("UserAgent() = %q, want custom/1.0", got)
	}
}

func TestDefaultUserAgent(t *testing.T) {
	e := New(Options{}, "1.2.3", nil, zap.NewNop())
	defer e.Close()

	ua := e.UserAgent()
	if !strings.HasPrefix(ua, "fcastd/1.2.3 (") {
		t.Errorf("UserAgent() = %q, want fcastd/1.2.3 prefix", ua)
	}
	if !strings.Contains(ua, "go1") {
		t.Errorf("UserAgent() = %q, want go version", ua)
	}

	dev := New(Options{}, "", nil, zap.NewNop())
	defer dev.Close()
	if !strings.HasPrefix(dev.UserAgent(), "fcastd/dev") {
		t.Errorf("UserAgent() = %q, want fcastd/dev prefix", dev.UserAgent())
	}
}

func TestClientStampsUserAgent(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	e := New(Options{UserAgent: "fcast-receiver/2"}, "", nil, zap.NewNop())
	defer e.Close()

	resp, err := e.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	if got.Load() != "fcast-receiver/2" {
		t.Errorf("User-Agent = %v", got.Load())
	}
}

func TestClientDecodesBrotli(t *testing.T) {
	var accept atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept.Store(r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		io.WriteString(bw, "subtitle track")
		bw.Close()
	}))
	defer srv.Close()

	e := New(Options{EnableBrotli: true}, "", nil, zap.NewNop())
	defer e.Close()

	resp, err := e.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(body) != "subtitle track" {
		t.Errorf("body = %q", body)
	}
	if accept.Load() != "br, gzip" {
		t.Errorf("Accept-Encoding = %v", accept.Load())
	}
	if resp.Header.Get("Content-Encoding") != "" {
		t.Error("Content-Encoding should be removed after decoding")
	}
}

func TestClientDecodesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		io.WriteString(gw, "playlist")
		gw.Close()
	}))
	defer srv.Close()

	e := New(Options{EnableBrotli: true}, "", nil, zap.NewNop())
	defer e.Close()

	resp, err := e.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "playlist" {
		t.Errorf("body = %q", body)
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "Video/MP4; codecs=avc1")
		w.Header().Set("Content-Length", "1024")
	}))
	defer srv.Close()

	e := New(Options{}, "", nil, zap.NewNop())
	defer e.Close()

	res, err := e.Probe(context.Background(), srv.URL+"/movie.mp4")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.MediaType != "video/mp4" {
		t.Errorf("MediaType = %q", res.MediaType)
	}
	if res.ContentLength != 1024 {
		t.Errorf("ContentLength = %d", res.ContentLength)
	}

	res, err = e.Probe(context.Background(), srv.URL+"/missing")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Errorf("result = %+v", res)
	}
}

func TestHeadContentDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/x":
			w.Header().Set("X-Content-Duration", "93.5")
		case "/plain":
			w.Header().Set("Content-Duration", "12")
		case "/bad":
			w.Header().Set("X-Content-Duration", "NaN")
		}
		w.Header().Set("Content-Type", "video/webm")
	}))
	defer srv.Close()

	e := New(Options{}, "", nil, zap.NewNop())
	defer e.Close()

	for path, want := range map[string]float64{"/x": 93.5, "/plain": 12, "/bad": 0, "/none": 0} {
		res, err := e.Probe(context.Background(), srv.URL+path)
		if err != nil {
			t.Fatalf("Probe %s: %v", path, err)
		}
		if res.Duration != want {
			t.Errorf("%s: Duration = %v, want %v", path, res.Duration, want)
		}
	}
}

func TestEncodedHeadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "2048")
	}))
	defer srv.Close()

	e := New(Options{EnableBrotli: true}, "", nil, zap.NewNop())
	defer e.Close()

	for i := 0; i < defaultFailureThreshold+1; i++ {
		res, err := e.Probe(context.Background(), srv.URL+"/movie.mp4")
		if err != nil {
			t.Fatalf("Probe %d: %v", i, err)
		}
		if res.StatusCode != http.StatusOK || res.MediaType != "video/mp4" {
			t.Errorf("result = %+v", res)
		}
	}
}

func TestClientSkipsDecodingEmptyBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		if r.URL.Path == "/cached" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := New(Options{EnableBrotli: true}, "", nil, zap.NewNop())
	defer e.Close()

	for _, path := range []string{"/empty", "/cached"} {
		resp, err := e.Client().Get(srv.URL + path)
		if err != nil {
			t.Fatalf("Get %s: %v", path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil || len(body) != 0 {
			t.Errorf("%s: body = %q, err = %v", path, body, err)
		}
	}
}

type optionCounts struct {
	mu      sync.Mutex
	applied map[string]int
}

func (o *optionCounts) OptionApplied(opt string) {
	o.mu.Lock()
	o.applied[opt]++
	o.mu.Unlock()
}

func (o *optionCounts) OptionSkipped(string, error) {}

func TestClientDialsThroughTuner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	obs := &optionCounts{applied: map[string]int{}}
	tuner := socktune.NewTuner(socktune.Toggles{NoDelay: true}, obs, zap.NewNop())
	e := New(Options{}, "", tuner, zap.NewNop())
	defer e.Close()

	resp, err := e.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.applied["no_delay"] != 1 {
		t.Errorf("no_delay applied %d times, want 1", obs.applied["no_delay"])
	}
}

func TestExecutorRunsTasks(t *testing.T) {
	ex := NewExecutor(0, zap.NewNop())
	if n := ex.Workers(); n < 1 || n > maxWorkers {
		t.Errorf("Workers() = %d, want 1..%d", n, maxWorkers)
	}

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		if err := ex.Submit(func() { defer wg.Done(); ran.Add(1) }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()
	ex.Close()

	if ran.Load() != 10 {
		t.Errorf("ran = %d, want 10", ran.Load())
	}
	if err := ex.Submit(func() {}); !errors.Is(err, ErrExecutorClosed) {
		t.Errorf("Submit after Close err = %v", err)
	}
	ex.Close() // idempotent
}

func TestExecutorRecoversPanics(t *testing.T) {
	ex := NewExecutor(1, zap.NewNop())
	defer ex.Close()

	ex.Submit(func() { panic("boom") })

	done := make(chan struct{})
	ex.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestExecutorQueueFull(t *testing.T) {
	ex := NewExecutor(1, zap.NewNop())
	block := make(chan struct{})
	defer func() {
		close(block)
		ex.Close()
	}()

	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		err = ex.Submit(func() { <-block })
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}
