// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package netengine is the receiver's downstream HTTP engine. Media probes
// and subtitle fetches go through its client, which dials through the
// socket tuner and identifies itself with the engine's user agent.
package netengine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mbeema/fcastd/pkg/hook"
	"github.com/mbeema/fcastd/pkg/socktune"
	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"
)

// Product is the product token of the default user agent.
const Product = "fcastd"

// Options configures the engine.
type Options struct {
	// UserAgent, when set, is sent verbatim and the default is never built.
	UserAgent    string        `yaml:"user_agent"`
	EnableQUIC   bool          `yaml:"enable_quic"`
	EnableBrotli bool          `yaml:"enable_brotli"`
	EnableHTTP2  bool          `yaml:"enable_http2"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Engine owns the HTTP client used for downstream requests.
type Engine struct {
	opts    Options
	version string
	tuner   *socktune.Tuner
	logger  *zap.Logger

	once     sync.Once
	client   *http.Client
	pool     *Executor
	breakers *hostBreakers
}

// The default user agent is hookable so deployments can replace the
// identity the engine presents without a config-level fixed string.
var defaultUserAgentSite = hook.Declare(hook.TypeOf[Engine](), "DefaultUserAgent", (*Engine).defaultUserAgent)

// New creates an engine. tuner may be nil, in which case dialed
// connections are left untuned.
func New(opts Options, version string, tuner *socktune.Tuner, logger *zap.Logger) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.EnableQUIC {
		logger.Info("quic requested; no quic transport available, using tcp")
	}
	return &Engine{
		opts:     opts,
		version:  version,
		tuner:    tuner,
		logger:   logger,
		pool:     NewExecutor(0, logger),
		breakers: newHostBreakers(defaultFailureThreshold, defaultResetTimeout),
	}
}

// Options returns the engine configuration.
func (e *Engine) Options() Options {
	return e.opts
}

// DefaultUserAgent returns the identity the engine presents when no fixed
// user agent is configured.
func (e *Engine) DefaultUserAgent() string {
	return hook.Call1[string](defaultUserAgentSite, e)
}

func (e *Engine) defaultUserAgent() string {
	platform := runtime.GOOS
	if info, err := host.Info(); err == nil && info.Platform != "" {
		platform = info.Platform
		if info.PlatformVersion != "" {
			platform += " " + info.PlatformVersion
		}
	}
	version := e.version
	if version == "" {
		version = "dev"
	}
	return fmt.Sprintf("%s/%s (%s; %s) %s", Product, version, platform, runtime.GOARCH, runtime.Version())
}

// UserAgent returns the configured user agent, or the default one.
func (e *Engine) UserAgent() string {
	if e.opts.UserAgent != "" {
		return e.opts.UserAgent
	}
	return e.DefaultUserAgent()
}

// Client returns the shared HTTP client, building it on first use.
func (e *Engine) Client() *http.Client {
	e.once.Do(func() {
		e.client = &http.Client{
			Transport: e.roundTripper(),
			Timeout:   e.opts.Timeout,
		}
	})
	return e.client
}

func (e *Engine) roundTripper() http.RoundTripper {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     e.opts.EnableHTTP2,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if e.tuner != nil {
		t.DialContext = e.tuner.DialContext(dialer)
	}
	if !e.opts.EnableHTTP2 {
		// A non-nil empty map disables the automatic h2 upgrade.
		t.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	if e.opts.EnableBrotli {
		t.DisableCompression = true
	}

	return &userAgentTransport{
		next:   t,
		agent:  e.UserAgent,
		brotli: e.opts.EnableBrotli,
	}
}

// ProbeResult describes a remote media resource.
type ProbeResult struct {
	StatusCode    int
	ContentType   string
	MediaType     string // ContentType without parameters, lower case
	ContentLength int64
	Duration      float64 // seconds, 0 when the server does not say
}

// Probe issues a HEAD request for rawURL. Transport errors and 5xx
// responses count against the host's circuit; while it is open Probe
// fails fast with ErrCircuitOpen.
func (e *Engine) Probe(ctx context.Context, rawURL string) (*ProbeResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse probe url: %w", err)
	}
	origin := u.Host
	if !e.breakers.allow(origin) {
		return nil, fmt.Errorf("probe %s: %w", origin, ErrCircuitOpen)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := e.Client().Do(req)
	if err != nil {
		if ctx.Err() == nil {
			e.breakers.failure(origin)
		}
		// The url.Error wrapper repeats the full URL, query included.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, fmt.Errorf("probe %s: %w", origin, err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		e.breakers.failure(origin)
	} else {
		e.breakers.success(origin)
	}

	res := &ProbeResult{
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		MediaType:     mediaType(resp.Header.Get("Content-Type")),
		ContentLength: resp.ContentLength,
	}
	res.Duration = contentDuration(resp.Header)
	if res.ContentLength < 0 {
		if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
			res.ContentLength = n
		}
	}
	if resp.StatusCode >= 400 {
		return res, fmt.Errorf("probe %s: status %d", origin, resp.StatusCode)
	}
	return res, nil
}

// HostState returns the probe circuit state for origin (host[:port]).
func (e *Engine) HostState(origin string) CircuitState {
	return e.breakers.state(origin)
}

// Executor returns the engine's callback pool.
func (e *Engine) Executor() *Executor {
	return e.pool
}

// Close releases idle connections and stops the callback pool.
func (e *Engine) Close() {
	if e.client != nil {
		e.client.CloseIdleConnections()
	}
	e.pool.Close()
}

func mediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

// contentDuration reads the media length some servers advertise in
// seconds.
func contentDuration(h http.Header) float64 {
	for _, name := range []string{"X-Content-Duration", "Content-Duration"} {
		v := strings.TrimSpace(h.Get(name))
		if v == "" {
			continue
		}
		if d, err := strconv.ParseFloat(v, 64); err == nil && d > 0 && !math.IsInf(d, 0) {
			return d
		}
	}
	return 0
}
