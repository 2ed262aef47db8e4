// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fcastd"

// Stats tracks self-monitoring counters for the daemon. It implements the
// observer interfaces of the hook registry, the socket tuner and the
// receiver, so one instance sees every outcome.
type Stats struct {
	startTime time.Time
	registry  *prometheus.Registry

	hooks          *prometheus.CounterVec
	hookFaults     *prometheus.CounterVec
	socketOptions  *prometheus.CounterVec
	sessionsActive *prometheus.GaugeVec
	sessionsTotal  *prometheus.CounterVec
	packets        *prometheus.CounterVec
	packetsDropped *prometheus.CounterVec

	mu         sync.Mutex
	hookStatus map[string]string
	sessions   int
}

// NewStats creates a Stats instance with its own metrics registry.
func NewStats() *Stats {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	s := &Stats{
		startTime:  time.Now(),
		registry:   reg,
		hookStatus: make(map[string]string),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Daemon uptime in seconds",
	}, func() float64 { return s.Uptime().Seconds() })

	s.hooks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hooks_total",
		Help:      "Hook install attempts by outcome",
	}, []string{"hook", "result"})

	s.hookFaults = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hook_faults_total",
		Help:      "Handler faults that fell back to the original call",
	}, []string{"target"})

	s.socketOptions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "socket_options_total",
		Help:      "Socket option attempts by option and outcome",
	}, []string{"option", "result"})

	s.sessionsActive = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Connected senders",
	}, []string{"transport"})

	s.sessionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Sender sessions opened",
	}, []string{"transport"})

	s.packets = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_received_total",
		Help:      "Packets received from senders",
	}, []string{"opcode"})

	s.packetsDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_dropped_total",
		Help:      "Packets dropped before dispatch",
	}, []string{"reason"})

	return s
}

// Registry returns the registry backing /metrics.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// Uptime returns daemon uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

func (s *Stats) HookApplied(name string) {
	s.hooks.WithLabelValues(name, "applied").Inc()
	s.mu.Lock()
	s.hookStatus[name] = "applied"
	s.mu.Unlock()
}

func (s *Stats) HookSkipped(name string, err error) {
	s.hooks.WithLabelValues(name, "skipped").Inc()
	status := "skipped"
	if err != nil {
		status += ": " + err.Error()
	}
	s.mu.Lock()
	s.hookStatus[name] = status
	s.mu.Unlock()
}

func (s *Stats) HookFault(target string, _ error) {
	s.hookFaults.WithLabelValues(target).Inc()
}

func (s *Stats) OptionApplied(opt string) {
	s.socketOptions.WithLabelValues(opt, "applied").Inc()
}

func (s *Stats) OptionSkipped(opt string, _ error) {
	s.socketOptions.WithLabelValues(opt, "skipped").Inc()
}

func (s *Stats) SessionOpened(transport string) {
	s.sessionsActive.WithLabelValues(transport).Inc()
	s.sessionsTotal.WithLabelValues(transport).Inc()
	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()
}

func (s *Stats) SessionClosed(transport string) {
	s.sessionsActive.WithLabelValues(transport).Dec()
	s.mu.Lock()
	s.sessions--
	s.mu.Unlock()
}

func (s *Stats) PacketReceived(opcode string) {
	s.packets.WithLabelValues(opcode).Inc()
}

func (s *Stats) PacketDropped(reason string) {
	s.packetsDropped.WithLabelValues(reason).Inc()
}

// HookState is the install outcome of one named hook.
type HookState struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Snapshot is a point-in-time summary for the health endpoint.
type Snapshot struct {
	UptimeSeconds float64
	Sessions      int
	Hooks         []HookState
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	hooks := make([]HookState, 0, len(s.hookStatus))
	for name, status := range s.hookStatus {
		hooks = append(hooks, HookState{Name: name, Status: status})
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].Name < hooks[j].Name })

	return Snapshot{
		UptimeSeconds: s.Uptime().Seconds(),
		Sessions:      s.sessions,
		Hooks:         hooks,
	}
}
