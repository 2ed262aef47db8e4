// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/fcastd/pkg/config"
	"github.com/mbeema/fcastd/pkg/discovery"
	"github.com/mbeema/fcastd/pkg/health"
	"github.com/mbeema/fcastd/pkg/hook"
	"github.com/mbeema/fcastd/pkg/identity"
	"github.com/mbeema/fcastd/pkg/netengine"
	"github.com/mbeema/fcastd/pkg/player"
	"github.com/mbeema/fcastd/pkg/receiver"
	"github.com/mbeema/fcastd/pkg/redact"
	"github.com/mbeema/fcastd/pkg/rewrite"
	"github.com/mbeema/fcastd/pkg/socktune"
	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Hook names as reported in logs and health.
const (
	HookSpeedExtender = "speed-extender"
	HookIdentity      = "identity-override"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version string
	Commit  string
}

// Agent wires the hook registry, host components and transports together.
// Hooks are applied once in New, before any host component exists.
type Agent struct {
	cfg    atomic.Pointer[config.Config]
	logger *zap.Logger
	level  *zap.AtomicLevel
	build  BuildInfo

	stats        *health.Stats
	registry     *hook.Registry
	healthServer *health.Server
	player       *player.Player
	tuner        *socktune.Tuner
	engine       *netengine.Engine
	tracker      *receiver.Tracker
	tcp          *receiver.TCPListener
	ws           *receiver.WebSocketListener
	wss          *receiver.WebSocketSecureListener
	advertiser   *discovery.Advertiser
	redactor     *redact.Redactor

	// probeCtx bounds background work started from sender callbacks.
	probeCtx    context.Context
	probeCancel context.CancelFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New runs the attach phase and builds the host components. level may be
// nil, in which case log level changes on reload are ignored.
func New(cfg *config.Config, build BuildInfo, level *zap.AtomicLevel, logger *zap.Logger) (*Agent, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}

	a := &Agent{
		logger: logger,
		level:  level,
		build:  build,
		stats:  health.NewStats(),
	}
	a.cfg.Store(cfg)
	a.probeCtx, a.probeCancel = context.WithCancel(context.Background())

	a.registry = hook.NewRegistry(hook.Default, a.stats, logger)
	a.attach(cfg)

	// Host construction. The player's control view and the engine's user
	// agent go through the hook sites installed above.
	a.tuner = socktune.NewTuner(cfg.Socket, a.stats, logger)
	a.player = player.New(logger)
	a.engine = netengine.New(cfg.Engine, build.Version, a.tuner, logger)
	a.tracker = receiver.NewTracker(logger)
	a.redactor = redact.New(cfg.Receiver.RedactURLs)

	opts := receiver.Options{
		Callbacks: a.callbacks(),
		Observer:  a.stats,
		RateLimit: cfg.Receiver.RateLimit,
		RateBurst: cfg.Receiver.RateBurst,
	}
	if cfg.Receiver.TCP.Enabled {
		a.tcp = receiver.NewTCPListener(cfg.Receiver.TCP.Addr, a.tracker, a.tuner, opts, logger)
	}
	if cfg.Receiver.WebSocket.Enabled {
		a.ws = receiver.NewWebSocketListener(cfg.Receiver.WebSocket.Addr, a.tracker, a.tuner, opts, logger)
	}
	if wss := cfg.Receiver.WebSocketSecure; wss.Enabled {
		a.wss = receiver.NewWebSocketSecureListener(wss.Addr, wss.CertFile, wss.KeyFile, a.tracker, a.tuner, opts, logger)
	}
	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, build.Version, a.stats, logger)
		a.healthServer.Handle("POST /control/keys/{key}", http.HandlerFunc(a.handleSpeedKey))
	}

	texts, _ := a.player.SpeedOptions()
	logger.Info("host components ready",
		zap.Strings("speed_options", texts),
		zap.String("user_agent", a.engine.UserAgent()),
		zap.Int("callback_workers", a.engine.Executor().Workers()),
	)
	return a, nil
}

var speedAdapterParams = []reflect.Type{
	reflect.TypeOf((*player.ControlView)(nil)),
	reflect.TypeOf([]string(nil)),
	reflect.TypeOf([]float32(nil)),
}

var defaultUserAgentParams = []reflect.Type{
	reflect.TypeOf((*netengine.Engine)(nil)),
}

// attach applies the configured hooks. Every failure degrades to the
// feature being absent; nothing here stops the daemon.
func (a *Agent) attach(cfg *config.Config) {
	if se := cfg.Hooks.SpeedExtender; se.Enabled {
		a.registry.Apply(hook.Spec{
			Name:    HookSpeedExtender,
			Owner:   hook.TypeOf[player.SpeedAdapter](),
			Method:  "new",
			Params:  speedAdapterParams,
			Handler: rewrite.ExtendParallel(2, 1, se.Speeds, se.Labels),
		})
	}

	if id := cfg.Hooks.Identity; id.Enabled {
		src, err := identity.FromConfig(id.Config, a.knownValues())
		if err != nil {
			a.logger.Warn("hook not applied", zap.String("hook", HookIdentity), zap.Error(err))
			a.stats.HookSkipped(HookIdentity, err)
		} else {
			a.registry.Apply(hook.Spec{
				Name:    HookIdentity,
				Owner:   hook.TypeOf[netengine.Engine](),
				Method:  "DefaultUserAgent",
				Params:  defaultUserAgentParams,
				Handler: identity.Handler(src),
			})
		}
	}

	for _, inst := range a.registry.Installations() {
		a.logger.Debug("hook active",
			zap.String("target", inst.Target.Key()),
			zap.Stringer("kind", inst.Kind),
		)
	}
}

// knownValues are the install-time values identity formats may reference.
func (a *Agent) knownValues() map[string]string {
	platform := runtime.GOOS
	if info, err := host.Info(); err == nil && info.Platform != "" {
		platform = info.Platform
	}
	version := a.build.Version
	if version == "" {
		version = "dev"
	}
	return map[string]string{
		"version":    version,
		"commit":     a.build.Commit,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"platform":   platform,
	}
}

// Start begins serving senders.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, a.cancel = context.WithCancel(ctx)
	cfg := a.cfg.Load()

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			a.cancel()
			return fmt.Errorf("start health server: %w", err)
		}
	}
	if a.tcp != nil {
		if err := a.tcp.Start(ctx); err != nil {
			a.stopLocked()
			return err
		}
	}
	if a.ws != nil {
		if err := a.ws.Start(ctx); err != nil {
			a.stopLocked()
			return err
		}
	}
	if a.wss != nil {
		if err := a.wss.Start(ctx); err != nil {
			a.stopLocked()
			return err
		}
	}
	if cfg.Discovery.Enabled {
		a.startDiscovery(ctx, cfg.Discovery)
	}

	a.wg.Add(1)
	go a.updateLoop(ctx, cfg.Receiver.UpdateInterval)

	if a.healthServer != nil {
		a.healthServer.SetReady(true)
	}
	a.logger.Info("receiver started", zap.String("version", a.build.Version))
	return nil
}

// Stop shuts everything down. Installed hooks stay in place.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()

	a.logger.Info("receiver stopped", zap.Int("active_sessions", a.tracker.Count()))
	return nil
}

func (a *Agent) stopLocked() {
	if a.cancel != nil {
		a.cancel()
	}
	a.probeCancel()
	if a.advertiser != nil {
		a.advertiser.Stop()
		a.advertiser = nil
	}
	if a.healthServer != nil {
		a.healthServer.SetReady(false)
		a.healthServer.Stop()
	}
	if a.tcp != nil {
		a.tcp.Stop()
	}
	if a.ws != nil {
		a.ws.Stop()
	}
	if a.wss != nil {
		a.wss.Stop()
	}
	a.tracker.CloseAll()
	a.wg.Wait()
	a.engine.Close()
}

// Reload applies the parts of cfg that can change at runtime: the log level
// and the socket option toggles. Hook changes take effect on restart.
func (a *Agent) Reload(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	lvl, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	oldCfg := a.cfg.Load()
	a.cfg.Store(cfg)

	if a.level != nil {
		a.level.SetLevel(lvl)
	}
	a.tuner.SetToggles(cfg.Socket)

	if !reflect.DeepEqual(oldCfg.Hooks, cfg.Hooks) {
		a.logger.Warn("hook configuration changed; hooks are applied at attach and need a restart")
	}

	a.logger.Info("configuration reloaded",
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("no_delay", cfg.Socket.NoDelay),
		zap.Bool("quick_ack", cfg.Socket.QuickAck),
		zap.Bool("keep_alive", cfg.Socket.KeepAlive),
		zap.Bool("traffic_class", cfg.Socket.TrafficClass),
	)
	return nil
}

// Player returns the playback model.
func (a *Agent) Player() *player.Player { return a.player }

// Engine returns the downstream HTTP engine.
func (a *Agent) Engine() *netengine.Engine { return a.engine }

// Stats returns the self-monitoring counters.
func (a *Agent) Stats() *health.Stats { return a.stats }

// Tuner returns the socket tuner.
func (a *Agent) Tuner() *socktune.Tuner { return a.tuner }

// TCPAddr returns the bound TCP listener address, nil when disabled or
// not started.
func (a *Agent) TCPAddr() net.Addr {
	if a.tcp == nil {
		return nil
	}
	return a.tcp.Addr()
}

// WebSocketAddr returns the bound WebSocket listener address.
func (a *Agent) WebSocketAddr() net.Addr {
	if a.ws == nil {
		return nil
	}
	return a.ws.Addr()
}

// WebSocketSecureAddr returns the bound secure WebSocket listener address.
func (a *Agent) WebSocketSecureAddr() net.Addr {
	if a.wss == nil {
		return nil
	}
	return a.wss.Addr()
}

// discoveryServices lists the started listeners that senders can find over
// mDNS, with their bound ports.
func (a *Agent) discoveryServices() []discovery.Service {
	var services []discovery.Service
	if addr, ok := a.TCPAddr().(*net.TCPAddr); ok {
		services = append(services, discovery.Service{Type: discovery.ServiceTCP, Port: addr.Port})
	}
	if addr, ok := a.WebSocketAddr().(*net.TCPAddr); ok {
		services = append(services, discovery.Service{Type: discovery.ServiceWebSocket, Port: addr.Port})
	}
	return services
}

// startDiscovery advertises the listeners. Senders can still connect by
// address, so a failure is only logged.
func (a *Agent) startDiscovery(ctx context.Context, cfg config.DiscoveryConfig) {
	services := a.discoveryServices()
	if len(services) == 0 {
		a.logger.Info("nothing to advertise over mdns")
		return
	}
	adv := discovery.NewAdvertiser(discovery.Options{
		Instance: cfg.Instance,
		Services: services,
	}, a.logger)
	if err := adv.Start(ctx); err != nil {
		a.logger.Warn("discovery not started", zap.Error(err))
		return
	}
	a.advertiser = adv
}

func (a *Agent) updateLoop(ctx context.Context, interval time.Duration) {
	defer a.wg.Done()
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.player.Update().State == player.StateIdle || a.tracker.Count() == 0 {
				continue
			}
			a.broadcastPlayback()
		}
	}
}
