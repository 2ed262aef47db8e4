// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mbeema/fcastd/pkg/identity"
	"github.com/mbeema/fcastd/pkg/netengine"
	"github.com/mbeema/fcastd/pkg/socktune"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for fcastd.
type Config struct {
	LogLevel  string            `yaml:"log_level" env:"FCASTD_LOG_LEVEL"`
	Hooks     HooksConfig       `yaml:"hooks"`
	Socket    socktune.Toggles  `yaml:"socket"`
	Receiver  ReceiverConfig    `yaml:"receiver"`
	Discovery DiscoveryConfig   `yaml:"discovery"`
	Engine    netengine.Options `yaml:"engine"`
	Health    HealthConfig      `yaml:"health"`
}

// HooksConfig selects the hooks applied at attach time. Hooks are never
// re-applied on reload.
type HooksConfig struct {
	SpeedExtender SpeedExtenderConfig `yaml:"speed_extender"`
	Identity      IdentityConfig      `yaml:"identity"`
}

// SpeedExtenderConfig appends playback speeds to the control view.
// Speeds[i] is labelled Labels[i].
type SpeedExtenderConfig struct {
	Enabled bool      `yaml:"enabled"`
	Speeds  []float32 `yaml:"speeds"`
	Labels  []string  `yaml:"labels"`
}

// IdentityConfig replaces the network engine's default user agent.
type IdentityConfig struct {
	Enabled         bool `yaml:"enabled"`
	identity.Config `yaml:",inline"`
}

type ReceiverConfig struct {
	TCP             ListenerConfig       `yaml:"tcp"`
	WebSocket       ListenerConfig       `yaml:"websocket"`
	WebSocketSecure SecureListenerConfig `yaml:"websocket_secure"`
	RateLimit       float64              `yaml:"rate_limit"` // packets per second per sender (0 = unlimited)
	RateBurst       int                  `yaml:"rate_burst"`

	// UpdateInterval is how often playback updates are pushed to senders.
	UpdateInterval time.Duration `yaml:"update_interval"`

	// RedactURLs masks credentials in logged media URLs and headers.
	RedactURLs bool `yaml:"redact_urls"`
}

type ListenerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// SecureListenerConfig is a listener serving TLS with the PEM encoded
// certificate and key at CertFile and KeyFile.
type SecureListenerConfig struct {
	ListenerConfig `yaml:",inline"`
	CertFile       string `yaml:"cert_file"`
	KeyFile        string `yaml:"key_file"`
}

// DiscoveryConfig controls the mDNS advertisement of the TCP and WebSocket
// listeners.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"` // empty means FCast-<hostname>
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"FCASTD_HEALTH_PORT"` // e.g. ":8686"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Hooks: HooksConfig{
			SpeedExtender: SpeedExtenderConfig{
				Enabled: true,
				Speeds:  []float32{2.25},
				Labels:  []string{"2.25x"},
			},
			Identity: IdentityConfig{
				Enabled: false,
				Config: identity.Config{
					Format: "fcastd/%s (%s; %s)",
					Args:   []string{"version", "os", "arch"},
				},
			},
		},
		Socket: socktune.AllOptions(),
		Receiver: ReceiverConfig{
			TCP:       ListenerConfig{Enabled: true, Addr: ":46899"},
			WebSocket: ListenerConfig{Enabled: true, Addr: ":46898"},
			WebSocketSecure: SecureListenerConfig{
				ListenerConfig: ListenerConfig{Enabled: false, Addr: ":46896"},
			},
			RateLimit:      50,
			RateBurst:      100,
			UpdateInterval: time.Second,
			RedactURLs:     true,
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
		},
		Engine: netengine.Options{
			EnableHTTP2:  true,
			EnableBrotli: true,
			Timeout:      30 * time.Second,
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8686",
		},
	}
}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml     → log_level, engine, health
//   - hooks.yaml    → hooks
//   - receiver.yaml → receiver, socket
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range []string{"base.yaml", "hooks.yaml", "receiver.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads FCASTD_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"FCASTD_LOG_LEVEL":        func(v string) { c.LogLevel = v },
		"FCASTD_HEALTH_PORT":      func(v string) { c.Health.Port = v },
		"FCASTD_TCP_ADDR":         func(v string) { c.Receiver.TCP.Addr = v },
		"FCASTD_WEBSOCKET_ADDR":   func(v string) { c.Receiver.WebSocket.Addr = v },
		"FCASTD_USER_AGENT":       func(v string) { c.Engine.UserAgent = v },
		"FCASTD_IDENTITY_LITERAL": func(v string) { c.Hooks.Identity.Literal = v },
		"FCASTD_WSS_ADDR":         func(v string) { c.Receiver.WebSocketSecure.Addr = v },
		"FCASTD_WSS_CERT_FILE":    func(v string) { c.Receiver.WebSocketSecure.CertFile = v },
		"FCASTD_WSS_KEY_FILE":     func(v string) { c.Receiver.WebSocketSecure.KeyFile = v },
		"FCASTD_DISCOVERY_NAME":   func(v string) { c.Discovery.Instance = v },
	}

	boolOverrides := map[string]*bool{
		"FCASTD_SPEED_EXTENDER_ENABLED": &c.Hooks.SpeedExtender.Enabled,
		"FCASTD_IDENTITY_ENABLED":       &c.Hooks.Identity.Enabled,
		"FCASTD_SOCKET_NO_DELAY":        &c.Socket.NoDelay,
		"FCASTD_SOCKET_QUICK_ACK":       &c.Socket.QuickAck,
		"FCASTD_SOCKET_KEEP_ALIVE":      &c.Socket.KeepAlive,
		"FCASTD_SOCKET_TRAFFIC_CLASS":   &c.Socket.TrafficClass,
		"FCASTD_TCP_ENABLED":            &c.Receiver.TCP.Enabled,
		"FCASTD_WEBSOCKET_ENABLED":      &c.Receiver.WebSocket.Enabled,
		"FCASTD_ENGINE_HTTP2":           &c.Engine.EnableHTTP2,
		"FCASTD_ENGINE_BROTLI":          &c.Engine.EnableBrotli,
		"FCASTD_ENGINE_QUIC":            &c.Engine.EnableQUIC,
		"FCASTD_HEALTH_ENABLED":         &c.Health.Enabled,
		"FCASTD_REDACT_URLS":            &c.Receiver.RedactURLs,
		"FCASTD_WSS_ENABLED":            &c.Receiver.WebSocketSecure.Enabled,
		"FCASTD_DISCOVERY_ENABLED":      &c.Discovery.Enabled,
	}

	floatOverrides := map[string]*float64{
		"FCASTD_RATE_LIMIT": &c.Receiver.RateLimit,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range floatOverrides {
		if val := os.Getenv(envKey); val != "" {
			if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				*target = f
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	if se := c.Hooks.SpeedExtender; se.Enabled {
		if len(se.Speeds) != len(se.Labels) {
			return fmt.Errorf("hooks.speed_extender: %d speeds but %d labels", len(se.Speeds), len(se.Labels))
		}
		for _, s := range se.Speeds {
			if s <= 0 {
				return fmt.Errorf("hooks.speed_extender.speeds must be positive, got %v", s)
			}
		}
	}

	if id := c.Hooks.Identity; id.Enabled && id.Literal == "" && id.Format == "" {
		return fmt.Errorf("hooks.identity requires literal or format when enabled")
	}

	if !c.Receiver.TCP.Enabled && !c.Receiver.WebSocket.Enabled && !c.Receiver.WebSocketSecure.Enabled {
		return fmt.Errorf("receiver: at least one of tcp, websocket or websocket_secure must be enabled")
	}
	if c.Receiver.TCP.Enabled && c.Receiver.TCP.Addr == "" {
		return fmt.Errorf("receiver.tcp.addr is required when tcp is enabled")
	}
	if c.Receiver.WebSocket.Enabled && c.Receiver.WebSocket.Addr == "" {
		return fmt.Errorf("receiver.websocket.addr is required when websocket is enabled")
	}
	if wss := c.Receiver.WebSocketSecure; wss.Enabled {
		if wss.Addr == "" {
			return fmt.Errorf("receiver.websocket_secure.addr is required when websocket_secure is enabled")
		}
		if wss.CertFile == "" || wss.KeyFile == "" {
			return fmt.Errorf("receiver.websocket_secure requires cert_file and key_file")
		}
	}
	if c.Receiver.RateLimit < 0 {
		return fmt.Errorf("receiver.rate_limit must not be negative")
	}
	if c.Receiver.UpdateInterval < 100*time.Millisecond {
		return fmt.Errorf("receiver.update_interval must be at least 100ms")
	}

	if c.Health.Enabled && c.Health.Port == "" {
		return fmt.Errorf("health.port is required when health is enabled")
	}

	return nil
}
