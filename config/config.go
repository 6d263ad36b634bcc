// Package config centralises runtime configuration helpers for replayd.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/replaycore/replayd/errs"
)

// ServerSettings configures the session listener and connection lifecycle.
type ServerSettings struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	HeartbeatInterval    time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeatTimeout"`
	MaxMessageSize       int64         `yaml:"maxMessageSize"`
	ReconnectGracePeriod time.Duration `yaml:"reconnectGracePeriod"`
	CommandTimeout       time.Duration `yaml:"commandTimeout"`
	CommandRatePerSecond float64       `yaml:"commandRatePerSecond"`
}

// ReplaySettings configures the replay controller and snapshot paths.
type ReplaySettings struct {
	TimeUnit             time.Duration `yaml:"timeUnit"`
	InitialSpeed         float64       `yaml:"initialSpeed"`
	InitialCash          string        `yaml:"initialCash"`
	SnapshotDir          string        `yaml:"snapshotDir"`
	AutoSnapshotInterval time.Duration `yaml:"autoSnapshotInterval"`
	MaxHistory           int           `yaml:"maxHistory"`
}

// TelemetrySettings configures the OTLP metric exporter.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the replayd configuration tree loaded from defaults and overrides.
type Settings struct {
	Server    ServerSettings    `yaml:"server"`
	Replay    ReplaySettings    `yaml:"replay"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
	Debug     bool              `yaml:"debug"`
}

// Default returns the default replayd configuration.
func Default() Settings {
	return Settings{
		Server: ServerSettings{
			Host:                 "127.0.0.1",
			Port:                 8765,
			HeartbeatInterval:    30 * time.Second,
			HeartbeatTimeout:     60 * time.Second,
			MaxMessageSize:       1 << 20,
			ReconnectGracePeriod: 300 * time.Second,
			CommandTimeout:       10 * time.Second,
			CommandRatePerSecond: 50,
		},
		Replay: ReplaySettings{
			TimeUnit:             time.Second,
			InitialSpeed:         1,
			InitialCash:          "100000",
			SnapshotDir:          "snapshots",
			AutoSnapshotInterval: 0,
			MaxHistory:           10_000,
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: "",
			ServiceName:  "replayd",
		},
		Debug: false,
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()

	if v := strings.TrimSpace(os.Getenv("REPLAYD_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("REPLAYD_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("REPLAYD_HEARTBEAT_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Server.HeartbeatInterval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("REPLAYD_HEARTBEAT_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Server.HeartbeatTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("REPLAYD_RECONNECT_GRACE")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReconnectGracePeriod = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("REPLAYD_SNAPSHOT_DIR")); v != "" {
		cfg.Replay.SnapshotDir = v
	}
	if v := strings.TrimSpace(os.Getenv("REPLAYD_TIME_UNIT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Replay.TimeUnit = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("REPLAYD_INITIAL_CASH")); v != "" {
		cfg.Replay.InitialCash = v
	}
	if v := strings.TrimSpace(os.Getenv("REPLAYD_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("REPLAYD_DEBUG")); v != "" {
		if flag, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = flag
		}
	}

	return cfg
}

// LoadFile reads a YAML settings document layered over the provided base.
func LoadFile(base Settings, path string) (Settings, error) {
	// #nosec G304 -- config path is operator provided via CLI flags.
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config file: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return base, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithListenAddress overrides the server host and port.
func WithListenAddress(host string, port int) Option {
	return func(s *Settings) {
		if strings.TrimSpace(host) != "" {
			s.Server.Host = host
		}
		if port > 0 {
			s.Server.Port = port
		}
	}
}

// WithHeartbeat overrides the heartbeat cadence.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(s *Settings) {
		if interval > 0 {
			s.Server.HeartbeatInterval = interval
		}
		if timeout > 0 {
			s.Server.HeartbeatTimeout = timeout
		}
	}
}

// WithDebug toggles debug logging.
func WithDebug(debug bool) Option {
	return func(s *Settings) {
		s.Debug = debug
	}
}

// Validate checks settings invariants before startup.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Server.Host) == "" {
		return errs.New("config/validate", errs.CodeInvalid, errs.WithMessage("server host required"))
	}
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		return errs.New("config/validate", errs.CodeInvalid,
			errs.WithMessage("server port out of range"),
			errs.WithDetail("port", strconv.Itoa(s.Server.Port)))
	}
	if s.Server.HeartbeatInterval <= 0 || s.Server.HeartbeatTimeout <= 0 {
		return errs.New("config/validate", errs.CodeInvalid, errs.WithMessage("heartbeat interval and timeout must be positive"))
	}
	if s.Server.HeartbeatTimeout <= s.Server.HeartbeatInterval {
		return errs.New("config/validate", errs.CodeInvalid, errs.WithMessage("heartbeat timeout must exceed heartbeat interval"))
	}
	if s.Replay.TimeUnit <= 0 {
		return errs.New("config/validate", errs.CodeInvalid, errs.WithMessage("replay time unit must be positive"))
	}
	if s.Replay.MaxHistory <= 0 {
		return errs.New("config/validate", errs.CodeInvalid, errs.WithMessage("event history cap must be positive"))
	}
	if strings.TrimSpace(s.Replay.SnapshotDir) == "" {
		return errs.New("config/validate", errs.CodeInvalid, errs.WithMessage("snapshot directory required"))
	}
	return nil
}

// ListenAddr renders the host:port pair for net listeners.
func (s ServerSettings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
