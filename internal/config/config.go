package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all sessiond configuration.
type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Driver     DriverConfig
	Checkpoint CheckpointConfig
	Liveness   LivenessConfig
	Recovery   RecoveryConfig
	Limits     LimitsConfig
	Logging    LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr string `envconfig:"HTTP_ADDR" default:":8080"`
}

// StoreConfig selects and tunes the durable session store.
type StoreConfig struct {
	Driver string `envconfig:"STORE_DRIVER" default:"sqlite"`
	Path   string `envconfig:"STORE_PATH" default:"sessiond.db"`
}

// DriverConfig selects the browser backend sessions run on.
type DriverConfig struct {
	Backend     string        `envconfig:"DRIVER" default:"docker"`
	DockerImage string        `envconfig:"DOCKER_IMAGE" default:"browserless/chrome:latest"`
	SpinTimeout time.Duration `envconfig:"SPIN_TIMEOUT" default:"30s"`
	Headless    bool          `envconfig:"HEADLESS" default:"true"`
}

// CheckpointConfig holds resume-token archive storage configuration.
type CheckpointConfig struct {
	Dir string `envconfig:"CHECKPOINT_DIR" default:"./checkpoints"`
}

// LivenessConfig governs heartbeat timeouts and the abandonment sweep.
type LivenessConfig struct {
	HeartbeatTimeout time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"60s"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"10s"`
}

// RecoveryConfig governs startup reconciliation and periodic recovery.
type RecoveryConfig struct {
	ResumeDeadline time.Duration `envconfig:"RESUME_DEADLINE" default:"45s"`
	Parallel       int           `envconfig:"RECOVERY_PARALLEL" default:"4"`
	Interval       time.Duration `envconfig:"RECOVERY_INTERVAL" default:"0"`
	StaleResuming  time.Duration `envconfig:"RESUMING_STALE_AFTER" default:"10m"`
}

// LimitsConfig holds per-owner quotas and API rate limiting.
type LimitsConfig struct {
	OwnerMaxSessions int `envconfig:"OWNER_MAX_SESSIONS" default:"5"`
	RequestsPerHour  int `envconfig:"RATE_RPH" default:"3600"`
	Burst            int `envconfig:"RATE_BURST" default:"20"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Pretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration, ignoring the environment.
func Default() *Config {
	return &Config{
		Server:     ServerConfig{Addr: ":8080"},
		Store:      StoreConfig{Driver: "sqlite", Path: "sessiond.db"},
		Driver:     DriverConfig{Backend: "docker", DockerImage: "browserless/chrome:latest", SpinTimeout: 30 * time.Second, Headless: true},
		Checkpoint: CheckpointConfig{Dir: "./checkpoints"},
		Liveness:   LivenessConfig{HeartbeatTimeout: 60 * time.Second, SweepInterval: 10 * time.Second},
		Recovery:   RecoveryConfig{ResumeDeadline: 45 * time.Second, Parallel: 4, StaleResuming: 10 * time.Minute},
		Limits:     LimitsConfig{OwnerMaxSessions: 5, RequestsPerHour: 3600, Burst: 20},
		Logging:    LogConfig{Level: "info"},
	}
}

// Validate rejects configurations that cannot run correctly.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Driver.Backend {
	case "docker", "playwright", "fake":
	default:
		return fmt.Errorf("unknown browser driver %q", c.Driver.Backend)
	}

	if c.Liveness.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive, got %s", c.Liveness.HeartbeatTimeout)
	}
	if c.Liveness.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.Liveness.SweepInterval)
	}
	if c.Liveness.SweepInterval >= c.Liveness.HeartbeatTimeout {
		return fmt.Errorf("sweep interval %s must be shorter than heartbeat timeout %s",
			c.Liveness.SweepInterval, c.Liveness.HeartbeatTimeout)
	}

	if c.Recovery.Parallel < 1 {
		return fmt.Errorf("recovery parallelism must be at least 1, got %d", c.Recovery.Parallel)
	}
	if c.Recovery.ResumeDeadline <= 0 {
		return fmt.Errorf("resume deadline must be positive, got %s", c.Recovery.ResumeDeadline)
	}
	if c.Recovery.StaleResuming != 0 && c.Recovery.StaleResuming <= c.Recovery.ResumeDeadline {
		return fmt.Errorf("resuming stale threshold %s must exceed the resume deadline %s",
			c.Recovery.StaleResuming, c.Recovery.ResumeDeadline)
	}

	if c.Limits.OwnerMaxSessions < 1 {
		return fmt.Errorf("owner session limit must be at least 1, got %d", c.Limits.OwnerMaxSessions)
	}

	return nil
}
