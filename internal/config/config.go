package config

import (
	"context"
	"time"
)

// Package config provides configuration for the insight client subsystem.
//
// Configuration sources (priority order, high to low):
//  1. Environment variables (INSIGHT_* prefix)
//  2. YAML config file (default: insight-client.yaml)
//  3. Built-in defaults
//
// The socket and rca sections carry the tunables the realtime transport and
// the investigation orchestrator are specified against; their defaults match
// the deployed service (30 s heartbeat, 3 s reconnect base delay, 5 attempts,
// 5 s polling at 60 iterations).

// Config contains all configuration fields.
type Config struct {
	// Socket configures the duplex chat connection.
	Socket struct {
		// BaseURL is the WebSocket endpoint, e.g. ws://localhost:8000/ws.
		BaseURL string

		// HeartbeatInterval is the ping cadence while connected.
		HeartbeatInterval time.Duration

		// ReconnectBaseDelay seeds the exponential backoff.
		ReconnectBaseDelay time.Duration

		// MaxReconnectAttempts bounds reconnection after an unintentional
		// close.
		MaxReconnectAttempts int
	}

	// API configures the request/response backend used by the orchestrator.
	API struct {
		BaseURL string
		Timeout time.Duration
	}

	// RCA configures the investigation polling loop.
	RCA struct {
		PollInterval      time.Duration
		MaxPollIterations int

		// DefaultClientID is the analysis configuration submitted with new
		// requests when the form does not pick one.
		DefaultClientID string
	}

	// Database configures local persistence.
	Database struct {
		Path string
	}

	// Logging configures the application log.
	Logging struct {
		Level   string
		Path    string
		Console bool
	}

	// Audit configures the investigation audit trail.
	Audit struct {
		Path string
	}

	// Metrics configures the Prometheus endpoint.
	Metrics struct {
		Enabled    bool
		ListenAddr string
	}
}

// Manager loads, validates and watches configuration.
type Manager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewManager creates a configuration manager reading from configPath.
func NewManager(configPath string) Manager {
	return &viperConfigManager{
		configPath: configPath,
		watchChan:  make(chan Config, 1),
	}
}
