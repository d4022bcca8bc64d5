package config

import "time"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Socket defaults
	cfg.Socket.BaseURL = "ws://localhost:8000/ws"
	cfg.Socket.HeartbeatInterval = 30 * time.Second
	cfg.Socket.ReconnectBaseDelay = 3 * time.Second
	cfg.Socket.MaxReconnectAttempts = 5

	// API defaults
	cfg.API.BaseURL = "http://localhost:8000/api"
	cfg.API.Timeout = 30 * time.Second

	// RCA defaults
	cfg.RCA.PollInterval = 5 * time.Second
	cfg.RCA.MaxPollIterations = 60
	cfg.RCA.DefaultClientID = "default"

	// Database defaults
	cfg.Database.Path = "insight-client.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Path = "logs/insight-client.log"
	cfg.Logging.Console = true

	// Audit defaults
	cfg.Audit.Path = "logs/audit.log"

	// Metrics defaults
	cfg.Metrics.Enabled = true
	cfg.Metrics.ListenAddr = "127.0.0.1:9477"

	return cfg
}
