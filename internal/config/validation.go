package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration and returns all problems found.
func (c *Config) Validate() []error {
	var errs []error

	if c.Socket.BaseURL == "" {
		errs = append(errs, fmt.Errorf("socket.base_url is required"))
	} else if u, err := url.Parse(c.Socket.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("socket.base_url is not a valid URL: %v", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("socket.base_url must use ws or wss scheme, got %q", u.Scheme))
	}

	if c.Socket.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("socket.heartbeat_interval must be positive"))
	}
	if c.Socket.ReconnectBaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("socket.reconnect_base_delay must be positive"))
	}
	if c.Socket.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("socket.max_reconnect_attempts must not be negative"))
	}

	if c.API.BaseURL == "" {
		errs = append(errs, fmt.Errorf("api.base_url is required"))
	} else if u, err := url.Parse(c.API.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("api.base_url is not a valid URL: %v", err))
	} else if !strings.HasPrefix(u.Scheme, "http") {
		errs = append(errs, fmt.Errorf("api.base_url must use http or https scheme, got %q", u.Scheme))
	}

	if c.RCA.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("rca.poll_interval must be positive"))
	}
	if c.RCA.MaxPollIterations <= 0 {
		errs = append(errs, fmt.Errorf("rca.max_poll_iterations must be positive"))
	}

	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level))
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("metrics.listen_addr is required when metrics are enabled"))
	}

	return errs
}
