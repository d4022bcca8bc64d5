package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements Manager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("INSIGHT")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// Config file is optional; defaults + env vars suffice without one.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// use defaults
		} else if os.IsNotExist(err) {
			// use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	m.viper.SetDefault("socket.base_url", defaults.Socket.BaseURL)
	m.viper.SetDefault("socket.heartbeat_interval", defaults.Socket.HeartbeatInterval)
	m.viper.SetDefault("socket.reconnect_base_delay", defaults.Socket.ReconnectBaseDelay)
	m.viper.SetDefault("socket.max_reconnect_attempts", defaults.Socket.MaxReconnectAttempts)

	m.viper.SetDefault("api.base_url", defaults.API.BaseURL)
	m.viper.SetDefault("api.timeout", defaults.API.Timeout)

	m.viper.SetDefault("rca.poll_interval", defaults.RCA.PollInterval)
	m.viper.SetDefault("rca.max_poll_iterations", defaults.RCA.MaxPollIterations)
	m.viper.SetDefault("rca.default_client_id", defaults.RCA.DefaultClientID)

	m.viper.SetDefault("database.path", defaults.Database.Path)

	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.path", defaults.Logging.Path)
	m.viper.SetDefault("logging.console", defaults.Logging.Console)

	m.viper.SetDefault("audit.path", defaults.Audit.Path)

	m.viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	m.viper.SetDefault("metrics.listen_addr", defaults.Metrics.ListenAddr)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	cfg.Socket.BaseURL = m.viper.GetString("socket.base_url")
	cfg.Socket.HeartbeatInterval = m.viper.GetDuration("socket.heartbeat_interval")
	cfg.Socket.ReconnectBaseDelay = m.viper.GetDuration("socket.reconnect_base_delay")
	cfg.Socket.MaxReconnectAttempts = m.viper.GetInt("socket.max_reconnect_attempts")

	cfg.API.BaseURL = m.viper.GetString("api.base_url")
	cfg.API.Timeout = m.viper.GetDuration("api.timeout")

	cfg.RCA.PollInterval = m.viper.GetDuration("rca.poll_interval")
	cfg.RCA.MaxPollIterations = m.viper.GetInt("rca.max_poll_iterations")
	cfg.RCA.DefaultClientID = m.viper.GetString("rca.default_client_id")

	cfg.Database.Path = m.viper.GetString("database.path")

	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Path = m.viper.GetString("logging.path")
	cfg.Logging.Console = m.viper.GetBool("logging.console")

	cfg.Audit.Path = m.viper.GetString("audit.path")

	cfg.Metrics.Enabled = m.viper.GetBool("metrics.enabled")
	cfg.Metrics.ListenAddr = m.viper.GetString("metrics.listen_addr")

	m.config = cfg
	return nil
}
