package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ServerConfig holds the server-side settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server accepts connections on.
	ListenAddr string `json:"listen_addr"`

	// WebSocketAddr, when non-empty, enables the HTTP endpoint that
	// upgrades to the WebSocket transport.
	WebSocketAddr string `json:"websocket_addr,omitempty"`

	// MaxConnections caps the number of simultaneously served sessions.
	MaxConnections int `json:"max_connections"`

	// ReceiveTimeoutSeconds bounds each worker's blocking receive; on
	// expiry the worker re-checks liveness and garbage collects.
	ReceiveTimeoutSeconds int `json:"receive_timeout_seconds"`

	// StatsIntervalSeconds is how often the server logs its counters.
	// Zero disables the stats ticker.
	StatsIntervalSeconds int `json:"stats_interval_seconds"`

	// PIDFile, when non-empty, is where the server records its process ID.
	PIDFile string `json:"pid_file,omitempty"`

	// PprofAddr, when non-empty, enables the runtime profiling endpoint on
	// that address. Loopback only.
	PprofAddr string `json:"pprof_addr,omitempty"`
}

// ClientConfig holds the client-side settings.
type ClientConfig struct {
	// ServerAddr is the TCP address of the chat server.
	ServerAddr string `json:"server_addr"`

	// ServerURL, when non-empty, selects the WebSocket transport instead
	// of TCP (e.g. "ws://localhost:8941/chat").
	ServerURL string `json:"server_url,omitempty"`

	// ConnectTimeoutSeconds bounds the initial dial.
	ConnectTimeoutSeconds int `json:"connect_timeout_seconds"`

	// ResponseTimeoutSeconds bounds the wait for a login, chat or logout
	// response.
	ResponseTimeoutSeconds int `json:"response_timeout_seconds"`
}

// Config is the application configuration, stored as one JSON file.
type Config struct {
	Server ServerConfig `json:"server"`
	Client ClientConfig `json:"client"`

	// ConfirmedDelivery selects the confirm-gated protocol variant. When
	// false, responses are released right after the fan-out.
	ConfirmedDelivery bool `json:"confirmed_delivery"`

	LogLevel string `json:"log_level"` // debug, info, warn, error, none
	LogPath  string `json:"log_path,omitempty"`

	path string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:            "localhost:8940",
			MaxConnections:        200,
			ReceiveTimeoutSeconds: 60,
			StatsIntervalSeconds:  30,
		},
		Client: ClientConfig{
			ServerAddr:             "localhost:8940",
			ConnectTimeoutSeconds:  10,
			ResponseTimeoutSeconds: 30,
		},
		ConfirmedDelivery: true,
		LogLevel:          "info",
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ackchat.json"
	}
	return filepath.Join(home, ".config", "ackchat", "config.json")
}

// Load reads the config file at path, merging it over the defaults. A missing
// file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration back to its file.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// ReceiveTimeout returns the worker receive window as a duration.
func (c *Config) ReceiveTimeout() time.Duration {
	if c.Server.ReceiveTimeoutSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Server.ReceiveTimeoutSeconds) * time.Second
}

// StatsInterval returns the counter logging interval, zero if disabled.
func (c *Config) StatsInterval() time.Duration {
	if c.Server.StatsIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Server.StatsIntervalSeconds) * time.Second
}

// ConnectTimeout returns the client dial timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	if c.Client.ConnectTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Client.ConnectTimeoutSeconds) * time.Second
}

// ResponseTimeout returns the client response wait as a duration.
func (c *Config) ResponseTimeout() time.Duration {
	if c.Client.ResponseTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Client.ResponseTimeoutSeconds) * time.Second
}
