// Package config handles configuration management for runsync.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend" yaml:"backend"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Router    RouterConfig    `mapstructure:"router" yaml:"router"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" yaml:"reconcile"`
	Settings  SettingsConfig  `mapstructure:"settings" yaml:"settings"`
}

// BackendConfig describes the compute backend.
type BackendConfig struct {
	BaseURL            string `mapstructure:"base_url" yaml:"base_url"`
	WSURL              string `mapstructure:"ws_url" yaml:"ws_url"` // Derived from base_url when empty
	Token              string `mapstructure:"token" yaml:"token,omitempty"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	ReconnectBackoffMS []int  `mapstructure:"reconnect_backoff_ms" yaml:"reconnect_backoff_ms"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ServerConfig holds the local control API settings.
type ServerConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	Host           string   `mapstructure:"host" yaml:"host"`
	Port           int      `mapstructure:"port" yaml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"`

	// Limits on endpoints that send commands to the backend. 0 disables.
	CommandRatePerMinute int `mapstructure:"command_rate_per_minute" yaml:"command_rate_per_minute"`
	CommandBurst         int `mapstructure:"command_burst" yaml:"command_burst"`

	Pprof bool `mapstructure:"pprof" yaml:"pprof"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// RouterConfig holds event router settings.
type RouterConfig struct {
	InboxSize   int    `mapstructure:"inbox_size" yaml:"inbox_size"`
	DefaultKind string `mapstructure:"default_kind" yaml:"default_kind"`
}

// ReconcileConfig controls when reconciliation runs.
type ReconcileConfig struct {
	OnStart    bool `mapstructure:"on_start" yaml:"on_start"`
	WatchState bool `mapstructure:"watch_state" yaml:"watch_state"`
	DebounceMS int  `mapstructure:"debounce_ms" yaml:"debounce_ms"`
}

// SettingsConfig holds the per-kind config objects forwarded verbatim with
// start commands.
type SettingsConfig struct {
	Backtest map[string]any `mapstructure:"backtest" yaml:"backtest,omitempty"`
	Live     map[string]any `mapstructure:"live" yaml:"live,omitempty"`
}

// JSON encodes both settings maps. Empty maps encode as nil.
func (s SettingsConfig) JSON() (backtest, live json.RawMessage, err error) {
	if backtest, err = encodeSettings(s.Backtest); err != nil {
		return nil, nil, fmt.Errorf("settings.backtest: %w", err)
	}
	if live, err = encodeSettings(s.Live); err != nil {
		return nil, nil, fmt.Errorf("settings.live: %w", err)
	}
	return backtest, live, nil
}

func encodeSettings(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// Load loads configuration from files and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.runsync")
		v.AddConfigPath("/etc/runsync")
	}

	v.SetEnvPrefix("RUNSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := postProcess(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", DefaultBaseURL)
	v.SetDefault("backend.ws_url", "")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.timeout_seconds", 30)
	v.SetDefault("backend.reconnect_backoff_ms", DefaultReconnectBackoffMS)

	v.SetDefault("storage.path", "")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9010)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.command_rate_per_minute", 60)
	v.SetDefault("server.command_burst", 10)
	v.SetDefault("server.pprof", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("router.inbox_size", 1024)
	v.SetDefault("router.default_kind", "backtest")

	v.SetDefault("reconcile.on_start", true)
	v.SetDefault("reconcile.watch_state", true)
	v.SetDefault("reconcile.debounce_ms", 500)
}

// Default returns the configuration used when no file or environment
// overrides exist.
func Default() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := postProcess(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Derive recomputes derived values after fields were overridden.
func Derive(cfg *Config) error {
	return postProcess(cfg)
}

// postProcess fills derived values.
func postProcess(cfg *Config) error {
	cfg.Backend.BaseURL = strings.TrimRight(cfg.Backend.BaseURL, "/")

	if cfg.Backend.WSURL == "" {
		cfg.Backend.WSURL = deriveWSURL(cfg.Backend.BaseURL)
	}

	if cfg.Storage.Path == "" {
		dir, err := GetConfigDir()
		if err != nil {
			return fmt.Errorf("failed to resolve state directory: %w", err)
		}
		cfg.Storage.Path = filepath.Join(dir, DefaultStateFile)
	}
	absPath, err := filepath.Abs(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to resolve storage path: %w", err)
	}
	cfg.Storage.Path = absPath

	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	cfg.Router.DefaultKind = strings.ToLower(cfg.Router.DefaultKind)

	return nil
}

// deriveWSURL maps http(s)://host/path to ws(s)://host/path/ws.
func deriveWSURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return ""
}

// Addr returns host:port of the control API.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetConfigDir returns the user config directory for runsync.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".runsync"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
