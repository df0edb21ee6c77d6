package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate validates the configuration.
func Validate(cfg *Config) error {
	if err := validateBackend(&cfg.Backend); err != nil {
		return err
	}

	if err := validateStorage(&cfg.Storage); err != nil {
		return err
	}

	if err := validateServer(&cfg.Server); err != nil {
		return err
	}

	if err := validateLogging(&cfg.Logging); err != nil {
		return err
	}

	if err := validateRouter(&cfg.Router); err != nil {
		return err
	}

	if err := validateReconcile(&cfg.Reconcile); err != nil {
		return err
	}

	if _, _, err := cfg.Settings.JSON(); err != nil {
		return err
	}

	return nil
}

func validateBackend(cfg *BackendConfig) error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("backend.base_url cannot be empty")
	}
	if err := validateURL(cfg.BaseURL, "backend.base_url", []string{"http", "https"}); err != nil {
		return err
	}
	if cfg.WSURL == "" {
		return fmt.Errorf("backend.ws_url cannot be empty")
	}
	if err := validateURL(cfg.WSURL, "backend.ws_url", []string{"ws", "wss"}); err != nil {
		return err
	}
	if cfg.TimeoutSeconds < 1 {
		return fmt.Errorf("backend.timeout_seconds must be at least 1")
	}
	if cfg.TimeoutSeconds > 600 {
		return fmt.Errorf("backend.timeout_seconds cannot exceed 600")
	}
	if len(cfg.ReconnectBackoffMS) == 0 {
		return fmt.Errorf("backend.reconnect_backoff_ms needs at least one delay")
	}
	for _, d := range cfg.ReconnectBackoffMS {
		if d < 1 {
			return fmt.Errorf("backend.reconnect_backoff_ms values must be positive")
		}
	}
	return nil
}

// validateURL validates that a URL is well-formed and uses an allowed scheme.
func validateURL(rawURL, fieldName string, allowedSchemes []string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", fieldName, err)
	}

	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", fieldName)
	}

	for _, scheme := range allowedSchemes {
		if strings.EqualFold(parsed.Scheme, scheme) {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of these schemes: %s", fieldName, strings.Join(allowedSchemes, ", "))
}

func validateStorage(cfg *StorageConfig) error {
	if cfg.Path == "" {
		return fmt.Errorf("storage.path cannot be empty")
	}
	return nil
}

func validateServer(cfg *ServerConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if cfg.Host == "" {
		return fmt.Errorf("server.host cannot be empty")
	}
	if cfg.CommandRatePerMinute < 0 || cfg.CommandBurst < 0 {
		return fmt.Errorf("server.command_rate_per_minute and server.command_burst cannot be negative")
	}
	if cfg.CommandRatePerMinute > 0 && cfg.CommandBurst == 0 {
		return fmt.Errorf("server.command_burst must be at least 1 when commands are rate limited")
	}
	for _, origin := range cfg.AllowedOrigins {
		if strings.HasPrefix(origin, "*.") {
			continue
		}
		if err := validateURL(origin, "server.allowed_origins", []string{"http", "https"}); err != nil {
			return err
		}
	}
	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	if !validLogLevels[cfg.Level] {
		return fmt.Errorf("logging.level must be one of trace, debug, info, warn, error")
	}
	if !validLogFormats[cfg.Format] {
		return fmt.Errorf("logging.format must be console or json")
	}
	return nil
}

func validateRouter(cfg *RouterConfig) error {
	if cfg.InboxSize < 1 {
		return fmt.Errorf("router.inbox_size must be at least 1")
	}
	if !validKinds[cfg.DefaultKind] {
		return fmt.Errorf("router.default_kind must be backtest, live or import")
	}
	return nil
}

func validateReconcile(cfg *ReconcileConfig) error {
	if cfg.DebounceMS < 0 {
		return fmt.Errorf("reconcile.debounce_ms cannot be negative")
	}
	if cfg.DebounceMS > 10000 {
		return fmt.Errorf("reconcile.debounce_ms cannot exceed 10000ms")
	}
	return nil
}
