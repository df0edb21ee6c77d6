package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/brianly1003/runsync/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	configInitLocal bool
	configInitForce bool
)

// configSections are the top-level keys the daemon reads.
var configSections = map[string]bool{
	"backend":   true,
	"storage":   true,
	"server":    true,
	"logging":   true,
	"router":    true,
	"reconcile": true,
	"settings":  true,
}

// configCmd displays or manages configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Display and manage configuration",
	Long: `Display and manage runsync configuration.

Without subcommands, shows the current effective configuration as YAML.

Examples:
  runsync config                     # Show current config
  runsync config init                # Create config file with defaults
  runsync config path                # Show config file location
  runsync config get backend.base_url
  runsync config set server.port 9011`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return printConfig(cmd.OutOrStdout(), cfg)
	},
}

// configInitCmd creates a config file with defaults.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file with default settings",
	Long: `Create a config file with default settings and documentation.

By default, creates ~/.runsync/config.yaml.
Use --local to create ./config.yaml in the current directory.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

// configPathCmd shows config file location.
var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file locations",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long: `Get an effective configuration value. Keys use dot notation.

Examples:
  runsync config get server.port
  runsync config get backend.ws_url`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in ~/.runsync/config.yaml",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)

	configInitCmd.Flags().BoolVar(&configInitLocal, "local", false, "create config in current directory instead of ~/.runsync/")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite existing config file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	var configPath string

	if configInitLocal {
		configPath = "config.yaml"
	} else {
		configDir, err := config.EnsureConfigDir()
		if err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath = filepath.Join(configDir, "config.yaml")
	}

	if _, err := os.Stat(configPath); err == nil && !configInitForce {
		return fmt.Errorf("config file already exists: %s\nUse --force to overwrite", configPath)
	}

	if err := writeDefaultConfig(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created %s\n", configPath)
	fmt.Fprintln(out, "Edit this file to point runsync at your backend.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configDir, err := config.GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to resolve config directory: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Config search paths (in order):")
	for i, loc := range configSearchPaths(cfgFile) {
		exists := "not found"
		if _, err := os.Stat(loc); err == nil {
			exists = "exists"
		}
		fmt.Fprintf(out, "  %d. %s (%s)\n", i+1, loc, exists)
	}

	fmt.Fprintf(out, "\nConfig directory: %s\n", configDir)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	value, err := getConfigValue(cfg, args[0])
	if err != nil {
		return err
	}
	switch v := value.(type) {
	case map[string]any, []any:
		return yaml.NewEncoder(cmd.OutOrStdout()).Encode(v)
	default:
		_, err = fmt.Fprintln(cmd.OutOrStdout(), v)
		return err
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	if section, _, _ := strings.Cut(key, "."); !configSections[section] {
		return fmt.Errorf("unknown config section: %s", section)
	}

	configDir, err := config.EnsureConfigDir()
	if err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")

	var data map[string]any
	if content, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(content, &data); err != nil {
			return fmt.Errorf("failed to parse existing config: %w", err)
		}
	}
	if data == nil {
		data = make(map[string]any)
	}

	if err := setNestedValue(data, key, parseValue(value)); err != nil {
		return err
	}

	content, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s in %s\n", key, value, configPath)
	return nil
}

// configTree renders cfg as the generic YAML tree that config files use,
// with the backend token redacted.
func configTree(cfg *config.Config) (map[string]any, error) {
	redacted := *cfg
	if redacted.Backend.Token != "" {
		redacted.Backend.Token = "********"
	}
	content, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(content, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func printConfig(w io.Writer, cfg *config.Config) error {
	tree, err := configTree(cfg)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(tree); err != nil {
		return err
	}
	return enc.Close()
}

func getConfigValue(cfg *config.Config, key string) (any, error) {
	tree, err := configTree(cfg)
	if err != nil {
		return nil, err
	}

	var current any = tree
	for _, part := range strings.Split(key, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unknown config key: %s", key)
		}
		if current, ok = m[part]; !ok {
			return nil, fmt.Errorf("unknown config key: %s", key)
		}
	}
	return current, nil
}

func setNestedValue(data map[string]any, key string, value any) error {
	parts := strings.Split(key, ".")

	current := data
	for _, part := range parts[:len(parts)-1] {
		if _, ok := current[part]; !ok {
			current[part] = make(map[string]any)
		}
		nested, ok := current[part].(map[string]any)
		if !ok {
			return fmt.Errorf("cannot set nested value: %s is not a map", part)
		}
		current = nested
	}

	current[parts[len(parts)-1]] = value
	return nil
}

func parseValue(value string) any {
	switch value {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	return value
}

func writeDefaultConfig(path string) error {
	content := `# runsync Configuration
# Copy this file to ~/.runsync/config.yaml and modify as needed.
# Every key can also be set through the environment, e.g.
# RUNSYNC_BACKEND_BASE_URL or RUNSYNC_SERVER_PORT.

# Compute backend
backend:
  # Base URL of the backend's HTTP API
  base_url: "http://127.0.0.1:9000"

  # Event stream URL (derived from base_url when empty)
  # ws_url: "ws://127.0.0.1:9000/ws"

  # Bearer token sent with every request and the stream handshake
  # token: ""

  # Timeout for command requests in seconds
  timeout_seconds: 30

  # Delays between stream reconnect attempts; the last one repeats
  reconnect_backoff_ms: [500, 1000, 2000, 5000, 10000]

# Session persistence
storage:
  # SQLite database holding the session map (empty: ~/.runsync/state.db)
  path: ""

# Local control API used by the runsync CLI and the event feed
server:
  enabled: true
  host: "127.0.0.1"
  port: 9010

  # Browser origins allowed besides localhost; "*.example.com" matches subdomains
  # allowed_origins:
  #   - "https://dashboard.example.com"

  # Throttle start, cancel, stop and reconcile requests per client (0 disables)
  command_rate_per_minute: 60
  command_burst: 10

  # Serve Go profiling handlers under /debug/pprof/
  pprof: false

# Logging settings
logging:
  # Log level: trace, debug, info, warn, error
  level: "info"

  # Log format: console (human-readable) or json
  format: "console"

# Event routing
router:
  # Events buffered between the stream and the session map
  inbox_size: 1024

  # Kind given to sessions first seen through an event whose name
  # carries no kind prefix: backtest, live or import
  default_kind: "backtest"

# Reconciliation against the backend's active workers
reconcile:
  # Reconcile once at start-up
  on_start: true

  # Reconcile when another process edits the state database
  watch_state: true

  # Debounce rapid state database changes (milliseconds)
  debounce_ms: 500

# Config objects forwarded verbatim with start commands
settings:
  backtest: {}
  live: {}
`

	return os.WriteFile(path, []byte(content), 0644)
}
