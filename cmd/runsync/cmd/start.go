package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/brianly1003/runsync/internal/app"
	"github.com/brianly1003/runsync/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	port       int
	backendURL string
	noAPI      bool
)

// startCmd represents the start command.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the runsync daemon",
	Long: `Start the runsync daemon.

The daemon loads the saved sessions, connects to the backend's event stream,
reconciles against the backend's active workers, and serves the local control
API until interrupted. Sessions are saved on shutdown.

Example:
  runsync start
  runsync start --backend http://10.0.0.5:9000
  runsync start --port 9011 --verbose`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().IntVar(&port, "port", 0, "control API port (default: 9010)")
	startCmd.Flags().StringVar(&backendURL, "backend", "", "backend base URL; the event stream URL is derived from it")
	startCmd.Flags().BoolVar(&noAPI, "no-api", false, "do not serve the local control API")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if port != 0 {
		cfg.Server.Port = port
	}
	if noAPI {
		cfg.Server.Enabled = false
	}
	if backendURL != "" {
		if err := applyBackendURL(cfg, backendURL); err != nil {
			return err
		}
	}

	// Re-validate after overrides
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogging(cfg)

	log.Info().
		Str("version", version).
		Str("backend", cfg.Backend.BaseURL).
		Str("state", cfg.Storage.Path).
		Msg("starting runsync")

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	log.Info().Msg("runsync stopped")
	return nil
}

// applyBackendURL points both backend URLs at base. An explicitly
// configured stream URL is replaced too, since it belongs to the old host.
func applyBackendURL(cfg *config.Config, base string) error {
	cfg.Backend.BaseURL = base
	cfg.Backend.WSURL = ""
	return config.Derive(cfg)
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Format == "console" || verbose {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
