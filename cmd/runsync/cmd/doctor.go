package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brianly1003/runsync/internal/backend"
	"github.com/brianly1003/runsync/internal/config"
	"github.com/brianly1003/runsync/internal/store"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	doctorJSON        bool
	doctorStrict      bool
	doctorHTTPTimeout int
)

type doctorStatus string

const (
	doctorStatusOK   doctorStatus = "ok"
	doctorStatusWarn doctorStatus = "warn"
	doctorStatusFail doctorStatus = "fail"
)

type doctorCheck struct {
	ID          string         `json:"id"`
	Status      doctorStatus   `json:"status"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Remediation string         `json:"remediation,omitempty"`
}

type doctorSummary struct {
	Total int `json:"total"`
	OK    int `json:"ok"`
	Warn  int `json:"warn"`
	Fail  int `json:"fail"`
}

type doctorReport struct {
	Version      string        `json:"version"`
	GeneratedAt  string        `json:"generated_at"`
	Overall      doctorStatus  `json:"overall_status"`
	Summary      doctorSummary `json:"summary"`
	Checks       []doctorCheck `json:"checks"`
	SearchConfig []string      `json:"config_search_paths,omitempty"`
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run local diagnostics with remediation hints",
	Long: `Run diagnostics against the local runsync setup and the configured
backend, and print actionable hints.

By default the output is human-readable text.
Use --json for machine-readable output.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "output machine-readable JSON")
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "return non-zero on warnings")
	doctorCmd.Flags().IntVar(&doctorHTTPTimeout, "http-timeout", 2, "network check timeout in seconds")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	report := collectDoctorReport(cmd.Context())

	out := cmd.OutOrStdout()
	if doctorJSON {
		if err := printDoctorJSON(out, report); err != nil {
			return err
		}
	} else {
		printDoctorText(out, report)
	}

	if report.Summary.Fail > 0 {
		return fmt.Errorf("doctor found %d failing check(s)", report.Summary.Fail)
	}
	if doctorStrict && report.Summary.Warn > 0 {
		return fmt.Errorf("doctor strict mode failed with %d warning(s)", report.Summary.Warn)
	}
	return nil
}

func collectDoctorReport(ctx context.Context) doctorReport {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := time.Duration(max(doctorHTTPTimeout, 1)) * time.Second
	checks := make([]doctorCheck, 0, 8)

	loadedCfg, cfgCheck := checkConfigLoad(cfgFile)
	checks = append(checks, cfgCheck)
	cfg := loadedCfg
	if cfg == nil {
		var err error
		if cfg, err = config.Default(); err != nil {
			cfg = &config.Config{}
		}
	}

	checks = append(checks, checkConfigDirectory())
	checks = append(checks, checkStateDatabase(ctx, cfg.Storage.Path))
	checks = append(checks, checkBackend(ctx, cfg.Backend, timeout))
	checks = append(checks, checkEventStream(ctx, cfg.Backend, timeout))
	if cfg.Server.Enabled || apiURL != "" {
		checks = append(checks, checkHealthEndpoint(resolveAPIURL(cfg), timeout))
	}

	summary := summarizeDoctorChecks(checks)
	return doctorReport{
		Version:      "1.0",
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Overall:      overallStatus(summary),
		Summary:      summary,
		Checks:       checks,
		SearchConfig: configSearchPaths(cfgFile),
	}
}

func checkConfigLoad(path string) (*config.Config, doctorCheck) {
	cfg, err := config.Load(path)
	searchPaths := configSearchPaths(path)
	if err != nil {
		return nil, doctorCheck{
			ID:      "config.load",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Failed to load config: %v", err),
			Details: map[string]any{
				"config_path":  strings.TrimSpace(path),
				"search_paths": searchPaths,
			},
			Remediation: "Fix the config file, or run `runsync config init --force` to regenerate defaults.",
		}
	}

	source := findFirstExistingPath(searchPaths)
	msg := "Configuration loaded using built-in defaults and environment overrides"
	if source != "" {
		msg = "Configuration loaded successfully"
	}

	return cfg, doctorCheck{
		ID:      "config.load",
		Status:  doctorStatusOK,
		Message: msg,
		Details: map[string]any{
			"loaded_from":  source,
			"search_paths": searchPaths,
		},
	}
}

func checkConfigDirectory() doctorCheck {
	dir, err := config.GetConfigDir()
	if err != nil {
		return doctorCheck{
			ID:          "config.directory",
			Status:      doctorStatusFail,
			Message:     fmt.Sprintf("Failed to resolve config directory: %v", err),
			Remediation: "Verify your HOME environment and filesystem permissions.",
		}
	}

	info, statErr := os.Stat(dir)
	switch {
	case os.IsNotExist(statErr):
		return doctorCheck{
			ID:          "config.directory",
			Status:      doctorStatusWarn,
			Message:     "Config directory does not exist yet",
			Details:     map[string]any{"path": dir},
			Remediation: "Run `runsync config init` to create initial local configuration.",
		}
	case statErr != nil:
		return doctorCheck{
			ID:          "config.directory",
			Status:      doctorStatusFail,
			Message:     fmt.Sprintf("Failed to access config directory: %v", statErr),
			Details:     map[string]any{"path": dir},
			Remediation: "Fix directory permissions or create the directory manually.",
		}
	case !info.IsDir():
		return doctorCheck{
			ID:          "config.directory",
			Status:      doctorStatusFail,
			Message:     "Config path exists but is not a directory",
			Details:     map[string]any{"path": dir},
			Remediation: "Remove the file and recreate the directory with `mkdir -p ~/.runsync`.",
		}
	}

	return doctorCheck{
		ID:      "config.directory",
		Status:  doctorStatusOK,
		Message: "Config directory is available",
		Details: map[string]any{"path": dir},
	}
}

// checkStateDatabase opens an existing state database and counts its
// sessions. A missing database is only a warning; the daemon creates it.
func checkStateDatabase(ctx context.Context, path string) doctorCheck {
	if strings.TrimSpace(path) == "" {
		return doctorCheck{
			ID:          "storage.database",
			Status:      doctorStatusFail,
			Message:     "storage.path is empty",
			Remediation: "Set `storage.path` or leave it unset to use ~/.runsync/state.db.",
		}
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return doctorCheck{
			ID:          "storage.database",
			Status:      doctorStatusWarn,
			Message:     "State database not created yet",
			Details:     map[string]any{"path": path},
			Remediation: "Run `runsync start` once to create it.",
		}
	}
	if err != nil || info.IsDir() {
		return doctorCheck{
			ID:          "storage.database",
			Status:      doctorStatusFail,
			Message:     "State database path is not a readable file",
			Details:     map[string]any{"path": path},
			Remediation: "Point `storage.path` at a file in a writable directory.",
		}
	}

	st, err := store.Open(path)
	if err != nil {
		return doctorCheck{
			ID:          "storage.database",
			Status:      doctorStatusFail,
			Message:     fmt.Sprintf("Failed to open state database: %v", err),
			Details:     map[string]any{"path": path},
			Remediation: fmt.Sprintf("Move %s aside; the daemon starts with an empty session map.", filepath.Base(path)),
		}
	}
	defer func() { _ = st.Close() }()

	sessions, err := st.Load(ctx)
	if err != nil {
		return doctorCheck{
			ID:          "storage.database",
			Status:      doctorStatusFail,
			Message:     fmt.Sprintf("Failed to read sessions: %v", err),
			Details:     map[string]any{"path": path},
			Remediation: fmt.Sprintf("Move %s aside; the daemon starts with an empty session map.", filepath.Base(path)),
		}
	}

	return doctorCheck{
		ID:      "storage.database",
		Status:  doctorStatusOK,
		Message: "State database is readable",
		Details: map[string]any{
			"path":     path,
			"sessions": len(sessions),
		},
	}
}

func checkBackend(ctx context.Context, cfg config.BackendConfig, timeout time.Duration) doctorCheck {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := backend.NewClient(cfg.BaseURL, cfg.Token, timeout)
	workers, err := client.ActiveWorkers(ctx)
	if err != nil {
		return doctorCheck{
			ID:          "backend.reachable",
			Status:      doctorStatusFail,
			Message:     fmt.Sprintf("Backend did not answer the active-workers query: %v", err),
			Details:     map[string]any{"base_url": cfg.BaseURL},
			Remediation: "Check `backend.base_url` and `backend.token`, and that the backend is running.",
		}
	}

	return doctorCheck{
		ID:      "backend.reachable",
		Status:  doctorStatusOK,
		Message: "Backend is reachable",
		Details: map[string]any{
			"base_url":       cfg.BaseURL,
			"active_workers": len(workers),
		},
	}
}

func checkEventStream(ctx context.Context, cfg config.BackendConfig, timeout time.Duration) doctorCheck {
	dialer := &websocket.Dialer{HandshakeTimeout: timeout}
	headers := http.Header{}
	if cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.WSURL, headers)
	if err != nil {
		details := map[string]any{"ws_url": cfg.WSURL}
		if resp != nil {
			details["status_code"] = resp.StatusCode
		}
		return doctorCheck{
			ID:          "backend.event_stream",
			Status:      doctorStatusWarn,
			Message:     fmt.Sprintf("Event stream handshake failed: %v", err),
			Details:     details,
			Remediation: "Check `backend.ws_url`; without the stream sessions only change through reconciliation.",
		}
	}
	_ = conn.Close()

	return doctorCheck{
		ID:      "backend.event_stream",
		Status:  doctorStatusOK,
		Message: "Event stream accepts connections",
		Details: map[string]any{"ws_url": cfg.WSURL},
	}
}

func checkHealthEndpoint(baseURL string, timeout time.Duration) doctorCheck {
	url := strings.TrimRight(baseURL, "/") + "/health"
	client := &http.Client{Timeout: timeout}

	resp, err := client.Get(url)
	if err != nil {
		return doctorCheck{
			ID:          "server.health_endpoint",
			Status:      doctorStatusWarn,
			Message:     fmt.Sprintf("Health endpoint is not reachable: %v", err),
			Details:     map[string]any{"url": url},
			Remediation: "Start the daemon with `runsync start` and verify host/port configuration.",
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return doctorCheck{
			ID:      "server.health_endpoint",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Health endpoint returned non-200 status: %d", resp.StatusCode),
			Details: map[string]any{
				"url":         url,
				"status_code": resp.StatusCode,
				"body":        strings.TrimSpace(string(body)),
			},
			Remediation: "Check daemon logs (`runsync start -v`) to diagnose HTTP startup issues.",
		}
	}

	return doctorCheck{
		ID:      "server.health_endpoint",
		Status:  doctorStatusOK,
		Message: "Health endpoint is reachable",
		Details: map[string]any{
			"url":         url,
			"status_code": resp.StatusCode,
		},
	}
}

func summarizeDoctorChecks(checks []doctorCheck) doctorSummary {
	summary := doctorSummary{Total: len(checks)}
	for _, check := range checks {
		switch check.Status {
		case doctorStatusOK:
			summary.OK++
		case doctorStatusWarn:
			summary.Warn++
		case doctorStatusFail:
			summary.Fail++
		}
	}
	return summary
}

func overallStatus(summary doctorSummary) doctorStatus {
	if summary.Fail > 0 {
		return doctorStatusFail
	}
	if summary.Warn > 0 {
		return doctorStatusWarn
	}
	return doctorStatusOK
}

func printDoctorJSON(w io.Writer, report doctorReport) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func printDoctorText(w io.Writer, report doctorReport) {
	fmt.Fprintf(w, "runsync doctor v%s\n", report.Version)
	fmt.Fprintf(w, "generated_at: %s\n", report.GeneratedAt)
	fmt.Fprintf(w, "overall: %s  (ok=%d warn=%d fail=%d total=%d)\n\n",
		strings.ToUpper(string(report.Overall)),
		report.Summary.OK,
		report.Summary.Warn,
		report.Summary.Fail,
		report.Summary.Total,
	)

	for _, check := range report.Checks {
		label := "[OK]"
		if check.Status == doctorStatusWarn {
			label = "[WARN]"
		}
		if check.Status == doctorStatusFail {
			label = "[FAIL]"
		}

		fmt.Fprintf(w, "%s %s: %s\n", label, check.ID, check.Message)
		if check.Remediation != "" && check.Status != doctorStatusOK {
			fmt.Fprintf(w, "  fix: %s\n", check.Remediation)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Tip: run `runsync doctor --json` for machine-readable output.")
}

func configSearchPaths(explicit string) []string {
	if strings.TrimSpace(explicit) != "" {
		return []string{explicit}
	}

	home := userHomeDir()
	return []string{
		filepath.Join(".", "config.yaml"),
		filepath.Join(home, ".runsync", "config.yaml"),
		"/etc/runsync/config.yaml",
	}
}

func findFirstExistingPath(paths []string) string {
	for _, candidate := range paths {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
