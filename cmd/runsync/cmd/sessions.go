package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/brianly1003/runsync/internal/session"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	sessionsOutput   string
	sessionsKind     string
	sessionsFormFile string
	sessionsStartNew bool
)

// sessionsCmd manages sessions through the running daemon.
var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "List and control sessions",
	Long: `List and control backtest, live-trading and import sessions.

These commands talk to a running daemon (runsync start) over its local
control API. Use --api to point at a daemon on a non-default address.

Examples:
  runsync sessions list
  runsync sessions list --kind live -o json
  runsync sessions create backtest --form backtest.yaml
  runsync sessions start <id>
  runsync sessions start <id> --new
  runsync sessions cancel <id>`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return validateOutput(sessionsOutput)
	},
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionsKind != "" {
			if _, err := session.ParseKind(sessionsKind); err != nil {
				return err
			}
		}
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			list, err := c.ListSessions(ctx, sessionsKind)
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), sessionsOutput, list)
		})
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionResult(cmd, func(ctx context.Context, c *apiClient) (*session.Session, error) {
			return c.GetSession(ctx, args[0])
		})
	},
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create <backtest|live|import>",
	Short: "Create an idle session",
	Long: `Create an idle session of the given kind.

The session starts with the default form for its kind. Use --form to supply a
YAML or JSON file with the form fields (exchange, routes, data_routes, dates
and flags).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := session.ParseKind(args[0])
		if err != nil {
			return err
		}
		var form *session.Form
		if sessionsFormFile != "" {
			f, err := readForm(sessionsFormFile)
			if err != nil {
				return err
			}
			form = &f
		}
		return sessionResult(cmd, func(ctx context.Context, c *apiClient) (*session.Session, error) {
			return c.CreateSession(ctx, kind, form)
		})
	},
}

var sessionsFormCmd = &cobra.Command{
	Use:   "set-form <id> <file>",
	Short: "Replace the form of a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		form, err := readForm(args[1])
		if err != nil {
			return err
		}
		return sessionResult(cmd, func(ctx context.Context, c *apiClient) (*session.Session, error) {
			return c.SetForm(ctx, args[0], form)
		})
	},
}

var sessionsDuplicateCmd = &cobra.Command{
	Use:   "duplicate <id>",
	Short: "Copy a session's form into a new idle session",
	Args:  cobra.ExactArgs(1),
	RunE:  sessionAction("duplicate"),
}

var sessionsRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a session that is not active",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			if err := c.RemoveSession(ctx, args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return err
		})
	},
}

var sessionsStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start a session",
	Long: `Start a session with its current form.

With --new the form is copied into a fresh session which is then started,
leaving the original untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action := "start"
		if sessionsStartNew {
			action = "start-new"
		}
		err := sessionAction(action)(cmd, args)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.ID != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "The copy %s was kept and can be started again.\n", apiErr.ID)
		}
		return err
	},
}

var sessionsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a running session",
	Args:  cobra.ExactArgs(1),
	RunE:  sessionAction("cancel"),
}

var sessionsStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Request a graceful stop of a live session",
	Args:  cobra.ExactArgs(1),
	RunE:  sessionAction("stop"),
}

func init() {
	sessionsCmd.PersistentFlags().StringVarP(&sessionsOutput, "output", "o", outputTable, "output format: table, json or yaml")

	sessionsListCmd.Flags().StringVar(&sessionsKind, "kind", "", "only list sessions of this kind")
	sessionsCreateCmd.Flags().StringVar(&sessionsFormFile, "form", "", "YAML or JSON file with the session form")
	sessionsStartCmd.Flags().BoolVar(&sessionsStartNew, "new", false, "start a copy instead of the session itself")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsCreateCmd)
	sessionsCmd.AddCommand(sessionsFormCmd)
	sessionsCmd.AddCommand(sessionsDuplicateCmd)
	sessionsCmd.AddCommand(sessionsRemoveCmd)
	sessionsCmd.AddCommand(sessionsStartCmd)
	sessionsCmd.AddCommand(sessionsCancelCmd)
	sessionsCmd.AddCommand(sessionsStopCmd)
}

func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *apiClient) error) error {
	c, err := clientFromConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, c)
}

func sessionResult(cmd *cobra.Command, fn func(ctx context.Context, c *apiClient) (*session.Session, error)) error {
	return withClient(cmd, func(ctx context.Context, c *apiClient) error {
		s, err := fn(ctx, c)
		if err != nil {
			return err
		}
		return printSession(cmd.OutOrStdout(), sessionsOutput, s)
	})
}

func sessionAction(action string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return sessionResult(cmd, func(ctx context.Context, c *apiClient) (*session.Session, error) {
			return c.SessionAction(ctx, args[0], action)
		})
	}
}

// readForm parses a form file. JSON is valid YAML, so one decoder covers both.
func readForm(path string) (session.Form, error) {
	var form session.Form
	content, err := os.ReadFile(path)
	if err != nil {
		return form, fmt.Errorf("failed to read form: %w", err)
	}
	if err := yaml.Unmarshal(content, &form); err != nil {
		return form, fmt.Errorf("failed to parse form %s: %w", path, err)
	}
	return form, nil
}
