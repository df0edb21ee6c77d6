package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var reconcileJSON bool

// reconcileCmd triggers a reconciliation pass in the running daemon.
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile local sessions against the backend's active workers",
	Long: `Ask the running daemon to reconcile its sessions with the backend.

Sessions the backend no longer runs are closed, and the logs of live
sessions that are still running are fetched again. The daemon does this on
its own at start-up and after every reconnect.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			report, err := c.Reconcile(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if reconcileJSON {
				return writeStructured(out, outputJSON, report)
			}
			fmt.Fprintf(out, "Closed:    %s\n", joinOrNone(report.Closed))
			fmt.Fprintf(out, "Refreshed: %s\n", joinOrNone(report.Refreshed))
			return nil
		})
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileJSON, "json", false, "output machine-readable JSON")
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}
