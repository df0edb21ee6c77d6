package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brianly1003/runsync/internal/session"
	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func validateOutput(format string) error {
	switch format {
	case outputTable, outputJSON, outputYAML:
		return nil
	}
	return fmt.Errorf("invalid output format %q (use table, json or yaml)", format)
}

// writeStructured renders v as JSON or YAML. YAML goes through JSON first so
// both formats share the json field names.
func writeStructured(w io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if format == outputJSON {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func printSessions(w io.Writer, format string, sessions []*session.Session) error {
	if format != outputTable {
		if sessions == nil {
			sessions = []*session.Session{}
		}
		return writeStructured(w, format, sessions)
	}
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "No sessions.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tPROGRESS\tEXCHANGE\tROUTES\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.Kind, statusLabel(s), progressLabel(s),
			dash(s.Form.Exchange), len(s.Form.Routes), timeLabel(s.UpdatedAt))
	}
	return tw.Flush()
}

func printSession(w io.Writer, format string, s *session.Session) error {
	if format != outputTable {
		return writeStructured(w, format, s)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", s.ID)
	fmt.Fprintf(tw, "Kind:\t%s\n", s.Kind)
	fmt.Fprintf(tw, "Status:\t%s\n", statusLabel(s))
	fmt.Fprintf(tw, "Progress:\t%s\n", progressLabel(s))
	fmt.Fprintf(tw, "Exchange:\t%s\n", dash(s.Form.Exchange))
	if s.Kind == session.KindImport {
		fmt.Fprintf(tw, "Symbol:\t%s\n", dash(s.Form.Symbol))
	} else {
		for i, r := range s.Form.Routes {
			exchange := r.Exchange
			if exchange == "" {
				exchange = s.Form.Exchange
			}
			fmt.Fprintf(tw, "Route %d:\t%s %s %s %s\n", i+1, exchange, r.Symbol, r.Timeframe, r.Strategy)
		}
	}
	if s.Form.StartDate != "" {
		fmt.Fprintf(tw, "Period:\t%s .. %s\n", s.Form.StartDate, dash(s.Form.FinishDate))
	}
	if s.Exception != nil {
		fmt.Fprintf(tw, "Exception:\t%s\n", s.Exception.Error)
	}
	if s.Alert != nil {
		fmt.Fprintf(tw, "Alert:\t[%s] %s\n", s.Alert.Type, s.Alert.Message)
	}
	fmt.Fprintf(tw, "Info logs:\t%d\n", len(s.InfoLogs))
	fmt.Fprintf(tw, "Error logs:\t%d\n", len(s.ErrorLogs))
	fmt.Fprintf(tw, "Created:\t%s\n", timeLabel(s.CreatedAt))
	fmt.Fprintf(tw, "Updated:\t%s\n", timeLabel(s.UpdatedAt))
	if err := tw.Flush(); err != nil {
		return err
	}

	if n := len(s.ErrorLogs); n > 0 {
		fmt.Fprintln(w, "\nLast errors:")
		for _, line := range s.ErrorLogs[max(0, n-5):] {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	return nil
}

func statusLabel(s *session.Session) string {
	label := string(s.Status)
	if s.UnexpectedlyTerminated {
		label += " (unexpected)"
	}
	return label
}

func progressLabel(s *session.Session) string {
	if s.Status == session.StatusIdle {
		return "-"
	}
	if s.Progress.EstimatedRemainingSeconds > 0 && s.Status.IsActive() {
		eta := time.Duration(s.Progress.EstimatedRemainingSeconds) * time.Second
		return fmt.Sprintf("%.0f%% (%s left)", s.Progress.Current, eta)
	}
	return fmt.Sprintf("%.0f%%", s.Progress.Current)
}

func timeLabel(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
