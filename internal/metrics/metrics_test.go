package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.EventApplied("progress")
	m.EventApplied("progress")
	m.EventIgnored("unknown_kind")
	m.Command("backtest", nil)
	m.Command("backtest", errors.New("boom"))
	m.Reconciled(3)
	m.Reconnect()

	out := scrape(t, m)
	for _, want := range []string{
		`runsync_events_applied_total{kind="progress"} 2`,
		`runsync_events_ignored_total{reason="unknown_kind"} 1`,
		`runsync_commands_total{command="backtest",outcome="error"} 1`,
		`runsync_commands_total{command="backtest",outcome="ok"} 1`,
		`runsync_sessions_force_closed_total 3`,
		`runsync_reconciliations_total 1`,
		`runsync_stream_reconnects_total 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetrics_SetSessionCounts(t *testing.T) {
	m := New()
	m.SetSessionCounts(map[[2]string]int{{"live", "running"}: 2})
	m.SetSessionCounts(map[[2]string]int{{"backtest", "idle"}: 1})

	out := scrape(t, m)
	if !strings.Contains(out, `runsync_sessions{kind="backtest",status="idle"} 1`) {
		t.Error("current counts not exported")
	}
	if strings.Contains(out, `kind="live"`) {
		t.Error("stale series survived the reset")
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.EventApplied("progress")
	m.EventIgnored("decode")
	m.Command("live", nil)
	m.Reconciled(1)
	m.Reconnect()
	m.Dropped()
	m.SetSessionCounts(nil)
}
