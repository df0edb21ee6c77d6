package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/brianly1003/runsync/internal/domain/commands"
	"github.com/brianly1003/runsync/internal/session"
	"gopkg.in/yaml.v3"
)

func sampleSessions() []*session.Session {
	bt := session.NewBacktest("bt-1")
	bt.Status = session.StatusRunning
	bt.Progress = session.Progress{Current: 42, EstimatedRemainingSeconds: 90}
	bt.Form.Exchange = "Binance Spot"
	bt.Form.Routes = []commands.Route{{Symbol: "BTC-USDT", Timeframe: "4h", Strategy: "Trend"}}

	lv := session.NewLive("lv-1")
	lv.Status = session.StatusFinished
	lv.UnexpectedlyTerminated = true
	return []*session.Session{bt, lv}
}

func TestValidateOutput(t *testing.T) {
	for _, format := range []string{"table", "json", "yaml"} {
		if err := validateOutput(format); err != nil {
			t.Errorf("validateOutput(%q) error = %v", format, err)
		}
	}
	if err := validateOutput("xml"); err == nil {
		t.Error("validateOutput(xml) should fail")
	}
}

func TestPrintSessions_Table(t *testing.T) {
	var buf bytes.Buffer
	if err := printSessions(&buf, outputTable, sampleSessions()); err != nil {
		t.Fatalf("printSessions() error = %v", err)
	}
	out := buf.String()

	for _, want := range []string{"ID", "STATUS", "bt-1", "running", "42% (1m30s left)", "Binance Spot", "finished (unexpected)"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintSessions_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := printSessions(&buf, outputTable, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No sessions") {
		t.Errorf("unexpected output %q", buf.String())
	}

	buf.Reset()
	if err := printSessions(&buf, outputJSON, nil); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty JSON list = %q, want []", buf.String())
	}
}

func TestPrintSessions_StructuredFormatsShareFieldNames(t *testing.T) {
	var jsonBuf, yamlBuf bytes.Buffer
	if err := printSessions(&jsonBuf, outputJSON, sampleSessions()); err != nil {
		t.Fatal(err)
	}
	if err := printSessions(&yamlBuf, outputYAML, sampleSessions()); err != nil {
		t.Fatal(err)
	}

	var fromJSON, fromYAML []map[string]any
	if err := json.Unmarshal(jsonBuf.Bytes(), &fromJSON); err != nil {
		t.Fatalf("json output does not parse: %v", err)
	}
	if err := yaml.Unmarshal(yamlBuf.Bytes(), &fromYAML); err != nil {
		t.Fatalf("yaml output does not parse: %v", err)
	}
	if len(fromJSON) != 2 || len(fromYAML) != 2 {
		t.Fatalf("got %d json and %d yaml entries", len(fromJSON), len(fromYAML))
	}
	for _, key := range []string{"id", "kind", "status", "show_results", "unexpectedly_terminated"} {
		if _, ok := fromYAML[1][key]; !ok {
			t.Errorf("yaml output missing key %q", key)
		}
	}
	if fromYAML[0]["id"] != fromJSON[0]["id"] {
		t.Errorf("ids differ: %v vs %v", fromYAML[0]["id"], fromJSON[0]["id"])
	}
}

func TestPrintSession_Detail(t *testing.T) {
	s := sampleSessions()[0]
	s.ErrorLogs = []session.LogLine{{Message: "order rejected"}}
	s.Exception = &session.Exception{Error: "ZeroDivisionError"}

	var buf bytes.Buffer
	if err := printSession(&buf, outputTable, s); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"bt-1", "Route 1:", "Binance Spot BTC-USDT 4h Trend", "ZeroDivisionError", "order rejected"} {
		if !strings.Contains(out, want) {
			t.Errorf("detail output missing %q:\n%s", want, out)
		}
	}
}
