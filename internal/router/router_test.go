package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brianly1003/runsync/internal/domain"
	"github.com/brianly1003/runsync/internal/domain/commands"
	"github.com/brianly1003/runsync/internal/domain/events"
	"github.com/brianly1003/runsync/internal/metrics"
	"github.com/brianly1003/runsync/internal/registry"
	"github.com/brianly1003/runsync/internal/session"
	"github.com/brianly1003/runsync/internal/testutil"
)

type fixture struct {
	client   *testutil.MockCommandClient
	registry *registry.Registry
	notifier *testutil.RecordingNotifier
	router   *Router
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	client := testutil.NewMockCommandClient()
	reg := registry.New(client, registry.WithIDGenerator(testutil.NewSequenceIDs("s")))
	n := testutil.NewRecordingNotifier()
	return &fixture{
		client:   client,
		registry: reg,
		notifier: n,
		router:   New(reg, n, nil, cfg),
	}
}

func (f *fixture) apply(t *testing.T, id, kind, data string) {
	t.Helper()
	if err := f.router.Apply(context.Background(), id, kind, json.RawMessage(data)); err != nil {
		t.Fatalf("Apply(%s, %s) error = %v", id, kind, err)
	}
}

func (f *fixture) get(t *testing.T, id string) *session.Session {
	t.Helper()
	s, err := f.registry.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return s
}

func (f *fixture) startBacktest(t *testing.T) string {
	t.Helper()
	id, _ := f.registry.Create(session.KindBacktest)
	form := session.Form{
		Exchange: "Binance",
		Routes:   []commands.Route{{Symbol: "BTC-USDT", Timeframe: "1h", Strategy: "Trend"}},
	}
	if err := f.registry.SetForm(id, form); err != nil {
		t.Fatalf("SetForm() error = %v", err)
	}
	if err := f.registry.Start(context.Background(), id); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return id
}

func TestApply_BacktestLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.startBacktest(t)

	f.apply(t, id, "backtest.progressbar", `{"current":25,"estimated_remaining_seconds":30}`)
	s := f.get(t, id)
	if s.Status != session.StatusRunning || s.Progress.Current != 25 {
		t.Fatalf("after progress = %s/%v", s.Status, s.Progress.Current)
	}

	f.apply(t, id, "metrics", `{"total":12,"win_rate":0.5}`)
	f.apply(t, id, "equity_curve", `[]`)
	s = f.get(t, id)
	if s.Status != session.StatusFinished || !s.ShowResults {
		t.Errorf("after equity_curve = %s show=%v", s.Status, s.ShowResults)
	}
	if s.Metrics == nil || s.NoTrades {
		t.Errorf("metrics = %+v no_trades=%v", s.Metrics, s.NoTrades)
	}

	f.apply(t, id, "termination", ``)
	if n := f.notifier.Count(session.MsgTerminated); n != 0 {
		t.Errorf("termination after finish advised %d times", n)
	}
}

func TestApply_DuplicateTerminationAdvisesOnce(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.startBacktest(t)
	f.apply(t, id, "progress", `{"current":10}`)

	f.apply(t, id, "termination", `{}`)
	f.apply(t, id, "termination", `{}`)
	f.apply(t, id, "unexpected_termination", `{}`)

	if n := f.notifier.Count(session.MsgTerminated); n != 1 {
		t.Errorf("termination advisories = %d, want 1", n)
	}
	if n := f.notifier.Count(session.MsgUnexpectedTermination); n != 0 {
		t.Errorf("unexpected termination advisories = %d, want 0", n)
	}
	if s := f.get(t, id); s.Status != session.StatusFinished {
		t.Errorf("Status = %s, want finished", s.Status)
	}
}

func TestApply_MaterializesUnknownSessions(t *testing.T) {
	tests := []struct {
		name        string
		defaultKind session.Kind
		event       string
		data        string
		wantKind    session.Kind
		wantStatus  session.Status
	}{
		{"live namespace", session.KindBacktest, "live.info_log", `{"timestamp":1,"message":"x"}`, session.KindLive, session.StatusRunning},
		{"live namespace shared kind", session.KindBacktest, "live.progressbar", `{"current":3}`, session.KindLive, session.StatusRunning},
		{"backtest namespace beats default", session.KindLive, "backtest.progress", `{"current":1}`, session.KindBacktest, session.StatusRunning},
		{"candles namespace", session.KindBacktest, "candles.progressbar", `{"current":1}`, session.KindImport, session.StatusRunning},
		{"live-only kind", session.KindBacktest, "positions", `[]`, session.KindLive, session.StatusRunning},
		{"shared kind uses default", session.KindBacktest, "progress", `{"current":1}`, session.KindBacktest, session.StatusRunning},
		{"configured default", session.KindImport, "progress", `{"current":1}`, session.KindImport, session.StatusRunning},
		{"termination stays silent", session.KindBacktest, "termination", ``, session.KindBacktest, session.StatusFinished},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{DefaultKind: tt.defaultKind})
			f.apply(t, "Z", tt.event, tt.data)

			s := f.get(t, "Z")
			if s.Kind != tt.wantKind || s.Status != tt.wantStatus {
				t.Errorf("session = %s/%s, want %s/%s", s.Kind, s.Status, tt.wantKind, tt.wantStatus)
			}
			if len(f.notifier.Advisories()) != 0 {
				t.Errorf("advisories = %+v, want none", f.notifier.Advisories())
			}
		})
	}
}

func TestApply_LiveNamespaceKeepsLiveRulesAfterMaterializing(t *testing.T) {
	f := newFixture(t, Config{DefaultKind: session.KindBacktest})

	f.apply(t, "Z", "live.info_log", `{"timestamp":1700000000000,"message":"started"}`)
	f.apply(t, "Z", "live.equity_curve", `[]`)

	s := f.get(t, "Z")
	if s.Kind != session.KindLive {
		t.Fatalf("Kind = %s, want live", s.Kind)
	}
	if s.Status != session.StatusRunning {
		t.Errorf("Status = %s, want running", s.Status)
	}
}

func TestApply_IgnoresBadInput(t *testing.T) {
	tests := []struct {
		name string
		id   string
		kind string
		data string
	}{
		{"unknown kind", "A", "teleport", `{}`},
		{"malformed payload", "A", "progress", `{"current":"lots"`},
		{"local kind from the wire", "A", "advisory", `{}`},
		{"missing id", "", "progress", `{"current":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			if err := f.router.Apply(context.Background(), tt.id, tt.kind, json.RawMessage(tt.data)); err != nil {
				t.Fatalf("Apply() error = %v, want nil", err)
			}
			if f.registry.Len() != 0 {
				t.Errorf("Len() = %d, want 0", f.registry.Len())
			}
		})
	}
}

func TestApply_ErrorLogAdvises(t *testing.T) {
	f := newFixture(t, Config{})
	f.apply(t, "L", "error_log", `{"timestamp":1714564800000,"message":"insufficient margin"}`)

	adv := f.notifier.Advisories()
	if len(adv) != 1 || adv[0].Level != domain.AdvisoryError || adv[0].Message != "insufficient margin" {
		t.Errorf("advisories = %+v", adv)
	}
	s := f.get(t, "L")
	if len(s.ErrorLogs) != 1 || s.ErrorLogs[0].String() != "[12:00:00] insufficient margin" {
		t.Errorf("ErrorLogs = %+v", s.ErrorLogs)
	}
}

func TestApply_GeneralInfoBackfillsLiveLogs(t *testing.T) {
	f := newFixture(t, Config{DefaultKind: session.KindLive})
	f.client.SetLogs(commands.LogTypeInfo, events.LogPayload{Timestamp: 1714564800000, Message: "history"})

	f.apply(t, "L", "general_info", `{"started_at":1714564800000,"routes":[{"symbol":"ETH-USDT","timeframe":"4h","strategy":"Grid"}]}`)
	f.router.Wait()

	if got := f.client.CallCount(commands.CommandGetLogs); got != 2 {
		t.Fatalf("get-logs calls = %d, want 2", got)
	}
	s := f.get(t, "L")
	if len(s.InfoLogs) != 1 || s.InfoLogs[0].Message != "history" {
		t.Errorf("InfoLogs = %+v", s.InfoLogs)
	}
	if s.SelectedRoute == nil || s.SelectedRoute.Symbol != "ETH-USDT" {
		t.Errorf("SelectedRoute = %+v", s.SelectedRoute)
	}

	f.apply(t, "L", "general_info", `{"started_at":1714564800000}`)
	f.router.Wait()
	if got := f.client.CallCount(commands.CommandGetLogs); got != 2 {
		t.Errorf("second general_info refetched logs: %d calls", got)
	}
}

func TestApply_BackfillFailureAdvises(t *testing.T) {
	f := newFixture(t, Config{DefaultKind: session.KindLive})
	f.client.FailWith(commands.CommandGetLogs, domain.NewTransportError("get-logs", 500, "logs unavailable", nil))

	f.apply(t, "L", "general_info", `{"started_at":1}`)
	f.router.Wait()

	if n := f.notifier.Count("logs unavailable"); n != 1 {
		t.Errorf("backfill advisories = %d, want 1", n)
	}
}

func TestApply_CountsMetrics(t *testing.T) {
	client := testutil.NewMockCommandClient()
	reg := registry.New(client)
	m := metrics.New()
	r := New(reg, nil, m, Config{})

	ctx := context.Background()
	_ = r.Apply(ctx, "A", "progress", json.RawMessage(`{"current":1}`))
	_ = r.Apply(ctx, "A", "teleport", nil)
	_ = r.Apply(ctx, "A", "termination", nil)
	_ = r.Apply(ctx, "A", "termination", nil)

	if got := counterValue(t, m, "runsync_events_applied_total", "progress"); got != 1 {
		t.Errorf("applied progress = %v, want 1", got)
	}
	if got := counterValue(t, m, "runsync_events_ignored_total", "unknown_kind"); got != 1 {
		t.Errorf("ignored unknown = %v, want 1", got)
	}
	if got := counterValue(t, m, "runsync_events_ignored_total", "noop"); got != 1 {
		t.Errorf("ignored noop = %v, want 1", got)
	}
}

func counterValue(t *testing.T, m *metrics.Metrics, name, label string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetValue() == label {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRun_PreservesOrderAcrossProducers(t *testing.T) {
	f := newFixture(t, Config{InboxSize: 4})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.router.Run(ctx)
		close(done)
	}()

	const perSession = 50
	var wg sync.WaitGroup
	for _, id := range []string{"A", "B", "C"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < perSession; i++ {
				env := events.Envelope{
					ID:    id,
					Event: "info_log",
					Data:  json.RawMessage(fmt.Sprintf(`{"timestamp":%d,"message":"%d"}`, i, i)),
				}
				if err := f.router.Submit(ctx, env); err != nil {
					t.Errorf("Submit() error = %v", err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for {
		ready := true
		for _, id := range []string{"A", "B", "C"} {
			s, err := f.registry.Get(id)
			if err != nil || len(s.InfoLogs) < perSession {
				ready = false
			}
		}
		if ready {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for events")
		case <-time.After(5 * time.Millisecond):
		}
	}

	for _, id := range []string{"A", "B", "C"} {
		s := f.get(t, id)
		for i, line := range s.InfoLogs {
			if line.Message != fmt.Sprint(i) {
				t.Fatalf("%s: log %d = %q, out of order", id, i, line.Message)
			}
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSubmit_GivesUpWhenCancelled(t *testing.T) {
	f := newFixture(t, Config{InboxSize: 1})
	ctx, cancel := context.WithCancel(context.Background())

	if err := f.router.Submit(ctx, events.Envelope{ID: "A", Event: "progress"}); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	cancel()
	if err := f.router.Submit(ctx, events.Envelope{ID: "A", Event: "progress"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Submit() error = %v, want context.Canceled", err)
	}
}
