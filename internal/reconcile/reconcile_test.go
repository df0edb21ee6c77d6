package reconcile

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/brianly1003/runsync/internal/domain/commands"
	"github.com/brianly1003/runsync/internal/domain/events"
	"github.com/brianly1003/runsync/internal/registry"
	"github.com/brianly1003/runsync/internal/session"
	"github.com/brianly1003/runsync/internal/testutil"
)

func seed(id string, kind session.Kind, status session.Status, exception bool) *session.Session {
	s, _ := session.New(id, kind)
	s.Status = status
	if exception {
		s.Exception = &session.Exception{Error: "boom"}
	}
	return s
}

func newService(t *testing.T, client *testutil.MockCommandClient, sessions ...*session.Session) (*Service, *registry.Registry) {
	t.Helper()
	reg := registry.New(client, registry.WithStore(testutil.NewMemoryStore(sessions...)))
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return New(client, reg, nil), reg
}

func status(t *testing.T, reg *registry.Registry, id string) session.Status {
	t.Helper()
	s, err := reg.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return s.Status
}

func TestRun_ClosesSessionsTheBackendForgot(t *testing.T) {
	tests := []struct {
		name       string
		session    *session.Session
		active     []string
		wantStatus session.Status
		wantClosed bool
	}{
		{"running backtest absent", seed("A", session.KindBacktest, session.StatusRunning, false), nil, session.StatusFinished, true},
		{"starting live absent", seed("A", session.KindLive, session.StatusStarting, false), nil, session.StatusFinished, true},
		{"awaiting live absent", seed("A", session.KindLive, session.StatusAwaitingTermination, false), nil, session.StatusFinished, true},
		{"running import absent", seed("A", session.KindImport, session.StatusRunning, false), nil, session.StatusCancelled, true},
		{"running backtest present", seed("A", session.KindBacktest, session.StatusRunning, false), []string{"A"}, session.StatusRunning, false},
		{"exception keeps status", seed("A", session.KindBacktest, session.StatusRunning, true), nil, session.StatusRunning, false},
		{"idle untouched", seed("A", session.KindBacktest, session.StatusIdle, false), nil, session.StatusIdle, false},
		{"failed untouched", seed("A", session.KindLive, session.StatusFailed, false), nil, session.StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testutil.NewMockCommandClient()
			client.SetActive(tt.active...)
			svc, reg := newService(t, client, tt.session)

			report, err := svc.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if got := status(t, reg, "A"); got != tt.wantStatus {
				t.Errorf("Status = %s, want %s", got, tt.wantStatus)
			}
			if got := slices.Contains(report.Closed, "A"); got != tt.wantClosed {
				t.Errorf("Closed = %v, want closed=%v", report.Closed, tt.wantClosed)
			}
			if client.CommandCount() != 0 {
				t.Errorf("CommandCount() = %d, want 0", client.CommandCount())
			}
		})
	}
}

func TestRun_RefreshesLiveLogs(t *testing.T) {
	client := testutil.NewMockCommandClient()
	client.SetActive("present")
	client.SetLogs(commands.LogTypeInfo, events.LogPayload{Timestamp: 1, Message: "fresh"})
	svc, reg := newService(t, client,
		seed("present", session.KindLive, session.StatusRunning, false),
		seed("gone", session.KindLive, session.StatusRunning, false),
		seed("backtest", session.KindBacktest, session.StatusRunning, false),
	)

	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	slices.Sort(report.Refreshed)
	if !slices.Equal(report.Refreshed, []string{"gone", "present"}) {
		t.Errorf("Refreshed = %v", report.Refreshed)
	}
	slices.Sort(report.Closed)
	if !slices.Equal(report.Closed, []string{"backtest", "gone"}) {
		t.Errorf("Closed = %v", report.Closed)
	}
	if got := status(t, reg, "present"); got != session.StatusRunning {
		t.Errorf("present Status = %s, want running", got)
	}
	s, _ := reg.Get("present")
	if len(s.InfoLogs) != 1 || s.InfoLogs[0].Message != "fresh" {
		t.Errorf("InfoLogs = %+v", s.InfoLogs)
	}
	// two streams for each live session
	if got := client.CallCount(commands.CommandGetLogs); got != 4 {
		t.Errorf("get-logs calls = %d, want 4", got)
	}
}

func TestRun_QueryFailureMeansNothingRuns(t *testing.T) {
	client := testutil.NewMockCommandClient()
	client.SetActive("A")
	client.FailWith(commands.CommandActiveWorkers, errors.New("connection refused"))
	svc, reg := newService(t, client, seed("A", session.KindBacktest, session.StatusRunning, false))

	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Closed) != 1 {
		t.Errorf("Closed = %v", report.Closed)
	}
	if got := status(t, reg, "A"); got != session.StatusFinished {
		t.Errorf("Status = %s, want finished", got)
	}
}

func TestRun_LogFailureDoesNotFailPass(t *testing.T) {
	client := testutil.NewMockCommandClient()
	client.FailWith(commands.CommandGetLogs, errors.New("timeout"))
	svc, reg := newService(t, client, seed("L", session.KindLive, session.StatusRunning, false))

	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Refreshed) != 0 {
		t.Errorf("Refreshed = %v, want none", report.Refreshed)
	}
	if got := status(t, reg, "L"); got != session.StatusFinished {
		t.Errorf("Status = %s, want finished", got)
	}
}

func TestRun_Idempotent(t *testing.T) {
	client := testutil.NewMockCommandClient()
	svc, reg := newService(t, client,
		seed("A", session.KindBacktest, session.StatusRunning, false),
		seed("B", session.KindImport, session.StatusStarting, false),
	)

	first, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	before := reg.List()

	second, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if len(first.Closed) != 2 || len(second.Closed) != 0 {
		t.Errorf("Closed = %v then %v", first.Closed, second.Closed)
	}
	after := reg.List()
	for i := range before {
		if before[i].Status != after[i].Status || !before[i].UpdatedAt.Equal(after[i].UpdatedAt) {
			t.Errorf("%s changed on second pass", before[i].ID)
		}
	}
}

func TestRun_CancelledContext(t *testing.T) {
	client := testutil.NewMockCommandClient()
	svc, _ := newService(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if client.CallCount("") != 0 {
		t.Error("cancelled pass reached the backend")
	}
}

func TestRun_SkipsStartInFlight(t *testing.T) {
	client := testutil.NewMockCommandClient()
	svc, reg := newService(t, client)

	id, err := reg.Create(session.KindBacktest)
	if err != nil {
		t.Fatal(err)
	}
	form := session.Form{
		Exchange: "Binance",
		Routes:   []commands.Route{{Symbol: "BTC-USDT", Timeframe: "1h", Strategy: "Trend"}},
	}
	if err := reg.SetForm(id, form); err != nil {
		t.Fatal(err)
	}

	// The pass runs while the start command is still waiting for its answer
	// and the backend does not list the session yet.
	var report Report
	client.OnCall(commands.CommandStartBacktest, func() {
		if !reg.StartPending(id) {
			t.Error("StartPending() = false during the start command")
		}
		report, err = svc.Run(context.Background())
	})

	if err := reg.Start(context.Background(), id); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Closed) != 0 {
		t.Errorf("Closed = %v, want none", report.Closed)
	}
	if got := status(t, reg, id); got != session.StatusStarting {
		t.Errorf("Status = %s, want starting", got)
	}
	if reg.StartPending(id) {
		t.Error("StartPending() = true after the command returned")
	}
}
