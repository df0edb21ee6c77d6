package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianly1003/runsync/internal/domain/commands"
	"github.com/brianly1003/runsync/internal/domain/events"
	"github.com/brianly1003/runsync/internal/session"
)

func openTemp(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "runsync.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t)

	created := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	live := session.NewLive("live-1")
	live.CreatedAt = created
	live.Status = session.StatusRunning
	live.Form.Exchange = "Binance"
	live.Form.Routes = []commands.Route{{Symbol: "BTC-USDT", Timeframe: "5m", Strategy: "Scalp"}}
	live.InfoLogs = []session.LogLine{{Timestamp: created, Message: "booted"}}
	live.GeneralInfo = &events.GeneralInfoPayload{StartedAt: created.UnixMilli()}
	live.Hyperparameters = events.HyperparametersPayload{{Name: "rsi", Value: "14"}}
	live.Exception = &session.Exception{Error: "boom", Traceback: "line 1"}

	bt := session.NewBacktest("bt-1")
	bt.CreatedAt = created.Add(-time.Hour)
	bt.Status = session.StatusFinished
	bt.Metrics = &events.Metrics{Total: 3, WinRate: 0.66}
	bt.ShowResults = true

	if err := st.Save(ctx, []*session.Session{live, bt}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d sessions, want 2", len(loaded))
	}
	if loaded[0].ID != "bt-1" || loaded[1].ID != "live-1" {
		t.Errorf("order = %s, %s; want oldest first", loaded[0].ID, loaded[1].ID)
	}

	got := loaded[1]
	if got.Status != session.StatusRunning || got.Kind != session.KindLive {
		t.Errorf("session = %s/%s", got.Kind, got.Status)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if len(got.Form.Routes) != 1 || got.Form.Routes[0].Strategy != "Scalp" {
		t.Errorf("Routes = %+v", got.Form.Routes)
	}
	if len(got.InfoLogs) != 1 || got.InfoLogs[0].String() != "[09:30:00] booted" {
		t.Errorf("InfoLogs = %+v", got.InfoLogs)
	}
	if got.Exception == nil || got.Exception.Traceback != "line 1" {
		t.Errorf("Exception = %+v", got.Exception)
	}
	if len(got.Hyperparameters) != 1 || got.Hyperparameters[0].Value != "14" {
		t.Errorf("Hyperparameters = %+v", got.Hyperparameters)
	}
	if loaded[0].Metrics == nil || loaded[0].Metrics.Total != 3 || !loaded[0].ShowResults {
		t.Errorf("backtest results = %+v show=%v", loaded[0].Metrics, loaded[0].ShowResults)
	}
}

func TestSQLiteStore_SaveReplaces(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t)

	if err := st.Save(ctx, []*session.Session{session.NewBacktest("a"), session.NewBacktest("b")}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := st.Save(ctx, []*session.Session{session.NewImport("c")}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "c" || loaded[0].Kind != session.KindImport {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runsync.db")

	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := st.Save(ctx, []*session.Session{session.NewLive("x")}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	_ = st.Close()

	st, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer st.Close()

	loaded, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "x" {
		t.Errorf("loaded = %+v", loaded)
	}
	if st.Path() != path {
		t.Errorf("Path() = %s", st.Path())
	}
}

func TestSQLiteStore_EmptyLoad(t *testing.T) {
	loaded, err := openTemp(t).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("loaded = %+v, want none", loaded)
	}
}
