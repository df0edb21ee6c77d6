package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/brianly1003/runsync/internal/domain"
	"github.com/brianly1003/runsync/internal/domain/commands"
	"github.com/brianly1003/runsync/internal/session"
	"github.com/brianly1003/runsync/internal/testutil"
)

type recordingObserver struct {
	mu      sync.Mutex
	updates []string
	removed []string
}

func (o *recordingObserver) PublishSession(s *session.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updates = append(o.updates, s.ID+":"+string(s.Status))
}

func (o *recordingObserver) PublishRemoved(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, id)
}

func newTestRegistry(t *testing.T) (*Registry, *testutil.MockCommandClient) {
	t.Helper()
	client := testutil.NewMockCommandClient()
	r := New(client, WithIDGenerator(testutil.NewSequenceIDs("s")))
	return r, client
}

func route(symbol string) commands.Route {
	return commands.Route{Exchange: "Binance", Symbol: symbol, Timeframe: "1h", Strategy: "Trend"}
}

func createWithForm(t *testing.T, r *Registry, kind session.Kind, form session.Form) string {
	t.Helper()
	id, err := r.Create(kind)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.SetForm(id, form); err != nil {
		t.Fatalf("SetForm() error = %v", err)
	}
	return id
}

func mustGet(t *testing.T, r *Registry, id string) *session.Session {
	t.Helper()
	s, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return s
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Create(session.KindBacktest)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id != "s-1" {
		t.Errorf("id = %q, want s-1", id)
	}
	s := mustGet(t, r, id)
	if s.Kind != session.KindBacktest || s.Status != session.StatusIdle {
		t.Errorf("session = %s/%s", s.Kind, s.Status)
	}

	if _, err := r.Create(session.Kind("bogus")); !errors.Is(err, domain.ErrUnknownKind) {
		t.Errorf("Create(bogus) error = %v", err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	id, _ := r.Create(session.KindLive)

	s := mustGet(t, r, id)
	s.Status = session.StatusRunning

	if mustGet(t, r, id).Status != session.StatusIdle {
		t.Error("Get leaked the stored session")
	}
}

func TestRegistry_DuplicateDoesNotAliasForm(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := createWithForm(t, r, session.KindBacktest, session.Form{Exchange: "binance", Routes: []commands.Route{route("BTC-USDT")}})

	dupID, err := r.Duplicate(id)
	if err != nil {
		t.Fatalf("Duplicate() error = %v", err)
	}
	form := mustGet(t, r, dupID).Form
	form.Routes[0].Symbol = "ETH-USDT"
	if err := r.SetForm(dupID, form); err != nil {
		t.Fatalf("SetForm() error = %v", err)
	}

	if got := mustGet(t, r, id).Form.Routes[0].Symbol; got != "BTC-USDT" {
		t.Errorf("source form changed to %q", got)
	}
	if mustGet(t, r, dupID).Kind != session.KindBacktest {
		t.Error("duplicate changed kind")
	}
}

func TestRegistry_Remove(t *testing.T) {
	tests := []struct {
		name      string
		kind      session.Kind
		status    session.Status
		exception bool
		wantErr   error
	}{
		{"idle backtest", session.KindBacktest, session.StatusIdle, false, nil},
		{"running backtest", session.KindBacktest, session.StatusRunning, false, domain.ErrSessionActive},
		{"running live", session.KindLive, session.StatusRunning, false, domain.ErrSessionActive},
		{"running live with exception", session.KindLive, session.StatusRunning, true, nil},
		{"finished live", session.KindLive, session.StatusFinished, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry(t)
			id, _ := r.Create(tt.kind)
			_, _ = r.Update(id, func(s *session.Session) (*session.Session, error) {
				next := s.Clone()
				next.Status = tt.status
				if tt.exception {
					next.Exception = &session.Exception{Error: "boom"}
				}
				return next, nil
			})

			err := r.Remove(id)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Remove() error = %v, want %v", err, tt.wantErr)
			}
			_, getErr := r.Get(id)
			if (tt.wantErr == nil) != errors.Is(getErr, domain.ErrSessionNotFound) {
				t.Errorf("session presence after Remove inconsistent: %v", getErr)
			}
		})
	}
}

func TestRegistry_Materialize(t *testing.T) {
	r, _ := newTestRegistry(t)

	created, err := r.Materialize("Z", session.KindLive)
	if err != nil || !created {
		t.Fatalf("Materialize() = %v, %v", created, err)
	}
	created, _ = r.Materialize("Z", session.KindBacktest)
	if created {
		t.Error("second Materialize should not create")
	}
	if s := mustGet(t, r, "Z"); s.Kind != session.KindLive || s.Status != session.StatusIdle {
		t.Errorf("materialized = %s/%s", s.Kind, s.Status)
	}
}

func TestRegistry_LoadSave(t *testing.T) {
	ctx := context.Background()
	running := session.NewLive("A")
	running.Status = session.StatusRunning
	store := testutil.NewMemoryStore(running, session.NewBacktest("B"))

	r := New(testutil.NewMockCommandClient(), WithStore(store))
	if err := r.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	if mustGet(t, r, "A").Status != session.StatusRunning {
		t.Error("status not restored")
	}

	if err := r.Remove("B"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := r.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	stored, _ := store.Load(ctx)
	if len(stored) != 1 || stored[0].ID != "A" {
		t.Errorf("stored = %v", stored)
	}
}

func TestRegistry_LoadError(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.LoadErr = errors.New("disk gone")
	r := New(testutil.NewMockCommandClient(), WithStore(store))

	if err := r.Load(context.Background()); err == nil {
		t.Error("Load() should fail")
	}
}

func TestRegistry_ObserverSeesChanges(t *testing.T) {
	obs := &recordingObserver{}
	r := New(testutil.NewMockCommandClient(), WithIDGenerator(testutil.NewSequenceIDs("s")), WithObserver(obs))

	id, _ := r.Create(session.KindBacktest)
	_ = r.Remove(id)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.updates) != 1 || obs.updates[0] != "s-1:idle" {
		t.Errorf("updates = %v", obs.updates)
	}
	if len(obs.removed) != 1 || obs.removed[0] != id {
		t.Errorf("removed = %v", obs.removed)
	}
}

func TestRegistry_Settings(t *testing.T) {
	client := testutil.NewMockCommandClient()
	r := New(client, WithSettings(Settings{Backtest: json.RawMessage(`{"warm_up_candles":210}`)}))
	id := createWithForm(t, r, session.KindBacktest, session.Form{Exchange: "binance", Routes: []commands.Route{route("BTC-USDT")}})

	if err := r.Start(context.Background(), id); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	req := client.Calls()[0].Body.(commands.StartBacktestRequest)
	if string(req.Config) != `{"warm_up_candles":210}` {
		t.Errorf("Config = %s", req.Config)
	}
}

func TestUUIDGenerator(t *testing.T) {
	g := UUIDGenerator{}
	a, b := g.NewID(), g.NewID()
	if a == b || len(a) != 36 {
		t.Errorf("ids = %q, %q", a, b)
	}
}
