// Package testutil provides shared test utilities and fakes for runsync tests.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/brianly1003/runsync/internal/domain"
	"github.com/brianly1003/runsync/internal/domain/commands"
	"github.com/brianly1003/runsync/internal/domain/events"
	"github.com/brianly1003/runsync/internal/domain/ports"
	"github.com/brianly1003/runsync/internal/session"
)

// MockSubscriber implements ports.Subscriber for testing.
type MockSubscriber struct {
	id      string
	events  []events.Event
	mu      sync.Mutex
	closed  bool
	sendErr error
	done    chan struct{}
}

// NewMockSubscriber creates a new mock subscriber.
func NewMockSubscriber(id string) *MockSubscriber {
	return &MockSubscriber{
		id:   id,
		done: make(chan struct{}),
	}
}

// ID returns the subscriber ID.
func (m *MockSubscriber) ID() string {
	return m.id
}

// Send records the event and returns any configured error.
func (m *MockSubscriber) Send(e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.events = append(m.events, e)
	return nil
}

// Close marks the subscriber as closed.
func (m *MockSubscriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// Done returns a channel that's closed when the subscriber is done.
func (m *MockSubscriber) Done() <-chan struct{} {
	return m.done
}

// Events returns all received events.
func (m *MockSubscriber) Events() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]events.Event, len(m.events))
	copy(result, m.events)
	return result
}

// EventCount returns the number of received events.
func (m *MockSubscriber) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// IsClosed returns whether the subscriber was closed.
func (m *MockSubscriber) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetSendError configures an error to return on Send.
func (m *MockSubscriber) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

var _ ports.Subscriber = (*MockSubscriber)(nil)

// Call is one recorded CommandClient invocation.
type Call struct {
	Op   commands.CommandType
	ID   string
	Body any
}

// MockCommandClient implements ports.CommandClient. Every call is recorded.
// Errors are configured per command; ActiveIDs answers ActiveWorkers.
type MockCommandClient struct {
	mu        sync.Mutex
	calls     []Call
	errs      map[commands.CommandType]error
	activeIDs []string
	logs      map[commands.LogType][]events.LogPayload
	candles   []events.Candle
	hooks     map[commands.CommandType]func()
}

// NewMockCommandClient creates a client that accepts every command.
func NewMockCommandClient() *MockCommandClient {
	return &MockCommandClient{
		errs:  make(map[commands.CommandType]error),
		logs:  make(map[commands.LogType][]events.LogPayload),
		hooks: make(map[commands.CommandType]func()),
	}
}

// FailWith makes the given command return err.
func (m *MockCommandClient) FailWith(op commands.CommandType, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[op] = err
}

// OnCall runs fn, outside the lock, every time op is called and before the
// call returns. Tests use it to hold a command in flight.
func (m *MockCommandClient) OnCall(op commands.CommandType, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[op] = fn
}

// SetActive sets the ids reported by ActiveWorkers.
func (m *MockCommandClient) SetActive(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeIDs = ids
}

// SetLogs sets the lines returned by GetLogs for one stream.
func (m *MockCommandClient) SetLogs(t commands.LogType, lines ...events.LogPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[t] = lines
}

// SetCandles sets the records returned by GetCandles.
func (m *MockCommandClient) SetCandles(c ...events.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles = c
}

// Calls returns the recorded calls.
func (m *MockCommandClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times op was called. Pass "" to count all.
func (m *MockCommandClient) CallCount(op commands.CommandType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op == "" {
		return len(m.calls)
	}
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// CommandCount returns the number of state-changing commands sent, excluding
// queries (logs, candles, active workers).
func (m *MockCommandClient) CommandCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		switch c.Op {
		case commands.CommandGetLogs, commands.CommandGetCandles, commands.CommandActiveWorkers:
		default:
			n++
		}
	}
	return n
}

func (m *MockCommandClient) record(op commands.CommandType, id string, body any) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: op, ID: id, Body: body})
	err, hook := m.errs[op], m.hooks[op]
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

func (m *MockCommandClient) StartBacktest(_ context.Context, req commands.StartBacktestRequest) error {
	return m.record(commands.CommandStartBacktest, req.ID, req)
}

func (m *MockCommandClient) CancelBacktest(_ context.Context, id string) error {
	return m.record(commands.CommandCancelBacktest, id, nil)
}

func (m *MockCommandClient) StartLive(_ context.Context, req commands.StartLiveRequest) error {
	return m.record(commands.CommandStartLive, req.ID, req)
}

func (m *MockCommandClient) CancelLive(_ context.Context, id string, paperMode bool) error {
	return m.record(commands.CommandCancelLive, id, paperMode)
}

func (m *MockCommandClient) ImportCandles(_ context.Context, req commands.ImportCandlesRequest) error {
	return m.record(commands.CommandImportCandles, req.ID, req)
}

func (m *MockCommandClient) CancelImport(_ context.Context, id string) error {
	return m.record(commands.CommandCancelImport, id, nil)
}

func (m *MockCommandClient) GetLogs(_ context.Context, req commands.GetLogsRequest) ([]events.LogPayload, error) {
	if err := m.record(commands.CommandGetLogs, req.ID, req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.LogPayload(nil), m.logs[req.Type]...), nil
}

func (m *MockCommandClient) GetCandles(_ context.Context, req commands.GetCandlesRequest) ([]events.Candle, error) {
	if err := m.record(commands.CommandGetCandles, req.ID, req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.Candle(nil), m.candles...), nil
}

func (m *MockCommandClient) ActiveWorkers(_ context.Context) (map[string]struct{}, error) {
	if err := m.record(commands.CommandActiveWorkers, "", nil); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]struct{}, len(m.activeIDs))
	for _, id := range m.activeIDs {
		set[id] = struct{}{}
	}
	return set, nil
}

var _ ports.CommandClient = (*MockCommandClient)(nil)

// MemoryStore implements ports.Store in memory. Sessions are copied on the
// way in and out.
type MemoryStore struct {
	mu       sync.Mutex
	sessions []*session.Session
	saves    int
	LoadErr  error
	SaveErr  error
}

// NewMemoryStore creates a store holding the given sessions.
func NewMemoryStore(sessions ...*session.Session) *MemoryStore {
	m := &MemoryStore{}
	for _, s := range sessions {
		m.sessions = append(m.sessions, s.Clone())
	}
	return m
}

func (m *MemoryStore) Load(_ context.Context) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, sessions []*session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.saves++
	m.sessions = m.sessions[:0]
	for _, s := range sessions {
		m.sessions = append(m.sessions, s.Clone())
	}
	return nil
}

// Saves returns how many successful saves happened.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

var _ ports.Store = (*MemoryStore)(nil)

// RecordingNotifier implements ports.Notifier by keeping every advisory.
type RecordingNotifier struct {
	mu         sync.Mutex
	advisories []domain.Advisory
}

// NewRecordingNotifier creates an empty notifier.
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

func (n *RecordingNotifier) Notify(a domain.Advisory) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.advisories = append(n.advisories, a)
}

// Advisories returns the advisories received so far.
func (n *RecordingNotifier) Advisories() []domain.Advisory {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.Advisory, len(n.advisories))
	copy(out, n.advisories)
	return out
}

// Count returns how many advisories carried the given message.
func (n *RecordingNotifier) Count(message string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, a := range n.advisories {
		if a.Message == message {
			c++
		}
	}
	return c
}

var _ ports.Notifier = (*RecordingNotifier)(nil)

// SequenceIDs implements ports.IDGenerator with predictable ids.
type SequenceIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewSequenceIDs returns a generator yielding prefix-1, prefix-2, ...
func NewSequenceIDs(prefix string) *SequenceIDs {
	return &SequenceIDs{prefix: prefix}
}

func (g *SequenceIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next)
}

var _ ports.IDGenerator = (*SequenceIDs)(nil)

// AssertEqual is a simple equality assertion helper.
func AssertEqual(t *testing.T, expected, actual interface{}, msg string) {
	t.Helper()
	if expected != actual {
		t.Errorf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// AssertTrue asserts that a condition is true.
func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Errorf("%s: expected true, got false", msg)
	}
}

// AssertNoError asserts that an error is nil.
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", msg, err)
	}
}

// AssertContains checks if a string contains a substring.
func AssertContains(t *testing.T, s, substr, msg string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("%s: string %q does not contain %q", msg, s, substr)
	}
}
