// Package events defines the push events streamed by the compute backend.
//
// The set of event kinds is closed: every kind has exactly one payload type,
// and Decode is the only way to turn wire data into an Event.
package events

import (
	"encoding/json"
	"time"
)

// EventType represents the kind of a push event.
type EventType string

const (
	// Progress and logs
	EventTypeProgress EventType = "progress"
	EventTypeInfoLog  EventType = "info_log"
	EventTypeErrorLog EventType = "error_log"

	// Failures
	EventTypeException EventType = "exception"

	// Results
	EventTypeCandlesInfo     EventType = "candles_info"
	EventTypeRoutesInfo      EventType = "routes_info"
	EventTypeGeneralInfo     EventType = "general_info"
	EventTypeHyperparameters EventType = "hyperparameters"
	EventTypeMetrics         EventType = "metrics"
	EventTypeEquityCurve     EventType = "equity_curve"

	// Live monitoring
	EventTypeCurrentCandles EventType = "current_candles"
	EventTypeWatchlist      EventType = "watchlist"
	EventTypePositions      EventType = "positions"
	EventTypeOrders         EventType = "orders"

	// Advisories
	EventTypeAlert        EventType = "alert"
	EventTypeNotification EventType = "notification"

	// Termination family
	EventTypeTermination           EventType = "termination"
	EventTypeUnexpectedTermination EventType = "unexpected_termination"

	// Local feed. Never decoded from the backend stream.
	EventTypeAdvisory       EventType = "advisory"
	EventTypeSessionUpdated EventType = "session_updated"
)

// IsTermination reports whether the kind ends a run.
func (t EventType) IsTermination() bool {
	return t == EventTypeTermination || t == EventTypeUnexpectedTermination
}

// IsLiveOnly reports whether only live sessions emit this kind. Used to pick
// the kind of a lazily created session.
func (t EventType) IsLiveOnly() bool {
	switch t {
	case EventTypeErrorLog, EventTypeCurrentCandles, EventTypeWatchlist,
		EventTypePositions, EventTypeOrders, EventTypeUnexpectedTermination:
		return true
	}
	return false
}

// IsActivity reports whether the kind shows that the run is executing
// server-side.
func (t EventType) IsActivity() bool {
	switch t {
	case EventTypeAlert, EventTypeNotification, EventTypeTermination, EventTypeUnexpectedTermination,
		EventTypeAdvisory, EventTypeSessionUpdated:
		return false
	}
	return true
}

// Payload is implemented by every event payload type. The unexported method
// keeps the set closed to this package.
type Payload interface {
	isPayload()
}

// Event is a decoded push event for one session.
type Event interface {
	// Type returns the event kind.
	Type() EventType

	// Timestamp returns when the event was received.
	Timestamp() time.Time

	// GetSessionID returns the session the event belongs to.
	GetSessionID() string

	// GetPayload returns the typed payload.
	GetPayload() Payload

	// ToJSON serializes the event to JSON.
	ToJSON() ([]byte, error)
}

// BaseEvent is the only Event implementation.
type BaseEvent struct {
	EventType EventType `json:"event"`
	EventTime time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Payload   Payload   `json:"payload"`
}

// Type returns the event type.
func (e *BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event was received.
func (e *BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// GetSessionID returns the session ID.
func (e *BaseEvent) GetSessionID() string {
	return e.SessionID
}

// GetPayload returns the typed payload.
func (e *BaseEvent) GetPayload() Payload {
	return e.Payload
}

// ToJSON serializes the event to JSON.
func (e *BaseEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewEvent creates a new event for a session.
func NewEvent(eventType EventType, sessionID string, payload Payload) *BaseEvent {
	return &BaseEvent{
		EventType: eventType,
		EventTime: time.Now().UTC(),
		SessionID: sessionID,
		Payload:   payload,
	}
}

// Envelope is the wire form of a push event.
type Envelope struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}
