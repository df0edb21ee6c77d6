package events

import (
	"testing"
	"time"
)

func TestBaseEvent_Type(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
	}{
		{"progress", EventTypeProgress},
		{"info_log", EventTypeInfoLog},
		{"exception", EventTypeException},
		{"equity_curve", EventTypeEquityCurve},
		{"termination", EventTypeTermination},
		{"advisory", EventTypeAdvisory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := NewEvent(tt.eventType, "sess-1", nil)

			if event.Type() != tt.eventType {
				t.Errorf("Type() = %v, want %v", event.Type(), tt.eventType)
			}
			if event.GetSessionID() != "sess-1" {
				t.Errorf("GetSessionID() = %q, want sess-1", event.GetSessionID())
			}
		})
	}
}

func TestBaseEvent_Timestamp(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent(EventTypeProgress, "sess-1", ProgressPayload{Current: 5})
	after := time.Now().UTC()

	ts := event.Timestamp()

	if ts.Before(before) {
		t.Errorf("Timestamp() = %v, should be >= %v", ts, before)
	}
	if ts.After(after) {
		t.Errorf("Timestamp() = %v, should be <= %v", ts, after)
	}
	if ts.Location() != time.UTC {
		t.Errorf("Timestamp() location = %v, want UTC", ts.Location())
	}
}

func TestEventTypes_Constants(t *testing.T) {
	// Verify all event types are unique
	types := []EventType{
		EventTypeProgress,
		EventTypeInfoLog,
		EventTypeErrorLog,
		EventTypeException,
		EventTypeCandlesInfo,
		EventTypeRoutesInfo,
		EventTypeGeneralInfo,
		EventTypeHyperparameters,
		EventTypeMetrics,
		EventTypeEquityCurve,
		EventTypeCurrentCandles,
		EventTypeWatchlist,
		EventTypePositions,
		EventTypeOrders,
		EventTypeAlert,
		EventTypeNotification,
		EventTypeTermination,
		EventTypeUnexpectedTermination,
		EventTypeAdvisory,
		EventTypeSessionUpdated,
	}

	seen := make(map[EventType]bool)
	for _, typ := range types {
		if seen[typ] {
			t.Fatalf("duplicate event type: %s", typ)
		}
		seen[typ] = true
	}
}

func TestEventType_IsTermination(t *testing.T) {
	for _, typ := range []EventType{EventTypeTermination, EventTypeUnexpectedTermination} {
		if !typ.IsTermination() {
			t.Errorf("%s should be a termination", typ)
		}
	}
	if EventTypeEquityCurve.IsTermination() {
		t.Error("equity_curve is not a termination")
	}
}

// Benchmark tests
func BenchmarkNewEvent(b *testing.B) {
	payload := LogPayload{Message: "tick"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		NewEvent(EventTypeInfoLog, "sess-1", payload)
	}
}

func BenchmarkEvent_ToJSON(b *testing.B) {
	event := NewEvent(EventTypeInfoLog, "sess-1", LogPayload{Message: "tick"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = event.ToJSON()
	}
}
