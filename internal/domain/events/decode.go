package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/brianly1003/runsync/internal/domain"
)

// aliases maps legacy or alternative wire names to their canonical kind.
var aliases = map[string]EventType{
	"progressbar": EventTypeProgress,
}

// ParseType normalizes a wire event name. Names may be namespaced
// ("backtest.progressbar"); only the part after the last dot is used.
func ParseType(name string) EventType {
	_, t := ParseName(name)
	return t
}

// ParseName splits a wire event name into its namespace and normalized
// kind. The namespace ("backtest", "live", "candles") is empty when the
// name carries none.
func ParseName(name string) (string, EventType) {
	var namespace string
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		namespace = strings.ToLower(strings.TrimSpace(name[:i]))
		name = name[i+1:]
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if t, ok := aliases[name]; ok {
		return namespace, t
	}
	return namespace, EventType(name)
}

// Decode turns a wire payload into a typed Event. Unknown kinds return an
// error wrapping domain.ErrUnknownEvent; malformed payloads wrap
// domain.ErrInvalidPayload.
func Decode(sessionID string, kind EventType, data json.RawMessage) (Event, error) {
	payload, err := decodePayload(kind, data)
	if err != nil {
		return nil, err
	}
	return NewEvent(kind, sessionID, payload), nil
}

// DecodeEnvelope decodes a raw wire message.
func DecodeEnvelope(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", domain.ErrInvalidPayload, err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: envelope without session id", domain.ErrInvalidPayload)
	}
	return Decode(env.ID, ParseType(env.Event), env.Data)
}

func decodePayload(kind EventType, data json.RawMessage) (Payload, error) {
	switch kind {
	case EventTypeProgress:
		return decodeAs[ProgressPayload](kind, data)
	case EventTypeInfoLog, EventTypeErrorLog:
		return decodeAs[LogPayload](kind, data)
	case EventTypeException:
		return decodeAs[ExceptionPayload](kind, data)
	case EventTypeCandlesInfo:
		return decodeAs[CandlesInfoPayload](kind, data)
	case EventTypeRoutesInfo:
		return decodeAs[RoutesInfoPayload](kind, data)
	case EventTypeGeneralInfo:
		return decodeAs[GeneralInfoPayload](kind, data)
	case EventTypeHyperparameters:
		return decodeAs[HyperparametersPayload](kind, data)
	case EventTypeMetrics:
		var m *Metrics
		if err := unmarshal(kind, data, &m); err != nil {
			return nil, err
		}
		return MetricsPayload{Metrics: m}, nil
	case EventTypeEquityCurve:
		return decodeAs[EquityCurvePayload](kind, data)
	case EventTypeCurrentCandles:
		return decodeAs[CurrentCandlesPayload](kind, data)
	case EventTypeWatchlist:
		return decodeAs[WatchlistPayload](kind, data)
	case EventTypePositions:
		return decodeAs[PositionsPayload](kind, data)
	case EventTypeOrders:
		return decodeAs[OrdersPayload](kind, data)
	case EventTypeAlert:
		return decodeAs[AlertPayload](kind, data)
	case EventTypeNotification:
		return decodeAs[NotificationPayload](kind, data)
	case EventTypeTermination:
		return TerminationPayload{}, nil
	case EventTypeUnexpectedTermination:
		return UnexpectedTerminationPayload{}, nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEvent, kind)
}

func decodeAs[T Payload](kind EventType, data json.RawMessage) (Payload, error) {
	var p T
	if err := unmarshal(kind, data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// unmarshal treats an absent or null payload as the zero value.
func unmarshal(kind EventType, data json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrInvalidPayload, kind, err)
	}
	return nil
}
