// Package hub fans the local feed (advisories and session updates) out to
// subscribers such as websocket clients.
package hub

import (
	"sync"

	"github.com/brianly1003/runsync/internal/domain"
	"github.com/brianly1003/runsync/internal/domain/events"
	"github.com/brianly1003/runsync/internal/domain/ports"
	"github.com/brianly1003/runsync/internal/session"
	"github.com/rs/zerolog/log"
)

// DefaultBufferSize is the capacity of the broadcast queue.
const DefaultBufferSize = 256

// Hub is the local feed dispatcher. All subscriber bookkeeping happens on
// the run goroutine.
type Hub struct {
	subscribers map[string]ports.Subscriber

	broadcast  chan events.Event
	register   chan ports.Subscriber
	unregister chan string

	// OnDrop is called when an event is dropped because the queue is full.
	OnDrop func(events.Event)

	mu      sync.RWMutex
	done    chan struct{}
	running bool
}

// New creates a new Hub.
func New() *Hub {
	return &Hub{
		subscribers: make(map[string]ports.Subscriber),
		broadcast:   make(chan events.Event, DefaultBufferSize),
		register:    make(chan ports.Subscriber),
		unregister:  make(chan string),
		done:        make(chan struct{}),
	}
}

// Start begins the hub's main loop.
func (h *Hub) Start() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.mu.Unlock()

	log.Debug().Msg("feed hub started")

	go h.run()
	return nil
}

// Stop closes every subscriber and ends the loop.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	close(h.done)

	for _, sub := range h.subscribers {
		_ = sub.Close()
	}
	h.subscribers = make(map[string]ports.Subscriber)
	h.mu.Unlock()

	log.Debug().Msg("feed hub stopped")
	return nil
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub.ID()] = sub
			h.mu.Unlock()
			log.Debug().Str("subscriber_id", sub.ID()).Msg("subscriber registered")

		case id := <-h.unregister:
			h.remove(id)

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	delete(h.subscribers, id)
	h.mu.Unlock()

	if ok {
		_ = sub.Close()
		log.Debug().Str("subscriber_id", id).Msg("subscriber unregistered")
	}
}

func (h *Hub) deliver(event events.Event) {
	h.mu.RLock()
	var failed []string
	for id, sub := range h.subscribers {
		if err := sub.Send(event); err != nil {
			log.Warn().
				Str("subscriber_id", id).
				Err(err).
				Msg("dropping slow or closed subscriber")
			failed = append(failed, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range failed {
		h.remove(id)
	}
}

// Publish queues an event for all subscribers. It never blocks; when the
// queue is full the event is dropped.
func (h *Hub) Publish(event events.Event) {
	select {
	case h.broadcast <- event:
		log.Trace().
			Str("event", string(event.Type())).
			Str("session_id", event.GetSessionID()).
			Msg("feed event published")
	default:
		log.Warn().
			Str("event", string(event.Type())).
			Msg("feed event dropped: queue full")
		if h.OnDrop != nil {
			h.OnDrop(event)
		}
	}
}

// Notify publishes an advisory. It makes the hub a ports.Notifier.
func (h *Hub) Notify(a domain.Advisory) {
	h.Publish(events.NewEvent(events.EventTypeAdvisory, a.SessionID, events.AdvisoryPayload{
		Level:   string(a.Level),
		Message: a.Message,
	}))
}

// PublishSession announces the current state of a session.
func (h *Hub) PublishSession(s *session.Session) {
	h.Publish(events.NewEvent(events.EventTypeSessionUpdated, s.ID, events.SessionUpdatedPayload{
		Kind:                   string(s.Kind),
		Status:                 string(s.Status),
		Progress:               s.Progress.Current,
		ShowResults:            s.ShowResults,
		UnexpectedlyTerminated: s.UnexpectedlyTerminated,
	}))
}

// PublishRemoved announces that a session left the registry.
func (h *Hub) PublishRemoved(id string) {
	h.Publish(events.NewEvent(events.EventTypeSessionUpdated, id, events.SessionUpdatedPayload{Removed: true}))
}

// Subscribe adds a new subscriber.
func (h *Hub) Subscribe(sub ports.Subscriber) {
	select {
	case h.register <- sub:
	case <-h.done:
	}
}

// Unsubscribe removes a subscriber by ID.
func (h *Hub) Unsubscribe(id string) {
	select {
	case h.unregister <- id:
	case <-h.done:
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// IsRunning returns true if the hub is running.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

var (
	_ ports.EventHub = (*Hub)(nil)
	_ ports.Notifier = (*Hub)(nil)
)
