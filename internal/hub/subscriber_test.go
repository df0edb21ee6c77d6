package hub

import (
	"errors"
	"sync"
	"testing"

	"github.com/brianly1003/runsync/internal/domain"
	"github.com/brianly1003/runsync/internal/domain/events"
)

func TestChannelSubscriber_Send(t *testing.T) {
	sub := NewChannelSubscriber("c1", 2)

	if err := sub.Send(advisory("")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case e := <-sub.Events():
		if e.Type() != events.EventTypeAdvisory {
			t.Errorf("Type() = %q", e.Type())
		}
	default:
		t.Fatal("event not queued")
	}
}

func TestChannelSubscriber_Send_BufferFull(t *testing.T) {
	sub := NewChannelSubscriber("c1", 1)
	_ = sub.Send(advisory(""))

	if err := sub.Send(advisory("")); !errors.Is(err, domain.ErrSubscriberClosed) {
		t.Errorf("Send() on full buffer error = %v, want ErrSubscriberClosed", err)
	}
}

func TestChannelSubscriber_Close(t *testing.T) {
	sub := NewChannelSubscriber("c1", 1)

	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	select {
	case <-sub.Done():
	default:
		t.Error("Done() not closed")
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("Events() should be closed")
	}
	if err := sub.Send(advisory("")); !errors.Is(err, domain.ErrSubscriberClosed) {
		t.Errorf("Send() after Close error = %v", err)
	}
}

func TestChannelSubscriber_ConcurrentSendClose(t *testing.T) {
	sub := NewChannelSubscriber("c1", 10)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sub.Send(advisory(""))
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sub.Close()
	}()
	wg.Wait()
}

func TestLogSubscriber(t *testing.T) {
	var got []events.Event
	sub := NewLogSubscriber("log", func(e events.Event) { got = append(got, e) })

	_ = sub.Send(advisory("a"))
	_ = sub.Send(advisory("b"))
	if len(got) != 2 {
		t.Fatalf("logged %d events, want 2", len(got))
	}

	_ = sub.Close()
	if err := sub.Send(advisory("c")); !errors.Is(err, domain.ErrSubscriberClosed) {
		t.Errorf("Send() after Close error = %v", err)
	}
	if len(got) != 2 {
		t.Error("closed subscriber should not log")
	}
}

func TestLogSubscriber_NilFn(t *testing.T) {
	sub := NewLogSubscriber("log", nil)
	if err := sub.Send(advisory("")); err != nil {
		t.Errorf("Send() error = %v", err)
	}
}
