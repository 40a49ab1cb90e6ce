package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentfleet/agentfleet/internal/common/logger"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe("test.subject", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := NewEvent("something.happened", "test", map[string]interface{}{"k": "v"})
	if err := b.Publish(context.Background(), "test.subject", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != "something.happened" {
			t.Errorf("unexpected event type %q", got.Type)
		}
		if got.ID == "" {
			t.Error("event id must be set")
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestDeliveryOrder(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	const n = 100
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	_, err := b.Subscribe(SubjectExecutions, func(ctx context.Context, event *Event) error {
		mu.Lock()
		got = append(got, event.Type)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	want := make([]string, n)
	for i := 0; i < n; i++ {
		want[i] = string(rune('a' + i%26))
		b.Publish(context.Background(), SubjectExecutions, NewEvent(want[i], "test", nil))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("only %d of %d events delivered", len(got), n)
	}

	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d out of order: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestSubjectIsolation(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	received := make(chan *Event, 1)
	b.Subscribe(SubjectQueue, func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})

	b.Publish(context.Background(), SubjectExecutions, NewEvent("noise", "test", nil))

	select {
	case <-received:
		t.Fatal("event leaked across subjects")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe(SubjectQueue, func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !sub.IsValid() {
		t.Fatal("fresh subscription must be valid")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatal(err)
	}
	if sub.IsValid() {
		t.Error("unsubscribed subscription must be invalid")
	}

	b.Publish(context.Background(), SubjectQueue, NewEvent("after", "test", nil))
	select {
	case <-received:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	if b.IsConnected() {
		t.Error("closed bus must not report connected")
	}
	if err := b.Publish(context.Background(), SubjectQueue, NewEvent("x", "test", nil)); err == nil {
		t.Error("publish on a closed bus must fail")
	}
	if _, err := b.Subscribe(SubjectQueue, nil); err == nil {
		t.Error("subscribe on a closed bus must fail")
	}
}
