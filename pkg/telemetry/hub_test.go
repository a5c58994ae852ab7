package telemetry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishDelivers(t *testing.T) {
	hub := NewHub(0)
	defer hub.Close()

	sub := hub.Subscribe()
	require.NotEmpty(t, sub.ID(), "subscription ID should not be empty")

	hub.Publish(Event{Type: EventTrialStarted, TrialID: "01AB"})

	select {
	case received := <-sub.Events():
		assert.Equal(t, EventTrialStarted, received.Type)
		assert.Equal(t, "01AB", received.TrialID)
		assert.False(t, received.Timestamp.IsZero(), "timestamp should be stamped")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub(0)
	defer hub.Close()

	sub := hub.Subscribe()
	hub.Unsubscribe(sub)

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel should be closed after unsubscribe")

	assert.NotPanics(t, func() {
		hub.Unsubscribe(sub)
	})
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestHub_SlowSubscriberDropsOldest(t *testing.T) {
	hub := NewHub(4)
	defer hub.Close()

	sub := hub.Subscribe()

	// Publish more than the queue holds without consuming
	for i := 0; i < 10; i++ {
		hub.Publish(Event{
			Type: EventTrialPhaseChanged,
			Data: map[string]any{"seq": i},
		})
	}

	require.Equal(t, uint64(6), sub.Dropped(), "oldest 6 events should be dropped")

	// Survivors are the newest 4, still in publish order
	for want := 6; want < 10; want++ {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, want, ev.Data["seq"])
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timeout waiting for event %d", want)
		}
	}
}

func TestHub_SlowSubscriberDoesNotStallOthers(t *testing.T) {
	hub := NewHub(2)
	defer hub.Close()

	slow := hub.Subscribe()
	fast := hub.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish(Event{Type: EventTrialPhaseChanged, Data: map[string]any{"seq": i}})
		}
		close(done)
	}()

	received := 0
	for received < 100 {
		select {
		case <-fast.Events():
			received++
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber stalled after %d events", received)
		}
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	assert.Greater(t, slow.Dropped(), uint64(0), "slow subscriber should have drops")
}

func TestHub_PerSubscriberFIFO(t *testing.T) {
	hub := NewHub(128)
	defer hub.Close()

	sub := hub.Subscribe()

	for i := 0; i < 50; i++ {
		hub.Publish(Event{
			Type:    EventTrialPhaseChanged,
			TrialID: "trial-1",
			Data:    map[string]any{"seq": i},
		})
	}

	for want := 0; want < 50; want++ {
		ev := <-sub.Events()
		require.Equal(t, want, ev.Data["seq"], "events must arrive in publish order")
	}
}

func TestHub_CloseClosesAllSubscribers(t *testing.T) {
	hub := NewHub(0)

	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i] = hub.Subscribe()
	}

	hub.Close()

	for i, sub := range subs {
		_, ok := <-sub.Events()
		assert.False(t, ok, fmt.Sprintf("subscriber %d channel should be closed", i))
	}

	// Publishing after close is a no-op
	assert.NotPanics(t, func() {
		hub.Publish(Event{Type: EventTrialCompleted})
	})

	// Subscribing after close yields a closed channel
	late := hub.Subscribe()
	_, ok := <-late.Events()
	assert.False(t, ok, "post-close subscription should be closed immediately")
}
