package broadcast

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(zap.NewNop())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestPublishReachesSubscribers(t *testing.T) {
	r := newTestRegistry(t)

	first := r.Subscribe("server-1", ChannelPlayers)
	second := r.Subscribe("server-1", ChannelPlayers)
	other := r.Subscribe("server-2", ChannelPlayers)
	defer first.Cancel()
	defer second.Cancel()
	defer other.Cancel()

	r.Publish("server-1", ChannelPlayers, Event{Type: "playerJoin"})

	for _, sub := range []*Subscription{first, second} {
		select {
		case event := <-sub.C:
			if event.Type != "playerJoin" {
				t.Fatalf("unexpected event type %q", event.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case event := <-other.C:
		t.Fatalf("subscriber on another subject received %q", event.Type)
	default:
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	r := newTestRegistry(t)

	// must not panic or buffer
	r.Publish("server-1", ChannelPlayers, Event{Type: "playerJoin"})

	sub := r.Subscribe("server-1", ChannelPlayers)
	defer sub.Cancel()

	select {
	case event := <-sub.C:
		t.Fatalf("late subscriber received buffered event %q", event.Type)
	default:
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	r := newTestRegistry(t)

	sub := r.Subscribe("game-1", ChannelServers)
	sub.Cancel()

	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel after Cancel")
	}

	// publishing after cancellation must not panic
	r.Publish("game-1", ChannelServers, Event{Type: "serverClose"})

	r.mu.Lock()
	remaining := len(r.channels)
	r.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected empty registry after last cancel, found %d channels", remaining)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)

	sub := r.Subscribe("game-1", ChannelActions)
	sub.Cancel()
	sub.Cancel()
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	r := newTestRegistry(t)

	sub := r.Subscribe("server-1", ChannelConsoleLog)
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			r.Publish("server-1", ChannelConsoleLog, Event{Type: "consoleLog"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a subscriber that is not draining")
	}
}
