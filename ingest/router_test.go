package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func testRouter(t *testing.T) *Router {
	t.Helper()
	r, err := NewRouter(RouterOptions{
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return r
}

func TestRoutePartialFailureIsolation(t *testing.T) {
	router := testRouter(t)

	var mu sync.Mutex
	handled := make([]string, 0)
	router.Handle(MessageAnalytics, func(ctx context.Context, rc Context, env *Envelope) error {
		event, err := env.Analytics()
		if err != nil {
			return err
		}
		if event.Name == "bad" {
			return errors.New("handler failed")
		}
		mu.Lock()
		handled = append(handled, event.Name)
		mu.Unlock()
		return nil
	})

	batch := []json.RawMessage{
		json.RawMessage(`[1, "first", 1, {}, {}]`),
		json.RawMessage(`[1, "bad", 2, {}, {}]`),
		json.RawMessage(`[1, "third", 3, {}, {}]`),
	}
	retry := router.Route(context.Background(), Context{GameID: 1, ServerID: "srv"}, batch)

	if len(retry) != 1 {
		t.Fatalf("expected exactly one envelope to retry, got %d", len(retry))
	}
	if string(retry[0]) != string(batch[1]) {
		t.Fatalf("expected the failing envelope on the retry list, got %s", retry[0])
	}
	if len(handled) != 2 {
		t.Fatalf("expected the other envelopes applied, got %v", handled)
	}
}

func TestRouteMalformedEnvelopeDropped(t *testing.T) {
	router := testRouter(t)

	calls := 0
	router.Handle(MessageAnalytics, func(ctx context.Context, rc Context, env *Envelope) error {
		calls++
		return nil
	})

	retry := router.Route(context.Background(), Context{}, []json.RawMessage{
		json.RawMessage(`not json`),
		json.RawMessage(`[]`),
		json.RawMessage(`[1, "ok", 1, {}, {}]`),
	})
	if len(retry) != 0 {
		t.Fatalf("malformed envelopes must not be retried, got %d", len(retry))
	}
	if calls != 1 {
		t.Fatalf("expected only the well-formed envelope handled, got %d calls", calls)
	}
}

func TestRouteUnknownTypeIgnored(t *testing.T) {
	router := testRouter(t)
	retry := router.Route(context.Background(), Context{}, []json.RawMessage{
		json.RawMessage(`[99, "future"]`),
	})
	if len(retry) != 0 {
		t.Fatalf("unknown types must be ignored, got %d retries", len(retry))
	}
}

func TestRoutePanicBecomesRetry(t *testing.T) {
	router := testRouter(t)
	router.Handle(MessageAnalytics, func(ctx context.Context, rc Context, env *Envelope) error {
		panic("handler exploded")
	})

	batch := []json.RawMessage{
		json.RawMessage(`[1, "boom", 1, {}, {}]`),
	}
	retry := router.Route(context.Background(), Context{}, batch)
	if len(retry) != 1 || string(retry[0]) != string(batch[0]) {
		t.Fatalf("expected the panicking envelope on the retry list, got %v", retry)
	}
}

func TestRouteConcurrentHandlersAllComplete(t *testing.T) {
	router := testRouter(t)

	var mu sync.Mutex
	count := 0
	router.Handle(MessageAnalytics, func(ctx context.Context, rc Context, env *Envelope) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	batch := make([]json.RawMessage, 0, 50)
	for i := 0; i < 50; i++ {
		batch = append(batch, json.RawMessage(`[1, "heartbeat", 1, {}, {}]`))
	}
	router.Route(context.Background(), Context{}, batch)
	if count != 50 {
		t.Fatalf("expected all handlers joined before return, got %d", count)
	}
}
