package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeServerStore struct {
	calls  []time.Duration
	closed int64
	err    error
	order  *[]string
}

func (f *fakeServerStore) CloseStale(ctx context.Context, threshold time.Duration) (int64, error) {
	f.calls = append(f.calls, threshold)
	if f.order != nil {
		*f.order = append(*f.order, "servers")
	}
	return f.closed, f.err
}

type fakeSessionStore struct {
	calls  int
	closed int64
	err    error
	order  *[]string
}

func (f *fakeSessionStore) CloseOrphaned(ctx context.Context) (int64, error) {
	f.calls++
	if f.order != nil {
		*f.order = append(*f.order, "sessions")
	}
	return f.closed, f.err
}

func TestSweepOrder(t *testing.T) {
	order := make([]string, 0, 2)
	servers := &fakeServerStore{closed: 2, order: &order}
	sessions := &fakeSessionStore{closed: 5, order: &order}

	r, err := NewReconciler(ReconcilerOptions{
		ServerStore:  servers,
		SessionStore: sessions,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if len(order) != 2 || order[0] != "servers" || order[1] != "sessions" {
		t.Fatalf("unexpected sweep order: %v", order)
	}
	if servers.calls[0] != LivenessThreshold {
		t.Fatalf("expected default threshold %v, got %v", LivenessThreshold, servers.calls[0])
	}
}

func TestSweepServerErrorSkipsSessions(t *testing.T) {
	servers := &fakeServerStore{err: fmt.Errorf("storage down")}
	sessions := &fakeSessionStore{}

	r, err := NewReconciler(ReconcilerOptions{
		ServerStore:  servers,
		SessionStore: sessions,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}

	if err := r.Sweep(context.Background()); err == nil {
		t.Fatal("expected error from failed server sweep")
	}
	if sessions.calls != 0 {
		t.Fatal("session sweep must not run when the server sweep fails")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	servers := &fakeServerStore{}
	sessions := &fakeSessionStore{}

	r, err := NewReconciler(ReconcilerOptions{
		ServerStore:  servers,
		SessionStore: sessions,
		Logger:       zap.NewNop(),
		Interval:     5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	if len(servers.calls) == 0 {
		t.Fatal("expected at least one sweep while running")
	}
	if sessions.calls != len(servers.calls) {
		t.Fatalf("sweeps out of step: %d server sweeps, %d session sweeps", len(servers.calls), sessions.calls)
	}
}
