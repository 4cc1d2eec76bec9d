package server

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool, err := db.DB()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// a second connection would see a different in-memory database
	pool.SetMaxOpenConns(1)
	m, err := NewManager(ManagerOptions{
		DB:     db,
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m
}

func TestCloseStaleInheritsLastHeartbeat(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	silent := time.Now().Add(-10 * time.Minute).Truncate(time.Microsecond)
	if err := m.RecordHeartbeat(ctx, 1, "srv-silent", silent, PlayerList{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.RecordHeartbeat(ctx, 1, "srv-alive", time.Now(), PlayerList{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	closed, err := m.CloseStale(ctx, LivenessThreshold)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closed != 1 {
		t.Fatalf("expected exactly the silent server closed, got %d", closed)
	}

	srv, err := m.Get(ctx, 1, "srv-silent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv.ClosedAt == nil {
		t.Fatalf("expected the silent server closed")
	}
	if !srv.ClosedAt.Equal(silent) {
		t.Fatalf("expected closed_at to inherit the last heartbeat %v, got %v", silent, srv.ClosedAt)
	}

	alive, err := m.Get(ctx, 1, "srv-alive")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alive.ClosedAt != nil {
		t.Fatalf("expected the live server untouched")
	}
}

func TestCloseFirstWins(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	first := time.Unix(1700000000, 0)
	if err := m.RecordHeartbeat(ctx, 1, "srv-1", first, PlayerList{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Close(ctx, 1, "srv-1", first.Add(time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// the close envelope is redelivered with a later timestamp
	if err := m.Close(ctx, 1, "srv-1", first.Add(time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	srv, err := m.Get(ctx, 1, "srv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !srv.ClosedAt.Equal(first.Add(time.Minute)) {
		t.Fatalf("expected the first close kept, got %v", srv.ClosedAt)
	}
}

func TestRecordHeartbeatKeepsOpenMetadata(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	started := time.Unix(1700000000, 0)
	if err := m.Open(ctx, 1, "srv-1", OpenOptions{
		StartedAt:     started,
		PlaceVersion:  12,
		ScriptVersion: 3,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.RecordHeartbeat(ctx, 1, "srv-1", started.Add(time.Minute), PlayerList{
		{ID: 500, Name: "builder", JoinedAt: started.Unix()},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	srv, err := m.Get(ctx, 1, "srv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv.PlaceVersion != 12 || srv.ScriptVersion != 3 {
		t.Fatalf("expected the open metadata preserved, got %+v", srv)
	}
	if len(srv.OnlinePlayers) != 1 || srv.OnlinePlayers[0].ID != 500 {
		t.Fatalf("expected the roster persisted, got %+v", srv.OnlinePlayers)
	}
}
