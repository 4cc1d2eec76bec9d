package session

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

func TestRecordJoinFirstJoin(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	first := time.Unix(0, 1700000000123*int64(time.Millisecond))

	join := JoinOptions{
		GameID:      1,
		ServerID:    "srv-1",
		SessionID:   "s-1",
		PlayerID:    500,
		Name:        "builder",
		At:          first,
		CountryCode: "US",
	}
	res, err := m.RecordJoin(ctx, join)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.FirstJoin {
		t.Fatalf("expected the first ever join flagged")
	}
	if !res.FirstJoinAt.Equal(first) {
		t.Fatalf("expected first join at %v, got %v", first, res.FirstJoinAt)
	}

	// a redelivered batch replays the identical join
	res, err = m.RecordJoin(ctx, join)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.FirstJoin {
		t.Fatalf("expected a replayed first join to still report firstJoin")
	}

	var sessions int64
	if err := m.DB.Model(&Session{}).Count(&sessions).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sessions != 1 {
		t.Fatalf("expected the replay to reuse the session row, got %d", sessions)
	}

	later := join
	later.SessionID = "s-2"
	later.At = first.Add(time.Hour)
	res, err = m.RecordJoin(ctx, later)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FirstJoin {
		t.Fatalf("expected a returning player on the second join")
	}
	if !res.FirstJoinAt.Equal(first) {
		t.Fatalf("expected first join preserved at %v, got %v", first, res.FirstJoinAt)
	}

	player, err := m.GetPlayer(ctx, 1, 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if player == nil {
		t.Fatalf("expected a player row")
	}
	if !player.LastJoinAt.Equal(later.At) {
		t.Fatalf("expected last join advanced to %v, got %v", later.At, player.LastJoinAt)
	}
}

func TestRecordLeaveOnlyAccumulatesOnce(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	at := time.Unix(1700000000, 0)

	if _, err := m.RecordJoin(ctx, JoinOptions{
		GameID:    1,
		ServerID:  "srv-1",
		SessionID: "s-1",
		PlayerID:  500,
		Name:      "builder",
		At:        at,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	leave := LeaveOptions{
		GameID:    1,
		SessionID: "s-1",
		At:        at.Add(2 * time.Minute),
		Playtime:  120,
	}
	if err := m.RecordLeave(ctx, leave); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.RecordLeave(ctx, leave); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	player, err := m.GetPlayer(ctx, 1, 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if player.Playtime != 120 {
		t.Fatalf("expected playtime accumulated exactly once, got %v", player.Playtime)
	}
}

func TestCloseMissingClosesAbsentPlayers(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	at := time.Unix(1700000000, 0)

	for i, playerID := range []int64{500, 501} {
		if _, err := m.RecordJoin(ctx, JoinOptions{
			GameID:    1,
			ServerID:  "srv-1",
			SessionID: []string{"s-1", "s-2"}[i],
			PlayerID:  playerID,
			At:        at,
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if err := m.CloseMissing(ctx, 1, "srv-1", at.Add(time.Minute), []int64{500}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sessions, err := m.List(ctx, ListOption{GameID: 1, PlayerID: 501})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sessions) != 1 || sessions[0].LeaveTime == nil {
		t.Fatalf("expected the absent player's session closed, got %+v", sessions)
	}

	sessions, err = m.List(ctx, ListOption{GameID: 1, PlayerID: 500})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sessions) != 1 || sessions[0].LeaveTime != nil {
		t.Fatalf("expected the reported player's session still open, got %+v", sessions)
	}
}
