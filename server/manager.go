package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ManagerOptions provides initialization parameters for Manager
type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations relating to Servers. Every mutation
// is an idempotent upsert or a guarded update: the remote delivers at least
// once and batches may replay.
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for servers
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Server{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize server.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// RecordHeartbeat upserts server liveness and the online-player roster.
// Replaying the same heartbeat leaves the row unchanged.
func (m *Manager) RecordHeartbeat(ctx context.Context, gameID int64, serverID string, at time.Time, players PlayerList) error {
	srv := Server{
		ID:              serverID,
		GameID:          gameID,
		LastHeartbeatAt: &at,
		OnlinePlayers:   players,
	}
	result := m.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "game_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_heartbeat", "online_players"}),
	}).Create(&srv)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot record heartbeat")
	}
	return nil
}

// Touch only refreshes the heartbeat timestamp of an already known server
func (m *Manager) Touch(ctx context.Context, gameID int64, serverID string, at time.Time) error {
	result := m.DB.WithContext(ctx).Model(&Server{}).
		Where("id = ? AND game_id = ?", serverID, gameID).
		Update("last_heartbeat", at)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot touch server")
	}
	return nil
}

// OpenOptions carries the metadata a server announces when it starts
type OpenOptions struct {
	StartedAt       time.Time
	PlaceVersion    int
	ScriptVersion   int
	PrivateServerID string
}

// Open upserts the server on its open announcement
func (m *Manager) Open(ctx context.Context, gameID int64, serverID string, opt OpenOptions) error {
	srv := Server{
		ID:              serverID,
		GameID:          gameID,
		StartedAt:       &opt.StartedAt,
		PlaceVersion:    opt.PlaceVersion,
		ScriptVersion:   opt.ScriptVersion,
		PrivateServerID: opt.PrivateServerID,
	}
	result := m.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "game_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"started_at", "place_version", "script_version", "private_server_id"}),
	}).Create(&srv)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot open server")
	}
	return nil
}

// Close marks the server closed. The first close wins so the recorded
// end-of-life timestamp survives replays.
func (m *Manager) Close(ctx context.Context, gameID int64, serverID string, at time.Time) error {
	result := m.DB.WithContext(ctx).Model(&Server{}).
		Where("id = ? AND game_id = ? AND closed_at IS NULL", serverID, gameID).
		Update("closed_at", at)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot close server")
	}
	return nil
}

// Get returns the server, or nil if it is unknown
func (m *Manager) Get(ctx context.Context, gameID int64, serverID string) (*Server, error) {
	srv := Server{}
	result := m.DB.WithContext(ctx).Where("id = ? AND game_id = ?", serverID, gameID).First(&srv)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get server by id")
	}
	return &srv, nil
}

// ListOption filters server listings
type ListOption struct {
	GameID     int64
	OnlineOnly bool
	Limit      int
	Offset     int
}

// List returns servers for a game, most recently started first
func (m *Manager) List(ctx context.Context, opt ListOption) ([]Server, error) {
	if opt.Limit == 0 {
		opt.Limit = 100
	}
	results := make([]Server, 0)
	baseQuery := m.DB.WithContext(ctx).
		Where("game_id = ?", opt.GameID).
		Order("started_at desc").
		Limit(opt.Limit).
		Offset(opt.Offset)
	if opt.OnlineOnly {
		baseQuery = baseQuery.Where("closed_at IS NULL AND last_heartbeat > ?", time.Now().Add(-LivenessThreshold))
	}
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// GetOnlinePlayerServer returns the live server the player is currently on,
// or nil if the player is not on any live server
func (m *Manager) GetOnlinePlayerServer(ctx context.Context, gameID int64, playerID int64) (*Server, error) {
	srv := Server{}
	result := m.DB.WithContext(ctx).
		Joins("JOIN player_sessions ON player_sessions.server_id = game_servers.id AND player_sessions.game_id = game_servers.game_id").
		Where("player_sessions.player_id = ?", playerID).
		Where("game_servers.game_id = ?", gameID).
		Where("game_servers.closed_at IS NULL AND game_servers.last_heartbeat > ?", time.Now().Add(-LivenessThreshold)).
		Order("game_servers.started_at DESC").
		First(&srv)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot resolve player server")
	}
	return &srv, nil
}

// ResolveActionServer returns the id of a live server attached to the action
// definition, or empty string if none is available
func (m *Manager) ResolveActionServer(ctx context.Context, gameID int64, actionID string) (string, error) {
	srv := Server{}
	result := m.DB.WithContext(ctx).
		Joins("JOIN game_action_servers ON game_action_servers.server_id = game_servers.id AND game_action_servers.game_id = game_servers.game_id").
		Where("game_action_servers.action_id = ?", actionID).
		Where("game_servers.game_id = ?", gameID).
		Where("game_servers.closed_at IS NULL AND game_servers.last_heartbeat > ?", time.Now().Add(-LivenessThreshold)).
		Order("game_servers.last_heartbeat DESC").
		First(&srv)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return "", extErrors.Wrap(result.Error, "Cannot resolve action server")
	}
	return srv.ID, nil
}

// CloseStale persists a close for every server whose heartbeat is older than
// the threshold. closed_at is set to the last heartbeat, not now, so the
// recorded end of life matches when the server actually went silent.
func (m *Manager) CloseStale(ctx context.Context, threshold time.Duration) (int64, error) {
	result := m.DB.WithContext(ctx).Model(&Server{}).
		Where("closed_at IS NULL AND last_heartbeat < ?", time.Now().Add(-threshold)).
		Update("closed_at", gorm.Expr("last_heartbeat"))
	if result.Error != nil {
		return 0, extErrors.Wrap(result.Error, "Cannot close stale servers")
	}
	return result.RowsAffected, nil
}

// Counts returns the number of live servers and online players for a game
func (m *Manager) Counts(ctx context.Context, gameID int64) (servers int64, players int64, err error) {
	results := make([]Server, 0)
	result := m.DB.WithContext(ctx).
		Select("online_players").
		Where("game_id = ? AND closed_at IS NULL AND last_heartbeat > ?", gameID, time.Now().Add(-LivenessThreshold)).
		Find(&results)
	if result.Error != nil {
		return 0, 0, extErrors.Wrap(result.Error, "Cannot count live servers")
	}
	servers = int64(len(results))
	for _, srv := range results {
		players += int64(len(srv.OnlinePlayers))
	}
	return servers, players, nil
}
