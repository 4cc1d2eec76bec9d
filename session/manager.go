package session

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

// Manager handles the database operations relating to player sessions.
// The remote delivers at least once, so every mutation here must tolerate
// being applied more than once with the same arguments.
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for sessions
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Session{}, &Player{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize session.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// JoinOptions carries one join envelope's payload
type JoinOptions struct {
	GameID      int64
	ServerID    string
	SessionID   string
	PlayerID    int64
	Name        string
	At          time.Time
	CountryCode string
}

// JoinResult reports whether this was the player's first ever join of the game
type JoinResult struct {
	FirstJoin   bool
	FirstJoinAt time.Time
}

// RecordJoin creates the session (no-op if the session id already exists) and
// upserts the per-game player row. FirstJoin is derived by comparing the
// stored first-join timestamp against this join's timestamp, so a replayed
// join envelope reports the same result as the original.
func (m *Manager) RecordJoin(ctx context.Context, opt JoinOptions) (JoinResult, error) {
	var res JoinResult
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		assignments := map[string]interface{}{
			"last_join_at":   opt.At,
			"last_server_id": opt.ServerID,
			"country_code":   opt.CountryCode,
		}
		if opt.Name != "" {
			assignments["name"] = opt.Name
		}
		player := Player{
			GameID:       opt.GameID,
			PlayerID:     opt.PlayerID,
			Name:         opt.Name,
			FirstJoinAt:  opt.At,
			LastJoinAt:   opt.At,
			LastServerID: opt.ServerID,
			CountryCode:  opt.CountryCode,
		}
		upsertRes := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "game_id"}, {Name: "player_id"}},
			DoUpdates: clause.Assignments(assignments),
		}).Create(&player)
		if upsertRes.Error != nil {
			return upsertRes.Error
		}
		// first_join_at is only written by the insert arm, so reading it
		// back tells us whether this join created the player
		if lookupRes := tx.First(&player, "game_id = ? AND player_id = ?", opt.GameID, opt.PlayerID); lookupRes.Error != nil {
			return lookupRes.Error
		}

		res = JoinResult{
			FirstJoin:   player.FirstJoinAt.Equal(opt.At),
			FirstJoinAt: player.FirstJoinAt,
		}

		sess := Session{
			ID:          opt.SessionID,
			GameID:      opt.GameID,
			ServerID:    opt.ServerID,
			PlayerID:    opt.PlayerID,
			JoinTime:    opt.At,
			CountryCode: opt.CountryCode,
		}
		createRes := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).Create(&sess)
		return createRes.Error
	})
	if err != nil {
		return JoinResult{}, extErrors.Wrap(err, "Cannot record join")
	}
	return res, nil
}

// LeaveOptions carries one leave envelope's payload
type LeaveOptions struct {
	GameID    int64
	SessionID string
	At        time.Time
	Playtime  float64
}

// RecordLeave closes the session if it is still open. A second leave for the
// same session is a no-op, and the player's playtime is only accumulated on
// the leave that actually closed the session.
func (m *Manager) RecordLeave(ctx context.Context, opt LeaveOptions) error {
	result := m.DB.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND game_id = ? AND leave_time IS NULL", opt.SessionID, opt.GameID).
		Updates(map[string]interface{}{
			"leave_time": opt.At,
			"playtime":   opt.Playtime,
		})
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot record leave")
	}
	if result.RowsAffected == 0 {
		return nil
	}

	var sess Session
	if lookupRes := m.DB.WithContext(ctx).First(&sess, "id = ?", opt.SessionID); lookupRes.Error != nil {
		return extErrors.Wrap(lookupRes.Error, "Cannot look up closed session")
	}
	updateRes := m.DB.WithContext(ctx).Model(&Player{}).
		Where("game_id = ? AND player_id = ?", opt.GameID, sess.PlayerID).
		Update("playtime", gorm.Expr("playtime + ?", opt.Playtime))
	if updateRes.Error != nil {
		return extErrors.Wrap(updateRes.Error, "Cannot accumulate playtime")
	}
	return nil
}

// CloseMissing closes every open session on the server whose player is absent
// from the heartbeat roster. The heartbeat is the liveness oracle: a player
// the server no longer reports has left even if the leave envelope was lost.
func (m *Manager) CloseMissing(ctx context.Context, gameID int64, serverID string, at time.Time, online []int64) error {
	query := m.DB.WithContext(ctx).Model(&Session{}).
		Where("game_id = ? AND server_id = ? AND leave_time IS NULL", gameID, serverID)
	if len(online) > 0 {
		query = query.Where("player_id NOT IN ?", online)
	}
	result := query.Update("leave_time", at)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot close missing sessions")
	}
	return nil
}

// CloseForServer force-closes every session still open on the server
func (m *Manager) CloseForServer(ctx context.Context, gameID int64, serverID string, at time.Time) error {
	result := m.DB.WithContext(ctx).Model(&Session{}).
		Where("game_id = ? AND server_id = ? AND leave_time IS NULL", gameID, serverID).
		Update("leave_time", at)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot close server sessions")
	}
	return nil
}

// CloseOrphaned closes sessions whose server has been closed, inheriting the
// server's closed_at as the leave time. Run by the reconciler after the stale
// server sweep.
func (m *Manager) CloseOrphaned(ctx context.Context) (int64, error) {
	result := m.DB.WithContext(ctx).Exec(`
		UPDATE player_sessions
		SET leave_time = game_servers.closed_at
		FROM game_servers
		WHERE game_servers.id = player_sessions.server_id
		  AND game_servers.game_id = player_sessions.game_id
		  AND game_servers.closed_at IS NOT NULL
		  AND player_sessions.leave_time IS NULL`)
	if result.Error != nil {
		return 0, extErrors.Wrap(result.Error, "Cannot close orphaned sessions")
	}
	return result.RowsAffected, nil
}

// ListOption filters session listings
type ListOption struct {
	GameID   int64
	ServerID string
	PlayerID int64
	Limit    int
	Offset   int
}

// List returns sessions most recent first, filtered by server or player
func (m *Manager) List(ctx context.Context, opt ListOption) ([]Session, error) {
	if opt.Limit == 0 {
		opt.Limit = 25
	}
	results := make([]Session, 0)
	baseQuery := m.DB.WithContext(ctx).
		Where("game_id = ?", opt.GameID).
		Order("join_time desc").
		Limit(opt.Limit).
		Offset(opt.Offset)
	if opt.ServerID != "" {
		baseQuery = baseQuery.Where("server_id = ?", opt.ServerID)
	}
	if opt.PlayerID != 0 {
		baseQuery = baseQuery.Where("player_id = ?", opt.PlayerID)
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

// GetPlayer returns the per-game player row, or nil if the player has never joined
func (m *Manager) GetPlayer(ctx context.Context, gameID int64, playerID int64) (*Player, error) {
	player := Player{}
	result := m.DB.WithContext(ctx).First(&player, "game_id = ? AND player_id = ?", gameID, playerID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get player")
	}
	return &player, nil
}
