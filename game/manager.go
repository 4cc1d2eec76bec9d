package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const cacheTTL = time.Minute

// ManagerOptions provides initialization parameters for Manager
type ManagerOptions struct {
	DB     *gorm.DB
	Redis  redis.UniversalClient
	Logger *zap.Logger
}

// Manager handles the database operations relating to Games.
// Reads on the ingest handshake path go through a short-TTL redis cache since
// every running server hits them.
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for games
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Redis == nil {
		return nil, fmt.Errorf("nil Redis is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Game{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize game.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

func cacheKey(id int64) string {
	return fmt.Sprintf("game:%d", id)
}

// cacheEntry re-adds the ingest key the api serialization hides, the cache is
// internal and the handshake needs the key back
type cacheEntry struct {
	Game
	IngestKey string `json:"ingestKey"`
}

// GetByID returns the game, or nil if no game with the id exists
func (m *Manager) GetByID(ctx context.Context, id int64) (*Game, error) {
	cached, err := m.Redis.Get(cacheKey(id)).Result()
	if err == nil {
		var entry cacheEntry
		if err := json.Unmarshal([]byte(cached), &entry); err == nil {
			g := entry.Game
			g.IngestKey = entry.IngestKey
			return &g, nil
		}
	} else if err != redis.Nil {
		m.Logger.Warn("Cannot read game from cache",
			zap.Int64("GameID", id),
			zap.Error(err),
		)
	}

	g := Game{}
	result := m.DB.WithContext(ctx).Where("id = ?", id).First(&g)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get game by id")
	}

	if encoded, err := json.Marshal(&cacheEntry{Game: g, IngestKey: g.IngestKey}); err == nil {
		if err := m.Redis.Set(cacheKey(id), encoded, cacheTTL).Err(); err != nil {
			m.Logger.Warn("Cannot cache game",
				zap.Int64("GameID", id),
				zap.Error(err),
			)
		}
	}

	return &g, nil
}
