package server

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// LivenessThreshold is how long a server may go without a heartbeat before it
// is considered gone. Shared by reads, action target resolution and the
// reconciler so "is this server alive" has exactly one definition.
const LivenessThreshold = 3 * time.Minute

// OnlinePlayer is one entry in the server's reported player roster
type OnlinePlayer struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	JoinedAt int64  `json:"joinedAt"` // unix seconds as reported by the remote
}

// PlayerList is the JSONB column holding the server's online-player roster
type PlayerList []OnlinePlayer

func (p *PlayerList) Scan(value interface{}) error {
	var bytes []byte
	// postgres hands back []byte, sqlite hands back string
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("Failed to unmarshal jsonb value: %v", value)
	}
	if bytes == nil {
		*p = make(PlayerList, 0)
		return nil
	}
	return json.Unmarshal(bytes, p)
}

func (p PlayerList) Value() (driver.Value, error) {
	if p == nil {
		p = make(PlayerList, 0)
	}
	return json.Marshal(p)
}

func (PlayerList) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

// Server describes one running game-server process. A server is never hard
// deleted: once closed it stays around as history.
type Server struct {
	ID              string     `json:"id" gorm:"primaryKey"` // job id reported by the platform
	GameID          int64      `json:"gameId" gorm:"primaryKey"`
	StartedAt       *time.Time `json:"startedAt"`
	ClosedAt        *time.Time `json:"closedAt"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt" gorm:"column:last_heartbeat"`
	OnlinePlayers   PlayerList `json:"onlinePlayers" gorm:"type:jsonb"`
	PlaceVersion    int        `json:"placeVersion"`
	ScriptVersion   int        `json:"scriptVersion"`
	PrivateServerID string     `json:"privateServerId,omitempty"`
}

func (Server) TableName() string {
	return "game_servers"
}

// Alive is the single source of truth for server liveness. A server without a
// persisted close is still dead once its heartbeat is older than the
// threshold; the reconciler persists that fact later.
func Alive(closedAt, lastHeartbeatAt *time.Time, now time.Time, threshold time.Duration) bool {
	if closedAt != nil {
		return false
	}
	if lastHeartbeatAt == nil {
		return false
	}
	return now.Sub(*lastHeartbeatAt) <= threshold
}

// Alive reports whether the server counts as running right now
func (s *Server) Alive(now time.Time) bool {
	return Alive(s.ClosedAt, s.LastHeartbeatAt, now, LivenessThreshold)
}
