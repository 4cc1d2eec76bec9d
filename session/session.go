package session

import "time"

// Session is one player's presence on one server. The id is the opaque
// session id minted by the remote, which makes the join upsert idempotent.
type Session struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	GameID      int64      `json:"gameId"`
	ServerID    string     `json:"serverId" gorm:"index"`
	PlayerID    int64      `json:"playerId" gorm:"index"`
	JoinTime    time.Time  `json:"joinTime"`
	LeaveTime   *time.Time `json:"leaveTime"`
	Playtime    float64    `json:"playtime"` // seconds, as reported by the remote on leave
	CountryCode string     `json:"countryCode,omitempty"`
}

func (Session) TableName() string {
	return "player_sessions"
}

// Player is the per-game player row. first_join_at never changes after the
// first join, which is what makes new-vs-returning detection idempotent.
type Player struct {
	GameID       int64     `json:"gameId" gorm:"primaryKey"`
	PlayerID     int64     `json:"playerId" gorm:"primaryKey"`
	Name         string    `json:"name"`
	FirstJoinAt  time.Time `json:"firstJoinAt"`
	LastJoinAt   time.Time `json:"lastJoinAt"`
	LastServerID string    `json:"lastServerId"`
	CountryCode  string    `json:"countryCode,omitempty"`
	Playtime     float64   `json:"playtime"`
}

func (Player) TableName() string {
	return "game_players"
}
