package game

import "time"

// Game describes one registered game, the unit a dashboard user manages.
// Only the fields the ingest path needs live here; profile data, permissions,
// and the rest of the dashboard model are owned by other services.
type Game struct {
	ID        int64     `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name"`
	IngestKey string    `json:"-"` // shared secret presented by the loader script during handshake
	Blocked   bool      `json:"blocked"`
	CreatedAt time.Time `json:"createdAt"`
}
