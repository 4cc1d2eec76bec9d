package broadcast

import "time"

// Channel names used across the service. Subjects are either a game id or a
// server id depending on the channel.
const (
	ChannelPlayers    = "players"
	ChannelServers    = "servers"
	ChannelActions    = "actions"
	ChannelConsoleLog = "consoleLog"
)

// Event is one live frame delivered to dashboard subscribers. There is no
// replay: a subscriber only sees events published while it is connected.
type Event struct {
	Type     string      `json:"type"`
	ServerID string      `json:"serverId,omitempty"`
	Time     time.Time   `json:"time"`
	Data     interface{} `json:"data,omitempty"`
}
