package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/zllovesuki/gameway/action"
	"github.com/zllovesuki/gameway/broadcast"
	"github.com/zllovesuki/gameway/server"
	"github.com/zllovesuki/gameway/session"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// ServerStore is the server lifecycle surface the handlers need
type ServerStore interface {
	RecordHeartbeat(ctx context.Context, gameID int64, serverID string, at time.Time, players server.PlayerList) error
	Touch(ctx context.Context, gameID int64, serverID string, at time.Time) error
	Open(ctx context.Context, gameID int64, serverID string, opt server.OpenOptions) error
	Close(ctx context.Context, gameID int64, serverID string, at time.Time) error
}

// SessionStore is the join/leave surface the handlers need
type SessionStore interface {
	RecordJoin(ctx context.Context, opt session.JoinOptions) (session.JoinResult, error)
	RecordLeave(ctx context.Context, opt session.LeaveOptions) error
	CloseMissing(ctx context.Context, gameID int64, serverID string, at time.Time, online []int64) error
	CloseForServer(ctx context.Context, gameID int64, serverID string, at time.Time) error
}

// ActionStore is the action registry surface the handlers need
type ActionStore interface {
	SaveDefinition(ctx context.Context, gameID int64, serverID, name string, params action.Parameters) (*action.Definition, error)
	RecordResult(ctx context.Context, gameID int64, executionID string, output, failure []byte) (bool, error)
	MarkRunning(ctx context.Context, gameID int64, executionID string) error
	DetachServer(ctx context.Context, gameID int64, serverID string) error
}

type HandlersOptions struct {
	Servers  ServerStore
	Sessions SessionStore
	Actions  ActionStore
	Registry *broadcast.Registry
	Logger   *zap.Logger
}

// Handlers turns decoded envelopes into store mutations and broadcast events
type Handlers struct {
	HandlersOptions
}

func NewHandlers(option HandlersOptions) (*Handlers, error) {
	if option.Servers == nil {
		return nil, extErrors.New("nil Servers is invalid")
	}
	if option.Sessions == nil {
		return nil, extErrors.New("nil Sessions is invalid")
	}
	if option.Actions == nil {
		return nil, extErrors.New("nil Actions is invalid")
	}
	if option.Registry == nil {
		return nil, extErrors.New("nil Registry is invalid")
	}
	if option.Logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	return &Handlers{
		HandlersOptions: option,
	}, nil
}

// Register attaches the handlers to their message types
func (h *Handlers) Register(router *Router) {
	router.Handle(MessageAnalytics, h.HandleAnalytics)
	router.Handle(MessageActions, h.HandleActions)
}

// HandleAnalytics sub-dispatches on the event name. Unknown names are
// ignored for forward compatibility.
func (h *Handlers) HandleAnalytics(ctx context.Context, rc Context, env *Envelope) error {
	event, err := env.Analytics()
	if err != nil {
		h.Logger.Warn("Dropping malformed analytics envelope",
			zap.Int64("GameID", rc.GameID),
			zap.String("ServerID", rc.ServerID),
			zap.Error(err),
		)
		return nil
	}

	switch event.Name {
	case "heartbeat":
		return h.heartbeat(ctx, rc, event)
	case "serverOpen":
		return h.serverOpen(ctx, rc, event)
	case "serverClose":
		return h.serverClose(ctx, rc, event)
	case "playerJoin":
		return h.playerJoin(ctx, rc, event)
	case "playerLeave":
		return h.playerLeave(ctx, rc, event)
	case "playerChat":
		return h.playerChat(ctx, rc, event)
	case "consoleLog":
		return h.consoleLog(ctx, rc, event)
	case "stats":
		return h.Servers.Touch(ctx, rc.GameID, rc.ServerID, event.Time)
	default:
		return nil
	}
}

type heartbeatData struct {
	OnlineCount int                   `json:"onlineCount"`
	Players     []server.OnlinePlayer `json:"players"`
}

func (h *Handlers) heartbeat(ctx context.Context, rc Context, event *AnalyticsEvent) error {
	var data heartbeatData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return extErrors.Wrap(err, "Cannot decode heartbeat data")
	}
	players := server.PlayerList(data.Players)
	if players == nil {
		players = make(server.PlayerList, 0)
	}
	if err := h.Servers.RecordHeartbeat(ctx, rc.GameID, rc.ServerID, event.Time, players); err != nil {
		return err
	}
	online := make([]int64, 0, len(players))
	for _, p := range players {
		online = append(online, p.ID)
	}
	return h.Sessions.CloseMissing(ctx, rc.GameID, rc.ServerID, event.Time, online)
}

type serverOpenData struct {
	PlaceVersion    int    `json:"placeVersion"`
	ScriptVersion   int    `json:"scriptVersion"`
	PrivateServerID string `json:"privateServerId"`
}

func (h *Handlers) serverOpen(ctx context.Context, rc Context, event *AnalyticsEvent) error {
	var data serverOpenData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return extErrors.Wrap(err, "Cannot decode serverOpen data")
	}
	if err := h.Servers.Open(ctx, rc.GameID, rc.ServerID, server.OpenOptions{
		StartedAt:       event.Time,
		PlaceVersion:    data.PlaceVersion,
		ScriptVersion:   data.ScriptVersion,
		PrivateServerID: data.PrivateServerID,
	}); err != nil {
		return err
	}
	h.Registry.Publish(strconv.FormatInt(rc.GameID, 10), broadcast.ChannelServers, broadcast.Event{
		Type:     "serverOpen",
		ServerID: rc.ServerID,
		Time:     event.Time,
	})
	return nil
}

func (h *Handlers) serverClose(ctx context.Context, rc Context, event *AnalyticsEvent) error {
	if err := h.Servers.Close(ctx, rc.GameID, rc.ServerID, event.Time); err != nil {
		return err
	}
	if err := h.Sessions.CloseForServer(ctx, rc.GameID, rc.ServerID, event.Time); err != nil {
		return err
	}
	// the server's announced schemas die with it
	if err := h.Actions.DetachServer(ctx, rc.GameID, rc.ServerID); err != nil {
		return err
	}
	h.Registry.Publish(rc.ServerID, broadcast.ChannelPlayers, broadcast.Event{
		Type: "serverClose",
		Time: event.Time,
	})
	h.Registry.Publish(strconv.FormatInt(rc.GameID, 10), broadcast.ChannelServers, broadcast.Event{
		Type:     "serverClose",
		ServerID: rc.ServerID,
		Time:     event.Time,
	})
	return nil
}

type playerJoinData struct {
	Name          string `json:"name"`
	SourceGameID  int64  `json:"sourceGameId"`
	SourcePlaceID int64  `json:"sourcePlaceId"`
	CountryCode   string `json:"countryCode"`
}

func (h *Handlers) playerJoin(ctx context.Context, rc Context, event *AnalyticsEvent) error {
	playerID, ok := segmentPlayer(event.Segments)
	if !ok {
		h.Logger.Warn("Dropping playerJoin without a player segment",
			zap.Int64("GameID", rc.GameID),
			zap.String("ServerID", rc.ServerID),
		)
		return nil
	}
	var data playerJoinData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return extErrors.Wrap(err, "Cannot decode playerJoin data")
	}
	if _, err := h.Sessions.RecordJoin(ctx, session.JoinOptions{
		GameID:      rc.GameID,
		ServerID:    rc.ServerID,
		SessionID:   event.Segments["session"],
		PlayerID:    playerID,
		Name:        data.Name,
		At:          event.Time,
		CountryCode: data.CountryCode,
	}); err != nil {
		return err
	}
	h.Registry.Publish(rc.ServerID, broadcast.ChannelPlayers, broadcast.Event{
		Type: "playerJoin",
		Time: event.Time,
		Data: map[string]interface{}{
			"playerId":      playerID,
			"sourceGameId":  data.SourceGameID,
			"sourcePlaceId": data.SourcePlaceID,
			"countryCode":   data.CountryCode,
		},
	})
	return nil
}

type playerLeaveData struct {
	FollowPlayerID int64   `json:"followPlayerId"`
	PlayTime       float64 `json:"playTime"`
}

func (h *Handlers) playerLeave(ctx context.Context, rc Context, event *AnalyticsEvent) error {
	playerID, ok := segmentPlayer(event.Segments)
	if !ok {
		h.Logger.Warn("Dropping playerLeave without a player segment",
			zap.Int64("GameID", rc.GameID),
			zap.String("ServerID", rc.ServerID),
		)
		return nil
	}
	var data playerLeaveData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return extErrors.Wrap(err, "Cannot decode playerLeave data")
	}
	if err := h.Sessions.RecordLeave(ctx, session.LeaveOptions{
		GameID:    rc.GameID,
		SessionID: event.Segments["session"],
		At:        event.Time,
		Playtime:  data.PlayTime,
	}); err != nil {
		return err
	}
	h.Registry.Publish(rc.ServerID, broadcast.ChannelPlayers, broadcast.Event{
		Type: "playerLeave",
		Time: event.Time,
		Data: map[string]interface{}{
			"playerId":       playerID,
			"followPlayerId": data.FollowPlayerID,
			"playTime":       data.PlayTime,
		},
	})
	return nil
}

type playerChatData struct {
	Message     string `json:"message"`
	RecipientID int64  `json:"recipientId,omitempty"`
}

func (h *Handlers) playerChat(ctx context.Context, rc Context, event *AnalyticsEvent) error {
	playerID, ok := segmentPlayer(event.Segments)
	if !ok {
		return nil
	}
	var data playerChatData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return extErrors.Wrap(err, "Cannot decode playerChat data")
	}
	h.Registry.Publish(rc.ServerID, broadcast.ChannelPlayers, broadcast.Event{
		Type: "playerChat",
		Time: event.Time,
		Data: map[string]interface{}{
			"playerId":    playerID,
			"message":     data.Message,
			"recipientId": data.RecipientID,
		},
	})
	return nil
}

func (h *Handlers) consoleLog(ctx context.Context, rc Context, event *AnalyticsEvent) error {
	var data map[string]interface{}
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return extErrors.Wrap(err, "Cannot decode consoleLog data")
	}
	h.Registry.Publish(rc.ServerID, broadcast.ChannelConsoleLog, broadcast.Event{
		Type: "consoleLog",
		Time: event.Time,
		Data: data,
	})
	return nil
}

// HandleActions processes the actions sub-protocol: schema announcements,
// progress markers and results flowing back from servers
func (h *Handlers) HandleActions(ctx context.Context, rc Context, env *Envelope) error {
	msg, err := env.Action()
	if err != nil {
		h.Logger.Warn("Dropping malformed actions envelope",
			zap.Int64("GameID", rc.GameID),
			zap.String("ServerID", rc.ServerID),
			zap.Error(err),
		)
		return nil
	}

	switch msg.Kind {
	case action.MessageSave:
		return h.actionSave(ctx, rc, msg)
	case action.MessageResult:
		return h.actionResult(ctx, rc, msg)
	case action.MessageRunning:
		return h.actionRunning(ctx, rc, msg)
	case action.MessageLog:
		return h.actionLog(ctx, rc, msg)
	default:
		return nil
	}
}

func (h *Handlers) actionSave(ctx context.Context, rc Context, msg *ActionMessage) error {
	if len(msg.Args) < 2 {
		return nil
	}
	var name string
	if err := json.Unmarshal(msg.Args[0], &name); err != nil {
		return nil
	}
	var params action.Parameters
	if err := json.Unmarshal(msg.Args[1], &params); err != nil {
		return nil
	}
	_, err := h.Actions.SaveDefinition(ctx, rc.GameID, rc.ServerID, name, params)
	return err
}

func (h *Handlers) actionResult(ctx context.Context, rc Context, msg *ActionMessage) error {
	if len(msg.Args) < 3 {
		return nil
	}
	var executionID string
	if err := json.Unmarshal(msg.Args[0], &executionID); err != nil {
		return nil
	}
	var success bool
	if err := json.Unmarshal(msg.Args[1], &success); err != nil {
		return nil
	}
	var output, failure []byte
	if success {
		output = msg.Args[2]
	} else {
		failure = msg.Args[2]
	}
	applied, err := h.Actions.RecordResult(ctx, rc.GameID, executionID, output, failure)
	if err != nil {
		return err
	}
	if applied {
		h.Registry.Publish(strconv.FormatInt(rc.GameID, 10), broadcast.ChannelActions, broadcast.Event{
			Type:     "executionResult",
			ServerID: rc.ServerID,
			Time:     time.Now(),
			Data: map[string]interface{}{
				"executionId": executionID,
				"success":     success,
			},
		})
	}
	return nil
}

func (h *Handlers) actionRunning(ctx context.Context, rc Context, msg *ActionMessage) error {
	if len(msg.Args) < 1 {
		return nil
	}
	var executionID string
	if err := json.Unmarshal(msg.Args[0], &executionID); err != nil {
		return nil
	}
	if err := h.Actions.MarkRunning(ctx, rc.GameID, executionID); err != nil {
		return err
	}
	h.Registry.Publish(strconv.FormatInt(rc.GameID, 10), broadcast.ChannelActions, broadcast.Event{
		Type:     "executionRunning",
		ServerID: rc.ServerID,
		Time:     time.Now(),
		Data: map[string]interface{}{
			"executionId": executionID,
		},
	})
	return nil
}

func (h *Handlers) actionLog(ctx context.Context, rc Context, msg *ActionMessage) error {
	if len(msg.Args) < 3 {
		return nil
	}
	var executionID, level, message string
	if err := json.Unmarshal(msg.Args[0], &executionID); err != nil {
		return nil
	}
	if err := json.Unmarshal(msg.Args[1], &level); err != nil {
		return nil
	}
	if err := json.Unmarshal(msg.Args[2], &message); err != nil {
		return nil
	}
	h.Registry.Publish(strconv.FormatInt(rc.GameID, 10), broadcast.ChannelActions, broadcast.Event{
		Type:     "executionLog",
		ServerID: rc.ServerID,
		Time:     time.Now(),
		Data: map[string]interface{}{
			"executionId": executionID,
			"level":       level,
			"message":     message,
		},
	})
	return nil
}

func segmentPlayer(segments map[string]string) (int64, bool) {
	raw, ok := segments["player"]
	if !ok {
		return 0, false
	}
	playerID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return playerID, true
}
