package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/zllovesuki/gameway/broadcast"
	resp "github.com/zllovesuki/gameway/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	ServerManager *Manager
	Registry      *broadcast.Registry
	Logger        *zap.Logger
}

// Service is the server API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the server API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.ServerManager == nil {
		return nil, fmt.Errorf("nil ServerManager is invalid")
	}
	if option.Registry == nil {
		return nil, fmt.Errorf("nil Registry is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func gameIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "gameID"), 10, 64)
	return id, err == nil
}

type serverView struct {
	Server
	Online bool `json:"online"`
}

func (s *Service) listServers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gameID, ok := gameIDParam(r)
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid game id"))
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("skip"))

	opt := ListOption{
		GameID:     gameID,
		OnlineOnly: r.URL.Query().Get("online") != "",
		Limit:      limit,
		Offset:     offset,
	}
	results, err := s.ServerManager.List(ctx, opt)
	if err != nil {
		s.Logger.Error("Unable to list servers",
			zap.Int64("GameID", gameID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get the list of servers"))
		return
	}

	now := time.Now()
	views := make([]serverView, 0, len(results))
	for _, srv := range results {
		views = append(views, serverView{
			Server: srv,
			Online: srv.Alive(now),
		})
	}

	resp.WriteResponse(w, r, views)
}

func (s *Service) getServer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gameID, ok := gameIDParam(r)
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid game id"))
		return
	}
	serverID := chi.URLParam(r, "serverID")

	srv, err := s.ServerManager.Get(ctx, gameID, serverID)
	if err != nil {
		s.Logger.Error("Unable to query server",
			zap.Int64("GameID", gameID),
			zap.String("ServerID", serverID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get details about the server"))
		return
	}
	if srv == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find server with specific ID"))
		return
	}

	resp.WriteResponse(w, r, serverView{
		Server: *srv,
		Online: srv.Alive(time.Now()),
	})
}

func (s *Service) getStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gameID, ok := gameIDParam(r)
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid game id"))
		return
	}

	servers, players, err := s.ServerManager.Counts(ctx, gameID)
	if err != nil {
		s.Logger.Error("Unable to count live servers",
			zap.Int64("GameID", gameID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get server stats"))
		return
	}

	resp.WriteResponse(w, r, map[string]int64{
		"activeServerCount": servers,
		"onlinePlayerCount": players,
	})
}

func (s *Service) streamPlayerEvents(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	sub := s.Registry.Subscribe(serverID, broadcast.ChannelPlayers)
	broadcast.ServeStream(w, r, sub)
}

func (s *Service) streamLogs(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	sub := s.Registry.Subscribe(serverID, broadcast.ChannelConsoleLog)
	broadcast.ServeStream(w, r, sub)
}

// StreamGameEvents streams server open/close events for a whole game. Mounted
// by the root router at the game level rather than under /servers.
func (s *Service) StreamGameEvents(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDParam(r)
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid game id"))
		return
	}
	sub := s.Registry.Subscribe(strconv.FormatInt(gameID, 10), broadcast.ChannelServers)
	broadcast.ServeStream(w, r, sub)
}

// Router will return the routes under server API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.listServers)
	r.Get("/stats", s.getStats)
	r.Get("/{serverID}", s.getServer)
	r.Get("/{serverID}/events", s.streamPlayerEvents)
	r.Get("/{serverID}/logs", s.streamLogs)

	return r
}
