package session

import (
	"fmt"
	"net/http"
	"strconv"

	resp "github.com/zllovesuki/gameway/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	SessionManager *Manager
	Logger         *zap.Logger
}

// Service is the session and player API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the session API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.SessionManager == nil {
		return nil, fmt.Errorf("nil SessionManager is invalid")
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

func (s *Service) listSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gameID, ok := gameIDParam(r)
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid game id"))
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	playerID, _ := strconv.ParseInt(r.URL.Query().Get("player"), 10, 64)

	opt := ListOption{
		GameID:   gameID,
		ServerID: r.URL.Query().Get("server"),
		PlayerID: playerID,
		Limit:    limit,
		Offset:   offset,
	}
	results, err := s.SessionManager.List(ctx, opt)
	if err != nil {
		s.Logger.Error("Unable to list sessions",
			zap.Int64("GameID", gameID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get the list of sessions"))
		return
	}

	resp.WriteResponse(w, r, results)
}

func (s *Service) getPlayer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gameID, ok := gameIDParam(r)
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid game id"))
		return
	}
	playerID, err := strconv.ParseInt(chi.URLParam(r, "playerID"), 10, 64)
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid player id"))
		return
	}

	player, err := s.SessionManager.GetPlayer(ctx, gameID, playerID)
	if err != nil {
		s.Logger.Error("Unable to query player",
			zap.Int64("GameID", gameID),
			zap.Int64("PlayerID", playerID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get details about the player"))
		return
	}
	if player == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find player with specific ID"))
		return
	}

	resp.WriteResponse(w, r, player)
}

func (s *Service) listPlayerSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gameID, ok := gameIDParam(r)
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid game id"))
		return
	}
	playerID, err := strconv.ParseInt(chi.URLParam(r, "playerID"), 10, 64)
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid player id"))
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("skip"))

	results, err := s.SessionManager.List(ctx, ListOption{
		GameID:   gameID,
		PlayerID: playerID,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.Logger.Error("Unable to list player sessions",
			zap.Int64("GameID", gameID),
			zap.Int64("PlayerID", playerID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get the list of sessions"))
		return
	}

	resp.WriteResponse(w, r, results)
}

// Router will return the routes under session API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.listSessions)

	return r
}

// PlayerRouter will return the routes under player API
func (s *Service) PlayerRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/{playerID}", s.getPlayer)
	r.Get("/{playerID}/sessions", s.listPlayerSessions)

	return r
}
