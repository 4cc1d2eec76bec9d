package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/zllovesuki/gameway/auth"
	"github.com/zllovesuki/gameway/game"
	resp "github.com/zllovesuki/gameway/response"

	"github.com/go-chi/chi"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// GameProvider resolves game records for authentication
type GameProvider interface {
	GetByID(ctx context.Context, gameID int64) (*game.Game, error)
}

type ServiceOptions struct {
	Auth   *auth.Auth
	Games  GameProvider
	Router *Router
	Logger *zap.Logger
}

// Service exposes the remote-facing endpoints: the handshake that hands a
// game server its ingest token, and the batch ingest endpoint itself
type Service struct {
	ServiceOptions
}

func NewService(option ServiceOptions) (*Service, error) {
	if option.Auth == nil {
		return nil, extErrors.New("nil Auth is invalid")
	}
	if option.Games == nil {
		return nil, extErrors.New("nil Games is invalid")
	}
	if option.Router == nil {
		return nil, extErrors.New("nil Router is invalid")
	}
	if option.Logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

type ingestBody struct {
	Messages []json.RawMessage `json:"messages"`
}

type ingestResult struct {
	Retry []json.RawMessage `json:"retry,omitempty"`
}

// these endpoints speak the remote script's wire contract, not the dashboard
// response envelope
func writeWire(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Ingest accepts one batch of envelopes from an authenticated game server.
// The response carries the envelopes whose handlers failed so the remote can
// resend exactly those.
func (s *Service) Ingest(w http.ResponseWriter, r *http.Request) {
	gameID, err := strconv.ParseInt(chi.URLParam(r, "gameID"), 10, 64)
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid game id"))
		return
	}
	serverID := chi.URLParam(r, "serverID")

	var body ingestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}

	if !s.Auth.VerifyServerToken(r.URL.Query().Get("k"), gameID, serverID) {
		resp.WriteError(w, r, resp.ErrUnauthorized().AddMessages("Invalid ingest token"))
		return
	}

	if len(body.Messages) == 0 {
		writeWire(w, http.StatusOK, struct{}{})
		return
	}

	g, err := s.Games.GetByID(r.Context(), gameID)
	if err != nil {
		s.Logger.Error("Unable to look up game",
			zap.Int64("GameID", gameID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if g == nil || g.Blocked {
		resp.WriteError(w, r, resp.ErrUnauthorized())
		return
	}

	rc := Context{
		GameID:        gameID,
		ServerID:      serverID,
		PlaceID:       headerInt64(r, "x-place-id"),
		PlaceVersion:  headerInt(r, "x-place-version"),
		ScriptVersion: headerInt(r, "x-script-version"),
	}

	retry := s.Router.Route(r.Context(), rc, body.Messages)
	result := ingestResult{}
	if len(retry) > 0 {
		result.Retry = retry
	}
	writeWire(w, http.StatusOK, result)
}

type handshakeResult struct {
	URL string `json:"url"`
}

// Handshake exchanges a game's long-lived ingest key for a short-lived
// server-scoped ingest token embedded in the returned ingest url
func (s *Service) Handshake(w http.ResponseWriter, r *http.Request) {
	gameID, err := strconv.ParseInt(chi.URLParam(r, "gameID"), 10, 64)
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid game id"))
		return
	}
	serverID := chi.URLParam(r, "serverID")

	g, err := s.Games.GetByID(r.Context(), gameID)
	if err != nil {
		s.Logger.Error("Unable to look up game",
			zap.Int64("GameID", gameID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if g == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Game not found"))
		return
	}
	if g.Blocked || g.IngestKey == "" {
		resp.WriteError(w, r, resp.ErrUnauthorized())
		return
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		resp.WriteError(w, r, resp.ErrNoBearer())
		return
	}
	if strings.TrimPrefix(header, "Bearer ") != g.IngestKey {
		s.Logger.Warn("Handshake with wrong ingest key",
			zap.Int64("GameID", gameID),
			zap.String("ServerID", serverID),
		)
		resp.WriteError(w, r, resp.ErrForbidden())
		return
	}

	token, err := s.Auth.CreateServerToken(gameID, serverID)
	if err != nil {
		s.Logger.Error("Unable to create server token",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	ingestURL := url.URL{
		Scheme:   requestScheme(r),
		Host:     r.Host,
		Path:     fmt.Sprintf("/ingest/%d/%s", gameID, serverID),
		RawQuery: url.Values{"k": []string{token}}.Encode(),
	}
	writeWire(w, http.StatusOK, handshakeResult{
		URL: ingestURL.String(),
	})
}

func requestScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func headerInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.Header.Get(name))
	return v
}

func headerInt64(r *http.Request, name string) int64 {
	v, _ := strconv.ParseInt(r.Header.Get(name), 10, 64)
	return v
}
