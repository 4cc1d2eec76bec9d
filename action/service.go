package action

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/zllovesuki/gameway/auth"
	"github.com/zllovesuki/gameway/broadcast"
	resp "github.com/zllovesuki/gameway/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// ActionManager is the registry surface the HTTP service needs
type ActionManager interface {
	GetByID(ctx context.Context, gameID int64, actionID string) (*Definition, error)
	List(ctx context.Context, gameID int64) ([]Definition, error)
	ListByName(ctx context.Context, gameID int64, name string) ([]Definition, error)
	SetActive(ctx context.Context, gameID int64, actionID string, active bool) error
	SetDescription(ctx context.Context, gameID int64, actionID, description string) error
	GetExecution(ctx context.Context, gameID int64, executionID string) (*Execution, error)
	ListExecutions(ctx context.Context, opt ListExecutionsOption) ([]Execution, error)
}

type ServiceOptions struct {
	ActionManager ActionManager
	Dispatcher    *Dispatcher
	Registry      *broadcast.Registry
	Logger        *zap.Logger
}

type Service struct {
	ServiceOptions
}

func NewService(option ServiceOptions) (*Service, error) {
	if option.ActionManager == nil {
		return nil, extErrors.New("nil ActionManager is invalid")
	}
	if option.Dispatcher == nil {
		return nil, extErrors.New("nil Dispatcher is invalid")
	}
	if option.Registry == nil {
		return nil, extErrors.New("nil Registry is invalid")
	}
	if option.Logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func gameIDParam(r *http.Request) (int64, bool) {
	gameID, err := strconv.ParseInt(chi.URLParam(r, "gameID"), 10, 64)
	if err != nil {
		return 0, false
	}
	return gameID, true
}

func reclassify(execs []Execution) []Execution {
	now := time.Now()
	for i := range execs {
		execs[i].Status = execs[i].DisplayStatus(now)
	}
	return execs
}

func (s *Service) listActions(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDParam(r)
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid game id"))
		return
	}

	if r.Header.Get("Accept") == "text/event-stream" {
		sub := s.Registry.Subscribe(strconv.FormatInt(gameID, 10), broadcast.ChannelActions)
		broadcast.ServeStream(w, r, sub)
		return
	}

	defs, err := s.ActionManager.List(r.Context(), gameID)
	if err != nil {
		s.Logger.Error("Unable to list actions", zap.Error(err))
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, defs)
}

func (s *Service) getAction(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDParam(r)
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid game id"))
		return
	}
	def, err := s.ActionManager.GetByID(r.Context(), gameID, chi.URLParam(r, "actionID"))
	if err != nil {
		s.Logger.Error("Unable to get action", zap.Error(err))
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if def == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Action not found"))
		return
	}
	resp.WriteResponse(w, r, def)
}

type patchActionRequest struct {
	Active      *bool   `json:"active"`
	Description *string `json:"description" validate:"omitempty,max=512"`
}

func (s *Service) patchAction(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDParam(r)
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid game id"))
		return
	}
	actionID := chi.URLParam(r, "actionID")

	var req patchActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrValidation().AddMessages(err.Error()))
		return
	}

	def, err := s.ActionManager.GetByID(r.Context(), gameID, actionID)
	if err != nil {
		s.Logger.Error("Unable to get action", zap.Error(err))
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if def == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Action not found"))
		return
	}

	if req.Active != nil {
		if err := s.ActionManager.SetActive(r.Context(), gameID, actionID, *req.Active); err != nil {
			s.Logger.Error("Unable to update action", zap.Error(err))
			resp.WriteError(w, r, resp.ErrUnexpected())
			return
		}
		def.Active = *req.Active
	}
	if req.Description != nil {
		if err := s.ActionManager.SetDescription(r.Context(), gameID, actionID, *req.Description); err != nil {
			s.Logger.Error("Unable to update action", zap.Error(err))
			resp.WriteError(w, r, resp.ErrUnexpected())
			return
		}
		def.Description = *req.Description
	}
	resp.WriteResponse(w, r, def)
}

func (s *Service) actionHistory(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDParam(r)
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid game id"))
		return
	}
	defs, err := s.ActionManager.ListByName(r.Context(), gameID, chi.URLParam(r, "actionName"))
	if err != nil {
		s.Logger.Error("Unable to list action history", zap.Error(err))
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, defs)
}

type createExecutionRequest struct {
	Parameters map[string]interface{} `json:"parameters"`
}

func (s *Service) createExecution(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDParam(r)
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid game id"))
		return
	}

	var req createExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}

	userID, userName := "system", "System"
	if claims, ok := r.Context().Value(auth.Context).(*auth.Claims); ok && claims != nil {
		userID = claims.ID
		userName = claims.Name
	}

	exec, err := s.Dispatcher.Dispatch(r.Context(), DispatchRequest{
		GameID:   gameID,
		ActionID: chi.URLParam(r, "actionID"),
		Inputs:   req.Parameters,
		UserID:   userID,
		UserName: userName,
	})
	if err != nil {
		var vErr *ValidationError
		switch {
		case extErrors.As(err, &vErr):
			resp.WriteError(w, r, resp.ErrValidation().AddMessages(vErr.Error()))
		case extErrors.Is(err, ErrNoServerAvailable):
			resp.WriteError(w, r, resp.ErrConflict().AddMessages("No live server can receive this action"))
		default:
			s.Logger.Error("Unable to dispatch action", zap.Error(err))
			resp.WriteError(w, r, resp.ErrUnexpected())
		}
		return
	}
	if exec == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Action not found"))
		return
	}
	resp.WriteResponse(w, r, exec)
}

func (s *Service) listExecutions(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDParam(r)
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid game id"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	execs, err := s.ActionManager.ListExecutions(r.Context(), ListExecutionsOption{
		GameID:   gameID,
		ActionID: chi.URLParam(r, "actionID"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.Logger.Error("Unable to list executions", zap.Error(err))
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, reclassify(execs))
}

func (s *Service) getExecution(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDParam(r)
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid game id"))
		return
	}
	exec, err := s.ActionManager.GetExecution(r.Context(), gameID, chi.URLParam(r, "executionID"))
	if err != nil {
		s.Logger.Error("Unable to get execution", zap.Error(err))
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if exec == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Execution not found"))
		return
	}
	exec.Status = exec.DisplayStatus(time.Now())
	resp.WriteResponse(w, r, exec)
}

// Router returns the routes under /games/{gameID}/actions
func (s *Service) Router() http.Handler {
	router := chi.NewRouter()

	router.Get("/", s.listActions)
	router.Get("/{actionName}/history", s.actionHistory)
	router.Get("/{actionID}", s.getAction)
	router.Patch("/{actionID}", s.patchAction)
	router.Post("/{actionID}/executions", s.createExecution)
	router.Get("/{actionID}/executions", s.listExecutions)
	router.Get("/{actionID}/executions/{executionID}", s.getExecution)

	return router
}
