package action

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/zllovesuki/gameway/broadcast"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNoServerAvailable indicates no live server can take the action
var ErrNoServerAvailable = extErrors.New("no live server can receive this action")

// publishTimeout bounds the outbound delivery attempt so a slow messaging
// backend cannot hold the request open
const publishTimeout = 10 * time.Second

// DefaultTopic is the messaging topic every game server subscribes to. The
// target server travels inside the payload, not in the topic name.
const DefaultTopic = "gameway"

// ExecutionStore is the persistence surface the dispatcher needs
type ExecutionStore interface {
	GetByID(ctx context.Context, gameID int64, actionID string) (*Definition, error)
	CreateExecution(ctx context.Context, exec *Execution) error
	MarkFailed(ctx context.Context, gameID int64, executionID string, failure []byte) error
}

// ServerResolver picks the target server for a dispatch
type ServerResolver interface {
	GetOnlinePlayerServer(ctx context.Context, gameID int64, playerID string) (string, error)
	ResolveActionServer(ctx context.Context, gameID int64, actionID string) (string, error)
}

// Publisher delivers an encoded message to one server of a game and reports
// whether any delivery path succeeded
type Publisher interface {
	Publish(ctx context.Context, gameID int64, payload []byte, topic string) bool
}

type DispatcherOptions struct {
	Store     ExecutionStore
	Resolver  ServerResolver
	Publisher Publisher
	Registry  *broadcast.Registry
	Logger    *zap.Logger
	// Topic overrides the messaging topic, defaulting to DefaultTopic
	Topic string
}

type Dispatcher struct {
	DispatcherOptions
}

func NewDispatcher(option DispatcherOptions) (*Dispatcher, error) {
	if option.Store == nil {
		return nil, extErrors.New("nil Store is invalid")
	}
	if option.Resolver == nil {
		return nil, extErrors.New("nil Resolver is invalid")
	}
	if option.Publisher == nil {
		return nil, extErrors.New("nil Publisher is invalid")
	}
	if option.Registry == nil {
		return nil, extErrors.New("nil Registry is invalid")
	}
	if option.Logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	if option.Topic == "" {
		option.Topic = DefaultTopic
	}
	return &Dispatcher{
		DispatcherOptions: option,
	}, nil
}

// DispatchRequest is a caller's invocation of an action
type DispatchRequest struct {
	GameID   int64
	ActionID string
	Inputs   map[string]interface{}
	UserID   string
	UserName string
}

// callPayload is the body carried inside the action call message
type callPayload struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Parameters ExecutionParameters `json:"parameters"`
	Context    map[string]string   `json:"context"`
}

// Dispatch validates the request, picks a target server, persists a Pending
// execution, then attempts delivery. A delivery failure fails the execution
// synchronously so the caller never waits on an hour of staleness for a
// message that never left the building.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*Execution, error) {
	def, err := d.Store.GetByID(ctx, req.GameID, req.ActionID)
	if err != nil {
		return nil, err
	}
	if def == nil || !def.Active {
		return nil, nil
	}

	params, err := ValidateParameters(def, req.Inputs)
	if err != nil {
		return nil, err
	}

	serverID, err := d.resolveTarget(ctx, req.GameID, def, params)
	if err != nil {
		return nil, err
	}
	if serverID == "" {
		return nil, ErrNoServerAvailable
	}

	exec := &Execution{
		ID:         uuid.New().String(),
		GameID:     req.GameID,
		ActionID:   def.ID,
		ActionName: def.Name,
		Status:     StatusPending,
		ServerID:   serverID,
		Parameters: params,
		UserID:     req.UserID,
		UserName:   req.UserName,
		CreatedAt:  time.Now(),
	}
	if err := d.Store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	payload, err := encodeCall(serverID, exec, def)
	if err != nil {
		return nil, err
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if !d.Publisher.Publish(publishCtx, req.GameID, payload, d.Topic) {
		failure, _ := json.Marshal(map[string]string{
			"message": "delivery to server failed",
		})
		if failErr := d.Store.MarkFailed(ctx, req.GameID, exec.ID, failure); failErr != nil {
			d.Logger.Error("Unable to fail undeliverable execution",
				zap.String("ExecutionID", exec.ID),
				zap.Error(failErr),
			)
		}
		exec.Status = StatusFailed
		exec.Error = failure
	}

	d.Registry.Publish(strconv.FormatInt(req.GameID, 10), broadcast.ChannelActions, broadcast.Event{
		Type:     "executionCreated",
		ServerID: serverID,
		Time:     time.Now(),
		Data:     exec,
	})

	return exec, nil
}

// resolveTarget prefers the server hosting the targeted player, falling back
// to any live server that announced the action
func (d *Dispatcher) resolveTarget(ctx context.Context, gameID int64, def *Definition, params ExecutionParameters) (string, error) {
	if playerParam := def.PlayerParameter(); playerParam != nil {
		if raw, ok := params[playerParam.Name]; ok {
			playerID, ok := raw.(string)
			if ok && playerID != "" {
				serverID, err := d.Resolver.GetOnlinePlayerServer(ctx, gameID, playerID)
				if err != nil {
					return "", err
				}
				if serverID != "" {
					return serverID, nil
				}
			}
		}
	}
	return d.Resolver.ResolveActionServer(ctx, gameID, def.ID)
}

func encodeCall(serverID string, exec *Execution, def *Definition) ([]byte, error) {
	body := callPayload{
		ID:         exec.ID,
		Name:       def.Name,
		Parameters: exec.Parameters,
		Context: map[string]string{
			"userId":   exec.UserID,
			"userName": exec.UserName,
		},
	}
	inner := []interface{}{
		EnvelopeType,
		int(MessageCall),
		body,
	}
	return json.Marshal([]interface{}{
		serverID,
		[]interface{}{inner},
	})
}
