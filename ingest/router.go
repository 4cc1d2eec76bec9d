package ingest

import (
	"context"
	"encoding/json"
	"sync"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Context identifies the authenticated sender of a batch along with the
// metadata headers it supplied
type Context struct {
	GameID        int64
	ServerID      string
	PlaceID       int64
	PlaceVersion  int
	ScriptVersion int
}

// HandlerFunc processes one decoded envelope. A returned error puts the
// envelope on the retry list; it never fails the batch.
type HandlerFunc func(ctx context.Context, rc Context, env *Envelope) error

type RouterOptions struct {
	Logger *zap.Logger
}

// Router demultiplexes a batch of envelopes by message type. Envelopes fan
// out concurrently within a batch: no handler may depend on another handler's
// side effect in the same batch, the store's idempotent upserts carry the
// ordering burden instead.
type Router struct {
	RouterOptions
	handlers map[MessageType]HandlerFunc
}

func NewRouter(option RouterOptions) (*Router, error) {
	if option.Logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	return &Router{
		RouterOptions: option,
		handlers:      make(map[MessageType]HandlerFunc),
	}, nil
}

// Handle registers the handler for a message type
func (r *Router) Handle(msgType MessageType, handler HandlerFunc) {
	r.handlers[msgType] = handler
}

// Route dispatches every envelope in the batch and returns the ones whose
// handler failed so the remote can resend exactly those. Malformed envelopes
// are logged and dropped, a resend could never make them parse. Unknown
// message types are ignored: the remote deploys independently and may be
// newer than this service.
func (r *Router) Route(ctx context.Context, rc Context, batch []json.RawMessage) []json.RawMessage {
	var wg sync.WaitGroup
	var mu sync.Mutex
	retry := make([]json.RawMessage, 0)

	for _, raw := range batch {
		env, err := DecodeEnvelope(raw)
		if err != nil {
			r.Logger.Warn("Dropping malformed envelope",
				zap.Int64("GameID", rc.GameID),
				zap.String("ServerID", rc.ServerID),
				zap.Error(err),
			)
			continue
		}
		handler, ok := r.handlers[env.Type]
		if !ok {
			continue
		}

		wg.Add(1)
		go func(env *Envelope) {
			defer wg.Done()
			defer func() {
				if recovered := recover(); recovered != nil {
					r.Logger.Error("Recovered from panicking handler",
						zap.Int64("GameID", rc.GameID),
						zap.String("ServerID", rc.ServerID),
						zap.Any("Panic", recovered),
					)
					mu.Lock()
					retry = append(retry, env.Raw)
					mu.Unlock()
				}
			}()
			if err := handler(ctx, rc, env); err != nil {
				r.Logger.Error("Handler failed, queueing envelope for retry",
					zap.Int64("GameID", rc.GameID),
					zap.String("ServerID", rc.ServerID),
					zap.Int("MessageType", int(env.Type)),
					zap.Error(err),
				)
				mu.Lock()
				retry = append(retry, env.Raw)
				mu.Unlock()
			}
		}(env)
	}

	wg.Wait()
	return retry
}
