package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ServerStore is the server-side surface the reconciler sweeps
type ServerStore interface {
	CloseStale(ctx context.Context, threshold time.Duration) (int64, error)
}

// SessionStore closes sessions left open on servers that are now closed
type SessionStore interface {
	CloseOrphaned(ctx context.Context) (int64, error)
}

// ReconcilerOptions provides initialization parameters for Reconciler
type ReconcilerOptions struct {
	ServerStore  ServerStore
	SessionStore SessionStore
	Logger       *zap.Logger

	Interval  time.Duration
	Threshold time.Duration
}

// Reconciler is the periodic task that reclaims state for servers that
// disappear without a close envelope (crash, network partition). It is the
// only path that ever closes such servers.
type Reconciler struct {
	ReconcilerOptions
}

// NewReconciler returns a Reconciler ready to Run
func NewReconciler(option ReconcilerOptions) (*Reconciler, error) {
	if option.ServerStore == nil {
		return nil, fmt.Errorf("nil ServerStore is invalid")
	}
	if option.SessionStore == nil {
		return nil, fmt.Errorf("nil SessionStore is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Interval == 0 {
		option.Interval = time.Minute
	}
	if option.Threshold == 0 {
		option.Threshold = LivenessThreshold
	}
	return &Reconciler{
		ReconcilerOptions: option,
	}, nil
}

// Sweep performs one reconciliation pass. Servers first, then sessions: the
// session sweep keys off closed_at values the server sweep just wrote. Both
// statements are idempotent, so overlapping with live ingest traffic is safe.
func (r *Reconciler) Sweep(ctx context.Context) error {
	closedServers, err := r.ServerStore.CloseStale(ctx, r.Threshold)
	if err != nil {
		return err
	}
	closedSessions, err := r.SessionStore.CloseOrphaned(ctx)
	if err != nil {
		return err
	}
	if closedServers > 0 || closedSessions > 0 {
		r.Logger.Info("Reconciled stale state",
			zap.Int64("ClosedServers", closedServers),
			zap.Int64("ClosedSessions", closedSessions),
		)
	}
	return nil
}

// Run sweeps on the configured interval until ctx is cancelled. Ticks are
// processed serially, so a slow sweep never runs concurrently with itself; a
// failed sweep only logs, the next tick retries.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.Logger.Error("Reconciler sweep failed",
					zap.Error(err),
				)
			}
		}
	}
}
