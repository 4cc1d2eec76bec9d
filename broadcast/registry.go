package broadcast

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const subscriberBuffer = 16

// Relay forwards locally published events to other running instances.
// Forward must not block on slow remote delivery.
type Relay interface {
	Forward(subject, channel string, event Event)
}

type channelKey struct {
	Subject string
	Channel string
}

// Subscription is a live handle on one (subject, channel) pair. Events arrive
// on C until Cancel is called; events published while the subscriber is not
// draining are dropped rather than blocking the publisher.
type Subscription struct {
	C chan Event

	once   sync.Once
	cancel func()
}

// Cancel removes the subscription from its channel and closes C
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Registry is a process-wide set of publish/subscribe channels keyed by
// (subject, channel). Channels are created lazily on first use and removed
// once their last subscriber cancels. The registry is owned by the service
// root and passed to the components that need it.
type Registry struct {
	mu       sync.Mutex
	channels map[channelKey]map[*Subscription]struct{}
	relay    Relay
	logger   *zap.Logger
}

// NewRegistry returns an empty Registry
func NewRegistry(logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Registry{
		channels: make(map[channelKey]map[*Subscription]struct{}),
		logger:   logger,
	}, nil
}

// SetRelay attaches a cross-instance relay. Must be called before the registry
// is shared with publishers.
func (r *Registry) SetRelay(relay Relay) {
	r.relay = relay
}

// Subscribe registers a new subscriber on the (subject, channel) pair
func (r *Registry) Subscribe(subject, channelName string) *Subscription {
	key := channelKey{Subject: subject, Channel: channelName}

	sub := &Subscription{
		C: make(chan Event, subscriberBuffer),
	}
	sub.cancel = func() {
		r.mu.Lock()
		if subs, ok := r.channels[key]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(r.channels, key)
			}
		}
		close(sub.C)
		r.mu.Unlock()
	}

	r.mu.Lock()
	subs, ok := r.channels[key]
	if !ok {
		subs = make(map[*Subscription]struct{})
		r.channels[key] = subs
	}
	subs[sub] = struct{}{}
	r.mu.Unlock()

	return sub
}

// Publish delivers the event to every current local subscriber and forwards it
// to other instances when a relay is attached. Publishing with no subscribers
// is a no-op: this is live-tail only, nothing is buffered.
func (r *Registry) Publish(subject, channelName string, event Event) {
	r.Deliver(subject, channelName, event)
	if r.relay != nil {
		r.relay.Forward(subject, channelName, event)
	}
}

// Deliver sends the event to local subscribers only. The relay uses this to
// inject events received from other instances without echoing them back.
func (r *Registry) Deliver(subject, channelName string, event Event) {
	key := channelKey{Subject: subject, Channel: channelName}

	r.mu.Lock()
	for sub := range r.channels[key] {
		select {
		case sub.C <- event:
		default:
			r.logger.Debug("Dropping event for slow subscriber",
				zap.String("Subject", subject),
				zap.String("Channel", channelName),
				zap.String("EventType", event.Type),
			)
		}
	}
	r.mu.Unlock()
}
