// Package notifier implements the Change Log / Notifier: a per-user
// in-process publish/subscribe registry of conversation_changed events,
// substitutable by a clustered broker without changing the Notifier
// interface.
package notifier

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event is the payload delivered to subscribers on every accepted write.
type Event struct {
	ConversationID string
	Revision       uint64
	Deleted        bool
	UpdatedAt      time.Time
}

// Notifier is the pub/sub interface the Sync API depends on. A clustered
// deployment substitutes an implementation backed by a broker; the HTTP
// layer and Revision Store never see the difference.
type Notifier interface {
	Publish(userID string, evt Event)
	Subscribe(userID string) (ch <-chan Event, cancel func())
}

// subscriber wraps a delivery channel; Publish never blocks indefinitely
// on a slow subscriber (buffered channel, drop-oldest on overflow) so one
// stuck SSE connection can't stall delivery to others.
type subscriber struct {
	ch chan Event
}

const subscriberBuffer = 32

// InMemory is the single-process Notifier: a map of userID to subscriber
// set, guarded by a mutex. The registry auto-shrinks when a user's
// subscriber set empties.
type InMemory struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

// New creates an empty in-memory Notifier.
func New() *InMemory {
	return &InMemory{subs: make(map[string]map[*subscriber]struct{})}
}

// Publish delivers evt to every current subscriber of userID. A publish to
// a user with no subscribers is a no-op. One subscriber's full buffer never
// blocks delivery to the others.
func (n *InMemory) Publish(userID string, evt Event) {
	n.mu.Lock()
	set, ok := n.subs[userID]
	if !ok || len(set) == 0 {
		n.mu.Unlock()
		return
	}
	targets := make([]*subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	n.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- evt:
		default:
			// Slow consumer: drop the oldest buffered event and retry once
			// rather than block the publisher or lose the newest state.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- evt:
			default:
				log.Warn().Str("userId", userID).Msg("notifier: dropping event for saturated subscriber")
			}
		}
	}
}

// Subscribe registers a new subscriber for userID and returns its delivery
// channel and a cancel func. cancel must be called (typically via defer)
// when the caller stops listening; calling it more than once is safe.
func (n *InMemory) Subscribe(userID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	n.mu.Lock()
	set, ok := n.subs[userID]
	if !ok {
		set = make(map[*subscriber]struct{})
		n.subs[userID] = set
	}
	set[sub] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if set, ok := n.subs[userID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(n.subs, userID)
				}
			}
		})
	}

	return sub.ch, cancel
}
