package clientsync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const realtimeReadAfterWriteDelay = 200 * time.Millisecond

// changedPayload mirrors the server's conversation_changed event body.
type changedPayload struct {
	ConversationID string `json:"conversationId"`
	Revision       uint64 `json:"revision"`
	Deleted        bool   `json:"deleted"`
}

// Realtime is the Realtime Channel: it holds a long-lived SSE connection
// to the server, coalesces conversation_changed events by id (keeping
// only the highest revision), and drains them one at a time, applying
// each to the local store.
type Realtime struct {
	baseURL string
	token   TokenSource
	http    *http.Client

	remote SyncAPIClient
	local  ConversationStore
	state  *State
	mute   *MuteRegistry

	mu      sync.Mutex
	pending map[string]changedPayload
	wake    chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRealtime constructs a Realtime channel. baseURL/token mirror
// HTTPClient's construction since the SSE connection is a plain GET
// with the same bearer-token auth, not routed through SyncAPIClient.
func NewRealtime(baseURL string, token TokenSource, remote SyncAPIClient, local ConversationStore, state *State, mute *MuteRegistry) *Realtime {
	return &Realtime{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{}, // no timeout: this is a long-lived stream
		remote:  remote,
		local:   local,
		state:   state,
		mute:    mute,
		pending: make(map[string]changedPayload),
		wake:    make(chan struct{}, 1),
	}
}

// Start connects and begins draining in the background. Returns
// immediately; use Stop to tear down.
func (r *Realtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.connectLoop(ctx)
	go r.drainLoop(ctx)
}

// Stop disconnects and stops draining.
func (r *Realtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// connectLoop holds the SSE connection open, reconnecting with
// exponential backoff (reset to 1s on a successful connect, doubling to
// a 30s cap on disconnect) until ctx is cancelled.
func (r *Realtime) connectLoop(ctx context.Context) {
	defer close(r.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 30 * time.Second
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // retry forever; only ctx cancellation stops us

	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := r.connectOnce(ctx)
		if connected {
			// On open, reset backoff to 1s - a stream that connected and
			// later dropped shouldn't inherit the backoff accumulated by
			// earlier failed connection attempts.
			bo.Reset()
		}
		if err != nil {
			log.Warn().Err(err).Msg("clientsync: realtime connection dropped")
		}

		if ctx.Err() != nil {
			return
		}

		delay := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectOnce opens the stream and reads events until it errs or ctx is
// cancelled. The returned bool reports whether the connection was
// actually established (status 200), regardless of how the read loop
// later ended.
func (r *Realtime) connectOnce(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/sync/events", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if r.token != nil {
		tok, err := r.token(ctx)
		if err != nil {
			return false, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("clientsync: realtime: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			r.handleFrame(eventName, strings.TrimPrefix(line, "data: "))
		case line == "":
			eventName = ""
		}
	}
	return true, scanner.Err()
}

func (r *Realtime) handleFrame(eventName, data string) {
	switch eventName {
	case "conversation_changed":
		var payload changedPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			log.Warn().Err(err).Msg("clientsync: realtime: bad conversation_changed payload")
			return
		}
		r.coalesce(payload)
	case "close":
		// Server-initiated TTL disconnect; the read loop will hit EOF and
		// connectLoop will reconnect.
	}
}

// coalesce records payload, keeping only the highest revision seen per
// id, and wakes the drain loop.
func (r *Realtime) coalesce(payload changedPayload) {
	r.mu.Lock()
	if existing, ok := r.pending[payload.ConversationID]; !ok || payload.Revision > existing.Revision {
		r.pending[payload.ConversationID] = payload
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// drainLoop processes coalesced entries serially (concurrency 1 across
// all ids).
func (r *Realtime) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}

		for {
			r.mu.Lock()
			var id string
			var payload changedPayload
			found := false
			for k, v := range r.pending {
				id, payload, found = k, v, true
				break
			}
			if found {
				delete(r.pending, id)
			}
			r.mu.Unlock()

			if !found {
				break
			}
			r.apply(ctx, payload)
		}
	}
}

// apply applies one coalesced entry to the local store: skip while the
// id is locally dirty or already caught up, tombstone on delete, else
// refetch the full blob (retrying once for read-after-write lag).
func (r *Realtime) apply(ctx context.Context, payload changedPayload) {
	entry, _ := r.state.Get(payload.ConversationID)
	if entry.DirtyOp != "" {
		return // local wins until the 409 path resolves it
	}
	if entry.RemoteRevision != nil && *entry.RemoteRevision >= payload.Revision {
		return // already applied
	}

	if payload.Deleted {
		r.mute.WithMuted(payload.ConversationID, func() error {
			return r.local.Apply(ctx, LocalConversation{ID: payload.ConversationID, Deleted: true})
		})
		r.state.SetRemoteRevision(payload.ConversationID, payload.Revision)
		return
	}

	get, err := r.remote.GetConversation(ctx, payload.ConversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversationId", payload.ConversationID).Msg("clientsync: realtime: refetch failed")
		return
	}
	if get.Revision < payload.Revision {
		// Read-after-write lag: the event arrived before the write it
		// describes became visible to a GET. Retry once.
		time.Sleep(realtimeReadAfterWriteDelay)
		get, err = r.remote.GetConversation(ctx, payload.ConversationID)
		if err != nil {
			log.Warn().Err(err).Str("conversationId", payload.ConversationID).Msg("clientsync: realtime: refetch retry failed")
			return
		}
	}

	r.mute.WithMuted(payload.ConversationID, func() error {
		if get.Deleted {
			return r.local.Apply(ctx, LocalConversation{ID: payload.ConversationID, Deleted: true})
		}
		return r.local.Apply(ctx, LocalConversation{ID: payload.ConversationID, Blob: Inflate(get.Blob)})
	})
	r.state.SetRemoteRevision(payload.ConversationID, get.Revision)
}
