// Package clientsync implements the client half of the sync engine: the
// Sync State, Change Watcher, Uploader, Conflict Resolver, Mute Registry,
// Realtime Channel, and the Agent that wires them together. The server
// half lives in internal/httpapi and internal/store; this package only
// ever talks to the server through the SyncAPIClient interface in
// transport.go.
package clientsync

import (
	"sync"
	"time"
)

// DirtyOp is a pending write intent not yet acknowledged by the server.
type DirtyOp string

const (
	// DirtyUpsert means the local id has a pending create-or-update.
	DirtyUpsert DirtyOp = "upsert"
	// DirtyDelete means the local id has a pending tombstone.
	DirtyDelete DirtyOp = "delete"
)

// Entry is the per-conversation sync state. pendingUpsert is intentionally
// excluded from persistence: StateStore.Save must not write it, and
// Agent.reconcileDirtyQueue rebuilds it from the local conversation store
// on restart; a dirty upsert whose payload can't be rebuilt is dropped
// rather than retried forever.
type Entry struct {
	RemoteRevision *uint64
	DirtyOp        DirtyOp // "" means no pending intent
	LastAttemptAt  time.Time
	LastError      string
	pendingUpsert  map[string]any
}

// Snapshot is the durable projection of an Entry (no pendingUpsert field),
// the unit StateStore persists and loads.
type Snapshot struct {
	ConversationID string
	RemoteRevision *uint64
	DirtyOp        DirtyOp
	LastAttemptAt  time.Time
	LastError      string
}

// StateStore is the external collaborator that durably persists Sync
// State across restarts; the engine never picks a persistence technology
// itself, this is the seam an embedder implements against sqlite, a KV
// file, etc.
type StateStore interface {
	LoadAll() ([]Snapshot, error)
	Save(s Snapshot) error
	Delete(conversationID string) error
}

// State is the in-memory Sync State keyed by conversation id, backed by a
// StateStore for durability. All methods are safe for concurrent use; the
// Watcher, Uploader, and Resolver all touch entries for different ids
// concurrently, and occasionally the same id from different goroutines
// during a tryFlush/reconcile race.
type State struct {
	mu      sync.Mutex
	entries map[string]*Entry
	store   StateStore
}

// NewState hydrates a State from store. A nil store runs purely
// in-memory, useful for tests.
func NewState(store StateStore) (*State, error) {
	s := &State{entries: make(map[string]*Entry), store: store}
	if store == nil {
		return s, nil
	}
	snaps, err := store.LoadAll()
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		s.entries[snap.ConversationID] = &Entry{
			RemoteRevision: snap.RemoteRevision,
			DirtyOp:        snap.DirtyOp,
			LastAttemptAt:  snap.LastAttemptAt,
			LastError:      snap.LastError,
		}
	}
	return s, nil
}

func (s *State) get(id string) *Entry {
	e, ok := s.entries[id]
	if !ok {
		e = &Entry{}
		s.entries[id] = e
	}
	return e
}

func (s *State) persist(id string, e *Entry) {
	if s.store == nil {
		return
	}
	snap := Snapshot{
		ConversationID: id,
		RemoteRevision: e.RemoteRevision,
		DirtyOp:        e.DirtyOp,
		LastAttemptAt:  e.LastAttemptAt,
		LastError:      e.LastError,
	}
	if err := s.store.Save(snap); err != nil {
		// Persistence failures are recorded but non-fatal: the in-memory
		// state remains authoritative for this process's lifetime.
		e.LastError = "state persist failed: " + err.Error()
	}
}

// MarkDirty records a pending intent for id, replacing any prior intent
// (last-wins merge). For DirtyUpsert, payload becomes the new buffered
// upsert payload; for DirtyDelete, payload is ignored.
func (s *State) MarkDirty(id string, op DirtyOp, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(id)
	e.DirtyOp = op
	if op == DirtyUpsert {
		e.pendingUpsert = payload
	} else {
		e.pendingUpsert = nil
	}
	s.persist(id, e)
}

// ClearDirty drops the pending intent for id after a successful flush or
// an accepted conflict resolution.
func (s *State) ClearDirty(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(id)
	e.DirtyOp = ""
	e.pendingUpsert = nil
	s.persist(id, e)
}

// SetRemoteRevision updates the revision the client believes its local
// base matches. Callers must only invoke this after an ACK'd write, a
// successful pull, or an accepted conflict resolution - never from a
// list-only entry while id is dirty.
func (s *State) SetRemoteRevision(id string, rev uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(id)
	e.RemoteRevision = &rev
	s.persist(id, e)
}

// SetAttempt records a flush attempt timestamp; LastError is left as is.
func (s *State) SetAttempt(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(id)
	e.LastAttemptAt = at
	s.persist(id, e)
}

// SetError records the most recent flush failure, or clears it when msg
// is empty.
func (s *State) SetError(id string, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(id)
	e.LastError = msg
	s.persist(id, e)
}

// Forget removes all sync state for id (e.g. after a durable remote
// not-found that the local store also no longer has).
func (s *State) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, id)
	if s.store != nil {
		s.store.Delete(id)
	}
}

// Get returns a copy of the entry for id (zero value if absent) and the
// pending upsert payload buffered for it, if any.
func (s *State) Get(id string) (Entry, map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, nil
	}
	cp := *e
	cp.pendingUpsert = nil
	return cp, e.pendingUpsert
}

// DirtyIDs returns every conversation id with a pending intent, for
// Agent.reconcileDirtyQueue on startup.
func (s *State) DirtyIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, e := range s.entries {
		if e.DirtyOp != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetPendingUpsert rebuilds the transient payload buffer for id without
// touching the persisted intent, used by Agent.reconcileDirtyQueue to
// rebuild the buffer from the local store after a restart.
func (s *State) SetPendingUpsert(id string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(id)
	e.pendingUpsert = payload
}
