package clientsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ConflictHandler is the Conflict Resolver's entry point, as the Uploader
// sees it.
type ConflictHandler interface {
	ResolveUpsertConflict(ctx context.Context, id string, attemptedBlob map[string]any)
	ResolveDeleteConflict(ctx context.Context, id string)
}

// Uploader serializes per-key writes against the Sync API. Only one
// request is ever in flight per conversation id; across ids, no ordering
// is implied.
type Uploader struct {
	client  SyncAPIClient
	state   *State
	resolve ConflictHandler

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewUploader constructs an Uploader. resolve may be nil during bring-up;
// without it, a 409 is simply recorded as an error like any other
// failure.
func NewUploader(client SyncAPIClient, state *State, resolve ConflictHandler) *Uploader {
	return &Uploader{
		client:   client,
		state:    state,
		resolve:  resolve,
		inFlight: make(map[string]bool),
	}
}

// QueueUpsert implements UploadQueue for the Watcher: record the intent
// and kick a flush attempt.
func (u *Uploader) QueueUpsert(id string, payload map[string]any) {
	u.state.MarkDirty(id, DirtyUpsert, payload)
	go u.TryFlush(context.Background(), id)
}

// QueueDelete implements UploadQueue for the Watcher.
func (u *Uploader) QueueDelete(id string) {
	u.state.MarkDirty(id, DirtyDelete, nil)
	go u.TryFlush(context.Background(), id)
}

// TryFlush attempts to push id's buffered dirty intent to the server.
// Safe to call repeatedly and concurrently for the same id; only one
// attempt actually runs.
func (u *Uploader) TryFlush(ctx context.Context, id string) {
	u.mu.Lock()
	if u.inFlight[id] {
		u.mu.Unlock()
		return
	}
	entry, payload := u.state.Get(id)
	if entry.DirtyOp == "" {
		u.mu.Unlock()
		return
	}
	u.inFlight[id] = true
	u.mu.Unlock()

	opAtStart := entry.DirtyOp
	u.state.SetAttempt(id, time.Now())

	defer func() {
		u.mu.Lock()
		u.inFlight[id] = false
		u.mu.Unlock()

		// If dirtyOp changed while this attempt was running, flush again
		// immediately instead of waiting on another trigger.
		if after, _ := u.state.Get(id); after.DirtyOp != "" && after.DirtyOp != opAtStart {
			u.TryFlush(ctx, id)
		}
	}()

	var baseRevision *uint64
	if entry.RemoteRevision != nil {
		rev := *entry.RemoteRevision
		baseRevision = &rev
	}

	var result WriteResult
	var err error
	switch opAtStart {
	case DirtyUpsert:
		if payload == nil {
			u.state.SetError(id, "missing upsert payload")
			return
		}
		result, err = u.client.UpsertConversation(ctx, id, baseRevision, payload)
	case DirtyDelete:
		result, err = u.client.DeleteConversation(ctx, id, baseRevision)
	}

	if err == nil {
		u.state.SetRemoteRevision(id, result.Revision)
		u.state.ClearDirty(id)
		u.state.SetError(id, "")
		return
	}

	var conflict *RemoteConflictError
	if errors.As(err, &conflict) {
		if u.resolve == nil {
			u.state.SetError(id, err.Error())
			return
		}
		switch opAtStart {
		case DirtyUpsert:
			u.resolve.ResolveUpsertConflict(ctx, id, payload)
		case DirtyDelete:
			u.resolve.ResolveDeleteConflict(ctx, id)
		}
		return
	}

	u.state.SetError(id, err.Error())
}
