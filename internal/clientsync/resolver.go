package clientsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const conflictCopySuffix = " (conflict copy)"
const defaultConflictTitle = "Untitled" + conflictCopySuffix

// Resolver is the Conflict Resolver: it handles a 409 by accepting remote
// as truth for the original id and preserving the attempted local edit
// under a freshly minted id. Merging is intentionally unsupported;
// keeping both copies preserves user intent without risking silent data
// loss.
type Resolver struct {
	client ConversationStore
	remote SyncAPIClient
	state  *State
	mute   *MuteRegistry
	queue  UploadQueue
}

// NewResolver wires the Resolver's collaborators. queue is the Uploader,
// used to explicitly re-queue the conflict copy (step 5: importing it
// under mute means the Watcher will never observe it itself).
func NewResolver(localStore ConversationStore, remote SyncAPIClient, state *State, mute *MuteRegistry, queue UploadQueue) *Resolver {
	return &Resolver{client: localStore, remote: remote, state: state, mute: mute, queue: queue}
}

// ResolveUpsertConflict handles a 409 on an upsert attempt.
func (r *Resolver) ResolveUpsertConflict(ctx context.Context, id string, attemptedBlob map[string]any) {
	remote, err := r.remote.GetConversation(ctx, id)
	if err != nil {
		// Do not mint a copy on a failed read: copy creation is gated on
		// a successful remote fetch so retries never duplicate it.
		r.state.SetError(id, "conflict resolve: fetch remote failed: "+err.Error())
		return
	}

	copyID := uuid.NewString()
	copyPayload := buildConflictCopy(attemptedBlob, copyID)

	r.mute.WithMuted(copyID, func() error {
		return r.client.Apply(ctx, LocalConversation{ID: copyID, Blob: copyPayload})
	})

	r.mute.WithMuted(id, func() error {
		if remote.Deleted {
			return r.client.Apply(ctx, LocalConversation{ID: id, Deleted: true})
		}
		return r.client.Apply(ctx, LocalConversation{ID: id, Blob: Inflate(remote.Blob)})
	})

	r.state.SetRemoteRevision(id, remote.Revision)
	r.state.ClearDirty(id)
	r.state.SetError(id, "")

	// The copy was imported under mute, so the Watcher will never see it;
	// queue it explicitly with no base revision (it's a brand new key).
	r.queue.QueueUpsert(copyID, copyPayload)
}

// ResolveDeleteConflict handles a 409 on a delete attempt.
func (r *Resolver) ResolveDeleteConflict(ctx context.Context, id string) {
	remote, err := r.remote.GetConversation(ctx, id)
	if err != nil {
		r.state.SetError(id, "conflict resolve: fetch remote failed: "+err.Error())
		return
	}

	r.mute.WithMuted(id, func() error {
		if remote.Deleted {
			return r.client.Apply(ctx, LocalConversation{ID: id, Deleted: true})
		}
		// Remote isn't deleted: the local delete intent is cancelled.
		return r.client.Apply(ctx, LocalConversation{ID: id, Blob: Inflate(remote.Blob)})
	})

	r.state.SetRemoteRevision(id, remote.Revision)
	r.state.ClearDirty(id)
	r.state.SetError(id, "")
}

// buildConflictCopy mints the "conflict copy" payload: the attempted
// blob under a fresh id, fresh timestamps, and a title suffix.
func buildConflictCopy(attempted map[string]any, copyID string) map[string]any {
	out := make(map[string]any, len(attempted)+1)
	for k, v := range attempted {
		out[k] = v
	}
	out["id"] = copyID

	now := time.Now().UTC().Format(time.RFC3339Nano)
	out["createdAt"] = now
	out["updatedAt"] = now

	title, _ := out["title"].(string)
	if title == "" {
		out["title"] = defaultConflictTitle
	} else {
		out["title"] = fmt.Sprintf("%s%s", title, conflictCopySuffix)
	}
	return out
}
