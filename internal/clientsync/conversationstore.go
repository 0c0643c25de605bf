package clientsync

import "context"

// LocalConversation is the embedder's row shape, as the Agent sees it.
// Fields beyond ID/Revision are opaque to the engine; Codec decides what
// travels over the wire versus what stays purely local.
type LocalConversation struct {
	ID       string
	Deleted  bool
	Blob     map[string]any // embedder's full local representation
	Revision uint64         // local store's own change counter, not the server's
}

// ChangeKind distinguishes what happened to a row since the watcher last
// looked at it.
type ChangeKind string

const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeDelete ChangeKind = "delete"
)

// Change is one diffed mutation the Watcher discovered.
type Change struct {
	ConversationID string
	Kind           ChangeKind
}

// ConversationStore is the external collaborator holding the embedder's
// local conversation data; the engine never persists conversations itself,
// it only consumes this seam. The Watcher polls or subscribes to Changes;
// the Resolver and Agent read/write rows through Get/Apply.
type ConversationStore interface {
	// List returns every row currently present (including ones the
	// embedder has soft-deleted locally), for the Watcher's initial diff
	// baseline and its re-diff on every change notification.
	List(ctx context.Context) ([]LocalConversation, error)

	// Get returns a single row, or ok=false if absent.
	Get(ctx context.Context, id string) (LocalConversation, bool, error)

	// Apply writes a remote-originated upsert or delete into the local
	// store. Callers always wrap this in MuteRegistry.WithMuted so the
	// Watcher does not loop the write back into a new outbound intent.
	Apply(ctx context.Context, c LocalConversation) error

	// Subscribe delivers a notification (carrying no payload; the
	// Watcher re-diffs against List on every tick) whenever rows change.
	// cancel stops delivery and must be safe to call more than once.
	Subscribe() (ch <-chan struct{}, cancel func())
}
