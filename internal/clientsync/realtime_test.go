package clientsync

import (
	"context"
	"testing"
)

func TestRealtime_CoalesceKeepsHighestRevision(t *testing.T) {
	r := NewRealtime("", nil, newFakeRemote(), newFakeStore(), mustState(t), NewMuteRegistry())

	r.coalesce(changedPayload{ConversationID: "c1", Revision: 2})
	r.coalesce(changedPayload{ConversationID: "c1", Revision: 5})
	r.coalesce(changedPayload{ConversationID: "c1", Revision: 3}) // stale, must not regress

	r.mu.Lock()
	got := r.pending["c1"]
	r.mu.Unlock()
	if got.Revision != 5 {
		t.Fatalf("expected coalesced revision 5, got %d", got.Revision)
	}
}

func TestRealtime_Apply_SkipsWhenLocallyDirty(t *testing.T) {
	state := mustState(t)
	state.MarkDirty("c1", DirtyUpsert, map[string]any{})
	local := newFakeStore()
	remote := newFakeRemote()
	remote.rows["c1"] = fakeRemoteRow{revision: 9, blob: map[string]any{"title": "remote"}}

	r := NewRealtime("", nil, remote, local, state, NewMuteRegistry())
	r.apply(context.Background(), changedPayload{ConversationID: "c1", Revision: 9})

	if _, ok, _ := local.Get(context.Background(), "c1"); ok {
		t.Fatalf("expected local import skipped while dirty")
	}
}

func TestRealtime_Apply_SkipsWhenAlreadyApplied(t *testing.T) {
	state := mustState(t)
	state.SetRemoteRevision("c1", 9)
	local := newFakeStore()
	remote := newFakeRemote()
	remote.rows["c1"] = fakeRemoteRow{revision: 9, blob: map[string]any{"title": "remote"}}

	r := NewRealtime("", nil, remote, local, state, NewMuteRegistry())
	r.apply(context.Background(), changedPayload{ConversationID: "c1", Revision: 9})

	if _, ok, _ := local.Get(context.Background(), "c1"); ok {
		t.Fatalf("expected no refetch when remoteRevision already >= event revision")
	}
}

func TestRealtime_Apply_DeletedImportsTombstone(t *testing.T) {
	state := mustState(t)
	local := newFakeStore()
	local.put(LocalConversation{ID: "c1", Blob: map[string]any{"title": "x"}})
	remote := newFakeRemote()

	r := NewRealtime("", nil, remote, local, state, NewMuteRegistry())
	r.apply(context.Background(), changedPayload{ConversationID: "c1", Revision: 2, Deleted: true})

	if _, ok, _ := local.Get(context.Background(), "c1"); ok {
		t.Fatalf("expected local row deleted")
	}
	entry, _ := state.Get("c1")
	if entry.RemoteRevision == nil || *entry.RemoteRevision != 2 {
		t.Fatalf("expected remoteRevision updated to 2, got %+v", entry)
	}
}

func TestRealtime_Apply_FetchesAndImportsBlob(t *testing.T) {
	state := mustState(t)
	local := newFakeStore()
	remote := newFakeRemote()
	remote.rows["c1"] = fakeRemoteRow{revision: 3, blob: map[string]any{"title": "from remote"}}

	r := NewRealtime("", nil, remote, local, state, NewMuteRegistry())
	r.apply(context.Background(), changedPayload{ConversationID: "c1", Revision: 3})

	conv, ok, _ := local.Get(context.Background(), "c1")
	if !ok || conv.Blob["title"] != "from remote" {
		t.Fatalf("expected remote blob imported, got %+v", conv)
	}
	entry, _ := state.Get("c1")
	if entry.RemoteRevision == nil || *entry.RemoteRevision != 3 {
		t.Fatalf("expected remoteRevision set to 3, got %+v", entry)
	}
}

func mustState(t *testing.T) *State {
	t.Helper()
	s, err := NewState(nil)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	return s
}
