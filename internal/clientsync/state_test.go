package clientsync

import "testing"

func TestState_MarkDirtyAndClear(t *testing.T) {
	s, err := NewState(nil)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}

	s.MarkDirty("c1", DirtyUpsert, map[string]any{"title": "hi"})
	entry, payload := s.Get("c1")
	if entry.DirtyOp != DirtyUpsert {
		t.Fatalf("expected DirtyUpsert, got %v", entry.DirtyOp)
	}
	if payload["title"] != "hi" {
		t.Fatalf("expected buffered payload, got %v", payload)
	}

	s.ClearDirty("c1")
	entry, payload = s.Get("c1")
	if entry.DirtyOp != "" || payload != nil {
		t.Fatalf("expected clean state, got op=%v payload=%v", entry.DirtyOp, payload)
	}
}

func TestState_DeleteIntentDropsBufferedPayload(t *testing.T) {
	s, _ := NewState(nil)
	s.MarkDirty("c1", DirtyUpsert, map[string]any{"title": "hi"})
	s.MarkDirty("c1", DirtyDelete, nil)

	entry, payload := s.Get("c1")
	if entry.DirtyOp != DirtyDelete {
		t.Fatalf("expected DirtyDelete (last-wins), got %v", entry.DirtyOp)
	}
	if payload != nil {
		t.Fatalf("expected no buffered payload after delete intent, got %v", payload)
	}
}

func TestState_RemoteRevisionAndPersistence(t *testing.T) {
	backing := newFakeStateStore()
	s, err := NewState(backing)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}

	s.SetRemoteRevision("c1", 5)
	s.SetError("c1", "boom")

	snaps, err := backing.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(snaps) != 1 || snaps[0].ConversationID != "c1" || *snaps[0].RemoteRevision != 5 || snaps[0].LastError != "boom" {
		t.Fatalf("unexpected snapshot: %+v", snaps)
	}

	// Rehydrating from the same backing store should recover the entry.
	s2, err := NewState(backing)
	if err != nil {
		t.Fatalf("NewState rehydrate: %v", err)
	}
	entry, payload := s2.Get("c1")
	if entry.RemoteRevision == nil || *entry.RemoteRevision != 5 {
		t.Fatalf("expected rehydrated remote revision 5, got %+v", entry)
	}
	if payload != nil {
		t.Fatalf("pendingUpsertPayload must not survive restart, got %v", payload)
	}
}

func TestState_DirtyIDs(t *testing.T) {
	s, _ := NewState(nil)
	s.MarkDirty("c1", DirtyUpsert, map[string]any{})
	s.MarkDirty("c2", DirtyDelete, nil)
	s.SetRemoteRevision("c3", 1) // clean, should not appear

	ids := s.DirtyIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 dirty ids, got %v", ids)
	}
}

func TestState_Forget(t *testing.T) {
	backing := newFakeStateStore()
	s, _ := NewState(backing)
	s.SetRemoteRevision("c1", 1)
	s.Forget("c1")

	entry, _ := s.Get("c1")
	if entry.RemoteRevision != nil {
		t.Fatalf("expected forgotten entry to be zero value, got %+v", entry)
	}
	snaps, _ := backing.LoadAll()
	if len(snaps) != 0 {
		t.Fatalf("expected backing store entry removed, got %v", snaps)
	}
}
