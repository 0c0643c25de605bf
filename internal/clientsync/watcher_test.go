package clientsync

import (
	"context"
	"sync"
	"testing"
	"time"
)

// recordingQueue captures QueueUpsert/QueueDelete calls for assertions.
type recordingQueue struct {
	mu      sync.Mutex
	upserts []string
	deletes []string
}

func (q *recordingQueue) QueueUpsert(id string, payload map[string]any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.upserts = append(q.upserts, id)
}

func (q *recordingQueue) QueueDelete(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deletes = append(q.deletes, id)
}

func (q *recordingQueue) snapshot() ([]string, []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.upserts...), append([]string(nil), q.deletes...)
}

func withShortDebounce(t *testing.T) {
	t.Helper()
	origPrimary, origMax := debouncePrimary, debounceMaxWait
	debouncePrimary = 20 * time.Millisecond
	debounceMaxWait = 80 * time.Millisecond
	t.Cleanup(func() {
		debouncePrimary, debounceMaxWait = origPrimary, origMax
	})
}

func TestWatcher_EmitsUpsertForEligibleAddition(t *testing.T) {
	withShortDebounce(t)

	store := newFakeStore()
	queue := &recordingQueue{}
	w := NewWatcher(store, NewMuteRegistry(), queue)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	store.put(LocalConversation{ID: "c1", Revision: 1, Blob: map[string]any{"title": "hello"}})

	waitFor(t, func() bool {
		up, _ := queue.snapshot()
		return len(up) == 1 && up[0] == "c1"
	})
}

func TestWatcher_SkipsIneligibleAddition(t *testing.T) {
	withShortDebounce(t)

	store := newFakeStore()
	queue := &recordingQueue{}
	w := NewWatcher(store, NewMuteRegistry(), queue)
	w.Start(context.Background())
	defer w.Stop()

	store.put(LocalConversation{ID: "c1", Revision: 1, Blob: map[string]any{"messages": []any{}}})
	time.Sleep(120 * time.Millisecond)

	up, del := queue.snapshot()
	if len(up) != 0 || len(del) != 0 {
		t.Fatalf("expected no intents for ineligible placeholder, got upserts=%v deletes=%v", up, del)
	}
}

func TestWatcher_DeletionQueuesDeleteOnlyIfPreviouslyEligible(t *testing.T) {
	withShortDebounce(t)

	store := newFakeStore()
	store.rows["c1"] = LocalConversation{ID: "c1", Revision: 1, Blob: map[string]any{"title": "hello"}}
	queue := &recordingQueue{}
	w := NewWatcher(store, NewMuteRegistry(), queue)
	w.Start(context.Background())
	defer w.Stop()

	store.remove("c1")

	waitFor(t, func() bool {
		_, del := queue.snapshot()
		return len(del) == 1 && del[0] == "c1"
	})
}

func TestWatcher_MutedIDNeverEmits(t *testing.T) {
	withShortDebounce(t)

	store := newFakeStore()
	mute := NewMuteRegistry()
	queue := &recordingQueue{}
	w := NewWatcher(store, mute, queue)
	w.Start(context.Background())
	defer w.Stop()

	mute.enter("c1")
	store.put(LocalConversation{ID: "c1", Revision: 1, Blob: map[string]any{"title": "hello"}})
	time.Sleep(120 * time.Millisecond)

	up, _ := queue.snapshot()
	if len(up) != 0 {
		t.Fatalf("expected muted id to produce no intents, got %v", up)
	}
}

func TestWatcher_UpdateBecomingIneligibleQueuesDelete(t *testing.T) {
	withShortDebounce(t)

	store := newFakeStore()
	store.rows["c1"] = LocalConversation{ID: "c1", Revision: 1, Blob: map[string]any{"title": "hello"}}
	queue := &recordingQueue{}
	w := NewWatcher(store, NewMuteRegistry(), queue)
	w.Start(context.Background())
	defer w.Stop()

	// Reference changed (revision bumped), became a placeholder.
	store.put(LocalConversation{ID: "c1", Revision: 2, Blob: map[string]any{"title": ""}})

	waitFor(t, func() bool {
		_, del := queue.snapshot()
		return len(del) == 1
	})
}

// waitFor polls cond until it's true or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout")
}
