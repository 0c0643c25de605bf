package clientsync

import (
	"context"
	"sync"
)

// fakeStore is an in-memory ConversationStore for tests.
type fakeStore struct {
	mu   sync.Mutex
	rows map[string]LocalConversation
	subs map[*struct{}]chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]LocalConversation), subs: make(map[*struct{}]chan struct{})}
}

func (f *fakeStore) List(ctx context.Context) ([]LocalConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]LocalConversation, 0, len(f.rows))
	for _, r := range f.rows {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (LocalConversation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	return r, ok, nil
}

func (f *fakeStore) Apply(ctx context.Context, c LocalConversation) error {
	f.mu.Lock()
	if c.Deleted {
		delete(f.rows, c.ID)
	} else {
		f.rows[c.ID] = c
	}
	f.mu.Unlock()
	f.notify()
	return nil
}

func (f *fakeStore) Subscribe() (<-chan struct{}, func()) {
	key := &struct{}{}
	ch := make(chan struct{}, 8)

	f.mu.Lock()
	f.subs[key] = ch
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, key)
			f.mu.Unlock()
		})
	}
	return ch, cancel
}

// put is a test helper: directly write a row and wake subscribers, as if
// the embedder's own UI mutated the local store.
func (f *fakeStore) put(c LocalConversation) {
	f.mu.Lock()
	f.rows[c.ID] = c
	f.mu.Unlock()
	f.notify()
}

func (f *fakeStore) remove(id string) {
	f.mu.Lock()
	delete(f.rows, id)
	f.mu.Unlock()
	f.notify()
}

func (f *fakeStore) notify() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// fakeStateStore is an in-memory StateStore for tests.
type fakeStateStore struct {
	mu   sync.Mutex
	snap map[string]Snapshot
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{snap: make(map[string]Snapshot)}
}

func (f *fakeStateStore) LoadAll() ([]Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Snapshot, 0, len(f.snap))
	for _, s := range f.snap {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStateStore) Save(s Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap[s.ConversationID] = s
	return nil
}

func (f *fakeStateStore) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snap, id)
	return nil
}

// fakeRemote is an in-memory SyncAPIClient for tests, modeling the same
// revision/conflict semantics as the real server without a database.
type fakeRemote struct {
	mu   sync.Mutex
	rows map[string]fakeRemoteRow

	// failNextGet/failNextList force one failure, for testing
	// error-handling paths.
	failNextGet  bool
	failNextList bool
}

type fakeRemoteRow struct {
	revision uint64
	deleted  bool
	blob     map[string]any
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{rows: make(map[string]fakeRemoteRow)}
}

func (f *fakeRemote) ListConversations(ctx context.Context, cursor string, limit int) (ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextList {
		f.failNextList = false
		return ListResult{}, errTestRemote
	}
	var items []ConversationMeta
	for id, r := range f.rows {
		items = append(items, ConversationMeta{ConversationID: id, Revision: r.revision, Deleted: r.deleted})
	}
	return ListResult{Items: items}, nil
}

func (f *fakeRemote) GetConversation(ctx context.Context, id string) (GetResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextGet {
		f.failNextGet = false
		return GetResult{}, errTestRemote
	}
	r, ok := f.rows[id]
	if !ok {
		return GetResult{}, ErrRemoteNotFound
	}
	return GetResult{ConversationID: id, Revision: r.revision, Deleted: r.deleted, Blob: r.blob}, nil
}

func (f *fakeRemote) UpsertConversation(ctx context.Context, id string, baseRevision *uint64, blob map[string]any) (WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, exists := f.rows[id]
	if baseRevision == nil {
		if exists {
			return WriteResult{}, &RemoteConflictError{ConversationID: id, CurrentRevision: cur.revision, Deleted: cur.deleted}
		}
		f.rows[id] = fakeRemoteRow{revision: 1, blob: blob}
		return WriteResult{ConversationID: id, Revision: 1}, nil
	}

	if !exists || cur.revision != *baseRevision {
		return WriteResult{}, &RemoteConflictError{ConversationID: id, CurrentRevision: cur.revision, Deleted: cur.deleted}
	}
	next := cur.revision + 1
	f.rows[id] = fakeRemoteRow{revision: next, blob: blob}
	return WriteResult{ConversationID: id, Revision: next}, nil
}

func (f *fakeRemote) DeleteConversation(ctx context.Context, id string, baseRevision *uint64) (WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, exists := f.rows[id]
	if baseRevision == nil {
		if exists {
			return WriteResult{}, &RemoteConflictError{ConversationID: id, CurrentRevision: cur.revision, Deleted: cur.deleted}
		}
		f.rows[id] = fakeRemoteRow{revision: 1, deleted: true}
		return WriteResult{ConversationID: id, Revision: 1}, nil
	}

	if !exists || cur.revision != *baseRevision {
		return WriteResult{}, &RemoteConflictError{ConversationID: id, CurrentRevision: cur.revision, Deleted: cur.deleted}
	}
	next := cur.revision + 1
	f.rows[id] = fakeRemoteRow{revision: next, deleted: true}
	return WriteResult{ConversationID: id, Revision: next}, nil
}

var errTestRemote = errTestRemoteError("fake remote failure")

type errTestRemoteError string

func (e errTestRemoteError) Error() string { return string(e) }
