package clientsync

import (
	"context"
	"sync"
	"time"
)

// debouncePrimary and debounceMaxWait are vars, not consts, so tests can
// shrink them instead of waiting out the production intervals.
var (
	debouncePrimary = 900 * time.Millisecond
	debounceMaxWait = 5 * time.Second
)

// UploadQueue is everything the Watcher needs from the Uploader: the two
// intents it emits.
type UploadQueue interface {
	QueueUpsert(id string, payload map[string]any)
	QueueDelete(id string)
}

// Watcher is the Change Watcher: it diffs successive snapshots of the
// local conversation store, applies the eligibility filter and mute
// check, and hands surviving intents to an UploadQueue with a per-id
// debounce.
type Watcher struct {
	store ConversationStore
	mute  *MuteRegistry
	queue UploadQueue

	mu    sync.Mutex
	prev  map[string]LocalConversation
	cease map[string]chan pulse // per-id inbox for the debounce actor

	cancelSub func()
	stopped   chan struct{}
}

// NewWatcher constructs a Watcher. Call Start to begin observing store.
func NewWatcher(store ConversationStore, mute *MuteRegistry, queue UploadQueue) *Watcher {
	return &Watcher{
		store: store,
		mute:  mute,
		queue: queue,
		prev:  make(map[string]LocalConversation),
		cease: make(map[string]chan pulse),
	}
}

// Start takes the initial snapshot (so the first observed mutation diffs
// against reality, not an empty map) and subscribes to future changes.
func (w *Watcher) Start(ctx context.Context) error {
	rows, err := w.store.List(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	for _, r := range rows {
		w.prev[r.ID] = r
	}
	w.mu.Unlock()

	ch, cancel := w.store.Subscribe()
	w.cancelSub = cancel
	w.stopped = make(chan struct{})

	go w.loop(ctx, ch)
	return nil
}

// Stop unsubscribes from the store and cancels any pending debounce
// timers without flushing them.
func (w *Watcher) Stop() {
	if w.cancelSub != nil {
		w.cancelSub()
	}
	if w.stopped != nil {
		close(w.stopped)
	}

	w.mu.Lock()
	for _, inbox := range w.cease {
		close(inbox)
	}
	w.cease = make(map[string]chan pulse)
	w.mu.Unlock()
}

func (w *Watcher) loop(ctx context.Context, ch <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			w.diff(ctx)
		}
	}
}

// diff compares the local store's current state to the last snapshot
// seen, turning additions/updates/deletions into Watcher intents.
func (w *Watcher) diff(ctx context.Context) {
	rows, err := w.store.List(ctx)
	if err != nil {
		return
	}
	next := make(map[string]LocalConversation, len(rows))
	for _, r := range rows {
		next[r.ID] = r
	}

	w.mu.Lock()
	prev := w.prev
	w.prev = next
	w.mu.Unlock()

	// Deletions: present before, absent now.
	for id, prevConv := range prev {
		if _, stillPresent := next[id]; stillPresent {
			continue
		}
		if IsEligible(prevConv.Blob) {
			w.emit(id, ChangeDelete, nil)
		}
	}

	// Additions and updates.
	for id, cur := range next {
		prevConv, existed := prev[id]
		if !existed {
			if IsEligible(cur.Blob) {
				w.emit(id, ChangeUpsert, cur.Blob)
			}
			continue
		}
		if prevConv.Revision == cur.Revision {
			continue // no change
		}

		wasEligible := IsEligible(prevConv.Blob)
		nowEligible := IsEligible(cur.Blob)
		switch {
		case wasEligible && !nowEligible:
			w.emit(id, ChangeDelete, nil)
		case nowEligible:
			w.emit(id, ChangeUpsert, cur.Blob)
		}
	}
}

// pulse is one (re)observed mutation delivered to an id's debounce actor.
type pulse struct {
	kind    ChangeKind
	payload map[string]any
}

// emit applies the mute check and delivers the intent to id's debounce
// actor, starting one if none is running.
func (w *Watcher) emit(id string, kind ChangeKind, payload map[string]any) {
	if w.mute.IsMuted(id) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if inbox, ok := w.cease[id]; ok {
		inbox <- pulse{kind, payload}
		return
	}

	inbox := make(chan pulse, 8)
	w.cease[id] = inbox
	go w.debounceActor(id, pulse{kind, payload}, inbox)
}

// debounceActor owns one id's debounce state for its lifetime: a primary
// timer that resets on every pulse, and a maxWait deadline that tracks the
// age of the current intent kind, only resetting when the kind flips, so
// continuous same-kind edits still flush within maxWait.
func (w *Watcher) debounceActor(id string, first pulse, inbox chan pulse) {
	kind := first.kind
	payload := first.payload

	primary := time.NewTimer(debouncePrimary)
	maxWait := time.NewTimer(debounceMaxWait)
	defer primary.Stop()
	defer maxWait.Stop()

fire:
	for {
		select {
		case p, ok := <-inbox:
			if !ok {
				return // Watcher.Stop closed the inbox: abort without flushing
			}
			if p.kind != kind {
				kind = p.kind
				if !maxWait.Stop() {
					<-maxWait.C
				}
				maxWait.Reset(debounceMaxWait)
			}
			payload = p.payload
			if !primary.Stop() {
				<-primary.C
			}
			primary.Reset(debouncePrimary)
		case <-primary.C:
			break fire
		case <-maxWait.C:
			break fire
		}
	}

	w.mu.Lock()
	delete(w.cease, id)
	// Drain any pulse racing the fire decision above: the last one wins.
	for {
		select {
		case p, ok := <-inbox:
			if !ok {
				w.mu.Unlock()
				return // Watcher.Stop closed the inbox: abort without flushing
			}
			kind, payload = p.kind, p.payload
		default:
			w.mu.Unlock()
			goto deliver
		}
	}

deliver:
	if w.mute.IsMuted(id) {
		return
	}
	switch kind {
	case ChangeUpsert:
		w.queue.QueueUpsert(id, Sanitize(payload))
	case ChangeDelete:
		w.queue.QueueDelete(id)
	}
}
