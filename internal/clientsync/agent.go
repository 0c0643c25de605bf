package clientsync

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

const initialPullPageSize = 200

// HydrationWaiter is an optional capability a ConversationStore may
// implement: if present, Agent.Start blocks on it before doing anything
// else, so bootstrap never races a local store that's still loading from
// persistence. A store that is always ready (e.g. an in-memory one used
// in tests) need not implement it.
type HydrationWaiter interface {
	WaitHydrated(ctx context.Context) error
}

// Config wires an Agent's collaborators. Local and StateStore are the
// embedder's persistence seams; BaseURL/Token configure the live
// transport used once bootstrap enables writes.
type Config struct {
	Local      ConversationStore
	StateStore StateStore
	BaseURL    string
	Token      TokenSource

	// RemoteClient overrides the live SyncAPIClient construction, for
	// tests that want a fake instead of a real HTTPClient.
	RemoteClient SyncAPIClient
}

// Agent is the client bootstrap/lifecycle orchestrator. Construct with
// New, then Start once; Stop reverses Start in order.
type Agent struct {
	cfg Config

	State     *State
	Mute      *MuteRegistry
	Transport *SwitchableClient
	Uploader  *Uploader
	Watcher   *Watcher
	Resolver  *Resolver
	Realtime  *Realtime
}

// New constructs an Agent without starting it. The Uploader and Resolver
// are wired to each other here, since each needs the other's interface
// (NewUploader's ConflictHandler vs. the Resolver's UploadQueue).
func New(cfg Config) (*Agent, error) {
	state, err := NewState(cfg.StateStore)
	if err != nil {
		return nil, err
	}

	live := cfg.RemoteClient
	if live == nil {
		live = NewHTTPClient(cfg.BaseURL, cfg.Token)
	}
	transport := NewSwitchableClient(live)

	mute := NewMuteRegistry()
	uploader := NewUploader(transport, state, nil)
	resolver := NewResolver(cfg.Local, transport, state, mute, uploader)
	uploader.resolve = resolver

	watcher := NewWatcher(cfg.Local, mute, uploader)
	realtime := NewRealtime(cfg.BaseURL, cfg.Token, transport, cfg.Local, state, mute)

	return &Agent{
		cfg:       cfg,
		State:     state,
		Mute:      mute,
		Transport: transport,
		Uploader:  uploader,
		Watcher:   watcher,
		Resolver:  resolver,
		Realtime:  realtime,
	}, nil
}

// Start runs the bootstrap sequence and returns a func that reverses it.
// Start does not itself enforce the process-wide singleton; see
// StartSingleton for that.
func (a *Agent) Start(ctx context.Context) (func(), error) {
	// Step 1: wait for local hydration.
	if hw, ok := a.cfg.Local.(HydrationWaiter); ok {
		if err := hw.WaitHydrated(ctx); err != nil {
			return nil, err
		}
	}

	// Step 2: start the Watcher (mute predicate already wired via NewWatcher).
	if err := a.Watcher.Start(ctx); err != nil {
		return nil, err
	}

	// Step 3: initial pull. A failed list leaves transport disabled and
	// dirty ops queued; bootstrap still proceeds so a later watcher
	// mutation or reconnect can make progress.
	pullErr := a.initialPull(ctx)
	if pullErr != nil {
		log.Warn().Err(pullErr).Msg("clientsync: initial pull failed, continuing with transport disabled")
	}

	// Step 4: enable the live transport, but only once the initial pull
	// actually succeeded - otherwise writes would race ahead of a client
	// that doesn't yet know the server's true state.
	if pullErr == nil {
		a.Transport.Enable()
	}

	// Step 5: reconcile the persisted dirty queue.
	a.reconcileDirtyQueue(ctx)

	// Step 6: flush everything still dirty.
	var wg sync.WaitGroup
	for _, id := range a.State.DirtyIDs() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			a.Uploader.TryFlush(ctx, id)
		}(id)
	}
	wg.Wait()

	// Step 7: start the realtime channel.
	a.Realtime.Start(ctx)

	stop := func() {
		a.Realtime.Stop()
		a.Watcher.Stop()
	}
	return stop, nil
}

// initialPull lists every remote conversation, updates the revision cache
// for non-dirty ids, and imports whatever changed since the last known
// revision.
func (a *Agent) initialPull(ctx context.Context) error {
	// 3a: snapshot previously-known remote revisions before we touch them.
	snapshot := make(map[string]*uint64)

	var items []ConversationMeta
	cursor := ""
	for {
		page, err := a.Transport.ListConversations(ctx, cursor, initialPullPageSize)
		if err != nil {
			return err // 3b
		}
		items = append(items, page.Items...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	for _, item := range items {
		entry, _ := a.State.Get(item.ConversationID)
		snapshot[item.ConversationID] = entry.RemoteRevision
	}

	// 3c: update remoteRevision, skipping locally dirty ids.
	for _, item := range items {
		entry, _ := a.State.Get(item.ConversationID)
		if entry.DirtyOp != "" {
			continue
		}
		a.State.SetRemoteRevision(item.ConversationID, item.Revision)
	}

	// 3d: apply, skipping locally dirty ids.
	for _, item := range items {
		entry, _ := a.State.Get(item.ConversationID)
		if entry.DirtyOp != "" {
			continue
		}

		if item.Deleted {
			a.Mute.WithMuted(item.ConversationID, func() error {
				return a.cfg.Local.Apply(ctx, LocalConversation{ID: item.ConversationID, Deleted: true})
			})
			continue
		}

		_, hasLocal, _ := a.cfg.Local.Get(ctx, item.ConversationID)
		previouslyKnown := snapshot[item.ConversationID]
		upToDate := hasLocal && previouslyKnown != nil && *previouslyKnown == item.Revision
		if upToDate {
			continue
		}

		get, err := a.Transport.GetConversation(ctx, item.ConversationID)
		if err != nil {
			continue
		}
		a.Mute.WithMuted(item.ConversationID, func() error {
			if get.Deleted {
				return a.cfg.Local.Apply(ctx, LocalConversation{ID: item.ConversationID, Deleted: true})
			}
			return a.cfg.Local.Apply(ctx, LocalConversation{ID: item.ConversationID, Blob: Inflate(get.Blob)})
		})
		a.State.SetRemoteRevision(item.ConversationID, get.Revision)
	}
	return nil
}

// reconcileDirtyQueue rebuilds the buffered upsert payload from the
// local store for every persisted dirty intent, or drops the intent if
// the conversation is gone or no longer eligible.
func (a *Agent) reconcileDirtyQueue(ctx context.Context) {
	for _, id := range a.State.DirtyIDs() {
		entry, _ := a.State.Get(id)
		if entry.DirtyOp != DirtyUpsert {
			continue // persisted deletes need no buffered payload
		}

		local, ok, err := a.cfg.Local.Get(ctx, id)
		if err != nil || !ok || !IsEligible(local.Blob) {
			a.State.ClearDirty(id)
			continue
		}
		a.State.SetPendingUpsert(id, Sanitize(local.Blob))
	}
}

var (
	singletonMu   sync.Mutex
	singletonStop func()
)

// StartSingleton enforces the process-wide rule that only one Agent runs
// at a time: a second start call returns the first's stop function
// instead of starting a duplicate.
func StartSingleton(ctx context.Context, cfg Config) (func(), error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singletonStop != nil {
		return singletonStop, nil
	}

	agent, err := New(cfg)
	if err != nil {
		return nil, err
	}
	stop, err := agent.Start(ctx)
	if err != nil {
		return nil, err
	}

	var once sync.Once
	singletonStop = func() {
		once.Do(func() {
			stop()
			singletonMu.Lock()
			singletonStop = nil
			singletonMu.Unlock()
		})
	}
	return singletonStop, nil
}
