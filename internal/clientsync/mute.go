package clientsync

import "sync"

// MuteRegistry is the reference-counted per-conversation gate that lets
// the engine write to the local store without the Watcher looping that
// write back into a new outbound intent. Reference counting (rather than
// a bool) is required because conflict resolution nests mutes: the copy
// id and the original id can be muted concurrently, and a single id can
// be entered by more than one caller at once (e.g. the resolver importing
// while a realtime apply is also in flight for the same id).
type MuteRegistry struct {
	mu    sync.Mutex
	count map[string]int
}

// NewMuteRegistry returns an empty registry.
func NewMuteRegistry() *MuteRegistry {
	return &MuteRegistry{count: make(map[string]int)}
}

// WithMuted increments the mute count for id, runs fn, then decrements it
// on exit regardless of whether fn panics or returns an error.
func (m *MuteRegistry) WithMuted(id string, fn func() error) error {
	m.enter(id)
	defer m.exit(id)
	return fn()
}

func (m *MuteRegistry) enter(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count[id]++
}

func (m *MuteRegistry) exit(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count[id]--
	if m.count[id] <= 0 {
		delete(m.count, id)
	}
}

// IsMuted reports whether id currently has at least one active mute.
func (m *MuteRegistry) IsMuted(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count[id] > 0
}
