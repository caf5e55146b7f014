package turn

import (
	"sync"
)

// Registry is the process-wide index of live turns, keyed by chat id. It
// is constructed explicitly and injected; entries remove themselves when
// their turn reaches a terminal state.
type Registry struct {
	mu    sync.RWMutex
	turns map[string]*Turn
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{turns: make(map[string]*Turn)}
}

// Get returns the live turn for a chat id, if any.
func (r *Registry) Get(chatID string) (*Turn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.turns[chatID]
	return t, ok
}

// add registers a turn. Returns false if one is already live for the chat.
func (r *Registry) add(t *Turn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.turns[t.chatID]; exists {
		return false
	}
	r.turns[t.chatID] = t
	return true
}

// remove deregisters a turn, but only if it is still the registered one.
func (r *Registry) remove(t *Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.turns[t.chatID]; ok && cur == t {
		delete(r.turns, t.chatID)
	}
}

// Len reports how many turns are live.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.turns)
}
