// Package registry is the process-wide index of live sessions. It is a
// non-owning view: the connection gateway controls session lifetime, the
// registry only answers lookups and stats.
package registry

import (
	"sync"
	"time"

	"github.com/apsara-ai/apsara-live/pkg/live/provider"
)

// Descriptor is the registry's view of one live session.
type Descriptor struct {
	OwnerConnectionID string
	Session           provider.Session
	Model             string
	Provider          string
	ConversationID    string
	CreatedAt         time.Time
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Descriptor
}

func New() *Registry {
	return &Registry{sessions: make(map[string]Descriptor)}
}

func (r *Registry) Add(sessionID string, d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = d
}

func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

func (r *Registry) Lookup(sessionID string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.sessions[sessionID]
	return d, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StatsByProvider returns the active session count per provider name.
func (r *Registry) StatsByProvider() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make(map[string]int, len(r.sessions))
	for _, d := range r.sessions {
		stats[d.Provider]++
	}
	return stats
}
