// Package memory is an in-process Store used by tests and the dev mode of
// the binary (no APSARA_LIVE_DATABASE_URL configured).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/apsara-ai/apsara-live/pkg/store"
)

type Store struct {
	mu            sync.Mutex
	conversations map[string]store.Conversation
	messages      map[string][]store.Message
}

func New() *Store {
	return &Store{
		conversations: make(map[string]store.Conversation),
		messages:      make(map[string][]store.Message),
	}
}

func (s *Store) FindConversation(_ context.Context, id string) (*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := conv
	return &out, nil
}

func (s *Store) SaveConversation(_ context.Context, conv *store.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *conv
	c.UpdatedAt = time.Now()
	if existing, ok := s.conversations[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
		// The sequence counter only moves through GetNextSequence.
		if c.Stats.MessageSequence < existing.Stats.MessageSequence {
			c.Stats.MessageSequence = existing.Stats.MessageSequence
		}
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	s.conversations[c.ID] = c
	return nil
}

func (s *Store) GetNextSequence(_ context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return 0, store.ErrNotFound
	}
	conv.Stats.MessageSequence++
	s.conversations[conversationID] = conv
	return conv.Stats.MessageSequence, nil
}

func (s *Store) SaveMessage(_ context.Context, msg *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return store.ErrNotFound
	}
	m := *msg
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

func (s *Store) FindMessages(_ context.Context, filter store.MessageFilter) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Message
	for _, m := range s.messages[filter.ConversationID] {
		if filter.Role != "" && m.Role != filter.Role {
			continue
		}
		if filter.ExcludeSession != "" && m.LiveSessionID == filter.ExcludeSession {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MessageSequence < out[j].MessageSequence
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (s *Store) FindStaleLiveSessions(_ context.Context, cutoff time.Time) ([]*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Conversation
	for _, conv := range s.conversations {
		if !conv.Session.IsLiveActive {
			continue
		}
		if conv.Session.LastActivity.After(cutoff) {
			continue
		}
		c := conv
		out = append(out, &c)
	}
	return out, nil
}
