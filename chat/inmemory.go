package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/brightboard/tutorengine/llm"
)

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	mu    sync.RWMutex
	chats map[string]*Chat
}

// NewInMemoryStore creates a new in-memory chat store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{chats: make(map[string]*Chat)}
}

// Create implements Store.
func (s *InMemoryStore) Create(ctx context.Context, c *Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.chats[c.ID]; exists {
		return fmt.Errorf("chat %s already exists", c.ID)
	}
	s.chats[c.ID] = c.Clone()
	return nil
}

// Load implements Store. Returns a copy to avoid external mutations.
func (s *InMemoryStore) Load(ctx context.Context, chatID string) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, exists := s.chats[chatID]
	if !exists {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// RotateToken implements Store.
func (s *InMemoryStore) RotateToken(ctx context.Context, chatID string, expectedToken, newToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, exists := s.chats[chatID]
	if !exists {
		return ErrNotFound
	}
	if c.Token != expectedToken {
		return ErrTokenMismatch
	}
	c.Token = newToken
	return nil
}

// Save implements Store.
func (s *InMemoryStore) Save(ctx context.Context, chatID string, history []llm.Message, expectedToken string, banned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, exists := s.chats[chatID]
	if !exists {
		return ErrNotFound
	}
	if c.Token != expectedToken {
		return ErrTokenMismatch
	}
	c.History = append([]llm.Message(nil), history...)
	c.Banned = banned
	return nil
}
