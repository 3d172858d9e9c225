package conversation

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore keeps conversations in an expiring LRU. Entries vanish after
// ttl without a Save, or earlier when capacity is reached.
type MemoryStore struct {
	lru *expirable.LRU[string, *Conversation]
}

// NewMemoryStore creates a store holding at most capacity conversations.
func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{lru: expirable.NewLRU[string, *Conversation](capacity, nil, ttl)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Conversation, bool, error) {
	c, ok := s.lru.Get(id)
	if !ok {
		return nil, false, nil
	}
	return c.Clone(), true, nil
}

func (s *MemoryStore) Save(_ context.Context, c *Conversation) error {
	s.lru.Add(c.ID, c.Clone()) // refreshes the expiry of an existing entry
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.lru.Remove(id)
	return nil
}

// Len reports how many live conversations are held.
func (s *MemoryStore) Len() int { return s.lru.Len() }

func (s *MemoryStore) Close() error {
	s.lru.Purge()
	return nil
}
