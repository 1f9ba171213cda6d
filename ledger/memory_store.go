package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/Colombia-Blockchain/snowrail-core/types"
)

// MemoryStore keeps intents in a map. Values are cloned on the way in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]*types.PaymentIntent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{intents: make(map[string]*types.PaymentIntent)}
}

func (s *MemoryStore) Insert(_ context.Context, intent *types.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.intents[intent.ID]; ok {
		return conflict(intent.ID)
	}
	s.intents[intent.ID] = intent.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*types.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.intents[id]
	if !ok {
		return nil, notFound(id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, intent *types.PaymentIntent, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.intents[intent.ID]
	if !ok {
		return notFound(intent.ID)
	}
	if cur.Version != expected {
		return conflict(intent.ID)
	}
	s.intents[intent.ID] = intent.Clone()
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status types.IntentStatus, limit int) ([]*types.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.PaymentIntent
	for _, p := range s.intents {
		if p.Status == status {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }
