package audit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps chains in process memory. It backs the engine when no
// durable store is configured and the package tests.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]Entry)}
}

func (s *MemoryStore) AppendEntry(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[entry.AggregateID]
	if entry.Sequence != len(chain) {
		return fmt.Errorf("audit: out-of-order append: sequence %d, chain length %d", entry.Sequence, len(chain))
	}
	s.chains[entry.AggregateID] = append(chain, entry)
	return nil
}

func (s *MemoryStore) Entries(_ context.Context, aggregateID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[aggregateID]
	out := make([]Entry, len(chain))
	copy(out, chain)
	return out, nil
}

func (s *MemoryStore) Tail(_ context.Context, aggregateID string) (string, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[aggregateID]
	if len(chain) == 0 {
		return "", 0, nil
	}
	return chain[len(chain)-1].Hash, len(chain), nil
}

// Tamper overwrites a stored entry in place. Test hook for chain verification;
// a real store never mutates history.
func (s *MemoryStore) Tamper(aggregateID string, sequence int, mutate func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[aggregateID]
	if sequence < 0 || sequence >= len(chain) {
		return false
	}
	mutate(&chain[sequence])
	return true
}
