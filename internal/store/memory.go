package store

import (
	"context"
	"sync"

	"github.com/jdai/vault-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*model.Session
	recovered []model.RecoveredRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
	}
}

func (s *MemoryStore) LoadSession(_ context.Context, address string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[address]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) SaveSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.sessions[sess.Address] = sess.Clone()
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, address)
	return nil
}

func (s *MemoryStore) MarkRecovered(_ context.Context, rec model.RecoveredRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.recovered {
		if r.TxHash == rec.TxHash && r.Address == rec.Address {
			return nil
		}
	}
	s.recovered = append(s.recovered, rec)
	return nil
}

func (s *MemoryStore) IsRecovered(_ context.Context, txHash, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.recovered {
		if r.TxHash == txHash && r.Address == address {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListRecovered(_ context.Context, address string) ([]model.RecoveredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RecoveredRecord
	for _, r := range s.recovered {
		if r.Address == address {
			out = append(out, r)
		}
	}
	return out, nil
}
