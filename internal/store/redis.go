package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jdai/vault-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for sessions. Writes go to the primary store and refresh the cache;
// reads check Redis first then fall back to the primary. Recovered records
// are append-only and read rarely, so they pass through.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) SaveSession(ctx context.Context, sess *model.Session) error {
	if err := s.primary.SaveSession(ctx, sess); err != nil {
		return err
	}
	s.cacheSession(ctx, sess)
	return nil
}

func (s *CachedStore) DeleteSession(ctx context.Context, address string) error {
	if err := s.primary.DeleteSession(ctx, address); err != nil {
		return err
	}
	s.rdb.Del(ctx, sessionKey(address))
	return nil
}

// --- Read-through ---

func (s *CachedStore) LoadSession(ctx context.Context, address string) (*model.Session, error) {
	data, err := s.rdb.Get(ctx, sessionKey(address)).Bytes()
	if err == nil {
		var sess model.Session
		if json.Unmarshal(data, &sess) == nil {
			return &sess, nil
		}
	}

	// Cache miss: read from primary.
	sess, err := s.primary.LoadSession(ctx, address)
	if err != nil {
		return nil, err
	}
	s.cacheSession(ctx, sess)
	return sess, nil
}

// --- Passthrough ---

func (s *CachedStore) MarkRecovered(ctx context.Context, rec model.RecoveredRecord) error {
	return s.primary.MarkRecovered(ctx, rec)
}

func (s *CachedStore) IsRecovered(ctx context.Context, txHash, address string) (bool, error) {
	return s.primary.IsRecovered(ctx, txHash, address)
}

func (s *CachedStore) ListRecovered(ctx context.Context, address string) ([]model.RecoveredRecord, error) {
	return s.primary.ListRecovered(ctx, address)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSession(ctx context.Context, sess *model.Session) {
	if data, err := json.Marshal(sess); err == nil {
		s.rdb.Set(ctx, sessionKey(sess.Address), data, s.ttl)
	}
}

func sessionKey(address string) string { return fmt.Sprintf("vault:session:%s", address) }
