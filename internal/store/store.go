// Package store defines persistence for wizard sessions and recovered
// holding records. Implementations include PostgreSQL (source of truth for
// the server), Redis (read-through session cache), a JSON file store for the
// CLI, and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/jdai/vault-engine/internal/model"
)

// ErrNotFound is returned when no session is stored for an address.
var ErrNotFound = errors.New("store: not found")

// SessionStore holds at most one wizard session per user address. A save
// replaces the whole record.
type SessionStore interface {
	// LoadSession returns the session for address or ErrNotFound.
	LoadSession(ctx context.Context, address string) (*model.Session, error)

	// SaveSession writes the full session, keyed by its address.
	SaveSession(ctx context.Context, s *model.Session) error

	// DeleteSession removes the session for address. Deleting a missing
	// session is not an error.
	DeleteSession(ctx context.Context, address string) error
}

// RecoveredStore is the append-only set of stranded balances already swept.
// Records never expire.
type RecoveredStore interface {
	// MarkRecovered appends a record. Re-marking the same
	// (transaction hash, address) pair is a no-op.
	MarkRecovered(ctx context.Context, rec model.RecoveredRecord) error

	// IsRecovered reports whether the pair has been marked.
	IsRecovered(ctx context.Context, txHash, address string) (bool, error)

	// ListRecovered returns an address's records in recording order.
	ListRecovered(ctx context.Context, address string) ([]model.RecoveredRecord, error)
}

// Store is the full persistence interface.
type Store interface {
	SessionStore
	RecoveredStore
}
