package key

import (
	"context"
	"time"
)

// Store persists keys.
// Interface owned by domain; the SQLite implementation lives in
// adapter/outbound/keystore.
type Store interface {
	// Insert stores a new key. Fails if the user already holds
	// MaxActivePerUser active keys (ErrKeyLimit).
	Insert(ctx context.Context, k Key) error

	// Get returns a key by id, revoked or not (ErrNotFound if absent).
	Get(ctx context.Context, id string) (Key, error)

	// ListActive returns every active key, oldest first. Validation
	// iterates this set since argon2id hashes cannot be looked up.
	ListActive(ctx context.Context) ([]Key, error)

	// List returns all keys for a user, newest first.
	List(ctx context.Context, userID string) ([]Key, error)

	// TouchLastUsed updates last_used_at. Best effort: callers fire it
	// async and ignore the error beyond logging.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error

	// Revoke marks a key revoked (ErrNotFound if absent, no-op if
	// already revoked).
	Revoke(ctx context.Context, id string, at time.Time) error

	// Empty reports whether the store holds no keys at all. Gates the
	// unauthenticated bootstrap key creation.
	Empty(ctx context.Context) (bool, error)

	// Close releases resources.
	Close() error
}
