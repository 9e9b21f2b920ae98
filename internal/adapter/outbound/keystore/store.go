// Package keystore implements the key.Store interface on an embedded
// SQLite database.
package keystore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ongarde/ongarde/internal/domain/key"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    hash         TEXT NOT NULL,
    created_at   TEXT NOT NULL,
    last_used_at TEXT,
    revoked_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_api_keys_active ON api_keys (revoked_at) WHERE revoked_at IS NULL;
`

// Store is the SQLite-backed key store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the key database with 0600 perms.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open key db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("chmod key db: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch {
	case version == 0:
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("create key schema: %w", err)
		}
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("stamp schema version: %w", err)
		}
	case version == schemaVersion:
	default:
		return fmt.Errorf("key db schema version %d is newer than supported %d", version, schemaVersion)
	}
	return nil
}

// Insert stores a key, enforcing the per-user active limit inside the
// transaction so concurrent creates cannot both slip under it.
func (s *Store) Insert(ctx context.Context, k key.Key) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin key tx: %w", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM api_keys WHERE user_id = ? AND revoked_at IS NULL",
		k.UserID).Scan(&active)
	if err != nil {
		return fmt.Errorf("count active keys: %w", err)
	}
	if active >= key.MaxActivePerUser {
		return key.ErrKeyLimit
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO api_keys (id, user_id, hash, created_at) VALUES (?, ?, ?, ?)",
		k.ID, k.UserID, k.Hash, k.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	return tx.Commit()
}

// Get returns a key by id, revoked or not.
func (s *Store) Get(ctx context.Context, id string) (key.Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, hash, created_at, last_used_at, revoked_at
		FROM api_keys WHERE id = ?`, id)
	k, err := scanKey(row)
	if err == sql.ErrNoRows {
		return key.Key{}, key.ErrNotFound
	}
	return k, err
}

// ListActive returns active keys, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]key.Key, error) {
	return s.list(ctx, `
		SELECT id, user_id, hash, created_at, last_used_at, revoked_at
		FROM api_keys WHERE revoked_at IS NULL ORDER BY created_at ASC`)
}

// List returns all keys for a user, newest first.
func (s *Store) List(ctx context.Context, userID string) ([]key.Key, error) {
	return s.list(ctx, `
		SELECT id, user_id, hash, created_at, last_used_at, revoked_at
		FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (s *Store) list(ctx context.Context, q string, args ...any) ([]key.Key, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var out []key.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (key.Key, error) {
	var (
		k                 key.Key
		created           string
		lastUsed, revoked sql.NullString
	)
	if err := row.Scan(&k.ID, &k.UserID, &k.Hash, &created, &lastUsed, &revoked); err != nil {
		return key.Key{}, err
	}
	var err error
	if k.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return key.Key{}, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	if lastUsed.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastUsed.String)
		if err != nil {
			return key.Key{}, fmt.Errorf("parse last_used_at %q: %w", lastUsed.String, err)
		}
		k.LastUsedAt = &t
	}
	if revoked.Valid {
		t, err := time.Parse(time.RFC3339Nano, revoked.String)
		if err != nil {
			return key.Key{}, fmt.Errorf("parse revoked_at %q: %w", revoked.String, err)
		}
		k.RevokedAt = &t
	}
	return k, nil
}

// TouchLastUsed updates last_used_at, monotonic: an older timestamp
// never overwrites a newer one.
func (s *Store) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	ts := at.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = ?
		WHERE id = ? AND (last_used_at IS NULL OR last_used_at < ?)`,
		ts, id, ts)
	if err != nil {
		return fmt.Errorf("touch last_used_at: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown id or an older timestamp; check which.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Revoke marks a key revoked. Revoking twice is a no-op.
func (s *Store) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL",
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Empty reports whether no keys exist at all.
func (s *Store) Empty(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_keys").Scan(&n); err != nil {
		return false, fmt.Errorf("count keys: %w", err)
	}
	return n == 0, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
