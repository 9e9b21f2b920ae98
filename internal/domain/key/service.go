package key

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ongarde/ongarde/internal/domain/audit"
)

// AuditRecorder receives key lifecycle events. Satisfied by
// service.AuditService.
type AuditRecorder interface {
	Record(ev audit.Event)
}

// Service implements key management on top of a Store: issue, validate
// (with the LRU cache), rotate and revoke.
type Service struct {
	store   Store
	cache   *validationCache
	auditor AuditRecorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a key service. auditor may be nil (lifecycle events
// are then only logged).
func NewService(store Store, auditor AuditRecorder, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		cache:   newValidationCache(),
		auditor: auditor,
		logger:  logger,
		now:     time.Now,
	}
}

// Create issues a new key for a user. Returns the plaintext (shown
// exactly once) and the stored record.
func (s *Service) Create(ctx context.Context, userID string) (string, Key, error) {
	now := s.now().UTC()
	plaintext, id, err := NewPlaintext(now)
	if err != nil {
		return "", Key{}, err
	}
	hash, err := HashPlaintext(plaintext)
	if err != nil {
		return "", Key{}, fmt.Errorf("hash key: %w", err)
	}
	k := Key{ID: id, UserID: userID, Hash: hash, CreatedAt: now}
	if err := s.store.Insert(ctx, k); err != nil {
		return "", Key{}, err
	}
	s.logger.Info("api key created", "key", k.Masked(), "user_id", userID)
	return plaintext, k, nil
}

// Validate checks a presented plaintext key against the active set.
// Returns the matching key or ErrInvalidKey. On success last_used_at is
// updated in the background.
func (s *Service) Validate(ctx context.Context, plaintext string) (Key, error) {
	if _, ok := IDFromPlaintext(plaintext); !ok {
		return Key{}, ErrInvalidKey
	}

	if id, ok := s.cache.get(plaintext); ok {
		k, err := s.store.Get(ctx, id)
		if err == nil && k.Active() {
			s.touchAsync(k.ID)
			return k, nil
		}
		// Stale hit (store mutated outside this process): fall through
		// to a full verify.
	}

	active, err := s.store.ListActive(ctx)
	if err != nil {
		return Key{}, fmt.Errorf("list active keys: %w", err)
	}
	for _, k := range active {
		match, verifyErr := Verify(plaintext, k.Hash)
		if verifyErr != nil {
			s.logger.Warn("skipping key with unreadable hash", "key", k.Masked(), "error", verifyErr)
			continue
		}
		if match {
			s.cache.put(plaintext, k.ID)
			s.touchAsync(k.ID)
			return k, nil
		}
	}
	return Key{}, ErrInvalidKey
}

// Rotate revokes a key by id and issues a replacement for the same user.
// The old plaintext is not needed. The validation cache is cleared
// before Rotate returns, so the next request with the old key re-runs a
// full verify and fails.
func (s *Service) Rotate(ctx context.Context, id string) (string, Key, error) {
	old, err := s.store.Get(ctx, id)
	if err != nil {
		return "", Key{}, err
	}
	if !old.Active() {
		return "", Key{}, ErrNotFound
	}
	now := s.now().UTC()
	if err := s.store.Revoke(ctx, id, now); err != nil {
		return "", Key{}, err
	}
	plaintext, fresh, err := s.Create(ctx, old.UserID)
	if err != nil {
		return "", Key{}, fmt.Errorf("issue replacement key: %w", err)
	}
	s.cache.Clear()
	s.recordLifecycle(audit.RuleIDKeyRotated, old.UserID)
	s.logger.Info("api key rotated", "old", old.Masked(), "new", fresh.Masked())
	return plaintext, fresh, nil
}

// Revoke deactivates a key by id. The validation cache is cleared before
// Revoke returns.
func (s *Service) Revoke(ctx context.Context, id string) error {
	k, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Revoke(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	s.cache.Clear()
	s.recordLifecycle(audit.RuleIDKeyRevoked, k.UserID)
	s.logger.Info("api key revoked", "key", k.Masked())
	return nil
}

// List returns a user's keys, newest first. Callers render them with
// Key.Masked; plaintexts do not exist server side.
func (s *Service) List(ctx context.Context, userID string) ([]Key, error) {
	return s.store.List(ctx, userID)
}

// BootstrapAllowed reports whether the store is empty, which is the only
// state where an unauthenticated key creation is accepted.
func (s *Service) BootstrapAllowed(ctx context.Context) (bool, error) {
	return s.store.Empty(ctx)
}

// CacheLen exposes the validation cache size for the health endpoint.
func (s *Service) CacheLen() int {
	return s.cache.Len()
}

// touchAsync updates last_used_at without holding up the request.
func (s *Service) touchAsync(id string) {
	at := s.now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.TouchLastUsed(ctx, id, at); err != nil {
			s.logger.Debug("last_used_at update failed", "key_id", id, "error", err)
		}
	}()
}

func (s *Service) recordLifecycle(ruleID, userID string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(audit.Event{
		ScanID:        uuid.NewString(),
		Timestamp:     s.now().UTC(),
		UserID:        userID,
		Action:        audit.ActionAllow,
		Direction:     audit.DirectionRequest,
		RuleID:        ruleID,
		SchemaVersion: audit.SchemaVersion,
	})
}
