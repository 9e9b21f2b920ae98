package admin

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ongarde/ongarde/internal/domain/key"
)

// defaultUser owns keys created without an explicit user id. A
// single-operator install never needs more.
const defaultUser = "local"

type createKeyRequest struct {
	UserID string `json:"user_id"`
}

// createKeyResponse carries the plaintext exactly once. It is never
// stored and never logged.
type createKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Key       string `json:"key"`
	Masked    string `json:"masked"`
	CreatedAt string `json:"created_at"`
}

type keyResponse struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	Masked     string  `json:"masked"`
	Active     bool    `json:"active"`
	CreatedAt  string  `json:"created_at"`
	LastUsedAt *string `json:"last_used_at"`
	RevokedAt  *string `json:"revoked_at"`
}

func toKeyResponse(k key.Key) keyResponse {
	return keyResponse{
		ID:         k.ID,
		UserID:     k.UserID,
		Masked:     k.Masked(),
		Active:     k.Active(),
		CreatedAt:  k.CreatedAt.UTC().Format(time.RFC3339),
		LastUsedAt: optTime(k.LastUsedAt),
		RevokedAt:  optTime(k.RevokedAt),
	}
}

func optTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// handleListKeys returns the masked key list for a user.
// GET /dashboard/api/keys?user_id=local
func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = defaultUser
	}
	keys, err := h.keys.List(r.Context(), userID)
	if err != nil {
		h.logger.Error("key list failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	out := make([]keyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, toKeyResponse(k))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleCreateKey issues a new key. An empty key store accepts one
// unauthenticated create (bootstrap); after that, creating requires a
// valid existing key.
// POST /dashboard/api/keys
func (h *Handler) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	bootstrap, err := h.keys.BootstrapAllowed(r.Context())
	if err != nil {
		h.logger.Error("bootstrap check failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create key")
		return
	}
	if !bootstrap && !h.requireKey(w, r) {
		return
	}

	var req createKeyRequest
	if err := readJSON(r, &req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		req.UserID = defaultUser
	}

	plaintext, k, err := h.keys.Create(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, key.ErrKeyLimit) {
			respondError(w, http.StatusConflict, "active key limit reached; revoke or rotate an existing key")
			return
		}
		h.logger.Error("key create failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create key")
		return
	}

	respondJSON(w, http.StatusCreated, createKeyResponse{
		ID:        k.ID,
		UserID:    k.UserID,
		Key:       plaintext,
		Masked:    k.Masked(),
		CreatedAt: k.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// handleRotateKey revokes a key and issues its replacement in one step.
// The old plaintext is not needed; possession of any valid key plus
// loopback access is the bar.
// POST /dashboard/api/keys/{id}/rotate
func (h *Handler) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireKey(w, r) {
		return
	}
	id := r.PathValue("id")

	plaintext, k, err := h.keys.Rotate(r.Context(), id)
	if err != nil {
		if errors.Is(err, key.ErrNotFound) {
			respondError(w, http.StatusNotFound, "key not found or already revoked")
			return
		}
		h.logger.Error("key rotate failed", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to rotate key")
		return
	}

	respondJSON(w, http.StatusCreated, createKeyResponse{
		ID:        k.ID,
		UserID:    k.UserID,
		Key:       plaintext,
		Masked:    k.Masked(),
		CreatedAt: k.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// handleRevokeKey revokes a key immediately; in-flight validation cache
// entries are cleared before this returns.
// DELETE /dashboard/api/keys/{id}
func (h *Handler) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireKey(w, r) {
		return
	}
	id := r.PathValue("id")

	if err := h.keys.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, key.ErrNotFound) {
			respondError(w, http.StatusNotFound, "key not found")
			return
		}
		h.logger.Error("key revoke failed", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to revoke key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
