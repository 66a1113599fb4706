// Package server contains HTTP handlers for the recovery service.
// This file implements rotation of the session signing key.
package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"
)

// keyRotateHandler replaces the key that signs session tokens.
//
// The process:
// 1. Checks the admin bearer token
// 2. Generates a new Ed25519 key pair and stores it as the current key
// 3. Retires the previous key, which keeps verifying tokens until it expires
func (h *Handler) keyRotateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r)
		return
	}
	if h.cfg.AdminToken == "" {
		h.writeErrorWithRequest(w, r, http.StatusForbidden, codeAuthz, "admin endpoints disabled", nil)
		return
	}
	token, _ := strings.CutPrefix(strings.TrimSpace(r.Header.Get(headerAuthorization)), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AdminToken)) != 1 {
		h.logger.Warn("key rotation rejected - bad admin token", "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusUnauthorized, codeAuthz, "invalid admin token", nil)
		return
	}

	h.logger.Info("key rotation initiated", "correlationId", correlationIDFrom(r.Context()))
	previous, err := h.store.GetCurrentSigningKey(r.Context())
	if err != nil {
		incrementKeyRotation("failure")
		h.logger.Error("key rotation failed - no current key", "error", err, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, codeInternal, "no current signing key", nil)
		return
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		incrementKeyRotation("failure")
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, codeInternal, "failed to generate key", nil)
		return
	}
	now := h.clock()
	next := newSigningKey(priv, now)
	if err := h.store.AddSigningKey(r.Context(), next); err != nil {
		incrementKeyRotation("failure")
		h.logger.Error("key rotation failed - store new key", "error", err, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, codeInternal, "failed to store signing key", nil)
		return
	}
	if err := h.store.RetireSigningKey(r.Context(), previous.ID, now); err != nil {
		incrementKeyRotation("failure")
		h.logger.Error("key rotation failed - retire previous key", "error", err, "kid", previous.ID, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, codeInternal, "failed to retire signing key", nil)
		return
	}
	incrementKeyRotation("success")

	h.respond(w, r, http.StatusOK, map[string]any{
		"kid":        next.ID,
		"retiredKid": previous.ID,
		"rotatedAt":  now.Format(time.RFC3339),
	})
	h.logger.Info("key rotation completed successfully", "kid", next.ID, "retiredKid", previous.ID, "correlationId", correlationIDFrom(r.Context()))
}
