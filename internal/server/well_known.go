// Package server contains HTTP handlers for the recovery service.
// This file implements the well-known DID document endpoint.
package server

import (
	"crypto/ed25519"
	"net/http"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/did"
)

// wellKnownHandler serves the service's DID document at .well-known/did.json.
// Relying parties use it to find the keys that verify session tokens, so it
// lists the current signing key first followed by retired keys that have not
// expired yet.
func (h *Handler) wellKnownHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r)
		return
	}

	current, err := h.store.GetCurrentSigningKey(r.Context())
	if err != nil {
		h.writeErrorWithRequest(w, r, http.StatusNotFound, codeNotFound, "no signing key", nil)
		return
	}
	keys, err := h.store.ListActiveSigningKeys(r.Context())
	if err != nil {
		h.logger.Error("list signing keys failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, codeInternal, "failed to list signing keys", nil)
		return
	}
	var others []ed25519.PublicKey
	for _, k := range keys {
		if k.ID != current.ID {
			others = append(others, ed25519.PublicKey(k.PublicKey))
		}
	}

	h.writeSuccess(w, http.StatusOK, map[string]any{
		"document": did.KeyDocument(ed25519.PublicKey(current.PublicKey), others...),
	}, nil, r)
}
