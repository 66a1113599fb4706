// Package server contains HTTP handlers for the recovery service.
// This file implements the readiness check endpoint.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/storage"
)

// readyHandler returns 200 OK if the service is ready to serve requests.
// Backends that implement storage.Pinger (PostgreSQL, Badger) are pinged;
// the memory store is always ready.
//
// Returns 503 Service Unavailable if the check fails.
func (h *Handler) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if p, ok := h.store.(storage.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			h.writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "storage not ready", correlationIDFrom(r.Context()), nil)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
