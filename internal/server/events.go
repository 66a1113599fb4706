package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/recovery"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/storage"
)

// eventRecorder appends committed module events to the event log, tagged with
// the correlation ID of the request that caused them.
type eventRecorder struct {
	store  storage.EventLogStore
	logger *slog.Logger
}

// NewEventRecorder returns a recovery.EventSink backed by store.
func NewEventRecorder(store storage.EventLogStore, logger *slog.Logger) recovery.EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &eventRecorder{store: store, logger: logger}
}

func (e *eventRecorder) Publish(ctx context.Context, events []model.Event) {
	correlationID := correlationIDFrom(ctx)
	for _, ev := range events {
		ev.CorrelationID = correlationID
		if _, err := e.store.AppendEvent(ctx, ev); err != nil {
			e.logger.Warn("append event log failed", "error", err, "account", ev.Account.Hex(), "type", ev.Type, "correlationId", correlationID)
		}
	}
}

// handleEvents lists an account's event history, oldest first.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r)
		return
	}
	account, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	events, err := h.store.ListEvents(r.Context(), account)
	if err != nil {
		h.logger.Error("list events failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, codeInternal, "failed to list events", nil)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	h.writeSuccess(w, http.StatusOK, map[string]any{"events": events}, map[string]any{"count": len(events)}, r)
}
