package server

import (
	"errors"
	"net/http"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/recovery"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/wallet"
)

var forbiddenErrors = []error{
	recovery.ErrSenderNotGuardian,
	recovery.ErrUnauthorized,
	recovery.ErrModuleNotEnabled,
	wallet.ErrModuleNotEnabled,
}

var conflictErrors = []error{
	recovery.ErrNoOngoingRecovery,
	recovery.ErrRecoveryPending,
	recovery.ErrNotEnoughForReplacement,
	recovery.ErrDuplicateGuardian,
	recovery.ErrOwnerRemovalFailed,
	recovery.ErrOwnerReplacementFailed,
	recovery.ErrOwnerAdditionFailed,
	recovery.ErrChangeThresholdFailed,
}

var unprocessableErrors = []error{
	recovery.ErrInvalidGuardian,
	recovery.ErrGuardianIsOwner,
	recovery.ErrThresholdZero,
	recovery.ErrThresholdTooHigh,
	recovery.ErrInvalidPrevGuardian,
	recovery.ErrInvalidThreshold,
	recovery.ErrEmptyGuardians,
	recovery.ErrOwnersEmpty,
	recovery.ErrInvalidNewThreshold,
	recovery.ErrInvalidNewOwner,
	recovery.ErrDuplicateNewOwner,
	recovery.ErrEmptySignatures,
	recovery.ErrSignerNotGuardian,
	recovery.ErrInvalidGuardianSignature,
	recovery.ErrSignerOrdering,
	recovery.ErrNullSignatureSender,
	recovery.ErrInsufficientApprovals,
	recovery.ErrNewOwnerIsGuardian,
}

// classify maps a module error onto an HTTP status and envelope code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, recovery.ErrUnknownAccount):
		return http.StatusNotFound, codeNotFound
	case isAny(err, forbiddenErrors):
		return http.StatusForbidden, codeAuthz
	case isAny(err, conflictErrors):
		return http.StatusConflict, codeConflict
	case isAny(err, unprocessableErrors):
		return http.StatusUnprocessableEntity, codeValidation
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// writeRecoveryError reports a failed module call. Client errors carry the
// module's message; internal errors are logged and masked.
func (h *Handler) writeRecoveryError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		incrementRecoveryOperation(op, "error")
		h.logger.Error("recovery operation failed", "op", op, "error", err, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, status, code, "internal error", nil)
		return
	}
	incrementRecoveryOperation(op, "rejected")
	h.logger.Info("recovery operation rejected", "op", op, "error", err, "correlationId", correlationIDFrom(r.Context()))
	h.writeErrorWithRequest(w, r, status, code, err.Error(), map[string]any{"op": op})
}

// succeed records a successful operation and writes data.
func (h *Handler) succeed(w http.ResponseWriter, r *http.Request, op string, data any) {
	incrementRecoveryOperation(op, "success")
	h.respond(w, r, http.StatusOK, data)
}
