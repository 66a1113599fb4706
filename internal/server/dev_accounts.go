package server

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/did"
)

type devAccountRequest struct {
	Owners    []common.Address `json:"owners" validate:"required,min=1"`
	Threshold uint64           `json:"threshold" validate:"gt=0"`
}

// handleDevAccounts deploys an in-process wallet with the recovery module
// enabled. Only served when dev accounts are switched on.
func (h *Handler) handleDevAccounts(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.DevAccounts || h.wallets == nil {
		h.writeErrorWithRequest(w, r, http.StatusNotFound, codeNotFound, "dev accounts disabled", nil)
		return
	}
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r)
		return
	}
	var input devAccountRequest
	if !h.decode(w, r, &input) {
		return
	}
	wlt, err := h.wallets.Create(input.Owners, input.Threshold, h.module.Address())
	if err != nil {
		h.writeErrorWithRequest(w, r, http.StatusUnprocessableEntity, codeValidation, err.Error(), nil)
		return
	}
	owners, _ := wlt.GetOwners(r.Context())
	threshold, _ := wlt.GetThreshold(r.Context())
	h.logger.Info("dev account created", "address", wlt.Address().Hex(), "owners", len(owners), "correlationId", correlationIDFrom(r.Context()))
	h.respond(w, r, http.StatusCreated, map[string]any{
		"address":   wlt.Address(),
		"did":       did.PKH(h.cfg.ChainID, wlt.Address()),
		"owners":    owners,
		"threshold": threshold,
	})
}
