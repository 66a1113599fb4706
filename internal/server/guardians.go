package server

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/typeddata"
)

// accountParam parses the {account} path segment.
func (h *Handler) accountParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.PathValue("account")
	if !common.IsHexAddress(raw) {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, "account must be a hex address", nil)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

type guardianSetView struct {
	Guardians []common.Address `json:"guardians"`
	Threshold uint64           `json:"threshold"`
	Count     uint64           `json:"count"`
}

func (h *Handler) guardianSet(r *http.Request, account common.Address) (guardianSetView, error) {
	guardians, err := h.module.GetGuardians(r.Context(), account)
	if err != nil {
		return guardianSetView{}, err
	}
	threshold, err := h.module.Threshold(r.Context(), account)
	if err != nil {
		return guardianSetView{}, err
	}
	return guardianSetView{Guardians: guardians, Threshold: threshold, Count: uint64(len(guardians))}, nil
}

type addGuardianRequest struct {
	Guardian      string                `json:"guardian" validate:"required,eth_addr"`
	Threshold     uint64                `json:"threshold"`
	Authorization *accountAuthorization `json:"authorization,omitempty"`
}

// handleGuardians lists an account's guardians (GET) or adds one (POST, on
// behalf of the account).
func (h *Handler) handleGuardians(w http.ResponseWriter, r *http.Request) {
	account, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		view, err := h.guardianSet(r, account)
		if err != nil {
			h.writeRecoveryError(w, r, "get_guardians", err)
			return
		}
		h.writeSuccess(w, http.StatusOK, view, nil, r)
	case http.MethodPost:
		var input addGuardianRequest
		if !h.decode(w, r, &input) {
			return
		}
		guardian := common.HexToAddress(input.Guardian)
		if !h.authorizeAccount(w, r, account, typeddata.AddGuardianAction(account, guardian, input.Threshold, ""), input.Authorization) {
			return
		}
		if err := h.module.AddGuardianWithThreshold(r.Context(), account, guardian, input.Threshold); err != nil {
			h.writeRecoveryError(w, r, "add_guardian", err)
			return
		}
		view, err := h.guardianSet(r, account)
		if err != nil {
			h.writeRecoveryError(w, r, "add_guardian", err)
			return
		}
		h.succeed(w, r, "add_guardian", view)
	default:
		h.methodNotAllowed(w, r)
	}
}

type revokeGuardianRequest struct {
	// PrevGuardian may be omitted; it is then looked up from the current list.
	PrevGuardian  string                `json:"prevGuardian" validate:"omitempty,eth_addr"`
	Guardian      string                `json:"guardian" validate:"required,eth_addr"`
	Threshold     uint64                `json:"threshold"`
	Authorization *accountAuthorization `json:"authorization,omitempty"`
}

// handleRevokeGuardian removes a guardian on behalf of the account.
func (h *Handler) handleRevokeGuardian(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r)
		return
	}
	account, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	var input revokeGuardianRequest
	if !h.decode(w, r, &input) {
		return
	}
	guardian := common.HexToAddress(input.Guardian)
	if !h.authorizeAccount(w, r, account, typeddata.RevokeGuardianAction(account, guardian, input.Threshold, ""), input.Authorization) {
		return
	}
	var prev common.Address
	if input.PrevGuardian != "" {
		prev = common.HexToAddress(input.PrevGuardian)
	} else {
		guardians, err := h.module.GetGuardians(r.Context(), account)
		if err != nil {
			h.writeRecoveryError(w, r, "revoke_guardian", err)
			return
		}
		prev = predecessor(guardians, guardian)
	}

	if err := h.module.RevokeGuardianWithThreshold(r.Context(), account, prev, guardian, input.Threshold); err != nil {
		h.writeRecoveryError(w, r, "revoke_guardian", err)
		return
	}
	view, err := h.guardianSet(r, account)
	if err != nil {
		h.writeRecoveryError(w, r, "revoke_guardian", err)
		return
	}
	h.succeed(w, r, "revoke_guardian", view)
}

// predecessor returns the list entry before guardian, the sentinel for the
// head. Guardians that are not listed get the zero address, which the module
// rejects.
func predecessor(guardians []common.Address, guardian common.Address) common.Address {
	prev := model.SentinelAddress
	for _, g := range guardians {
		if g == guardian {
			return prev
		}
		prev = g
	}
	return common.Address{}
}

type changeThresholdRequest struct {
	Threshold     uint64                `json:"threshold"`
	Authorization *accountAuthorization `json:"authorization,omitempty"`
}

// handleChangeThreshold sets a new approval threshold on behalf of the account.
func (h *Handler) handleChangeThreshold(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r)
		return
	}
	account, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	var input changeThresholdRequest
	if !h.decode(w, r, &input) {
		return
	}
	if !h.authorizeAccount(w, r, account, typeddata.ChangeThresholdAction(account, input.Threshold, ""), input.Authorization) {
		return
	}
	if err := h.module.ChangeThreshold(r.Context(), account, input.Threshold); err != nil {
		h.writeRecoveryError(w, r, "change_threshold", err)
		return
	}
	view, err := h.guardianSet(r, account)
	if err != nil {
		h.writeRecoveryError(w, r, "change_threshold", err)
		return
	}
	h.succeed(w, r, "change_threshold", view)
}
