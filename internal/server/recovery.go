// Package server contains HTTP handlers for the recovery service.
// This file implements the recovery request lifecycle endpoints.
package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/typeddata"
)

// proposal is the owner set a recovery would install.
type proposal struct {
	NewOwners    []common.Address `json:"newOwners"`
	NewThreshold uint64           `json:"newThreshold"`
}

type confirmRequest struct {
	proposal
	Execute bool `json:"execute"`
}

type multiConfirmRequest struct {
	proposal
	Signatures []model.SignatureData `json:"signatures"`
	Execute    bool                  `json:"execute"`
}

type recoveryView struct {
	Request    model.RecoveryRequest `json:"request"`
	Nonce      uint64                `json:"nonce"`
	Executable bool                  `json:"executable"`
}

func (h *Handler) recoveryState(r *http.Request, account common.Address) (recoveryView, error) {
	req, err := h.module.GetRecoveryRequest(r.Context(), account)
	if err != nil {
		return recoveryView{}, err
	}
	nonce, err := h.module.Nonce(r.Context(), account)
	if err != nil {
		return recoveryView{}, err
	}
	executable := req.Active() && uint64(h.clock().Unix()) >= req.ExecuteAfter
	return recoveryView{Request: req, Nonce: nonce, Executable: executable}, nil
}

// handleRecoveryRequest returns the pending request of an account.
func (h *Handler) handleRecoveryRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r)
		return
	}
	account, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	view, err := h.recoveryState(r, account)
	if err != nil {
		h.writeRecoveryError(w, r, "get_recovery", err)
		return
	}
	h.writeSuccess(w, http.StatusOK, view, nil, r)
}

// handleConfirm records the session guardian's approval.
func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r)
		return
	}
	account, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	sender, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	var input confirmRequest
	if !h.decode(w, r, &input) {
		return
	}
	err := h.module.ConfirmRecovery(r.Context(), sender, account, input.NewOwners, input.NewThreshold, input.Execute)
	h.finishProposal(w, r, "confirm_recovery", account, input.proposal, err)
}

// handleMultiConfirm records a batch of signed guardian approvals. A session
// is only needed when the batch carries a null signature for the sender.
func (h *Handler) handleMultiConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r)
		return
	}
	account, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	sender, ok := h.optionalSession(w, r)
	if !ok {
		return
	}
	var input multiConfirmRequest
	if !h.decode(w, r, &input) {
		return
	}
	err := h.module.MultiConfirmRecovery(r.Context(), sender, account, input.NewOwners, input.NewThreshold, input.Signatures, input.Execute)
	h.finishProposal(w, r, "multi_confirm_recovery", account, input.proposal, err)
}

// handleExecute starts the security period for an approved proposal.
func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r)
		return
	}
	account, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	sender, ok := h.optionalSession(w, r)
	if !ok {
		return
	}
	var input proposal
	if !h.decode(w, r, &input) {
		return
	}
	err := h.module.ExecuteRecovery(r.Context(), sender, account, input.NewOwners, input.NewThreshold)
	h.finishProposal(w, r, "execute_recovery", account, input, err)
}

// finishProposal writes the approval count and request state after a
// confirm or execute call.
func (h *Handler) finishProposal(w http.ResponseWriter, r *http.Request, op string, account common.Address, p proposal, err error) {
	if err != nil {
		h.writeRecoveryError(w, r, op, err)
		return
	}
	approvals, err := h.module.GetRecoveryApprovals(r.Context(), account, p.NewOwners, p.NewThreshold)
	if err != nil {
		h.writeRecoveryError(w, r, op, err)
		return
	}
	view, err := h.recoveryState(r, account)
	if err != nil {
		h.writeRecoveryError(w, r, op, err)
		return
	}
	h.succeed(w, r, op, map[string]any{
		"approvals": approvals,
		"recovery":  view,
	})
}

type cancelRequest struct {
	Authorization *accountAuthorization `json:"authorization,omitempty"`
}

// handleCancel drops the pending request on behalf of the account. The body
// is optional for accounts a single owner controls.
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r)
		return
	}
	account, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	var input cancelRequest
	if !h.decodeOptional(w, r, &input) {
		return
	}
	nonce, err := h.module.Nonce(r.Context(), account)
	if err != nil {
		h.writeRecoveryError(w, r, "cancel_recovery", err)
		return
	}
	if !h.authorizeAccount(w, r, account, typeddata.CancelRecoveryAction(account, nonce, ""), input.Authorization) {
		return
	}
	// Owners act through the account itself.
	if err := h.module.CancelRecovery(r.Context(), account, account); err != nil {
		h.writeRecoveryError(w, r, "cancel_recovery", err)
		return
	}
	view, err := h.recoveryState(r, account)
	if err != nil {
		h.writeRecoveryError(w, r, "cancel_recovery", err)
		return
	}
	h.succeed(w, r, "cancel_recovery", view)
}

// handleFinalize installs the pending owners once the security period is
// over. Anyone may call it.
func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r)
		return
	}
	account, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	sender, ok := h.optionalSession(w, r)
	if !ok {
		return
	}
	if err := h.module.FinalizeRecovery(r.Context(), sender, account); err != nil {
		h.writeRecoveryError(w, r, "finalize_recovery", err)
		return
	}
	data := map[string]any{}
	if acct, err := h.accounts.Account(r.Context(), account); err == nil {
		if owners, err := acct.GetOwners(r.Context()); err == nil {
			data["owners"] = owners
		}
		if threshold, err := acct.GetThreshold(r.Context()); err == nil {
			data["threshold"] = threshold
		}
	}
	view, err := h.recoveryState(r, account)
	if err != nil {
		h.writeRecoveryError(w, r, "finalize_recovery", err)
		return
	}
	data["recovery"] = view
	h.succeed(w, r, "finalize_recovery", data)
}

// parseProposalQuery reads ?owners=0x..,0x..&threshold=N.
func parseProposalQuery(r *http.Request) (proposal, error) {
	q := r.URL.Query()
	var p proposal
	for _, raw := range strings.Split(q.Get("owners"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !common.IsHexAddress(raw) {
			return proposal{}, fmt.Errorf("owner %q is not a hex address", raw)
		}
		p.NewOwners = append(p.NewOwners, common.HexToAddress(raw))
	}
	threshold, err := strconv.ParseUint(q.Get("threshold"), 10, 64)
	if err != nil {
		return proposal{}, fmt.Errorf("threshold: %w", err)
	}
	p.NewThreshold = threshold
	return p, nil
}

// handleApprovals reports how many current guardians approved a proposal at
// the current nonce, and whether ?guardian= has.
func (h *Handler) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r)
		return
	}
	account, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	p, err := parseProposalQuery(r)
	if err != nil {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	nonce, err := h.module.Nonce(r.Context(), account)
	if err != nil {
		h.writeRecoveryError(w, r, "get_approvals", err)
		return
	}
	hash, err := h.module.GetRecoveryHash(account, p.NewOwners, p.NewThreshold, nonce)
	if err != nil {
		h.writeRecoveryError(w, r, "get_approvals", err)
		return
	}
	approvals, err := h.module.GetRecoveryApprovals(r.Context(), account, p.NewOwners, p.NewThreshold)
	if err != nil {
		h.writeRecoveryError(w, r, "get_approvals", err)
		return
	}
	data := map[string]any{
		"approvals": approvals,
		"nonce":     nonce,
		"hash":      hash,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("guardian")); raw != "" {
		if !common.IsHexAddress(raw) {
			h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, "guardian must be a hex address", nil)
			return
		}
		approved, err := h.module.HasGuardianApproved(r.Context(), account, common.HexToAddress(raw), p.NewOwners, p.NewThreshold)
		if err != nil {
			h.writeRecoveryError(w, r, "get_approvals", err)
			return
		}
		data["hasApproved"] = approved
	}
	h.writeSuccess(w, http.StatusOK, data, nil, r)
}

// handleRecoveryHash returns what guardians sign off-line for a proposal: the
// EIP-712 encoding, its hash and the eth_signTypedData_v4 payload. The nonce
// defaults to the account's current one.
func (h *Handler) handleRecoveryHash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r)
		return
	}
	account, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	p, err := parseProposalQuery(r)
	if err != nil {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	var nonce uint64
	if raw := r.URL.Query().Get("nonce"); raw != "" {
		nonce, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, "nonce must be an unsigned integer", nil)
			return
		}
	} else {
		nonce, err = h.module.Nonce(r.Context(), account)
		if err != nil {
			h.writeRecoveryError(w, r, "get_recovery_hash", err)
			return
		}
	}
	encoded, err := h.module.EncodeRecoveryData(account, p.NewOwners, p.NewThreshold, nonce)
	if err != nil {
		h.writeRecoveryError(w, r, "get_recovery_hash", err)
		return
	}
	hash, err := h.module.GetRecoveryHash(account, p.NewOwners, p.NewThreshold, nonce)
	if err != nil {
		h.writeRecoveryError(w, r, "get_recovery_hash", err)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]any{
		"encoded": hexutil.Bytes(encoded),
		"hash":    hash,
		"nonce":   nonce,
		"typedData": h.module.Domain().TypedData(typeddata.RecoveryMessage{
			Wallet:       account,
			NewOwners:    p.NewOwners,
			NewThreshold: p.NewThreshold,
			Nonce:        nonce,
		}),
	}, nil, r)
}

// handleDomain describes the EIP-712 domain approvals are bound to.
func (h *Handler) handleDomain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r)
		return
	}
	domain := h.module.Domain()
	separator, err := domain.Separator()
	if err != nil {
		h.writeRecoveryError(w, r, "get_domain", err)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]any{
		"domain":                domain,
		"separator":             separator,
		"module":                h.module.Address(),
		"recoveryPeriodSeconds": uint64(h.module.RecoveryPeriod().Seconds()),
	}, nil, r)
}
