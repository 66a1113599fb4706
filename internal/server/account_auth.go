package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/recovery"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/typeddata"
)

// actionAudience marks nonces issued for account actions, as opposed to
// session logins.
const actionAudience = "account-action"

// accountAuthorization carries the owners' approval of one account action:
// a challenge from GET .../actions/nonce and the concatenated owner
// signatures over the AccountAction digest, sorted by signer.
type accountAuthorization struct {
	Nonce      string        `json:"nonce"`
	Signatures hexutil.Bytes `json:"signatures"`
}

// handleActionNonce issues a single-use challenge for an account action.
func (h *Handler) handleActionNonce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r)
		return
	}
	account, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	if _, err := h.accounts.Account(r.Context(), account); err != nil {
		h.writeRecoveryError(w, r, "action_nonce", err)
		return
	}
	nonce := model.Nonce{
		Value:     generateNonce(),
		Address:   account.Hex(),
		Audience:  actionAudience,
		ExpiresAt: h.clock().Add(h.cfg.NonceTTL),
	}
	if err := h.store.PutNonce(r.Context(), nonce); err != nil {
		h.logger.Error("store action nonce failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, codeInternal, "failed to issue nonce", nil)
		return
	}
	incrementNonceIssuance()
	h.writeSuccess(w, http.StatusOK, map[string]any{
		"nonce":     nonce.Value,
		"expiresAt": nonce.ExpiresAt.Format(time.RFC3339),
		"domain":    h.module.Domain(),
	}, nil, r)
}

// authorizeAccount decides whether the request may act as account itself.
// The session must belong to an owner. When the account needs more than one
// owner to act, auth must also carry a challenge and enough owner signatures
// for the account to accept them as its own.
func (h *Handler) authorizeAccount(w http.ResponseWriter, r *http.Request, account common.Address, msg typeddata.ActionMessage, auth *accountAuthorization) bool {
	ctx := r.Context()
	sub, ok := h.requireSession(w, r)
	if !ok {
		return false
	}
	acct, err := h.accounts.Account(ctx, account)
	if err != nil {
		h.writeRecoveryError(w, r, "authorize", err)
		return false
	}
	isOwner, err := acct.IsOwner(ctx, sub)
	if err != nil {
		h.writeRecoveryError(w, r, "authorize", err)
		return false
	}
	if !isOwner {
		h.writeErrorWithRequest(w, r, http.StatusForbidden, codeAuthz, "session is not an owner of the account", nil)
		return false
	}
	threshold, err := acct.GetThreshold(ctx)
	if err != nil {
		h.writeRecoveryError(w, r, "authorize", err)
		return false
	}
	if threshold <= 1 {
		return true
	}

	if auth == nil || auth.Nonce == "" || len(auth.Signatures) == 0 {
		h.writeErrorWithRequest(w, r, http.StatusForbidden, codeAuthz, "owner signatures required", map[string]any{
			"action":    msg.Action,
			"params":    msg.Params,
			"threshold": threshold,
		})
		return false
	}
	validator, ok := acct.(recovery.SignatureValidator)
	if !ok {
		h.writeErrorWithRequest(w, r, http.StatusForbidden, codeAuthz, "account cannot validate owner signatures", nil)
		return false
	}
	nonce, err := h.store.ConsumeNonce(ctx, auth.Nonce)
	if err != nil {
		incrementNonceValidation("invalid")
		h.writeErrorWithRequest(w, r, http.StatusForbidden, codeAuthz, "invalid or expired action nonce", nil)
		return false
	}
	if nonce.Audience != actionAudience || !strings.EqualFold(nonce.Address, account.Hex()) {
		incrementNonceValidation("mismatch")
		h.writeErrorWithRequest(w, r, http.StatusForbidden, codeAuthz, "invalid or expired action nonce", nil)
		return false
	}
	incrementNonceValidation("success")

	msg.Nonce = nonce.Value
	hash, err := h.module.Domain().HashAction(msg)
	if err != nil {
		h.writeRecoveryError(w, r, "authorize", err)
		return false
	}
	valid, err := validator.IsValidSignature(ctx, hash, auth.Signatures)
	if err != nil {
		h.writeRecoveryError(w, r, "authorize", err)
		return false
	}
	if !valid {
		h.logger.Warn("account action rejected", "account", account.Hex(), "action", msg.Action, "correlationId", correlationIDFrom(ctx))
		h.writeErrorWithRequest(w, r, http.StatusForbidden, codeAuthz, "owner signatures do not authorize the action", nil)
		return false
	}
	return true
}
