package recovery

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/typeddata"
)

// validateProposal rejects owner sets no account could install, so a request
// that reaches the proposed state can always be finalized.
func validateProposal(account common.Address, newOwners []common.Address, newThreshold uint64) error {
	if len(newOwners) == 0 {
		return ErrOwnersEmpty
	}
	seen := make(map[common.Address]bool, len(newOwners))
	for _, o := range newOwners {
		if o == (common.Address{}) || o == model.SentinelAddress || o == account {
			return ErrInvalidNewOwner
		}
		if seen[o] {
			return ErrDuplicateNewOwner
		}
		seen[o] = true
	}
	if newThreshold < 1 || newThreshold > uint64(len(newOwners)) {
		return ErrInvalidNewThreshold
	}
	return nil
}

// ConfirmRecovery records sender's approval of replacing account's owners
// with newOwners under newThreshold. With execute set, the request is also
// executed in the same transition.
func (m *Module) ConfirmRecovery(ctx context.Context, sender, account common.Address, newOwners []common.Address, newThreshold uint64, execute bool) error {
	return m.transition(ctx, account, "confirmRecovery", func(t *txn) error {
		if !t.st.Guardians.Contains(sender) {
			return ErrSenderNotGuardian
		}
		if err := validateProposal(account, newOwners, newThreshold); err != nil {
			return err
		}
		hash, err := m.recoveryHash(account, newOwners, newThreshold, t.st.Nonce)
		if err != nil {
			return err
		}
		t.st.Approve(hash, sender)
		if execute {
			return t.execute(sender, hash, newOwners, newThreshold)
		}
		return nil
	})
}

// MultiConfirmRecovery records a batch of guardian approvals. Entries must be
// sorted by signer address; an entry with an empty signature stands for
// sender's own approval.
func (m *Module) MultiConfirmRecovery(ctx context.Context, sender, account common.Address, newOwners []common.Address, newThreshold uint64, signatures []model.SignatureData, execute bool) error {
	return m.transition(ctx, account, "multiConfirmRecovery", func(t *txn) error {
		if t.st.Guardians.Count == 0 {
			return ErrEmptyGuardians
		}
		if err := validateProposal(account, newOwners, newThreshold); err != nil {
			return err
		}
		if len(signatures) == 0 {
			return ErrEmptySignatures
		}
		hash, err := m.recoveryHash(account, newOwners, newThreshold, t.st.Nonce)
		if err != nil {
			return err
		}
		signers, err := m.checkSignatures(ctx, t.st, sender, hash, signatures)
		if err != nil {
			return err
		}
		for _, s := range signers {
			t.st.Approve(hash, s)
		}
		if execute {
			return t.execute(sender, hash, newOwners, newThreshold)
		}
		return nil
	})
}

// ExecuteRecovery moves a sufficiently approved proposal into the pending
// state. A pending request can only be replaced by a proposal with strictly
// more approvals.
func (m *Module) ExecuteRecovery(ctx context.Context, sender, account common.Address, newOwners []common.Address, newThreshold uint64) error {
	return m.transition(ctx, account, "executeRecovery", func(t *txn) error {
		if t.st.Guardians.Count == 0 {
			return ErrEmptyGuardians
		}
		if err := validateProposal(account, newOwners, newThreshold); err != nil {
			return err
		}
		hash, err := m.recoveryHash(account, newOwners, newThreshold, t.st.Nonce)
		if err != nil {
			return err
		}
		return t.execute(sender, hash, newOwners, newThreshold)
	})
}

func (t *txn) execute(sender common.Address, hash common.Hash, newOwners []common.Address, newThreshold uint64) error {
	st := t.st
	if st.Guardians.Count == 0 {
		return ErrEmptyGuardians
	}
	approvals := countApprovals(st, hash)
	if approvals < st.Guardians.Threshold {
		return ErrInsufficientApprovals
	}
	if st.Request.Active() && approvals <= st.Request.GuardiansApprovalCount {
		return ErrNotEnoughForReplacement
	}
	executeAfter := uint64(t.m.clock().Add(t.m.period).Unix())
	st.Request = model.RecoveryRequest{
		GuardiansApprovalCount: approvals,
		NewThreshold:           newThreshold,
		ExecuteAfter:           executeAfter,
		NewOwners:              append([]common.Address(nil), newOwners...),
	}
	t.emit(model.EventRecoveryExecuted, sender, map[string]any{
		"newOwners":    hexAddresses(newOwners),
		"newThreshold": newThreshold,
		"nonce":        st.Nonce,
		"executeAfter": executeAfter,
		"approvals":    approvals,
	})
	return nil
}

// CancelRecovery drops the pending request. Only the account may cancel.
func (m *Module) CancelRecovery(ctx context.Context, sender, account common.Address) error {
	return m.transition(ctx, account, "cancelRecovery", func(t *txn) error {
		if sender != account {
			return ErrUnauthorized
		}
		if !t.st.Request.Active() {
			return ErrNoOngoingRecovery
		}
		t.emit(model.EventRecoveryCanceled, sender, map[string]any{"nonce": t.st.Nonce})
		t.st.Request = model.RecoveryRequest{}
		t.st.AdvanceNonce()
		return nil
	})
}

// FinalizeRecovery applies the pending request to the account once the
// security period has elapsed. Anyone may finalize.
func (m *Module) FinalizeRecovery(ctx context.Context, sender, account common.Address) error {
	acct, err := m.resolve(ctx, account)
	if err != nil {
		return err
	}
	return m.transition(ctx, account, "finalizeRecovery", func(t *txn) error {
		req := t.st.Request
		if !req.Active() {
			return ErrNoOngoingRecovery
		}
		if uint64(m.clock().Unix()) < req.ExecuteAfter {
			return ErrRecoveryPending
		}
		for _, owner := range req.NewOwners {
			if t.st.Guardians.Contains(owner) {
				return ErrNewOwnerIsGuardian
			}
		}
		err := acct.ExecFromModule(ctx, m.address, func(om OwnerManager) error {
			return applyOwners(ctx, om, req.NewOwners, req.NewThreshold)
		})
		if err != nil {
			return err
		}
		t.applied = true
		t.emit(model.EventRecoveryFinalized, sender, map[string]any{
			"newOwners":    hexAddresses(req.NewOwners),
			"newThreshold": req.NewThreshold,
			"nonce":        t.st.Nonce,
		})
		t.st.Request = model.RecoveryRequest{}
		t.st.AdvanceNonce()
		return nil
	})
}

func countApprovals(st *model.AccountState, hash common.Hash) uint64 {
	var n uint64
	for g, ok := range st.Approvals[hash] {
		if ok && st.Guardians.Contains(g) {
			n++
		}
	}
	return n
}

func (m *Module) recoveryHash(account common.Address, newOwners []common.Address, newThreshold, nonce uint64) (common.Hash, error) {
	return m.domain.Hash(typeddata.RecoveryMessage{
		Wallet:       account,
		NewOwners:    newOwners,
		NewThreshold: newThreshold,
		Nonce:        nonce,
	})
}

// GetRecoveryRequest returns account's pending request, zero when none.
func (m *Module) GetRecoveryRequest(ctx context.Context, account common.Address) (model.RecoveryRequest, error) {
	st, err := m.view(ctx, account)
	if err != nil {
		return model.RecoveryRequest{}, err
	}
	return st.Request, nil
}

// GetRecoveryApprovals counts current guardians that approved the proposal at
// the current nonce.
func (m *Module) GetRecoveryApprovals(ctx context.Context, account common.Address, newOwners []common.Address, newThreshold uint64) (uint64, error) {
	st, err := m.view(ctx, account)
	if err != nil {
		return 0, err
	}
	hash, err := m.recoveryHash(account, newOwners, newThreshold, st.Nonce)
	if err != nil {
		return 0, err
	}
	return countApprovals(&st, hash), nil
}

// HasGuardianApproved reports whether guardian approved the proposal at the
// current nonce.
func (m *Module) HasGuardianApproved(ctx context.Context, account, guardian common.Address, newOwners []common.Address, newThreshold uint64) (bool, error) {
	st, err := m.view(ctx, account)
	if err != nil {
		return false, err
	}
	hash, err := m.recoveryHash(account, newOwners, newThreshold, st.Nonce)
	if err != nil {
		return false, err
	}
	return st.HasApproved(hash, guardian), nil
}

// Nonce returns account's current recovery nonce.
func (m *Module) Nonce(ctx context.Context, account common.Address) (uint64, error) {
	st, err := m.view(ctx, account)
	if err != nil {
		return 0, err
	}
	return st.Nonce, nil
}

// EncodeRecoveryData returns the 66 byte EIP-712 encoding guardians sign.
func (m *Module) EncodeRecoveryData(account common.Address, newOwners []common.Address, newThreshold, nonce uint64) ([]byte, error) {
	return m.domain.Encode(typeddata.RecoveryMessage{
		Wallet:       account,
		NewOwners:    newOwners,
		NewThreshold: newThreshold,
		Nonce:        nonce,
	})
}

// GetRecoveryHash returns the keccak256 of EncodeRecoveryData.
func (m *Module) GetRecoveryHash(account common.Address, newOwners []common.Address, newThreshold, nonce uint64) (common.Hash, error) {
	return m.recoveryHash(account, newOwners, newThreshold, nonce)
}
