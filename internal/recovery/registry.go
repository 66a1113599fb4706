package recovery

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
)

// AddGuardianWithThreshold adds guardian to account's set and sets the
// threshold. Only the account itself may call it, and only while the module is
// enabled on it.
func (m *Module) AddGuardianWithThreshold(ctx context.Context, account, guardian common.Address, threshold uint64) error {
	acct, err := m.resolve(ctx, account)
	if err != nil {
		return err
	}
	return m.transition(ctx, account, "addGuardian", func(t *txn) error {
		if err := m.requireEnabled(ctx, acct); err != nil {
			return err
		}
		if guardian == (common.Address{}) || guardian == model.SentinelAddress || guardian == account {
			return ErrInvalidGuardian
		}
		isOwner, err := acct.IsOwner(ctx, guardian)
		if err != nil {
			return err
		}
		if isOwner {
			return ErrGuardianIsOwner
		}
		g := &t.st.Guardians
		if g.Contains(guardian) {
			return ErrDuplicateGuardian
		}
		if threshold == 0 {
			return ErrThresholdZero
		}
		if threshold > g.Count+1 {
			return ErrThresholdTooHigh
		}
		g.PushFront(guardian)
		t.emit(model.EventGuardianAdded, account, map[string]any{"guardian": guardian.Hex()})
		if g.Threshold != threshold {
			g.Threshold = threshold
			t.emit(model.EventChangedThreshold, account, map[string]any{"threshold": threshold})
		}
		return nil
	})
}

// RevokeGuardianWithThreshold removes guardian, which must directly follow
// prevGuardian in the list, and sets the new threshold. Approvals guardian
// already gave stop counting immediately.
func (m *Module) RevokeGuardianWithThreshold(ctx context.Context, account, prevGuardian, guardian common.Address, threshold uint64) error {
	acct, err := m.resolve(ctx, account)
	if err != nil {
		return err
	}
	return m.transition(ctx, account, "revokeGuardian", func(t *txn) error {
		if err := m.requireEnabled(ctx, acct); err != nil {
			return err
		}
		if guardian == (common.Address{}) || guardian == model.SentinelAddress {
			return ErrInvalidGuardian
		}
		g := &t.st.Guardians
		// Addresses outside the list have no predecessor.
		if !g.Follows(prevGuardian, guardian) {
			return ErrInvalidPrevGuardian
		}
		remaining := g.Count - 1
		if threshold > remaining {
			return ErrInvalidThreshold
		}
		if threshold == 0 && remaining > 0 {
			return ErrThresholdZero
		}
		g.Unlink(prevGuardian, guardian)
		t.emit(model.EventGuardianRevoked, account, map[string]any{"guardian": guardian.Hex()})
		if g.Threshold != threshold {
			g.Threshold = threshold
			t.emit(model.EventChangedThreshold, account, map[string]any{"threshold": threshold})
		}
		return nil
	})
}

// ChangeThreshold sets a new approval threshold for account.
func (m *Module) ChangeThreshold(ctx context.Context, account common.Address, threshold uint64) error {
	acct, err := m.resolve(ctx, account)
	if err != nil {
		return err
	}
	return m.transition(ctx, account, "changeThreshold", func(t *txn) error {
		if err := m.requireEnabled(ctx, acct); err != nil {
			return err
		}
		g := &t.st.Guardians
		if threshold > g.Count {
			return ErrThresholdTooHigh
		}
		if threshold == 0 && g.Count > 0 {
			return ErrThresholdZero
		}
		g.Threshold = threshold
		t.emit(model.EventChangedThreshold, account, map[string]any{"threshold": threshold})
		return nil
	})
}

// IsGuardian reports whether addr currently guards account.
func (m *Module) IsGuardian(ctx context.Context, account, addr common.Address) (bool, error) {
	st, err := m.view(ctx, account)
	if err != nil {
		return false, err
	}
	return st.Guardians.Contains(addr), nil
}

// GuardiansCount returns the number of guardians of account.
func (m *Module) GuardiansCount(ctx context.Context, account common.Address) (uint64, error) {
	st, err := m.view(ctx, account)
	if err != nil {
		return 0, err
	}
	return st.Guardians.Count, nil
}

// Threshold returns the approval threshold of account.
func (m *Module) Threshold(ctx context.Context, account common.Address) (uint64, error) {
	st, err := m.view(ctx, account)
	if err != nil {
		return 0, err
	}
	return st.Guardians.Threshold, nil
}

// GetGuardians lists account's guardians, most recently added first.
func (m *Module) GetGuardians(ctx context.Context, account common.Address) ([]common.Address, error) {
	st, err := m.view(ctx, account)
	if err != nil {
		return nil, err
	}
	return st.Guardians.Members(), nil
}
