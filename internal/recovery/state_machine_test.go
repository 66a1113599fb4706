package recovery_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/recovery"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/typeddata"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/wallet"
)

func TestRecovery_HappyPath(t *testing.T) {
	f := newFixture(t).withGuardians(3, 2)
	g := f.guardians
	newOwner := newSigner(t)
	newOwners := addrs(newOwner)

	require.NoError(t, f.module.ConfirmRecovery(f.ctx, g[0].addr, f.account, newOwners, 1, false))
	assert.Equal(t, uint64(1), f.approvals(newOwners, 1))
	err := f.module.ExecuteRecovery(f.ctx, g[0].addr, f.account, newOwners, 1)
	assert.ErrorIs(t, err, recovery.ErrInsufficientApprovals)

	require.NoError(t, f.module.ConfirmRecovery(f.ctx, g[1].addr, f.account, newOwners, 1, true))
	req, err := f.module.GetRecoveryRequest(f.ctx, f.account)
	require.NoError(t, err)
	assert.True(t, req.Active())
	assert.Equal(t, uint64(2), req.GuardiansApprovalCount)
	assert.Equal(t, uint64(f.clock().Add(period).Unix()), req.ExecuteAfter)
	assert.Equal(t, newOwners, req.NewOwners)

	err = f.module.FinalizeRecovery(f.ctx, g[2].addr, f.account)
	assert.ErrorIs(t, err, recovery.ErrRecoveryPending)

	f.advance(period)
	require.NoError(t, f.module.FinalizeRecovery(f.ctx, g[2].addr, f.account))

	owners, err := f.wallet.GetOwners(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, newOwners, owners)
	th, err := f.wallet.GetThreshold(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), th)

	nonce, err := f.module.Nonce(f.ctx, f.account)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)
	req, err = f.module.GetRecoveryRequest(f.ctx, f.account)
	require.NoError(t, err)
	assert.False(t, req.Active())

	st, err := f.store.View(f.ctx, f.account)
	require.NoError(t, err)
	assert.Empty(t, st.Approvals, "approvals of the finished round are pruned")

	types := f.sink.types()
	assert.Equal(t, []model.EventType{model.EventRecoveryExecuted, model.EventRecoveryFinalized}, types[len(types)-2:])

	err = f.module.FinalizeRecovery(f.ctx, g[2].addr, f.account)
	assert.ErrorIs(t, err, recovery.ErrNoOngoingRecovery)
}

func TestConfirmRecovery_Rejects(t *testing.T) {
	f := newFixture(t).withGuardians(2, 1)
	newOwners := addrs(newSigner(t))

	err := f.module.ConfirmRecovery(f.ctx, newSigner(t).addr, f.account, newOwners, 1, false)
	assert.ErrorIs(t, err, recovery.ErrSenderNotGuardian)
	err = f.module.ConfirmRecovery(f.ctx, f.guardians[0].addr, f.account, nil, 1, false)
	assert.ErrorIs(t, err, recovery.ErrOwnersEmpty)
	err = f.module.ConfirmRecovery(f.ctx, f.guardians[0].addr, f.account, newOwners, 0, false)
	assert.ErrorIs(t, err, recovery.ErrInvalidNewThreshold)
	err = f.module.ConfirmRecovery(f.ctx, f.guardians[0].addr, f.account, newOwners, 2, false)
	assert.ErrorIs(t, err, recovery.ErrInvalidNewThreshold)
}

// Owner sets the account would refuse never reach the proposed state.
func TestExecuteRecovery_RejectsUninstallableOwners(t *testing.T) {
	f := newFixture(t).withGuardians(1, 1)
	g := f.guardians[0].addr
	n := newSigner(t).addr

	cases := map[string]struct {
		owners []common.Address
		want   error
	}{
		"duplicate": {[]common.Address{n, n}, recovery.ErrDuplicateNewOwner},
		"zero":      {[]common.Address{n, {}}, recovery.ErrInvalidNewOwner},
		"sentinel":  {[]common.Address{model.SentinelAddress}, recovery.ErrInvalidNewOwner},
		"account":   {[]common.Address{f.account}, recovery.ErrInvalidNewOwner},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := f.module.ConfirmRecovery(f.ctx, g, f.account, tc.owners, uint64(len(tc.owners)), true)
			assert.ErrorIs(t, err, tc.want)
			err = f.module.ExecuteRecovery(f.ctx, g, f.account, tc.owners, 1)
			assert.ErrorIs(t, err, tc.want)

			req, err := f.module.GetRecoveryRequest(f.ctx, f.account)
			require.NoError(t, err)
			assert.False(t, req.Active())
		})
	}
}

func TestConfirmRecovery_ExecuteFailureRollsBackApproval(t *testing.T) {
	f := newFixture(t).withGuardians(2, 2)
	newOwners := addrs(newSigner(t))

	err := f.module.ConfirmRecovery(f.ctx, f.guardians[0].addr, f.account, newOwners, 1, true)
	assert.ErrorIs(t, err, recovery.ErrInsufficientApprovals)
	assert.Zero(t, f.approvals(newOwners, 1))
}

func TestExecuteRecovery_EmptyGuardians(t *testing.T) {
	f := newFixture(t)
	err := f.module.ExecuteRecovery(f.ctx, f.owner.addr, f.account, addrs(newSigner(t)), 1)
	assert.ErrorIs(t, err, recovery.ErrEmptyGuardians)
}

func TestExecuteRecovery_Replacement(t *testing.T) {
	f := newFixture(t).withGuardians(3, 2)
	g := f.guardians
	ownersA := addrs(newSigner(t))
	ownersB := addrs(newSigner(t))

	for _, s := range g[:2] {
		require.NoError(t, f.module.ConfirmRecovery(f.ctx, s.addr, f.account, ownersA, 1, false))
	}
	require.NoError(t, f.module.ExecuteRecovery(f.ctx, g[0].addr, f.account, ownersA, 1))

	// re-executing the same proposal does not improve on it
	err := f.module.ExecuteRecovery(f.ctx, g[0].addr, f.account, ownersA, 1)
	assert.ErrorIs(t, err, recovery.ErrNotEnoughForReplacement)

	for _, s := range g[:2] {
		require.NoError(t, f.module.ConfirmRecovery(f.ctx, s.addr, f.account, ownersB, 1, false))
	}
	err = f.module.ExecuteRecovery(f.ctx, g[0].addr, f.account, ownersB, 1)
	assert.ErrorIs(t, err, recovery.ErrNotEnoughForReplacement)

	f.advance(time.Hour)
	require.NoError(t, f.module.ConfirmRecovery(f.ctx, g[2].addr, f.account, ownersB, 1, true))
	req, err := f.module.GetRecoveryRequest(f.ctx, f.account)
	require.NoError(t, err)
	assert.Equal(t, ownersB, req.NewOwners)
	assert.Equal(t, uint64(3), req.GuardiansApprovalCount)
	assert.Equal(t, uint64(f.clock().Add(period).Unix()), req.ExecuteAfter, "replacement restarts the security period")
}

func TestCancelRecovery(t *testing.T) {
	f := newFixture(t).withGuardians(1, 1)
	g := f.guardians[0]
	newOwners := addrs(newSigner(t))

	err := f.module.CancelRecovery(f.ctx, f.account, f.account)
	assert.ErrorIs(t, err, recovery.ErrNoOngoingRecovery)

	hash := f.hash(newOwners, 1)
	stale := f.sign(g, hash)
	require.NoError(t, f.module.ConfirmRecovery(f.ctx, g.addr, f.account, newOwners, 1, true))

	err = f.module.CancelRecovery(f.ctx, g.addr, f.account)
	assert.ErrorIs(t, err, recovery.ErrUnauthorized)
	err = f.module.CancelRecovery(f.ctx, f.owner.addr, f.account)
	assert.ErrorIs(t, err, recovery.ErrUnauthorized)

	require.NoError(t, f.module.CancelRecovery(f.ctx, f.account, f.account))
	nonce, err := f.module.Nonce(f.ctx, f.account)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)
	assert.Zero(t, f.approvals(newOwners, 1))

	// a signature over the previous round's hash no longer verifies
	err = f.module.MultiConfirmRecovery(f.ctx, common.Address{}, f.account, newOwners, 1, []model.SignatureData{stale}, false)
	assert.ErrorIs(t, err, recovery.ErrInvalidGuardianSignature)

	last := f.sink.events[len(f.sink.events)-1]
	assert.Equal(t, model.EventRecoveryCanceled, last.Type)
	assert.Equal(t, uint64(0), last.Payload["nonce"])
}

func TestFinalizeRecovery_NewOwnerIsGuardian(t *testing.T) {
	f := newFixture(t).withGuardians(2, 1)
	newOwners := addrs(f.guardians[1])
	require.NoError(t, f.module.ConfirmRecovery(f.ctx, f.guardians[0].addr, f.account, newOwners, 1, true))
	f.advance(period)

	err := f.module.FinalizeRecovery(f.ctx, f.owner.addr, f.account)
	assert.ErrorIs(t, err, recovery.ErrNewOwnerIsGuardian)
}

func TestFinalizeRecovery_ModuleDisabled(t *testing.T) {
	f := newFixture(t).withGuardians(1, 1)
	newOwners := addrs(newSigner(t))
	require.NoError(t, f.module.ConfirmRecovery(f.ctx, f.guardians[0].addr, f.account, newOwners, 1, true))
	f.advance(period)
	require.NoError(t, f.wallet.DisableModule(moduleAddress))

	err := f.module.FinalizeRecovery(f.ctx, f.owner.addr, f.account)
	assert.ErrorIs(t, err, wallet.ErrModuleNotEnabled)

	req, err := f.module.GetRecoveryRequest(f.ctx, f.account)
	require.NoError(t, err)
	assert.True(t, req.Active(), "request survives a failed finalize")
}

func TestFinalizeRecovery_OwnerDiff(t *testing.T) {
	f := newFixture(t)
	a, b, c, d, e := newSigner(t), newSigner(t), newSigner(t), newSigner(t), newSigner(t)
	w, err := f.dir.Create(addrs(a, b, c), 2, moduleAddress)
	require.NoError(t, err)
	account := w.Address()
	g := newSigner(t)
	require.NoError(t, f.module.AddGuardianWithThreshold(f.ctx, account, g.addr, 1))

	newOwners := addrs(b, d, e)
	require.NoError(t, f.module.ConfirmRecovery(f.ctx, g.addr, account, newOwners, 3, true))
	f.advance(period)
	require.NoError(t, f.module.FinalizeRecovery(f.ctx, g.addr, account))

	owners, err := w.GetOwners(f.ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, newOwners, owners)
	th, err := w.GetThreshold(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), th)
}

// flakyAccount fails one owner operation during module execution.
type flakyAccount struct {
	*wallet.Wallet
	failOn string
}

type flakyManager struct {
	recovery.OwnerManager
	failOn string
}

var errInjected = errors.New("injected")

func (a *flakyAccount) ExecFromModule(ctx context.Context, module common.Address, fn func(recovery.OwnerManager) error) error {
	return a.Wallet.ExecFromModule(ctx, module, func(om recovery.OwnerManager) error {
		return fn(&flakyManager{OwnerManager: om, failOn: a.failOn})
	})
}

func (m *flakyManager) SwapOwner(ctx context.Context, prev, old, next common.Address) error {
	if m.failOn == "swap" {
		return errInjected
	}
	return m.OwnerManager.SwapOwner(ctx, prev, old, next)
}

func (m *flakyManager) RemoveOwner(ctx context.Context, prev, owner common.Address, threshold uint64) error {
	if m.failOn == "remove" {
		return errInjected
	}
	return m.OwnerManager.RemoveOwner(ctx, prev, owner, threshold)
}

func (m *flakyManager) AddOwnerWithThreshold(ctx context.Context, owner common.Address, threshold uint64) error {
	if m.failOn == "add" {
		return errInjected
	}
	return m.OwnerManager.AddOwnerWithThreshold(ctx, owner, threshold)
}

func (m *flakyManager) ChangeThreshold(ctx context.Context, threshold uint64) error {
	if m.failOn == "threshold" {
		return errInjected
	}
	return m.OwnerManager.ChangeThreshold(ctx, threshold)
}

type staticResolver map[common.Address]recovery.Account

func (r staticResolver) Account(_ context.Context, addr common.Address) (recovery.Account, error) {
	if a, ok := r[addr]; ok {
		return a, nil
	}
	return nil, recovery.ErrUnknownAccount
}

func TestFinalizeRecovery_OwnerOperationFailures(t *testing.T) {
	cases := []struct {
		failOn   string
		current  int
		incoming int
		want     error
	}{
		{"swap", 1, 1, recovery.ErrOwnerReplacementFailed},
		{"remove", 2, 0, recovery.ErrOwnerRemovalFailed},
		{"add", 1, 2, recovery.ErrOwnerAdditionFailed},
		{"threshold", 1, 1, recovery.ErrChangeThresholdFailed},
	}
	for _, tc := range cases {
		t.Run(tc.failOn, func(t *testing.T) {
			f := newFixture(t)
			current := newSigners(t, tc.current)
			w, err := wallet.New(common.HexToAddress("0xacc0"), addrs(current...), 1, moduleAddress)
			require.NoError(t, err)
			acct := &flakyAccount{Wallet: w, failOn: tc.failOn}

			m, err := recovery.New(recovery.Config{Address: moduleAddress, Domain: typeddata.NewDomain(1, moduleAddress), RecoveryPeriod: period},
				f.store, staticResolver{w.Address(): acct}, recovery.WithClock(f.clock))
			require.NoError(t, err)

			g := newSigner(t)
			require.NoError(t, m.AddGuardianWithThreshold(f.ctx, w.Address(), g.addr, 1))
			// keep the first current owner when nothing comes in so removal is needed
			newOwners := addrs(newSigners(t, tc.incoming)...)
			if tc.incoming == 0 {
				newOwners = addrs(current[0])
			}
			require.NoError(t, m.ConfirmRecovery(f.ctx, g.addr, w.Address(), newOwners, 1, true))
			f.advance(period)

			err = m.FinalizeRecovery(f.ctx, g.addr, w.Address())
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, errInjected)

			owners, err := w.GetOwners(f.ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, addrs(current...), owners, "owner set is untouched")
			req, err := m.GetRecoveryRequest(f.ctx, w.Address())
			require.NoError(t, err)
			assert.True(t, req.Active())
		})
	}
}

func TestConfirmRecovery_Concurrent(t *testing.T) {
	f := newFixture(t).withGuardians(8, 8)
	newOwners := addrs(newSigner(t))

	var wg sync.WaitGroup
	for _, g := range f.guardians {
		wg.Add(1)
		go func(g signer) {
			defer wg.Done()
			assert.NoError(t, f.module.ConfirmRecovery(f.ctx, g.addr, f.account, newOwners, 1, false))
		}(g)
	}
	wg.Wait()
	assert.Equal(t, uint64(8), f.approvals(newOwners, 1))
	require.NoError(t, f.module.ExecuteRecovery(f.ctx, f.owner.addr, f.account, newOwners, 1))
}

func TestRecoveryData(t *testing.T) {
	f := newFixture(t)
	newOwners := addrs(newSigner(t))
	encoded, err := f.module.EncodeRecoveryData(f.account, newOwners, 1, 0)
	require.NoError(t, err)
	assert.Len(t, encoded, 66)
	assert.Equal(t, []byte{0x19, 0x01}, encoded[:2])

	h0, err := f.module.GetRecoveryHash(f.account, newOwners, 1, 0)
	require.NoError(t, err)
	h1, err := f.module.GetRecoveryHash(f.account, newOwners, 1, 1)
	require.NoError(t, err)
	assert.NotEqual(t, h0, h1)
	assert.Equal(t, moduleAddress, f.module.Domain().VerifyingContract)
}

// commitFailingStore runs fn like a real backend and then loses the commit.
type commitFailingStore struct {
	storage.LedgerStore
	fail bool
}

var errCommit = errors.New("commit lost")

func (s *commitFailingStore) Update(ctx context.Context, account common.Address, fn func(*model.AccountState) error) error {
	if !s.fail {
		return s.LedgerStore.Update(ctx, account, fn)
	}
	st, err := s.LedgerStore.View(ctx, account)
	if err != nil {
		return err
	}
	if err := fn(&st); err != nil {
		return err
	}
	return errCommit
}

func TestFinalizeRecovery_CommitFailureAfterOwnerChange(t *testing.T) {
	f := newFixture(t)
	store := &commitFailingStore{LedgerStore: f.store}
	var logs bytes.Buffer
	m, err := recovery.New(recovery.Config{Address: moduleAddress, Domain: typeddata.NewDomain(1, moduleAddress), RecoveryPeriod: period},
		store, f.dir, recovery.WithClock(f.clock), recovery.WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	require.NoError(t, err)

	g := newSigner(t)
	require.NoError(t, m.AddGuardianWithThreshold(f.ctx, f.account, g.addr, 1))
	newOwners := addrs(newSigner(t))
	require.NoError(t, m.ConfirmRecovery(f.ctx, g.addr, f.account, newOwners, 1, true))
	f.advance(period)

	store.fail = true
	err = m.FinalizeRecovery(f.ctx, g.addr, f.account)
	require.ErrorIs(t, err, errCommit)
	assert.Contains(t, logs.String(), "account owners changed but ledger commit failed")

	// The wallet cannot be rolled back, so the two now disagree.
	owners, err := f.wallet.GetOwners(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, newOwners, owners)
	req, err := m.GetRecoveryRequest(f.ctx, f.account)
	require.NoError(t, err)
	assert.True(t, req.Active())

	// Rejections inside fn are not reported as divergence.
	logs.Reset()
	err = m.CancelRecovery(f.ctx, g.addr, f.account)
	assert.ErrorIs(t, err, recovery.ErrUnauthorized)
	assert.NotContains(t, logs.String(), "ledger commit failed")
}
