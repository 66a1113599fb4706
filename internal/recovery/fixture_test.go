package recovery_test

import (
	"context"
	"crypto/ecdsa"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/recovery"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/typeddata"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/wallet"
)

var (
	moduleAddress = common.HexToAddress("0x5a1e000000000000000000000000000000000001")
	factory       = common.HexToAddress("0xfac7000000000000000000000000000000000000")
	period        = 24 * time.Hour
)

type signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newSigner(t *testing.T) signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// newSigners returns n signers sorted by address.
func newSigners(t *testing.T, n int) []signer {
	t.Helper()
	out := make([]signer, n)
	for i := range out {
		out[i] = newSigner(t)
	}
	sort.Slice(out, func(i, j int) bool { return typeddata.Less(out[i].addr, out[j].addr) })
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSink) Publish(_ context.Context, events []model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

func (s *recordingSink) types() []model.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	t         *testing.T
	ctx       context.Context
	module    *recovery.Module
	store     storage.Store
	dir       *wallet.Directory
	wallet    *wallet.Wallet
	account   common.Address
	owner     signer
	guardians []signer
	sink      *recordingSink

	mu  sync.Mutex
	now time.Time
}

// newFixture sets up a single-owner wallet with the module enabled and no
// guardians.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: storage.NewMemory(),
		dir:   wallet.NewDirectory(factory),
		owner: newSigner(t),
		sink:  &recordingSink{},
		now:   time.Unix(1_700_000_000, 0).UTC(),
	}
	w, err := f.dir.Create([]common.Address{f.owner.addr}, 1, moduleAddress)
	require.NoError(t, err)
	f.wallet = w
	f.account = w.Address()

	m, err := recovery.New(recovery.Config{
		Address:        moduleAddress,
		Domain:         typeddata.NewDomain(1, moduleAddress),
		RecoveryPeriod: period,
	}, f.store, f.dir, recovery.WithClock(f.clock), recovery.WithEventSink(f.sink))
	require.NoError(t, err)
	f.module = m
	return f
}

// withGuardians adds n fresh guardians and sets the threshold.
func (f *fixture) withGuardians(n int, threshold uint64) *fixture {
	f.t.Helper()
	f.guardians = newSigners(f.t, n)
	for i, g := range f.guardians {
		th := uint64(i + 1)
		if th > threshold {
			th = threshold
		}
		require.NoError(f.t, f.module.AddGuardianWithThreshold(f.ctx, f.account, g.addr, th))
	}
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) hash(newOwners []common.Address, threshold uint64) common.Hash {
	f.t.Helper()
	nonce, err := f.module.Nonce(f.ctx, f.account)
	require.NoError(f.t, err)
	h, err := f.module.GetRecoveryHash(f.account, newOwners, threshold, nonce)
	require.NoError(f.t, err)
	return h
}

func (f *fixture) sign(s signer, hash common.Hash) model.SignatureData {
	f.t.Helper()
	sig, err := typeddata.Sign(hash, s.key)
	require.NoError(f.t, err)
	return model.SignatureData{Signer: s.addr, Signature: sig}
}

func (f *fixture) approvals(newOwners []common.Address, threshold uint64) uint64 {
	f.t.Helper()
	n, err := f.module.GetRecoveryApprovals(f.ctx, f.account, newOwners, threshold)
	require.NoError(f.t, err)
	return n
}

func addrs(signers ...signer) []common.Address {
	out := make([]common.Address, len(signers))
	for i, s := range signers {
		out[i] = s.addr
	}
	return out
}
