// Package wallet is an in-process smart account with Safe semantics: a linked
// owner list with a signing threshold, a set of enabled modules that may
// manage owners, and ERC-1271 signature validation by its owners. It backs the
// recovery module in development deployments and tests.
package wallet

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/recovery"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/typeddata"
)

// Errors carry the Safe revert codes.
var (
	ErrInvalidModule        = errors.New("GS101")
	ErrModuleAlreadyEnabled = errors.New("GS102")
	ErrInvalidPrevModule    = errors.New("GS103")
	ErrModuleNotEnabled     = errors.New("GS104")
	ErrThresholdTooHigh     = errors.New("GS201")
	ErrThresholdZero        = errors.New("GS202")
	ErrInvalidOwner         = errors.New("GS203")
	ErrDuplicateOwner       = errors.New("GS204")
	ErrInvalidPrevOwner     = errors.New("GS205")
)

// Wallet is safe for concurrent use.
type Wallet struct {
	mu      sync.RWMutex
	address common.Address
	owners  ownerSet
	modules map[common.Address]bool
}

// New sets up a wallet at address with the given owners, threshold and
// enabled modules.
func New(address common.Address, owners []common.Address, threshold uint64, modules ...common.Address) (*Wallet, error) {
	set, err := newOwnerSet(address, owners, threshold)
	if err != nil {
		return nil, err
	}
	w := &Wallet{address: address, owners: set, modules: map[common.Address]bool{}}
	for _, m := range modules {
		if err := w.EnableModule(m); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Address returns the wallet address.
func (w *Wallet) Address() common.Address { return w.address }

// EnableModule allows module to call ExecFromModule.
func (w *Wallet) EnableModule(module common.Address) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if module == (common.Address{}) || module == model.SentinelAddress {
		return ErrInvalidModule
	}
	if w.modules[module] {
		return ErrModuleAlreadyEnabled
	}
	w.modules[module] = true
	return nil
}

// DisableModule revokes module's rights.
func (w *Wallet) DisableModule(module common.Address) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.modules[module] {
		return ErrInvalidPrevModule
	}
	delete(w.modules, module)
	return nil
}

func (w *Wallet) IsModuleEnabled(_ context.Context, module common.Address) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.modules[module], nil
}

func (w *Wallet) IsOwner(_ context.Context, addr common.Address) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.owners.isOwner(addr), nil
}

func (w *Wallet) GetOwners(_ context.Context) ([]common.Address, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.owners.list(), nil
}

func (w *Wallet) GetThreshold(_ context.Context) (uint64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.owners.threshold, nil
}

// ExecFromModule runs fn against a working copy of the owner set and installs
// the copy only if fn succeeds.
func (w *Wallet) ExecFromModule(ctx context.Context, module common.Address, fn func(recovery.OwnerManager) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.modules[module] {
		return ErrModuleNotEnabled
	}
	tx := &ownerTx{set: w.owners.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	w.owners = tx.set
	return nil
}

// IsValidSignature implements ERC-1271 for the wallet: signature is a
// concatenation of 65 byte owner signatures over hash, sorted by signer, with
// at least threshold of them.
func (w *Wallet) IsValidSignature(_ context.Context, hash common.Hash, signature []byte) (bool, error) {
	if len(signature) == 0 || len(signature)%65 != 0 {
		return false, nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := uint64(len(signature) / 65)
	if n < w.owners.threshold {
		return false, nil
	}
	var last common.Address
	for i := uint64(0); i < n; i++ {
		signer, err := typeddata.Recover(hash, signature[i*65:(i+1)*65])
		if err != nil {
			return false, nil
		}
		if !w.owners.isOwner(signer) || !typeddata.Less(last, signer) {
			return false, nil
		}
		last = signer
	}
	return true, nil
}

// ownerTx is the OwnerManager handed to modules.
type ownerTx struct {
	set ownerSet
}

func (t *ownerTx) GetOwners(context.Context) ([]common.Address, error) {
	return t.set.list(), nil
}

func (t *ownerTx) SwapOwner(_ context.Context, prevOwner, oldOwner, newOwner common.Address) error {
	return t.set.swap(prevOwner, oldOwner, newOwner)
}

func (t *ownerTx) RemoveOwner(_ context.Context, prevOwner, owner common.Address, threshold uint64) error {
	return t.set.remove(prevOwner, owner, threshold)
}

func (t *ownerTx) AddOwnerWithThreshold(_ context.Context, owner common.Address, threshold uint64) error {
	return t.set.add(owner, threshold)
}

func (t *ownerTx) ChangeThreshold(_ context.Context, threshold uint64) error {
	return t.set.changeThreshold(threshold)
}

var (
	_ recovery.Account            = (*Wallet)(nil)
	_ recovery.SignatureValidator = (*Wallet)(nil)
	_ recovery.OwnerManager       = (*ownerTx)(nil)
)
