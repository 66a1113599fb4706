package wallet

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/recovery"
)

// ErrWalletExists is returned when registering an address twice.
var ErrWalletExists = errors.New("wallet already exists")

// Directory resolves addresses to wallets. New wallets get CREATE style
// addresses derived from the directory's factory address.
type Directory struct {
	mu      sync.RWMutex
	factory common.Address
	nonce   uint64
	wallets map[common.Address]*Wallet
}

// NewDirectory returns an empty directory deploying from factory.
func NewDirectory(factory common.Address) *Directory {
	return &Directory{factory: factory, wallets: map[common.Address]*Wallet{}}
}

// Create deploys a wallet at the next factory address.
func (d *Directory) Create(owners []common.Address, threshold uint64, modules ...common.Address) (*Wallet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := crypto.CreateAddress(d.factory, d.nonce)
	w, err := New(addr, owners, threshold, modules...)
	if err != nil {
		return nil, err
	}
	d.nonce++
	d.wallets[addr] = w
	return w, nil
}

// Add registers an existing wallet.
func (d *Directory) Add(w *Wallet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.wallets[w.Address()]; ok {
		return ErrWalletExists
	}
	d.wallets[w.Address()] = w
	return nil
}

// Wallet returns the wallet at addr.
func (d *Directory) Wallet(addr common.Address) (*Wallet, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.wallets[addr]
	return w, ok
}

// Account implements recovery.AccountResolver.
func (d *Directory) Account(_ context.Context, addr common.Address) (recovery.Account, error) {
	w, ok := d.Wallet(addr)
	if !ok {
		return nil, recovery.ErrUnknownAccount
	}
	return w, nil
}

var _ recovery.AccountResolver = (*Directory)(nil)
