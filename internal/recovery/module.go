// Package recovery implements guardian based social recovery for smart
// contract accounts. A Module keeps, per account, a guardian set with an
// approval threshold and a single pending recovery request. Guardians approve
// a proposal to replace the account's owners; once enough of them agree the
// request becomes executable and, after a security period, the module rewrites
// the owner set through the account's module execution hook.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/typeddata"
)

// Config describes one deployed module instance.
type Config struct {
	// Address identifies the module to accounts. It is also the verifying
	// contract of the EIP-712 domain unless Domain sets another one.
	Address        common.Address
	Domain         typeddata.Domain
	RecoveryPeriod time.Duration
}

// Module is the guardian registry and recovery state machine. It is safe for
// concurrent use; transitions of one account are serialized.
type Module struct {
	address  common.Address
	domain   typeddata.Domain
	period   time.Duration
	store    storage.LedgerStore
	accounts AccountResolver
	events   EventSink
	logger   *slog.Logger
	clock    func() time.Time
	locks    sync.Map // common.Address -> *sync.Mutex
}

// Option customizes a Module.
type Option func(*Module)

// WithLogger sets the logger used for transition diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Module) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source used for the security period.
func WithClock(clock func() time.Time) Option {
	return func(m *Module) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithEventSink routes committed events to sink.
func WithEventSink(sink EventSink) Option {
	return func(m *Module) {
		if sink != nil {
			m.events = sink
		}
	}
}

// New builds a module over store. accounts resolves the accounts the module
// is installed on and the contract guardians that validate their own
// signatures.
func New(cfg Config, store storage.LedgerStore, accounts AccountResolver, opts ...Option) (*Module, error) {
	if store == nil {
		return nil, fmt.Errorf("recovery: nil ledger store")
	}
	if accounts == nil {
		return nil, fmt.Errorf("recovery: nil account resolver")
	}
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("recovery: module address required")
	}
	if cfg.RecoveryPeriod < 0 {
		return nil, fmt.Errorf("recovery: negative recovery period")
	}
	domain := cfg.Domain
	if domain.VerifyingContract == (common.Address{}) {
		domain.VerifyingContract = cfg.Address
	}
	if domain.Name == "" {
		domain.Name = typeddata.DefaultName
	}
	if domain.Version == "" {
		domain.Version = typeddata.DefaultVersion
	}
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	m := &Module{
		address:  cfg.Address,
		domain:   domain,
		period:   cfg.RecoveryPeriod,
		store:    store,
		accounts: accounts,
		events:   discardSink{},
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Address returns the module's own address.
func (m *Module) Address() common.Address { return m.address }

// Domain returns the EIP-712 domain approvals are signed under.
func (m *Module) Domain() typeddata.Domain { return m.domain }

// RecoveryPeriod returns the delay between execution and finalization.
func (m *Module) RecoveryPeriod() time.Duration { return m.period }

func (m *Module) lock(account common.Address) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(account, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// txn is the scope of one ledger transition.
type txn struct {
	m       *Module
	account common.Address
	st      *model.AccountState
	events  []model.Event
	// applied is set once fn has changed state outside the ledger, which a
	// failed commit cannot roll back.
	applied bool
}

func (t *txn) emit(typ model.EventType, actor common.Address, payload map[string]any) {
	t.events = append(t.events, model.Event{
		Account: t.account,
		Type:    typ,
		Actor:   actor.Hex(),
		At:      t.m.clock().UTC(),
		Payload: payload,
	})
}

// transition applies fn atomically to account's state and publishes the
// events fn emitted once the new state is committed.
func (m *Module) transition(ctx context.Context, account common.Address, op string, fn func(t *txn) error) error {
	mu := m.lock(account)
	mu.Lock()
	defer mu.Unlock()

	var (
		committed []model.Event
		applied   bool
		accepted  bool
	)
	err := m.store.Update(ctx, account, func(st *model.AccountState) error {
		t := &txn{m: m, account: account, st: st}
		err := fn(t)
		applied = applied || t.applied
		if err != nil {
			return err
		}
		committed = t.events
		accepted = true
		return nil
	})
	if err != nil {
		if applied && accepted {
			m.logger.ErrorContext(ctx, "account owners changed but ledger commit failed",
				"op", op, "account", account.Hex(), "error", err)
			return fmt.Errorf("%s: commit after account change: %w", op, err)
		}
		m.logger.DebugContext(ctx, "recovery transition rejected", "op", op, "account", account.Hex(), "error", err)
		return err
	}
	m.logger.InfoContext(ctx, "recovery transition committed", "op", op, "account", account.Hex(), "events", len(committed))
	if len(committed) > 0 {
		m.events.Publish(ctx, committed)
	}
	return nil
}

func (m *Module) resolve(ctx context.Context, account common.Address) (Account, error) {
	acct, err := m.accounts.Account(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("resolve account %s: %w", account.Hex(), err)
	}
	return acct, nil
}

func (m *Module) requireEnabled(ctx context.Context, acct Account) error {
	ok, err := acct.IsModuleEnabled(ctx, m.address)
	if err != nil {
		return err
	}
	if !ok {
		return ErrModuleNotEnabled
	}
	return nil
}

func (m *Module) view(ctx context.Context, account common.Address) (model.AccountState, error) {
	return m.store.View(ctx, account)
}

func hexAddresses(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}
