package recovery

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
)

// Account is the smart-contract account a module is installed on. It owns the
// owner set; the module only asks it to change that set.
type Account interface {
	Address() common.Address
	IsModuleEnabled(ctx context.Context, module common.Address) (bool, error)
	IsOwner(ctx context.Context, addr common.Address) (bool, error)
	GetOwners(ctx context.Context) ([]common.Address, error)
	GetThreshold(ctx context.Context) (uint64, error)
	// ExecFromModule runs fn with owner-management rights. Every change fn
	// makes is discarded when fn returns an error. Implementations reject
	// modules that are not enabled with their own error.
	ExecFromModule(ctx context.Context, module common.Address, fn func(OwnerManager) error) error
}

// OwnerManager mutates an account's owner list. Owners form a linked list
// rooted at model.SentinelAddress, so removals and swaps name the predecessor.
type OwnerManager interface {
	GetOwners(ctx context.Context) ([]common.Address, error)
	SwapOwner(ctx context.Context, prevOwner, oldOwner, newOwner common.Address) error
	RemoveOwner(ctx context.Context, prevOwner, owner common.Address, threshold uint64) error
	AddOwnerWithThreshold(ctx context.Context, owner common.Address, threshold uint64) error
	ChangeThreshold(ctx context.Context, threshold uint64) error
}

// AccountResolver finds the Account behind an address. It returns
// ErrUnknownAccount for addresses it does not manage.
type AccountResolver interface {
	Account(ctx context.Context, addr common.Address) (Account, error)
}

// SignatureValidator is implemented by contract accounts that can act as
// guardians and vouch for signatures themselves (ERC-1271).
type SignatureValidator interface {
	IsValidSignature(ctx context.Context, hash common.Hash, signature []byte) (bool, error)
}

// EventSink receives the events of a committed transition, in order.
type EventSink interface {
	Publish(ctx context.Context, events []model.Event)
}

type discardSink struct{}

func (discardSink) Publish(context.Context, []model.Event) {}
