package recovery

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
)

// applyOwners turns the current owner set into newOwners with as few owner
// operations as possible. Owners that stay are left in place, departing owners
// are swapped for incoming ones, surplus departing owners are removed and
// leftover incoming owners are appended. Running it against an account that
// already has the target owners only resets the threshold.
func applyOwners(ctx context.Context, om OwnerManager, newOwners []common.Address, newThreshold uint64) error {
	current, err := om.GetOwners(ctx)
	if err != nil {
		return err
	}
	keep := make(map[common.Address]bool, len(newOwners))
	for _, o := range newOwners {
		keep[o] = true
	}
	present := make(map[common.Address]bool, len(current))
	for _, o := range current {
		present[o] = true
	}
	pending := make([]common.Address, 0, len(newOwners))
	for _, o := range newOwners {
		if !present[o] {
			pending = append(pending, o)
		}
	}

	// owners mirrors the account's list as it is rewritten.
	owners := append([]common.Address(nil), current...)
	for i := 0; i < len(owners); {
		owner := owners[i]
		if keep[owner] {
			i++
			continue
		}
		prev := model.SentinelAddress
		if i > 0 {
			prev = owners[i-1]
		}
		if len(pending) > 0 {
			next := pending[0]
			if err := om.SwapOwner(ctx, prev, owner, next); err != nil {
				return fmt.Errorf("%w: %w", ErrOwnerReplacementFailed, err)
			}
			pending = pending[1:]
			owners[i] = next
			i++
			continue
		}
		if err := om.RemoveOwner(ctx, prev, owner, 1); err != nil {
			return fmt.Errorf("%w: %w", ErrOwnerRemovalFailed, err)
		}
		owners = append(owners[:i], owners[i+1:]...)
	}
	for _, o := range pending {
		if err := om.AddOwnerWithThreshold(ctx, o, 1); err != nil {
			return fmt.Errorf("%w: %w", ErrOwnerAdditionFailed, err)
		}
	}
	if err := om.ChangeThreshold(ctx, newThreshold); err != nil {
		return fmt.Errorf("%w: %w", ErrChangeThresholdFailed, err)
	}
	return nil
}
