package recovery

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
)

// listManager records owner operations against a plain ordered list.
type listManager struct {
	owners    []common.Address
	threshold uint64
	calls     []string
}

func (l *listManager) GetOwners(context.Context) ([]common.Address, error) {
	return append([]common.Address(nil), l.owners...), nil
}

func (l *listManager) indexAfter(prev common.Address) int {
	if prev == model.SentinelAddress {
		return 0
	}
	for i, o := range l.owners {
		if o == prev {
			return i + 1
		}
	}
	return -1
}

func (l *listManager) SwapOwner(_ context.Context, prev, old, next common.Address) error {
	i := l.indexAfter(prev)
	if i < 0 || i >= len(l.owners) || l.owners[i] != old {
		return fmt.Errorf("bad swap %s -> %s", old.Hex(), next.Hex())
	}
	l.owners[i] = next
	l.calls = append(l.calls, "swap "+old.Hex()[38:]+" "+next.Hex()[38:])
	return nil
}

func (l *listManager) RemoveOwner(_ context.Context, prev, owner common.Address, threshold uint64) error {
	i := l.indexAfter(prev)
	if i < 0 || i >= len(l.owners) || l.owners[i] != owner {
		return fmt.Errorf("bad remove %s", owner.Hex())
	}
	l.owners = append(l.owners[:i], l.owners[i+1:]...)
	l.threshold = threshold
	l.calls = append(l.calls, "remove "+owner.Hex()[38:])
	return nil
}

func (l *listManager) AddOwnerWithThreshold(_ context.Context, owner common.Address, threshold uint64) error {
	l.owners = append([]common.Address{owner}, l.owners...)
	l.threshold = threshold
	l.calls = append(l.calls, "add "+owner.Hex()[38:])
	return nil
}

func (l *listManager) ChangeThreshold(_ context.Context, threshold uint64) error {
	l.threshold = threshold
	l.calls = append(l.calls, fmt.Sprintf("threshold %d", threshold))
	return nil
}

func addr(b byte) common.Address {
	return common.BytesToAddress([]byte{b})
}

func TestApplyOwners(t *testing.T) {
	a, b, c, d, e := addr(0xa1), addr(0xb2), addr(0xc3), addr(0xd4), addr(0xe5)
	cases := []struct {
		name      string
		current   []common.Address
		newOwners []common.Address
		calls     []string
	}{
		{
			name:      "replace single owner",
			current:   []common.Address{a},
			newOwners: []common.Address{d},
			calls:     []string{"swap " + a.Hex()[38:] + " " + d.Hex()[38:], "threshold 1"},
		},
		{
			name:      "keep one drop two",
			current:   []common.Address{a, b, c},
			newOwners: []common.Address{b},
			calls:     []string{"remove " + a.Hex()[38:], "remove " + c.Hex()[38:], "threshold 1"},
		},
		{
			name:      "swap then add",
			current:   []common.Address{a},
			newOwners: []common.Address{d, e},
			calls:     []string{"swap " + a.Hex()[38:] + " " + d.Hex()[38:], "add " + e.Hex()[38:], "threshold 1"},
		},
		{
			name:      "already applied",
			current:   []common.Address{b, d},
			newOwners: []common.Address{d, b},
			calls:     []string{"threshold 1"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lm := &listManager{owners: append([]common.Address(nil), tc.current...), threshold: 1}
			require.NoError(t, applyOwners(context.Background(), lm, tc.newOwners, 1))
			assert.Equal(t, tc.calls, lm.calls)
			assert.ElementsMatch(t, tc.newOwners, lm.owners)
		})
	}
}
