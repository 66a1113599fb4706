package wallet

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
)

// ownerSet is a Safe style owner list: a linked list rooted at the sentinel
// plus a signing threshold.
type ownerSet struct {
	self      common.Address
	next      map[common.Address]common.Address
	count     uint64
	threshold uint64
}

func newOwnerSet(self common.Address, owners []common.Address, threshold uint64) (ownerSet, error) {
	s := ownerSet{self: self, next: map[common.Address]common.Address{}}
	if len(owners) == 0 {
		return s, ErrThresholdTooHigh
	}
	if threshold == 0 {
		return s, ErrThresholdZero
	}
	if threshold > uint64(len(owners)) {
		return s, ErrThresholdTooHigh
	}
	cur := model.SentinelAddress
	for _, o := range owners {
		if !s.validOwner(o) {
			return s, ErrInvalidOwner
		}
		if _, dup := s.next[o]; dup {
			return s, ErrDuplicateOwner
		}
		s.next[cur] = o
		cur = o
	}
	s.next[cur] = model.SentinelAddress
	s.count = uint64(len(owners))
	s.threshold = threshold
	return s, nil
}

func (s ownerSet) validOwner(o common.Address) bool {
	return o != (common.Address{}) && o != model.SentinelAddress && o != s.self
}

func (s ownerSet) isOwner(o common.Address) bool {
	if o == model.SentinelAddress || o == (common.Address{}) {
		return false
	}
	_, ok := s.next[o]
	return ok
}

func (s ownerSet) list() []common.Address {
	out := make([]common.Address, 0, s.count)
	for cur := s.next[model.SentinelAddress]; cur != model.SentinelAddress && cur != (common.Address{}); cur = s.next[cur] {
		out = append(out, cur)
	}
	return out
}

func (s ownerSet) clone() ownerSet {
	out := s
	out.next = make(map[common.Address]common.Address, len(s.next))
	for k, v := range s.next {
		out.next[k] = v
	}
	return out
}

func (s *ownerSet) add(owner common.Address, threshold uint64) error {
	if !s.validOwner(owner) {
		return ErrInvalidOwner
	}
	if s.isOwner(owner) {
		return ErrDuplicateOwner
	}
	s.next[owner] = s.next[model.SentinelAddress]
	s.next[model.SentinelAddress] = owner
	s.count++
	if s.threshold != threshold {
		return s.changeThreshold(threshold)
	}
	return nil
}

func (s *ownerSet) remove(prev, owner common.Address, threshold uint64) error {
	if s.count-1 < threshold {
		return ErrThresholdTooHigh
	}
	if owner == (common.Address{}) || owner == model.SentinelAddress {
		return ErrInvalidOwner
	}
	if s.next[prev] != owner {
		return ErrInvalidPrevOwner
	}
	s.next[prev] = s.next[owner]
	delete(s.next, owner)
	s.count--
	if s.threshold != threshold {
		return s.changeThreshold(threshold)
	}
	return nil
}

func (s *ownerSet) swap(prev, oldOwner, newOwner common.Address) error {
	if !s.validOwner(newOwner) {
		return ErrInvalidOwner
	}
	if s.isOwner(newOwner) {
		return ErrDuplicateOwner
	}
	if oldOwner == (common.Address{}) || oldOwner == model.SentinelAddress {
		return ErrInvalidOwner
	}
	if s.next[prev] != oldOwner {
		return ErrInvalidPrevOwner
	}
	s.next[newOwner] = s.next[oldOwner]
	s.next[prev] = newOwner
	delete(s.next, oldOwner)
	return nil
}

func (s *ownerSet) changeThreshold(threshold uint64) error {
	if threshold > s.count {
		return ErrThresholdTooHigh
	}
	if threshold == 0 {
		return ErrThresholdZero
	}
	s.threshold = threshold
	return nil
}
