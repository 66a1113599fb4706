package model

import (
	"github.com/ethereum/go-ethereum/common"
)

// GuardianList is a singly linked list of guardians rooted at SentinelAddress.
// Next maps every node to its successor and the last guardian points back to
// the sentinel, so an empty list is {sentinel: sentinel}.
type GuardianList struct {
	Next      map[common.Address]common.Address `json:"next"`
	Count     uint64                            `json:"count"`
	Threshold uint64                            `json:"threshold"`
}

// NewGuardianList returns an empty list.
func NewGuardianList() GuardianList {
	return GuardianList{Next: map[common.Address]common.Address{SentinelAddress: SentinelAddress}}
}

// Contains reports whether addr is a guardian.
func (l GuardianList) Contains(addr common.Address) bool {
	if addr == SentinelAddress || addr == (common.Address{}) {
		return false
	}
	_, ok := l.Next[addr]
	return ok
}

// Members materializes the list head first.
func (l GuardianList) Members() []common.Address {
	out := make([]common.Address, 0, l.Count)
	if l.Next == nil {
		return out
	}
	for cur := l.Next[SentinelAddress]; cur != SentinelAddress && cur != (common.Address{}); cur = l.Next[cur] {
		out = append(out, cur)
	}
	return out
}

// Follows reports whether prev immediately precedes guardian.
func (l GuardianList) Follows(prev, guardian common.Address) bool {
	next, ok := l.Next[prev]
	return ok && next == guardian
}

// PushFront inserts guardian as the new head. The caller has already checked
// that guardian is valid and not present.
func (l *GuardianList) PushFront(guardian common.Address) {
	if l.Next == nil {
		*l = NewGuardianList()
	}
	l.Next[guardian] = l.Next[SentinelAddress]
	l.Next[SentinelAddress] = guardian
	l.Count++
}

// Unlink removes guardian given its predecessor. The caller has already
// checked Follows(prev, guardian).
func (l *GuardianList) Unlink(prev, guardian common.Address) {
	l.Next[prev] = l.Next[guardian]
	delete(l.Next, guardian)
	l.Count--
}

// Clone returns a deep copy of the list.
func (l GuardianList) Clone() GuardianList {
	out := l
	if l.Next != nil {
		out.Next = make(map[common.Address]common.Address, len(l.Next))
		for k, v := range l.Next {
			out.Next[k] = v
		}
	}
	return out
}
