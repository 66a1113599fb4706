// Package model defines the ledger and session data shapes shared by storage,
// the recovery module and the HTTP handlers.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SentinelAddress marks the head of every guardian list. It is never a guardian.
var SentinelAddress = common.HexToAddress("0x0000000000000000000000000000000000000001")

// RecoveryRequest is the single pending proposal of an account. The zero value
// means no recovery is in progress.
type RecoveryRequest struct {
	GuardiansApprovalCount uint64           `json:"guardiansApprovalCount"`
	NewThreshold           uint64           `json:"newThreshold"`
	ExecuteAfter           uint64           `json:"executeAfter"` // unix seconds
	NewOwners              []common.Address `json:"newOwners"`
}

// Active reports whether the request is in the proposed state.
func (r RecoveryRequest) Active() bool {
	return r.ExecuteAfter != 0
}

// Clone returns a deep copy of the request.
func (r RecoveryRequest) Clone() RecoveryRequest {
	out := r
	if r.NewOwners != nil {
		out.NewOwners = append([]common.Address(nil), r.NewOwners...)
	}
	return out
}

// AccountState is everything the ledger holds for a single account.
type AccountState struct {
	Account   common.Address                          `json:"account"`
	Guardians GuardianList                            `json:"guardians"`
	Nonce     uint64                                  `json:"nonce"`
	Request   RecoveryRequest                         `json:"request"`
	Approvals map[common.Hash]map[common.Address]bool `json:"approvals,omitempty"`
	UpdatedAt time.Time                               `json:"updatedAt"`
}

// NewAccountState returns the empty state an account starts with.
func NewAccountState(account common.Address) AccountState {
	return AccountState{Account: account, Guardians: NewGuardianList()}
}

// Approve records guardian's approval of hash.
func (s *AccountState) Approve(hash common.Hash, guardian common.Address) {
	if s.Approvals == nil {
		s.Approvals = make(map[common.Hash]map[common.Address]bool)
	}
	set, ok := s.Approvals[hash]
	if !ok {
		set = make(map[common.Address]bool)
		s.Approvals[hash] = set
	}
	set[guardian] = true
}

// HasApproved reports whether guardian approved hash. Membership in the current
// guardian list is not checked here.
func (s *AccountState) HasApproved(hash common.Hash, guardian common.Address) bool {
	return s.Approvals[hash][guardian]
}

// AdvanceNonce moves the account into the next recovery round. Approvals are
// only ever recorded against the current nonce, so all of them become stale.
func (s *AccountState) AdvanceNonce() {
	s.Nonce++
	s.Approvals = nil
}

// Clone returns a deep copy of the state.
func (s AccountState) Clone() AccountState {
	out := s
	out.Guardians = s.Guardians.Clone()
	out.Request = s.Request.Clone()
	if s.Approvals != nil {
		out.Approvals = make(map[common.Hash]map[common.Address]bool, len(s.Approvals))
		for h, set := range s.Approvals {
			cp := make(map[common.Address]bool, len(set))
			for g, ok := range set {
				cp[g] = ok
			}
			out.Approvals[h] = cp
		}
	}
	return out
}

// SignatureData is one entry of a batched approval. An empty Signature is a
// null signature that stands for the transaction sender.
type SignatureData struct {
	Signer    common.Address `json:"signer"`
	Signature hexutil.Bytes  `json:"signature"`
}

// Nonce is a single-use challenge handed out before a session is issued.
type Nonce struct {
	Value     string    `json:"value"`
	Address   string    `json:"address"`
	Audience  string    `json:"audience"`
	ExpiresAt time.Time `json:"expiresAt"`
	Used      bool      `json:"used"`
}

// JWTSigningKey is a service key used to sign session tokens. Keys overlap
// during rotation: a retired key still verifies until it expires.
type JWTSigningKey struct {
	ID          string    `json:"id"`
	PrivateKey  []byte    `json:"privateKey,omitempty"`
	PublicKey   []byte    `json:"publicKey"`
	CreatedAt   time.Time `json:"createdAt"`
	ActivatedAt time.Time `json:"activatedAt"`
	RetiredAt   time.Time `json:"retiredAt,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Active reports whether the key may sign new tokens at now.
func (k JWTSigningKey) Active(now time.Time) bool {
	if k.ActivatedAt.After(now) {
		return false
	}
	return k.RetiredAt.IsZero() || k.RetiredAt.After(now)
}

// Expired reports whether the key can no longer verify tokens at now.
func (k JWTSigningKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && k.ExpiresAt.Before(now)
}
