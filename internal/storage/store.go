// Package storage provides interfaces and implementations for persistent storage
// of recovery ledger state, events, session nonces, idempotency records and
// session signing keys.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
)

// Standard error values used across storage implementations
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the resource already exists or the operation would violate invariants.
	ErrConflict = errors.New("conflict")
)

// LedgerStore holds per-account guardian and recovery state.
type LedgerStore interface {
	// View returns a copy of the account's state. Accounts that were never
	// written return the empty state, not ErrNotFound.
	View(ctx context.Context, account common.Address) (model.AccountState, error)
	// Update runs fn against a private copy of the account's state and commits
	// the copy only when fn returns nil. Commits for one account are
	// serialized. fn may run more than once if the backend retries.
	Update(ctx context.Context, account common.Address, fn func(*model.AccountState) error) error
}

// EventLogStore is the append-only history of emitted events per account.
type EventLogStore interface {
	// AppendEvent stores the event and returns it with Seq assigned
	AppendEvent(ctx context.Context, event model.Event) (model.Event, error)
	// ListEvents returns events for account, oldest first
	ListEvents(ctx context.Context, account common.Address) ([]model.Event, error)
}

// SessionNonceStore manages nonce lifecycle for session issuance.
// Implements a single-use challenge mechanism for secure authentication.
type SessionNonceStore interface {
	// PutNonce stores a new nonce for later validation
	PutNonce(ctx context.Context, nonce model.Nonce) error
	// ConsumeNonce retrieves and invalidates a nonce (single-use)
	ConsumeNonce(ctx context.Context, nonce string) (model.Nonce, error)
	// CleanupExpired removes expired nonces from storage
	CleanupExpired(ctx context.Context, now time.Time) error
}

// IdempotencyStore stores deterministic responses for a limited period.
// Enables idempotent handling of otherwise non-idempotent operations.
type IdempotencyStore interface {
	// Remember stores a response for later retrieval
	Remember(ctx context.Context, key string, response StoredResponse) error
	// Recall retrieves a previously stored response if it exists and hasn't expired
	Recall(ctx context.Context, key string) (StoredResponse, bool)
}

// SigningKeyStore keeps the service keys that sign session tokens.
type SigningKeyStore interface {
	AddSigningKey(ctx context.Context, key model.JWTSigningKey) error
	GetSigningKeyByID(ctx context.Context, keyID string) (model.JWTSigningKey, error)
	// GetCurrentSigningKey returns the most recently activated, unretired key
	GetCurrentSigningKey(ctx context.Context) (model.JWTSigningKey, error)
	// ListActiveSigningKeys includes retired keys that have not expired yet
	ListActiveSigningKeys(ctx context.Context) ([]model.JWTSigningKey, error)
	RetireSigningKey(ctx context.Context, keyID string, retiredAt time.Time) error
}

// Store aggregates all persistence capabilities required by the service.
type Store interface {
	LedgerStore
	EventLogStore
	SessionNonceStore
	IdempotencyStore
	SigningKeyStore
}

// StoredResponse captures the HTTP response data persisted for idempotent replays.
type StoredResponse struct {
	StatusCode int               `json:"statusCode"` // HTTP status code of the original response
	Body       []byte            `json:"body"`       // Response body content
	Headers    map[string]string `json:"headers"`    // Response headers
	ExpiresAt  time.Time         `json:"expiresAt"`  // Expiration timestamp for this cached response
}

func accountKey(account common.Address) string {
	return account.Hex()
}

// Pinger is implemented by backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

var (
	_ Store = (*memory)(nil)
	_ Store = (*Postgres)(nil)
	_ Store = (*Badger)(nil)
)
