// Package storage contains persistence abstractions and in-memory
// implementations for the recovery ledger used by the service.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
)

type memory struct {
	mu       sync.RWMutex
	accounts map[common.Address]model.AccountState
	events   map[common.Address][]model.Event
	nonces   map[string]model.Nonce
	idem     map[string]StoredResponse

	muJWTKeys      sync.RWMutex
	jwtSigningKeys map[string]model.JWTSigningKey

	now func() time.Time
}

// NewMemory returns a concurrency-safe in-memory implementation of Store.
// Useful for tests, demos, or as a default ephemeral backend.
func NewMemory() Store {
	return &memory{
		accounts:       make(map[common.Address]model.AccountState),
		events:         make(map[common.Address][]model.Event),
		nonces:         make(map[string]model.Nonce),
		idem:           make(map[string]StoredResponse),
		jwtSigningKeys: make(map[string]model.JWTSigningKey),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// View returns a copy of the account state, or the empty state.
func (m *memory) View(ctx context.Context, account common.Address) (model.AccountState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.accounts[account]
	if !ok {
		return model.NewAccountState(account), nil
	}
	return st.Clone(), nil
}

// Update applies fn to a copy and swaps it in on success.
func (m *memory) Update(ctx context.Context, account common.Address, fn func(*model.AccountState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.accounts[account]
	if ok {
		st = st.Clone()
	} else {
		st = model.NewAccountState(account)
	}
	if err := fn(&st); err != nil {
		return err
	}
	st.UpdatedAt = m.now()
	m.accounts[account] = st
	return nil
}

// AppendEvent adds an event to the account's log.
func (m *memory) AppendEvent(ctx context.Context, event model.Event) (model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.events[event.Account]
	event.Seq = uint64(len(log)) + 1
	event.Payload = clonePayload(event.Payload)
	m.events[event.Account] = append(log, event)
	return event, nil
}

// ListEvents returns a copy of the account's log.
func (m *memory) ListEvents(ctx context.Context, account common.Address) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.events[account]
	out := make([]model.Event, len(log))
	for i, e := range log {
		e.Payload = clonePayload(e.Payload)
		out[i] = e
	}
	return out, nil
}

// PutNonce stores a session challenge.
func (m *memory) PutNonce(ctx context.Context, nonce model.Nonce) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nonces[nonce.Value]; exists {
		return ErrConflict
	}
	m.nonces[nonce.Value] = nonce
	return nil
}

// ConsumeNonce marks a nonce used. Expired, unknown and used nonces all
// return ErrNotFound.
func (m *memory) ConsumeNonce(ctx context.Context, value string) (model.Nonce, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nonces[value]
	if !ok || n.Used || !n.ExpiresAt.After(m.now()) {
		return model.Nonce{}, ErrNotFound
	}
	n.Used = true
	m.nonces[value] = n
	return n, nil
}

// CleanupExpired drops nonces and cached responses past their expiry.
func (m *memory) CleanupExpired(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, n := range m.nonces {
		if !n.ExpiresAt.After(now) {
			delete(m.nonces, k)
		}
	}
	for k, r := range m.idem {
		if !r.ExpiresAt.After(now) {
			delete(m.idem, k)
		}
	}
	return nil
}

// Remember caches a response under key.
func (m *memory) Remember(ctx context.Context, key string, response StoredResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idem[key] = cloneResponse(response)
	return nil
}

// Recall returns a cached response that has not expired.
func (m *memory) Recall(ctx context.Context, key string) (StoredResponse, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.idem[key]
	if !ok || !r.ExpiresAt.After(m.now()) {
		return StoredResponse{}, false
	}
	return cloneResponse(r), true
}

func cloneResponse(in StoredResponse) StoredResponse {
	out := in
	out.Body = append([]byte(nil), in.Body...)
	if in.Headers != nil {
		out.Headers = make(map[string]string, len(in.Headers))
		for k, v := range in.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

func clonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
