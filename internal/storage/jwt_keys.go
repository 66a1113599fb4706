package storage

import (
	"context"
	"time"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
)

// GetCurrentSigningKey returns the currently active signing key
func (m *memory) GetCurrentSigningKey(ctx context.Context) (model.JWTSigningKey, error) {
	m.muJWTKeys.RLock()
	defer m.muJWTKeys.RUnlock()

	now := m.now()
	var current model.JWTSigningKey
	found := false
	for _, key := range m.jwtSigningKeys {
		if !key.Active(now) || key.Expired(now) {
			continue
		}
		if !found || key.ActivatedAt.After(current.ActivatedAt) {
			current = key
			found = true
		}
	}
	if !found {
		return model.JWTSigningKey{}, ErrNotFound
	}
	return cloneJWTSigningKey(current), nil
}

// GetSigningKeyByID retrieves a specific signing key by its ID
func (m *memory) GetSigningKeyByID(ctx context.Context, keyID string) (model.JWTSigningKey, error) {
	m.muJWTKeys.RLock()
	defer m.muJWTKeys.RUnlock()

	key, ok := m.jwtSigningKeys[keyID]
	if !ok {
		return model.JWTSigningKey{}, ErrNotFound
	}
	return cloneJWTSigningKey(key), nil
}

// ListActiveSigningKeys returns all keys that can still verify tokens,
// including retired keys inside their overlap window.
func (m *memory) ListActiveSigningKeys(ctx context.Context) ([]model.JWTSigningKey, error) {
	m.muJWTKeys.RLock()
	defer m.muJWTKeys.RUnlock()

	now := m.now()
	var keys []model.JWTSigningKey
	for _, key := range m.jwtSigningKeys {
		if key.Expired(now) || key.ActivatedAt.After(now) {
			continue
		}
		keys = append(keys, cloneJWTSigningKey(key))
	}
	return keys, nil
}

// AddSigningKey adds a new signing key to the store
func (m *memory) AddSigningKey(ctx context.Context, key model.JWTSigningKey) error {
	m.muJWTKeys.Lock()
	defer m.muJWTKeys.Unlock()

	if _, exists := m.jwtSigningKeys[key.ID]; exists {
		return ErrConflict
	}
	m.jwtSigningKeys[key.ID] = cloneJWTSigningKey(key)
	return nil
}

// RetireSigningKey marks a signing key as retired.
// It keeps verifying tokens until its expiration time.
func (m *memory) RetireSigningKey(ctx context.Context, keyID string, retiredAt time.Time) error {
	m.muJWTKeys.Lock()
	defer m.muJWTKeys.Unlock()

	key, ok := m.jwtSigningKeys[keyID]
	if !ok {
		return ErrNotFound
	}
	key.RetiredAt = retiredAt
	m.jwtSigningKeys[keyID] = key
	return nil
}

// cloneJWTSigningKey creates a deep copy of a JWTSigningKey to prevent external modification
func cloneJWTSigningKey(in model.JWTSigningKey) model.JWTSigningKey {
	out := in
	if in.PrivateKey != nil {
		out.PrivateKey = append([]byte(nil), in.PrivateKey...)
	}
	if in.PublicKey != nil {
		out.PublicKey = append([]byte(nil), in.PublicKey...)
	}
	return out
}
