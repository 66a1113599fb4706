// Package server contains HTTP handlers for the recovery service.
// This file handles initialization of JWT signing keys.
package server

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/config"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/storage"
)

// signingKeyLifetime bounds how long a session signing key verifies tokens.
const signingKeyLifetime = 365 * 24 * time.Hour

// initializeSigningKey ensures that at least one signing key exists in storage.
// If no keys exist, it creates and stores the initial signing key from config.
func initializeSigningKey(ctx context.Context, store storage.SigningKeyStore, cfg config.Config, now time.Time) error {
	keys, err := store.ListActiveSigningKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list signing keys: %w", err)
	}
	if len(keys) > 0 {
		return nil
	}

	if len(cfg.JWTPrivateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid JWT signing key size: %d bytes, expected %d", len(cfg.JWTPrivateKey), ed25519.PrivateKeySize)
	}
	key := newSigningKey(ed25519.PrivateKey(cfg.JWTPrivateKey), now)
	if err := store.AddSigningKey(ctx, key); err != nil {
		return fmt.Errorf("failed to store initial signing key: %w", err)
	}
	return nil
}

func newSigningKey(priv ed25519.PrivateKey, now time.Time) model.JWTSigningKey {
	pub := priv.Public().(ed25519.PublicKey)
	return model.JWTSigningKey{
		ID:          fmt.Sprintf("key-%x", pub[:4]),
		PrivateKey:  []byte(priv),
		PublicKey:   []byte(pub),
		CreatedAt:   now,
		ActivatedAt: now,
		ExpiresAt:   now.Add(signingKeyLifetime),
	}
}
