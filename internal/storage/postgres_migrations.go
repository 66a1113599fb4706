package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// MigratePostgres applies schema migrations to the PostgreSQL database.
// Uses IF NOT EXISTS clauses to make migrations idempotent.
//
// Tables created:
// - recovery_accounts: one JSONB ledger document per account
// - recovery_events: append-only log of emitted events
// - session_nonces: single-use challenges for session authentication
// - idempotency_cache: cached responses for idempotent request handling
// - jwt_signing_keys: service keys that sign session tokens
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		// Guardians, threshold, nonce, pending request and approvals live in
		// state; the row is locked FOR UPDATE during every transition
		`CREATE TABLE IF NOT EXISTS recovery_accounts (
            account TEXT PRIMARY KEY,       -- checksummed account address
            state JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS recovery_events (
            id BIGSERIAL PRIMARY KEY,
            account TEXT NOT NULL,
            event_type TEXT NOT NULL,       -- GuardianAdded, RecoveryExecuted, ...
            actor TEXT NOT NULL,
            correlation_id TEXT NOT NULL,
            occurred_at TIMESTAMPTZ NOT NULL,
            payload JSONB NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_recovery_events_account ON recovery_events (account, id)`,
		`CREATE TABLE IF NOT EXISTS session_nonces (
            value TEXT PRIMARY KEY,
            address TEXT NOT NULL,          -- address that must sign the challenge
            audience TEXT NOT NULL,
            expires_at TIMESTAMPTZ NOT NULL,
            used BOOLEAN NOT NULL DEFAULT FALSE
        )`,
		`CREATE INDEX IF NOT EXISTS idx_session_nonces_expires_at ON session_nonces (expires_at)`,
		`CREATE TABLE IF NOT EXISTS idempotency_cache (
            key TEXT PRIMARY KEY,
            status_code INTEGER NOT NULL,
            body BYTEA NOT NULL,
            headers JSONB NOT NULL,
            expires_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_cache_expires_at ON idempotency_cache (expires_at)`,
		`CREATE TABLE IF NOT EXISTS jwt_signing_keys (
            id TEXT PRIMARY KEY,
            private_key BYTEA NOT NULL,     -- never exposed in APIs
            public_key BYTEA NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            activated_at TIMESTAMPTZ NOT NULL,
            retired_at TIMESTAMPTZ,         -- NULL while the key still signs
            expires_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_jwt_signing_keys_activated_at ON jwt_signing_keys (activated_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
