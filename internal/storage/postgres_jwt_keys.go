package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
)

const signingKeyColumns = `id, private_key, public_key, created_at, activated_at, retired_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSigningKey(row rowScanner) (model.JWTSigningKey, error) {
	var (
		key       model.JWTSigningKey
		retiredAt sql.NullTime
	)
	if err := row.Scan(&key.ID, &key.PrivateKey, &key.PublicKey, &key.CreatedAt, &key.ActivatedAt, &retiredAt, &key.ExpiresAt); err != nil {
		return model.JWTSigningKey{}, err
	}
	if retiredAt.Valid {
		key.RetiredAt = retiredAt.Time
	}
	return key, nil
}

// GetCurrentSigningKey returns the most recently activated key that is not retired.
func (p *Postgres) GetCurrentSigningKey(ctx context.Context) (model.JWTSigningKey, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	const q = `SELECT ` + signingKeyColumns + ` FROM jwt_signing_keys
	           WHERE (retired_at IS NULL OR retired_at > $1) AND activated_at <= $1 AND expires_at > $1
	           ORDER BY activated_at DESC LIMIT 1`
	key, err := scanSigningKey(p.db.QueryRowContext(ctx, q, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.JWTSigningKey{}, ErrNotFound
		}
		return model.JWTSigningKey{}, fmt.Errorf("get current signing key: %w", err)
	}
	return key, nil
}

// GetSigningKeyByID retrieves a specific signing key by its ID.
func (p *Postgres) GetSigningKeyByID(ctx context.Context, keyID string) (model.JWTSigningKey, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	const q = `SELECT ` + signingKeyColumns + ` FROM jwt_signing_keys WHERE id = $1`
	key, err := scanSigningKey(p.db.QueryRowContext(ctx, q, keyID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.JWTSigningKey{}, ErrNotFound
		}
		return model.JWTSigningKey{}, fmt.Errorf("get signing key by ID: %w", err)
	}
	return key, nil
}

// ListActiveSigningKeys returns keys that can still verify tokens (including
// those in the overlap window after retirement).
func (p *Postgres) ListActiveSigningKeys(ctx context.Context) ([]model.JWTSigningKey, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	const q = `SELECT ` + signingKeyColumns + ` FROM jwt_signing_keys
	           WHERE expires_at > $1 AND activated_at <= $1 ORDER BY activated_at DESC`
	rows, err := p.db.QueryContext(ctx, q, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list active signing keys: %w", err)
	}
	defer rows.Close()

	var keys []model.JWTSigningKey
	for rows.Next() {
		key, err := scanSigningKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signing key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signing keys: %w", err)
	}
	return keys, nil
}

// AddSigningKey adds a new signing key.
func (p *Postgres) AddSigningKey(ctx context.Context, key model.JWTSigningKey) error {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	var retiredAt sql.NullTime
	if !key.RetiredAt.IsZero() {
		retiredAt = sql.NullTime{Time: key.RetiredAt, Valid: true}
	}
	const q = `INSERT INTO jwt_signing_keys (` + signingKeyColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`
	res, err := p.db.ExecContext(ctx, q, key.ID, key.PrivateKey, key.PublicKey, key.CreatedAt, key.ActivatedAt, retiredAt, key.ExpiresAt)
	if err != nil {
		return fmt.Errorf("add signing key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// RetireSigningKey marks a signing key as retired. It keeps verifying tokens
// until its expiration time.
func (p *Postgres) RetireSigningKey(ctx context.Context, keyID string, retiredAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `UPDATE jwt_signing_keys SET retired_at = $1 WHERE id = $2`, retiredAt, keyID)
	if err != nil {
		return fmt.Errorf("retire signing key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
