// Package storage contains the PostgreSQL implementation of the Store interface.
// Account state is kept as one JSONB document per account and mutated under a
// row lock, so every ledger transition is a single serializable step.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
)

const (
	pgQueryTimeout    = 10 * time.Second
	pgConnectMaxRetry = 30 * time.Second
)

// Postgres implements Store on top of a database/sql pool using the pgx driver.
type Postgres struct {
	db     *sql.DB // Database connection pool
	logger *slog.Logger
}

// NewPostgres opens a pool, waits for the database to accept connections and
// applies migrations.
//
// Connection pool configuration:
// - Max 25 open connections to prevent overwhelming the database
// - Max 5 idle connections to maintain a warm pool
// - 5-minute lifetime and idle time to prevent stale connections
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	// The database may still be starting when the daemon boots (compose, k8s);
	// retry the ping with exponential backoff before giving up.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = pgConnectMaxRetry
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			logger.Warn("postgres not ready", "attempt", attempt, "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := MigratePostgres(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db, logger: logger}, nil
}

// DB returns the underlying *sql.DB connection pool.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// Ping reports whether the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// View loads the account document without locking it.
func (p *Postgres) View(ctx context.Context, account common.Address) (model.AccountState, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	const q = `SELECT state FROM recovery_accounts WHERE account = $1`
	var raw []byte
	err := p.db.QueryRowContext(ctx, q, accountKey(account)).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.NewAccountState(account), nil
		}
		return model.AccountState{}, fmt.Errorf("query account: %w", err)
	}
	return decodeState(account, raw)
}

// Update locks the account row for the duration of fn. A missing row is
// inserted first so that concurrent first writes also serialize on the lock.
func (p *Postgres) Update(ctx context.Context, account common.Address, fn func(*model.AccountState) error) error {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	key := accountKey(account)
	empty, err := json.Marshal(model.NewAccountState(account))
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	const insert = `INSERT INTO recovery_accounts (account, state, updated_at) VALUES ($1, $2, $3) ON CONFLICT (account) DO NOTHING`
	if _, err := tx.ExecContext(ctx, insert, key, empty, time.Now().UTC()); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}

	const lock = `SELECT state FROM recovery_accounts WHERE account = $1 FOR UPDATE`
	var raw []byte
	if err := tx.QueryRowContext(ctx, lock, key).Scan(&raw); err != nil {
		return fmt.Errorf("lock account: %w", err)
	}
	st, err := decodeState(account, raw)
	if err != nil {
		return err
	}
	if err := fn(&st); err != nil {
		return err
	}
	st.UpdatedAt = time.Now().UTC()
	next, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	const update = `UPDATE recovery_accounts SET state = $1, updated_at = $2 WHERE account = $3`
	if _, err := tx.ExecContext(ctx, update, next, st.UpdatedAt, key); err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit account: %w", err)
	}
	return nil
}

func decodeState(account common.Address, raw []byte) (model.AccountState, error) {
	st := model.NewAccountState(account)
	if err := json.Unmarshal(raw, &st); err != nil {
		return model.AccountState{}, fmt.Errorf("unmarshal state: %w", err)
	}
	if st.Guardians.Next == nil {
		st.Guardians = model.NewGuardianList()
	}
	return st, nil
}

// AppendEvent inserts an event; Seq is the row id.
func (p *Postgres) AppendEvent(ctx context.Context, event model.Event) (model.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return model.Event{}, fmt.Errorf("marshal payload: %w", err)
	}
	const q = `INSERT INTO recovery_events (account, event_type, actor, correlation_id, occurred_at, payload) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	var id int64
	err = p.db.QueryRowContext(ctx, q, accountKey(event.Account), string(event.Type), event.Actor, event.CorrelationID, event.At, payload).Scan(&id)
	if err != nil {
		return model.Event{}, fmt.Errorf("insert event: %w", err)
	}
	event.Seq = uint64(id)
	return event, nil
}

// ListEvents returns the account's events in insertion order.
func (p *Postgres) ListEvents(ctx context.Context, account common.Address) ([]model.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	const q = `SELECT id, event_type, actor, correlation_id, occurred_at, payload FROM recovery_events WHERE account = $1 ORDER BY id ASC`
	rows, err := p.db.QueryContext(ctx, q, accountKey(account))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			e       model.Event
			id      int64
			typ     string
			payload []byte
		)
		if err := rows.Scan(&id, &typ, &e.Actor, &e.CorrelationID, &e.At, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Account = account
		e.Seq = uint64(id)
		e.Type = model.EventType(typ)
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// PutNonce stores a new nonce for later validation in PostgreSQL.
func (p *Postgres) PutNonce(ctx context.Context, nonce model.Nonce) error {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	const q = `INSERT INTO session_nonces (value, address, audience, expires_at, used) VALUES ($1, $2, $3, $4, $5)`
	if _, err := p.db.ExecContext(ctx, q, nonce.Value, nonce.Address, nonce.Audience, nonce.ExpiresAt, nonce.Used); err != nil {
		return fmt.Errorf("insert nonce: %w", err)
	}
	return nil
}

// ConsumeNonce retrieves and invalidates a nonce (single-use) from PostgreSQL.
// Uses atomic UPDATE with RETURNING to ensure single-use semantics.
// Returns ErrNotFound if the nonce doesn't exist, has expired, or has already been used.
func (p *Postgres) ConsumeNonce(ctx context.Context, value string) (model.Nonce, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	const q = `UPDATE session_nonces SET used = true WHERE value = $1 AND expires_at > $2 AND used = false RETURNING address, audience, expires_at`
	var nonce model.Nonce
	err := p.db.QueryRowContext(ctx, q, value, time.Now().UTC()).Scan(&nonce.Address, &nonce.Audience, &nonce.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Nonce{}, ErrNotFound
		}
		return model.Nonce{}, fmt.Errorf("consume nonce: %w", err)
	}
	nonce.Value = value
	nonce.Used = true
	return nonce, nil
}

// CleanupExpired removes expired nonces and cached responses.
func (p *Postgres) CleanupExpired(ctx context.Context, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	if _, err := p.db.ExecContext(ctx, `DELETE FROM session_nonces WHERE expires_at <= $1`, now); err != nil {
		return fmt.Errorf("cleanup nonces: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_cache WHERE expires_at <= $1`, now); err != nil {
		return fmt.Errorf("cleanup idempotency cache: %w", err)
	}
	return nil
}

// Remember stores a response for later retrieval to support idempotent operations.
func (p *Postgres) Remember(ctx context.Context, key string, response StoredResponse) error {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	headers, err := json.Marshal(response.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	const q = `INSERT INTO idempotency_cache (key, status_code, body, headers, expires_at) VALUES ($1, $2, $3, $4, $5)
	           ON CONFLICT (key) DO UPDATE SET status_code = EXCLUDED.status_code, body = EXCLUDED.body, headers = EXCLUDED.headers, expires_at = EXCLUDED.expires_at`
	if _, err := p.db.ExecContext(ctx, q, key, response.StatusCode, response.Body, headers, response.ExpiresAt); err != nil {
		return fmt.Errorf("insert cache: %w", err)
	}
	return nil
}

// Recall retrieves a previously stored response if it exists and hasn't expired.
func (p *Postgres) Recall(ctx context.Context, key string) (StoredResponse, bool) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	const q = `SELECT status_code, body, headers, expires_at FROM idempotency_cache WHERE key = $1 AND expires_at > $2`
	var (
		response StoredResponse
		headers  []byte
	)
	err := p.db.QueryRowContext(ctx, q, key, time.Now().UTC()).Scan(&response.StatusCode, &response.Body, &headers, &response.ExpiresAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			p.logger.Warn("recall idempotent response failed", "error", err)
		}
		return StoredResponse{}, false
	}
	if err := json.Unmarshal(headers, &response.Headers); err != nil {
		return StoredResponse{}, false
	}
	return response, true
}
