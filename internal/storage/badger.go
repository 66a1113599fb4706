package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
)

// BadgerConfig configures the embedded ledger.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM. Useful for tests and dev.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration
	// Logger receives badger's internal logs. Nil silences them.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns durable settings for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true, GCInterval: 5 * time.Minute}
}

// InMemoryBadgerConfig returns settings for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

const (
	prefixAccount  = "acct/"
	prefixEventSeq = "evseq/"
	prefixEvent    = "event/"
	prefixNonce    = "nonce/"
	prefixIdem     = "idem/"
	prefixJWTKey   = "jwtkey/"

	badgerConflictRetry = 2 * time.Second
)

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Badger implements Store on an embedded BadgerDB.
type Badger struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewBadger opens the database described by cfg.
func NewBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	b := &Badger{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		stop:   make(chan struct{}),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.wg.Add(1)
		go b.runGC(cfg.GCInterval)
	}
	return b, nil
}

func (b *Badger) runGC(interval time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			for b.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

// Ping reports whether the database is open.
func (b *Badger) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

// Close stops GC and closes the database.
func (b *Badger) Close() error {
	close(b.stop)
	b.wg.Wait()
	return b.db.Close()
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (b *Badger) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxElapsedTime = badgerConflictRetry
	return backoff.Retry(func() error {
		err := b.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e := badger.NewEntry(key, raw)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return txn.SetEntry(e)
}

func loadState(txn *badger.Txn, account common.Address) (model.AccountState, error) {
	st := model.NewAccountState(account)
	err := getJSON(txn, []byte(prefixAccount+accountKey(account)), &st)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return model.AccountState{}, fmt.Errorf("read account: %w", err)
	}
	if st.Guardians.Next == nil {
		st.Guardians = model.NewGuardianList()
	}
	return st, nil
}

// View returns the account's state or the empty state.
func (b *Badger) View(ctx context.Context, account common.Address) (model.AccountState, error) {
	var st model.AccountState
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		st, err = loadState(txn, account)
		return err
	})
	return st, err
}

// Update applies fn inside a read-write transaction.
func (b *Badger) Update(ctx context.Context, account common.Address, fn func(*model.AccountState) error) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		st, err := loadState(txn, account)
		if err != nil {
			return err
		}
		if err := fn(&st); err != nil {
			return err
		}
		st.UpdatedAt = b.now()
		return setJSON(txn, []byte(prefixAccount+accountKey(account)), st, 0)
	})
}

func eventKey(account common.Address, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", prefixEvent, accountKey(account), seq))
}

// AppendEvent assigns the next per-account sequence number and stores the event.
func (b *Badger) AppendEvent(ctx context.Context, event model.Event) (model.Event, error) {
	err := b.update(ctx, func(txn *badger.Txn) error {
		seqKey := []byte(prefixEventSeq + accountKey(event.Account))
		var seq uint64
		item, err := txn.Get(seqKey)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				seq = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		seq++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, seq)
		if err := txn.Set(seqKey, buf); err != nil {
			return err
		}
		event.Seq = seq
		return setJSON(txn, eventKey(event.Account, seq), event, 0)
	})
	if err != nil {
		return model.Event{}, fmt.Errorf("append event: %w", err)
	}
	return event, nil
}

// ListEvents scans the account's event prefix in sequence order.
func (b *Badger) ListEvents(ctx context.Context, account common.Address) ([]model.Event, error) {
	prefix := []byte(prefixEvent + accountKey(account) + "/")
	var events []model.Event
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e model.Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// PutNonce stores a nonce with a TTL matching its expiry.
func (b *Badger) PutNonce(ctx context.Context, nonce model.Nonce) error {
	ttl := nonce.ExpiresAt.Sub(b.now())
	if ttl <= 0 {
		return fmt.Errorf("nonce already expired")
	}
	return b.update(ctx, func(txn *badger.Txn) error {
		key := []byte(prefixNonce + nonce.Value)
		if _, err := txn.Get(key); err == nil {
			return ErrConflict
		}
		return setJSON(txn, key, nonce, ttl)
	})
}

// ConsumeNonce deletes the nonce and returns it if it was still valid.
func (b *Badger) ConsumeNonce(ctx context.Context, value string) (model.Nonce, error) {
	var n model.Nonce
	err := b.update(ctx, func(txn *badger.Txn) error {
		key := []byte(prefixNonce + value)
		if err := getJSON(txn, key, &n); err != nil {
			return err
		}
		if n.Used || !n.ExpiresAt.After(b.now()) {
			return ErrNotFound
		}
		n.Used = true
		return txn.Delete(key)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Nonce{}, ErrNotFound
		}
		return model.Nonce{}, fmt.Errorf("consume nonce: %w", err)
	}
	return n, nil
}

// CleanupExpired deletes expired nonces and responses that badger has not
// compacted away yet.
func (b *Badger) CleanupExpired(ctx context.Context, now time.Time) error {
	for _, prefix := range []string{prefixNonce, prefixIdem} {
		var stale [][]byte
		err := b.db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			p := []byte(prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				var probe struct {
					ExpiresAt time.Time `json:"expiresAt"`
				}
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &probe)
				}); err != nil {
					return err
				}
				if !probe.ExpiresAt.After(now) {
					stale = append(stale, it.Item().KeyCopy(nil))
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan %s: %w", prefix, err)
		}
		if len(stale) == 0 {
			continue
		}
		if err := b.update(ctx, func(txn *badger.Txn) error {
			for _, k := range stale {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("cleanup %s: %w", prefix, err)
		}
	}
	return nil
}

// Remember caches a response until its expiry.
func (b *Badger) Remember(ctx context.Context, key string, response StoredResponse) error {
	ttl := response.ExpiresAt.Sub(b.now())
	if ttl <= 0 {
		return nil
	}
	return b.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, []byte(prefixIdem+key), response, ttl)
	})
}

// Recall returns a cached response that has not expired.
func (b *Badger) Recall(ctx context.Context, key string) (StoredResponse, bool) {
	var r StoredResponse
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixIdem+key), &r)
	})
	if err != nil || !r.ExpiresAt.After(b.now()) {
		return StoredResponse{}, false
	}
	return r, true
}

// AddSigningKey stores a new service signing key.
func (b *Badger) AddSigningKey(ctx context.Context, key model.JWTSigningKey) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		k := []byte(prefixJWTKey + key.ID)
		if _, err := txn.Get(k); err == nil {
			return ErrConflict
		}
		return setJSON(txn, k, key, 0)
	})
}

// GetSigningKeyByID looks up a key by kid.
func (b *Badger) GetSigningKeyByID(ctx context.Context, keyID string) (model.JWTSigningKey, error) {
	var key model.JWTSigningKey
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixJWTKey+keyID), &key)
	})
	if err != nil {
		return model.JWTSigningKey{}, err
	}
	return key, nil
}

func (b *Badger) allSigningKeys() ([]model.JWTSigningKey, error) {
	var keys []model.JWTSigningKey
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefixJWTKey)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			var k model.JWTSigningKey
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &k)
			}); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return nil
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i].ActivatedAt.After(keys[j].ActivatedAt) })
	return keys, err
}

// GetCurrentSigningKey returns the newest active key.
func (b *Badger) GetCurrentSigningKey(ctx context.Context) (model.JWTSigningKey, error) {
	keys, err := b.allSigningKeys()
	if err != nil {
		return model.JWTSigningKey{}, fmt.Errorf("list signing keys: %w", err)
	}
	now := b.now()
	for _, k := range keys {
		if k.Active(now) && !k.Expired(now) {
			return k, nil
		}
	}
	return model.JWTSigningKey{}, ErrNotFound
}

// ListActiveSigningKeys returns keys that still verify tokens.
func (b *Badger) ListActiveSigningKeys(ctx context.Context) ([]model.JWTSigningKey, error) {
	keys, err := b.allSigningKeys()
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	now := b.now()
	var out []model.JWTSigningKey
	for _, k := range keys {
		if !k.Expired(now) && !k.ActivatedAt.After(now) {
			out = append(out, k)
		}
	}
	return out, nil
}

// RetireSigningKey stamps RetiredAt on a key.
func (b *Badger) RetireSigningKey(ctx context.Context, keyID string, retiredAt time.Time) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		k := []byte(prefixJWTKey + keyID)
		var key model.JWTSigningKey
		if err := getJSON(txn, k, &key); err != nil {
			return err
		}
		key.RetiredAt = retiredAt
		return setJSON(txn, k, key, 0)
	})
}
