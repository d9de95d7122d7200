// Package boltrepo keeps transaction records in a bolt database file, so that a recovery driver started
// after a crash finds whatever the previous process left unfinished.
package boltrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/avast/retry-go/v4"
	"github.com/boltdb/bolt"
	"github.com/go-logr/logr"
	"github.com/qbixus/tcc-go"
	"github.com/qbixus/tcc-go/internal"
	"sort"
	"time"
)

// DefaultBucket is the bucket records are kept in unless WithBucket says otherwise.
const DefaultBucket = "tcc_transactions"

var errStale = errors.New("stale")

type Repository struct {
	db     *bolt.DB
	bucket []byte
	now    func() time.Time
}

var _ tcc.Repository = &Repository{}

type options struct {
	bucket      string
	openTimeout time.Duration
	attempts    uint
	logger      logr.Logger
	now         func() time.Time
}

// Option настраивает [Repository].
type Option func(*options)

func WithBucket(name string) Option {
	internal.Assert(name != "", "#args: name")
	return func(o *options) { o.bucket = name }
}

// WithOpenRetry sets how long one attempt waits for the file lock and how many attempts Open makes.
func WithOpenRetry(timeout time.Duration, attempts uint) Option {
	internal.Assert(timeout > 0 && attempts > 0, "#args: timeout, attempts", timeout, attempts)
	return func(o *options) { o.openTimeout, o.attempts = timeout, attempts }
}

func WithLogger(logger logr.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithClock(now func() time.Time) Option {
	internal.Assert(now != nil, "#args: now")
	return func(o *options) { o.now = now }
}

// Open открывает (или создает) файл базы path. Пока файл заблокирован другим процессом, попытки открытия
// повторяются с экспоненциальной задержкой.
func Open(ctx context.Context, path string, opts ...Option) (*Repository, error) {
	o := options{
		bucket:      DefaultBucket,
		openTimeout: time.Second,
		attempts:    5,
		logger:      logr.Discard(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var db *bolt.DB
	err := retry.Do(
		func() error {
			var err error
			db, err = bolt.Open(path, 0o600, &bolt.Options{Timeout: o.openTimeout})
			return err
		},
		retry.OnRetry(func(n uint, err error) {
			o.logger.Error(err, "tcc.boltrepo.open_retry", "path", path, "attempt", n+1)
		}),
		retry.RetryIf(func(err error) bool { return errors.Is(err, bolt.ErrTimeout) }),
		retry.Attempts(o.attempts),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", tcc.ErrPersistence, path, err)
	}

	r := &Repository{db: db, bucket: []byte(o.bucket), now: o.now}
	err = db.Update(func(btx *bolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(r.bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: create bucket %s: %w", tcc.ErrPersistence, o.bucket, err)
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// Create implements [tcc.Repository.Create].
func (r *Repository) Create(_ context.Context, tx *tcc.Transaction) error {
	xid := tx.Xid()
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("%w: encode %v: %w", tcc.ErrPersistence, xid, err)
	}
	err = r.db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket(r.bucket)
		key := xid.Bytes()
		if b.Get(key) != nil {
			return tcc.ErrDuplicateXid
		}
		return b.Put(key, data)
	})
	return wrap(err, "create", xid)
}

// Update implements [tcc.Repository.Update].
func (r *Repository) Update(_ context.Context, tx *tcc.Transaction) error {
	xid := tx.Xid()
	version, lastUpdate := tx.Version(), tx.LastUpdateTime()
	err := r.db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket(r.bucket)
		key := xid.Bytes()
		stored := b.Get(key)
		if stored == nil {
			return tcc.ErrTransactionNotFound
		}
		var head struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(stored, &head); err != nil {
			return err
		}
		if head.Version != version {
			return fmt.Errorf("%w: stored %d, have %d", errStale, head.Version, version)
		}

		tx.UpdateVersion(r.now())
		data, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil && tx.Version() != version {
		tx.ResetVersion(version, lastUpdate)
	}
	return wrap(err, "update", xid)
}

// Delete implements [tcc.Repository.Delete].
func (r *Repository) Delete(_ context.Context, tx *tcc.Transaction) error {
	xid := tx.Xid()
	err := r.db.Update(func(btx *bolt.Tx) error {
		return btx.Bucket(r.bucket).Delete(xid.Bytes())
	})
	return wrap(err, "delete", xid)
}

// FindByXid implements [tcc.Repository.FindByXid].
func (r *Repository) FindByXid(_ context.Context, xid tcc.Xid) (*tcc.Transaction, error) {
	var tx *tcc.Transaction
	err := r.db.View(func(btx *bolt.Tx) error {
		data := btx.Bucket(r.bucket).Get(xid.Bytes())
		if data == nil {
			return tcc.ErrTransactionNotFound
		}
		tx = &tcc.Transaction{}
		return json.Unmarshal(data, tx)
	})
	if err != nil {
		return nil, wrap(err, "find", xid)
	}
	return tx, nil
}

// FindAllUnmodifiedSince implements [tcc.Repository.FindAllUnmodifiedSince].
func (r *Repository) FindAllUnmodifiedSince(ctx context.Context, t time.Time) ([]*tcc.Transaction, error) {
	var txs []*tcc.Transaction
	err := r.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket(r.bucket).ForEach(func(_, data []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			tx := &tcc.Transaction{}
			if err := json.Unmarshal(data, tx); err != nil {
				return err
			}
			if tx.LastUpdateTime().Before(t) {
				txs = append(txs, tx)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %w", tcc.ErrPersistence, err)
	}
	// keys are ordered by Xid
	sort.Slice(txs, func(i, j int) bool { return txs[i].LastUpdateTime().Before(txs[j].LastUpdateTime()) })
	return txs, nil
}

func wrap(err error, op string, xid tcc.Xid) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tcc.ErrPersistence):
		return fmt.Errorf("%s %v: %w", op, xid, err)
	case errors.Is(err, errStale):
		return fmt.Errorf("%w: %s %v: %w", tcc.ErrStaleVersion, op, xid, err)
	default:
		return fmt.Errorf("%w: %s %v: %w", tcc.ErrPersistence, op, xid, err)
	}
}
