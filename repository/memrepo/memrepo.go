// Package memrepo keeps transaction records in process memory. Records are stored in their JSON form, so
// a caller never shares state with the repository, and are spread over shards by the hash of their Xid.
package memrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/qbixus/tcc-go"
	"github.com/qbixus/tcc-go/internal"
	"sort"
	"sync"
	"time"
)

// DefaultShards is the shard count used by New.
const DefaultShards = 16

type Repository struct {
	shards []*shard
	now    func() time.Time
}

var _ tcc.Repository = &Repository{}

type shard struct {
	mu      sync.Mutex
	records map[tcc.Xid]record
}

type record struct {
	version        int64
	lastUpdateTime time.Time
	data           []byte
}

// Option настраивает [Repository].
type Option func(*Repository)

// WithShards sets the number of shards.
func WithShards(n int) Option {
	internal.Assert(n > 0, "#args: n", n)
	return func(r *Repository) { r.shards = make([]*shard, n) }
}

// WithClock sets the clock stamping updated records.
func WithClock(now func() time.Time) Option {
	internal.Assert(now != nil, "#args: now")
	return func(r *Repository) { r.now = now }
}

func New(opts ...Option) *Repository {
	r := &Repository{shards: make([]*shard, DefaultShards), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.shards {
		r.shards[i] = &shard{records: map[tcc.Xid]record{}}
	}
	return r
}

func (r *Repository) shardOf(xid tcc.Xid) *shard {
	return r.shards[xid.Hash()%uint64(len(r.shards))]
}

// Create implements [tcc.Repository.Create].
func (r *Repository) Create(_ context.Context, tx *tcc.Transaction) error {
	xid := tx.Xid()
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("%w: encode %v: %w", tcc.ErrPersistence, xid, err)
	}
	s := r.shardOf(xid)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[xid]; exists {
		return fmt.Errorf("%w: %v", tcc.ErrDuplicateXid, xid)
	}
	s.records[xid] = record{version: tx.Version(), lastUpdateTime: tx.LastUpdateTime(), data: data}
	return nil
}

// Update implements [tcc.Repository.Update].
func (r *Repository) Update(_ context.Context, tx *tcc.Transaction) error {
	xid := tx.Xid()
	s := r.shardOf(xid)
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[xid]
	if !ok {
		return fmt.Errorf("%w: %v", tcc.ErrTransactionNotFound, xid)
	}
	version, lastUpdate := tx.Version(), tx.LastUpdateTime()
	if stored.version != version {
		return fmt.Errorf("%w: %v stored %d, have %d", tcc.ErrStaleVersion, xid, stored.version, version)
	}

	tx.UpdateVersion(r.now())
	data, err := json.Marshal(tx)
	if err != nil {
		tx.ResetVersion(version, lastUpdate)
		return fmt.Errorf("%w: encode %v: %w", tcc.ErrPersistence, xid, err)
	}
	s.records[xid] = record{version: tx.Version(), lastUpdateTime: tx.LastUpdateTime(), data: data}
	return nil
}

// Delete implements [tcc.Repository.Delete].
func (r *Repository) Delete(_ context.Context, tx *tcc.Transaction) error {
	xid := tx.Xid()
	s := r.shardOf(xid)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, xid)
	return nil
}

// FindByXid implements [tcc.Repository.FindByXid].
func (r *Repository) FindByXid(_ context.Context, xid tcc.Xid) (*tcc.Transaction, error) {
	s := r.shardOf(xid)
	s.mu.Lock()
	stored, ok := s.records[xid]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %v", tcc.ErrTransactionNotFound, xid)
	}
	return decode(stored.data)
}

// FindAllUnmodifiedSince implements [tcc.Repository.FindAllUnmodifiedSince].
func (r *Repository) FindAllUnmodifiedSince(ctx context.Context, t time.Time) ([]*tcc.Transaction, error) {
	var found []record
	for _, s := range r.shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		for _, rec := range s.records {
			if rec.lastUpdateTime.Before(t) {
				found = append(found, rec)
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(found, func(i, j int) bool { return found[i].lastUpdateTime.Before(found[j].lastUpdateTime) })

	txs := make([]*tcc.Transaction, 0, len(found))
	for _, rec := range found {
		tx, err := decode(rec.data)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// Len returns the number of stored records.
func (r *Repository) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

func decode(data []byte) (*tcc.Transaction, error) {
	tx := &tcc.Transaction{}
	if err := json.Unmarshal(data, tx); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", tcc.ErrPersistence, err)
	}
	return tx, nil
}
