package kv

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	crdberrors "github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// PebbleOptions tunes the Pebble engine.
type PebbleOptions struct {
	CacheSizeMB    int64
	MemTableSizeMB int
	// Sync makes every commit fsync the WAL.
	Sync        bool
	BusyTimeout time.Duration
}

// DefaultPebbleOptions returns conservative settings for a single node store.
func DefaultPebbleOptions() PebbleOptions {
	return PebbleOptions{
		CacheSizeMB:    32,
		MemTableSizeMB: 16,
		Sync:           true,
		BusyTimeout:    5 * time.Second,
	}
}

// pebbleLogger routes Pebble's internal logging through zerolog.
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// PebbleStore implements Store on Pebble. Write transactions are indexed
// batches, read transactions are snapshots.
type PebbleStore struct {
	db     *pebble.DB
	path   string
	gate   *writeGate
	sync   bool
	closed atomic.Bool
}

var _ Store = (*PebbleStore)(nil)

// OpenPebble opens (creating if needed) a Pebble store at path.
func OpenPebble(path string, opts PebbleOptions) (*PebbleStore, error) {
	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:        cache,
		MemTableSize: uint64(opts.MemTableSizeMB << 20),
		Logger:       &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	log.Debug().Str("path", path).Bool("sync", opts.Sync).Msg("Opened pebble record store")
	return &PebbleStore{
		db:   db,
		path: path,
		gate: newWriteGate(opts.BusyTimeout),
		sync: opts.Sync,
	}, nil
}

// Begin opens a transaction.
func (s *PebbleStore) Begin(ctx context.Context, mode TxnMode) (Txn, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if mode == ReadOnly {
		return &pebbleTxn{reader: s.db.NewSnapshot(), store: s}, nil
	}

	if err := s.gate.acquire(ctx); err != nil {
		return nil, err
	}
	batch := s.db.NewIndexedBatch()
	return &pebbleTxn{reader: batch, batch: batch, store: s}, nil
}

// Close closes the underlying database. It is idempotent.
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

type pebbleTxn struct {
	reader pebble.Reader
	batch  *pebble.Batch
	store  *PebbleStore
	done   bool
}

func (t *pebbleTxn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	val, closer, err := t.reader.Get(key)
	if err != nil {
		return nil, classifyPebble(err)
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (t *pebbleTxn) Put(key, value []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	return classifyPebble(t.batch.Set(key, value, nil))
}

func (t *pebbleTxn) Delete(key []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	return classifyPebble(t.batch.Delete(key, nil))
}

func (t *pebbleTxn) Scan(opts ScanOptions, fn func(key, value []byte) error) error {
	if t.done {
		return ErrTxnDone
	}
	iter, err := t.reader.NewIter(&pebble.IterOptions{
		LowerBound: opts.Lower,
		UpperBound: opts.Upper,
	})
	if err != nil {
		return classifyPebble(err)
	}
	defer iter.Close()

	valid := iter.First
	step := iter.Next
	if opts.Reverse {
		valid = iter.Last
		step = iter.Prev
	}
	for ok := valid(); ok; ok = step() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return classifyPebble(err)
		}
		if err := fn(iter.Key(), val); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return classifyPebble(iter.Error())
}

func (t *pebbleTxn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	if t.batch == nil {
		return t.reader.Close()
	}
	defer t.store.gate.release()
	defer t.batch.Close()

	opts := pebble.NoSync
	if t.store.sync {
		opts = pebble.Sync
	}
	if err := t.batch.Commit(opts); err != nil {
		return fmt.Errorf("failed to commit batch: %w", classifyPebble(err))
	}
	return nil
}

func (t *pebbleTxn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.batch == nil {
		return t.reader.Close()
	}
	defer t.store.gate.release()
	return t.batch.Close()
}

func (t *pebbleTxn) writable() error {
	if t.done {
		return ErrTxnDone
	}
	if t.batch == nil {
		return ErrReadOnly
	}
	return nil
}

func classifyPebble(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pebble.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, pebble.ErrClosed):
		return ErrClosed
	// Pebble marks corruption with cockroachdb/errors, which the standard
	// errors.Is does not see through.
	case crdberrors.Is(err, pebble.ErrCorruption):
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return err
}
