// Package kv defines the transactional byte-oriented record store the executor
// persists into, together with Pebble, SQLite and in-memory implementations.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("kv: not found")
	// ErrBusy is returned when the write lock could not be obtained in time.
	ErrBusy = errors.New("kv: busy")
	// ErrCorrupted marks engine reported corruption.
	ErrCorrupted = errors.New("kv: corrupted")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kv: closed")
	// ErrTxnDone is returned by operations on a committed or rolled back transaction.
	ErrTxnDone = errors.New("kv: transaction already finished")
	// ErrReadOnly is returned by writes on a read-only transaction.
	ErrReadOnly = errors.New("kv: read-only transaction")
	// ErrStopScan may be returned from a scan callback to end the scan early without error.
	ErrStopScan = errors.New("kv: stop scan")
)

// TxnMode selects the kind of transaction Begin opens.
type TxnMode int

const (
	// ReadOnly transactions see committed state only and never block writers.
	ReadOnly TxnMode = iota
	// ReadWrite transactions hold the store's single write lock until finished.
	ReadWrite
)

func (m TxnMode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// Store is a durable ordered key/value store with explicit transactions.
type Store interface {
	Begin(ctx context.Context, mode TxnMode) (Txn, error)
	Close() error
}

// Txn is a transaction over a Store. Rollback after Commit is a no-op, so
// callers can always `defer txn.Rollback()`.
type Txn interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// Scan calls fn for every key in [Lower, Upper) in key order (descending when
	// Reverse is set). Key and value slices are only valid during the callback.
	Scan(opts ScanOptions, fn func(key, value []byte) error) error
	Commit() error
	Rollback() error
}

// ScanOptions bounds a scan. A nil Upper means no upper bound.
type ScanOptions struct {
	Lower   []byte
	Upper   []byte
	Reverse bool
}

// ScanPrefix scans every key starting with prefix.
func ScanPrefix(txn Txn, prefix []byte, fn func(key, value []byte) error) error {
	return txn.Scan(ScanOptions{Lower: prefix, Upper: PrefixUpperBound(prefix)}, fn)
}

// First returns a copy of the first key/value in the range, or ErrNotFound.
func First(txn Txn, opts ScanOptions) ([]byte, []byte, error) {
	var k, v []byte
	err := txn.Scan(opts, func(key, value []byte) error {
		k = append([]byte(nil), key...)
		v = append([]byte(nil), value...)
		return ErrStopScan
	})
	if err != nil {
		return nil, nil, err
	}
	if k == nil {
		return nil, nil, ErrNotFound
	}
	return k, v, nil
}

// PrefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no such key exists.
func PrefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// writeGate is the single-writer lock shared by every implementation. Waiting
// is bounded by the context and by the busy timeout.
type writeGate struct {
	ch          chan struct{}
	busyTimeout time.Duration
}

func newWriteGate(busyTimeout time.Duration) *writeGate {
	return &writeGate{ch: make(chan struct{}, 1), busyTimeout: busyTimeout}
}

func (g *writeGate) acquire(ctx context.Context) error {
	select {
	case g.ch <- struct{}{}:
		return nil
	default:
	}
	if g.busyTimeout <= 0 {
		return ErrBusy
	}

	timer := time.NewTimer(g.busyTimeout)
	defer timer.Stop()
	select {
	case g.ch <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *writeGate) release() {
	<-g.ch
}
