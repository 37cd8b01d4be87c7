package kv

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore is a non-durable Store used by tests and ephemeral executors.
// Committed state lives in a concurrent map; write transactions buffer their
// changes and publish them on Commit. Read transactions are snapshots: a
// commit first hands the values it replaces to every open reader.
type MemoryStore struct {
	data   *xsync.MapOf[string, []byte]
	gate   *writeGate
	commit sync.RWMutex
	// readers is guarded by commit.
	readers map[*memoryTxn]struct{}
	closed  atomic.Bool
}

// priorValue is a committed value as a reader saw it at Begin.
type priorValue struct {
	val     []byte
	present bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    xsync.NewMapOf[string, []byte](),
		gate:    newWriteGate(0),
		readers: make(map[*memoryTxn]struct{}),
	}
}

// Begin opens a transaction. ReadWrite fails fast with ErrBusy when another
// write transaction is open.
func (s *MemoryStore) Begin(ctx context.Context, mode TxnMode) (Txn, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if mode == ReadOnly {
		t := &memoryTxn{store: s, readOnly: true, prior: make(map[string]priorValue)}
		s.commit.Lock()
		s.readers[t] = struct{}{}
		s.commit.Unlock()
		return t, nil
	}
	if err := s.gate.acquire(ctx); err != nil {
		return nil, err
	}
	return &memoryTxn{store: s, writes: make(map[string][]byte), deletes: make(map[string]struct{})}, nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

// Len returns the number of committed keys.
func (s *MemoryStore) Len() int {
	return s.data.Size()
}

type memoryTxn struct {
	store    *MemoryStore
	writes   map[string][]byte
	deletes  map[string]struct{}
	// prior holds values replaced by commits since a read transaction began.
	prior    map[string]priorValue
	readOnly bool
	done     bool
}

func (t *memoryTxn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	k := string(key)
	if v, ok := t.writes[k]; ok {
		return append([]byte{}, v...), nil
	}
	if _, ok := t.deletes[k]; ok {
		return nil, ErrNotFound
	}

	t.store.commit.RLock()
	v, ok := t.store.data.Load(k)
	if p, saved := t.prior[k]; saved {
		v, ok = p.val, p.present
	}
	t.store.commit.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, v...), nil
}

func (t *memoryTxn) Put(key, value []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	k := string(key)
	delete(t.deletes, k)
	t.writes[k] = append([]byte{}, value...)
	return nil
}

func (t *memoryTxn) Delete(key []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = struct{}{}
	return nil
}

func (t *memoryTxn) Scan(opts ScanOptions, fn func(key, value []byte) error) error {
	if t.done {
		return ErrTxnDone
	}
	inRange := func(k string) bool {
		kb := []byte(k)
		if opts.Lower != nil && bytes.Compare(kb, opts.Lower) < 0 {
			return false
		}
		if opts.Upper != nil && bytes.Compare(kb, opts.Upper) >= 0 {
			return false
		}
		return true
	}

	view := make(map[string][]byte)
	t.store.commit.RLock()
	t.store.data.Range(func(k string, v []byte) bool {
		if inRange(k) {
			view[k] = v
		}
		return true
	})
	for k, p := range t.prior {
		switch {
		case !p.present:
			delete(view, k)
		case inRange(k):
			view[k] = p.val
		}
	}
	t.store.commit.RUnlock()
	for k := range t.deletes {
		delete(view, k)
	}
	for k, v := range t.writes {
		if inRange(k) {
			view[k] = v
		}
	}

	keys := make([]string, 0, len(view))
	for k := range view {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if opts.Reverse {
		sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	}

	for _, k := range keys {
		if err := fn([]byte(k), view[k]); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (t *memoryTxn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	if t.readOnly {
		t.store.release(t)
		return nil
	}
	defer t.store.gate.release()

	t.store.commit.Lock()
	defer t.store.commit.Unlock()
	for r := range t.store.readers {
		for k := range t.deletes {
			r.keepPrior(k)
		}
		for k := range t.writes {
			r.keepPrior(k)
		}
	}
	for k := range t.deletes {
		t.store.data.Delete(k)
	}
	for k, v := range t.writes {
		t.store.data.Store(k, v)
	}
	return nil
}

func (t *memoryTxn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.readOnly {
		t.store.release(t)
	} else {
		t.store.gate.release()
	}
	return nil
}

// keepPrior records the committed value of k unless an earlier commit already
// did. Called with commit held.
func (t *memoryTxn) keepPrior(k string) {
	if _, ok := t.prior[k]; ok {
		return
	}
	v, ok := t.store.data.Load(k)
	t.prior[k] = priorValue{val: v, present: ok}
}

func (s *MemoryStore) release(t *memoryTxn) {
	s.commit.Lock()
	delete(s.readers, t)
	s.commit.Unlock()
}

func (t *memoryTxn) writable() error {
	if t.done {
		return ErrTxnDone
	}
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}
