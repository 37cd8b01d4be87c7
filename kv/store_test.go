package kv

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	crdberrors "github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"pebble": func(t *testing.T) Store {
			opts := DefaultPebbleOptions()
			opts.Sync = false
			opts.BusyTimeout = 0
			s, err := OpenPebble(filepath.Join(t.TempDir(), "pebble"), opts)
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"), 0)
			require.NoError(t, err)
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

func put(t *testing.T, s Store, kvs ...string) {
	t.Helper()
	txn, err := s.Begin(context.Background(), ReadWrite)
	require.NoError(t, err)
	defer txn.Rollback()
	for i := 0; i+1 < len(kvs); i += 2 {
		require.NoError(t, txn.Put([]byte(kvs[i]), []byte(kvs[i+1])))
	}
	require.NoError(t, txn.Commit())
}

func TestGetPutDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		put(t, s, "a", "1")

		txn, err := s.Begin(ctx, ReadWrite)
		require.NoError(t, err)
		v, err := txn.Get([]byte("a"))
		require.NoError(t, err)
		require.Equal(t, "1", string(v))

		require.NoError(t, txn.Delete([]byte("a")))
		_, err = txn.Get([]byte("a"))
		require.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, txn.Commit())

		ro, err := s.Begin(ctx, ReadOnly)
		require.NoError(t, err)
		defer ro.Rollback()
		_, err = ro.Get([]byte("a"))
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRollbackDiscardsWrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		txn, err := s.Begin(ctx, ReadWrite)
		require.NoError(t, err)
		require.NoError(t, txn.Put([]byte("k"), []byte("v")))
		require.NoError(t, txn.Rollback())
		require.NoError(t, txn.Rollback(), "second rollback must be a no-op")

		ro, err := s.Begin(ctx, ReadOnly)
		require.NoError(t, err)
		defer ro.Rollback()
		_, err = ro.Get([]byte("k"))
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ro, err := s.Begin(context.Background(), ReadOnly)
		require.NoError(t, err)
		defer ro.Rollback()
		require.ErrorIs(t, ro.Put([]byte("k"), []byte("v")), ErrReadOnly)
	})
}

func TestScanOrderAndBounds(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		put(t, s, "p/b", "2", "p/a", "1", "p/c", "3", "q/a", "x", "o/z", "y")

		txn, err := s.Begin(context.Background(), ReadWrite)
		require.NoError(t, err)
		defer txn.Rollback()
		require.NoError(t, txn.Put([]byte("p/bb"), []byte("uncommitted")))
		require.NoError(t, txn.Delete([]byte("p/c")))

		var keys []string
		require.NoError(t, ScanPrefix(txn, []byte("p/"), func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		}))
		require.Equal(t, []string{"p/a", "p/b", "p/bb"}, keys)

		keys = nil
		require.NoError(t, txn.Scan(ScanOptions{Lower: []byte("p/"), Upper: []byte("q/b"), Reverse: true}, func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		}))
		require.Equal(t, []string{"q/a", "p/bb", "p/b", "p/a"}, keys)
	})
}

func TestScanStopAndError(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		put(t, s, "a", "1", "b", "2", "c", "3")
		txn, err := s.Begin(context.Background(), ReadOnly)
		require.NoError(t, err)
		defer txn.Rollback()

		k, v, err := First(txn, ScanOptions{Lower: []byte("b")})
		require.NoError(t, err)
		require.Equal(t, "b", string(k))
		require.Equal(t, "2", string(v))

		boom := errors.New("boom")
		err = txn.Scan(ScanOptions{}, func(k, v []byte) error { return boom })
		require.ErrorIs(t, err, boom)

		_, _, err = First(txn, ScanOptions{Lower: []byte("x")})
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestScanAcrossChunks(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		txn, err := s.Begin(ctx, ReadWrite)
		require.NoError(t, err)
		total := sqliteScanChunk*2 + 17
		for i := 0; i < total; i++ {
			require.NoError(t, txn.Put([]byte(fmt.Sprintf("r/%05d", i)), []byte("v")))
		}
		require.NoError(t, txn.Commit())

		ro, err := s.Begin(ctx, ReadOnly)
		require.NoError(t, err)
		defer ro.Rollback()

		count := 0
		prev := ""
		require.NoError(t, ScanPrefix(ro, []byte("r/"), func(k, v []byte) error {
			require.Greater(t, string(k), prev)
			prev = string(k)
			// nested reads inside a scan must work on every engine
			_, err := ro.Get(k)
			require.NoError(t, err)
			count++
			return nil
		}))
		require.Equal(t, total, count)
	})
}

func TestSingleWriter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first, err := s.Begin(ctx, ReadWrite)
		require.NoError(t, err)

		_, err = s.Begin(ctx, ReadWrite)
		require.ErrorIs(t, err, ErrBusy)

		require.NoError(t, first.Commit())
		second, err := s.Begin(ctx, ReadWrite)
		require.NoError(t, err)
		require.NoError(t, second.Rollback())
	})
}

func TestWriteGateWaitsForRelease(t *testing.T) {
	g := newWriteGate(time.Second)
	require.NoError(t, g.acquire(context.Background()))

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.release()
	}()
	require.NoError(t, g.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, g.acquire(ctx), context.Canceled)
}

func TestPrefixUpperBound(t *testing.T) {
	require.Equal(t, []byte("b"), PrefixUpperBound([]byte("a")))
	require.Equal(t, []byte{0x01}, PrefixUpperBound([]byte{0x00, 0xFF}))
	require.Nil(t, PrefixUpperBound([]byte{0xFF, 0xFF}))
}

func TestMemoryStore_ReadIsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	put(t, s, "t/1", "a", "t/2", "b", "t/3", "c")

	snap, err := s.Begin(ctx, ReadOnly)
	require.NoError(t, err)
	defer snap.Rollback()

	// Overwrite, delete and insert after the snapshot was taken, over two commits.
	txn, err := s.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("t/1"), []byte("a2")))
	require.NoError(t, txn.Delete([]byte("t/2")))
	require.NoError(t, txn.Commit())
	put(t, s, "t/0", "new", "t/1", "a3")

	v, err := snap.Get([]byte("t/1"))
	require.NoError(t, err)
	require.Equal(t, "a", string(v))
	v, err = snap.Get([]byte("t/2"))
	require.NoError(t, err)
	require.Equal(t, "b", string(v))
	_, err = snap.Get([]byte("t/0"))
	require.ErrorIs(t, err, ErrNotFound)

	var seen []string
	require.NoError(t, snap.Scan(ScanOptions{Lower: []byte("t/"), Upper: PrefixUpperBound([]byte("t/"))}, func(k, v []byte) error {
		seen = append(seen, string(k)+"="+string(v))
		return nil
	}))
	require.Equal(t, []string{"t/1=a", "t/2=b", "t/3=c"}, seen)

	// A transaction begun after the commits sees them.
	fresh, err := s.Begin(ctx, ReadOnly)
	require.NoError(t, err)
	defer fresh.Rollback()
	v, err = fresh.Get([]byte("t/1"))
	require.NoError(t, err)
	require.Equal(t, "a3", string(v))
	_, err = fresh.Get([]byte("t/2"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, snap.Rollback())
	require.NoError(t, fresh.Commit())
	s.commit.RLock()
	require.Empty(t, s.readers)
	s.commit.RUnlock()
}

func TestClassifyPebble(t *testing.T) {
	marked := crdberrors.Mark(errors.New("block checksum mismatch"), pebble.ErrCorruption)
	for _, err := range []error{
		pebble.ErrCorruption,
		marked,
		fmt.Errorf("iterator failed: %w", marked),
	} {
		got := classifyPebble(err)
		require.ErrorIs(t, got, ErrCorrupted, "%v", err)
		require.Contains(t, got.Error(), err.Error())
	}

	require.ErrorIs(t, classifyPebble(pebble.ErrNotFound), ErrNotFound)
	require.ErrorIs(t, classifyPebble(pebble.ErrClosed), ErrClosed)
	other := errors.New("disk full")
	require.Equal(t, other, classifyPebble(other))
	require.NoError(t, classifyPebble(nil))
}

func TestClosedStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Close())
		_, err := s.Begin(context.Background(), ReadOnly)
		require.ErrorIs(t, err, ErrClosed)
	})
}
