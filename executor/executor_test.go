package executor

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/conflict"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/kv"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/notify"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/status"
	"github.com/stretchr/testify/require"
)

var everything = SizeSpec{BlockSize: 1 << 20, PacketSize: 1000}

func openTestDB(t *testing.T, device string, opts ...func(*Options)) *Database {
	t.Helper()
	o := Options{Name: "main", Device: device, AppendLen: 8, IndexCacheSize: 256, FilterCapacity: 1024}
	for _, fn := range opts {
		fn(&o)
	}
	db, err := Open(context.Background(), kv.NewMemoryStore(), o)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func remoteItem(origin, key, value string, ts uint64) record.Item {
	return record.Item{
		Key:            []byte(key),
		Value:          []byte(value),
		Timestamp:      ts,
		WriteTimestamp: ts,
		OrigDevice:     record.HashDevice(origin),
	}
}

func peer(name string) record.DeviceInfo {
	return record.DeviceInfo{DeviceName: name}
}

// drain returns every change set already delivered to ch.
func drain(ch <-chan notify.ChangeSet) []notify.ChangeSet {
	var out []notify.ChangeSet
	for {
		select {
		case cs := <-ch:
			out = append(out, cs)
		default:
			return out
		}
	}
}

func readAll(t *testing.T, ex *Executor) []record.Item {
	t.Helper()
	items, err := ex.GetSyncDataByTimestamp(context.Background(), 0, math.MaxUint64, everything)
	require.ErrorIs(t, err, status.ErrFinished)
	return items
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	ex := openTestDB(t, "dev-a").NewExecutor(record.RoleMain)

	require.NoError(t, ex.Put(ctx, []byte("k"), []byte("v1")))
	v, err := ex.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))

	require.NoError(t, ex.Put(ctx, []byte("k"), []byte("v2")))
	v, err = ex.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))

	require.NoError(t, ex.Delete(ctx, []byte("k")))
	_, err = ex.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, status.ErrNotFound)

	rec, err := ex.GetRecord(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, rec.Flags.Deleted())
	require.True(t, rec.Flags.Local())
	require.Nil(t, rec.Key)

	// Deleting what is already gone is a no-op.
	require.NoError(t, ex.Delete(ctx, []byte("k")))
	require.NoError(t, ex.Delete(ctx, []byte("never-written")))
}

func TestPut_RejectsBadArgs(t *testing.T) {
	ctx := context.Background()
	ex := openTestDB(t, "dev-a").NewExecutor(record.RoleMain)

	require.ErrorIs(t, ex.Put(ctx, nil, []byte("v")), status.ErrInvalidArgs)
	require.ErrorIs(t, ex.Put(ctx, make([]byte, MaxKeySize+1), nil), status.ErrInvalidArgs)
	require.ErrorIs(t, ex.Put(ctx, []byte("k"), make([]byte, MaxValueSize+1)), status.ErrInvalidArgs)
}

func TestLocalWritesAreMonotonic(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "dev-a")
	ex := db.NewExecutor(record.RoleMain)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, ex.Put(ctx, []byte(k), []byte(k)))
	}
	items := readAll(t, ex)
	require.Len(t, items, 3)
	for i := 1; i < len(items); i++ {
		require.Greater(t, items[i].Timestamp, items[i-1].Timestamp)
	}

	maxTs, err := ex.MaxTimestamp(ctx)
	require.NoError(t, err)
	require.Equal(t, items[2].Timestamp, maxTs)
}

func TestSyncRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbA := openTestDB(t, "dev-a")
	dbB := openTestDB(t, "dev-b")
	exA := dbA.NewExecutor(record.RoleMain)
	exB := dbB.NewExecutor(record.RoleMain)

	require.NoError(t, exA.Put(ctx, []byte("k1"), []byte("v1")))
	require.NoError(t, exA.Put(ctx, []byte("k2"), []byte("v2")))

	items := readAll(t, exA)
	require.Len(t, items, 2)
	for _, it := range items {
		require.False(t, it.Flags.Local(), "local flag must not leave the device")
		require.Equal(t, dbA.LocalDevice(), it.OrigDevice)
	}

	require.NoError(t, exB.SaveSyncDataItems(ctx, items, peer("dev-a"), nil))
	v, err := exB.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))

	rec, err := exB.GetRecord(ctx, []byte("k2"))
	require.NoError(t, err)
	require.Equal(t, record.HashDevice("dev-a"), rec.Device)
	require.Equal(t, dbA.LocalDevice(), rec.OrigDevice)
	require.False(t, rec.Flags.Local())

	// B forwards A's rows with A still named as the author.
	for _, it := range readAll(t, exB) {
		require.Equal(t, dbA.LocalDevice(), it.OrigDevice)
	}
}

func TestSaveSyncDataItems_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "dev-b")
	ex := db.NewExecutor(record.RoleMain)
	ch, cancel := db.Hub().Subscribe(notify.Filter{})
	defer cancel()

	batch := []record.Item{
		remoteItem("dev-a", "k1", "v1", 100),
		remoteItem("dev-a", "k2", "v2", 101),
	}
	require.NoError(t, ex.SaveSyncDataItems(ctx, batch, peer("dev-a"), nil))
	sets := drain(ch)
	require.Len(t, sets, 1)
	require.Len(t, sets[0].Changes, 2)
	require.Equal(t, notify.Insert, sets[0].Changes[0].Type)
	require.Equal(t, "main", sets[0].Store)

	before := readAll(t, ex)
	require.NoError(t, ex.SaveSyncDataItems(ctx, batch, peer("dev-a"), nil))
	require.Empty(t, drain(ch), "replayed batch must not notify")
	require.Equal(t, before, readAll(t, ex))
}

func TestSaveSyncDataItem_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	ex := openTestDB(t, "dev-b").NewExecutor(record.RoleMain)

	require.NoError(t, ex.SaveSyncDataItem(ctx, remoteItem("dev-x", "k", "x", 10), peer("dev-x")))
	// A defeated single item is dropped without an error.
	require.NoError(t, ex.SaveSyncDataItem(ctx, remoteItem("dev-y", "k", "stale", 5), peer("dev-y")))
	v, err := ex.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "x", string(v))

	require.NoError(t, ex.SaveSyncDataItem(ctx, remoteItem("dev-y", "k", "fresh", 20), peer("dev-y")))
	v, err = ex.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "fresh", string(v))

	// Local writes order after everything accepted from peers.
	require.NoError(t, ex.Put(ctx, []byte("k"), []byte("mine")))
	rec, err := ex.GetRecord(ctx, []byte("k"))
	require.NoError(t, err)
	require.Greater(t, rec.Timestamp, uint64(20))
}

func TestLocalWrite_DefeatedIsIgnoredNotBusy(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "dev-a")
	ex := db.NewExecutor(record.RoleMain)
	cache := db.NewExecutor(record.RoleCache)

	// Migration advances the clock by timestamp only, so a staged row can
	// carry a write stamp ahead of every local write.
	future := remoteItem("dev-b", "k", "remote", 10)
	future.WriteTimestamp = db.Clock().Now() + 1<<40
	require.NoError(t, cache.SaveSyncDataItemsInCacheMode(ctx, []record.Item{future}, peer("dev-b"), 1, nil))
	_, err := db.MigrateCache(ctx, 0)
	require.NoError(t, err)

	err = ex.Put(ctx, []byte("k"), []byte("mine"))
	require.ErrorIs(t, err, status.ErrIgnoreData)
	require.NotErrorIs(t, err, status.ErrBusy)
	require.True(t, status.IsSuccess(err))

	require.ErrorIs(t, ex.Delete(ctx, []byte("k")), status.ErrIgnoreData)
	v, err := ex.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "remote", string(v))
}

func TestSaveSyncDataItem_DenyPolicyIgnoresAmendOfLocalData(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "dev-a", func(o *Options) {
		o.Policy = conflict.DenyOtherDeviceAmendCurrentDeviceData
	})
	ex := db.NewExecutor(record.RoleMain)
	require.NoError(t, ex.Put(ctx, []byte("k"), []byte("local")))
	rec, err := ex.GetRecord(ctx, []byte("k"))
	require.NoError(t, err)

	// Newer and at the same timestamp alike: a peer may not amend local data.
	for _, ts := range []uint64{rec.Timestamp, rec.Timestamp + 1000} {
		err := ex.SaveSyncDataItem(ctx, remoteItem("dev-b", "k", "remote", ts), peer("dev-b"))
		require.ErrorIs(t, err, status.ErrIgnoreData)
		require.True(t, status.IsSuccess(err))
	}
	v, err := ex.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "local", string(v))

	// Data authored elsewhere is still synced normally.
	require.NoError(t, ex.SaveSyncDataItem(ctx, remoteItem("dev-b", "other", "remote", 10), peer("dev-b")))
	v, err = ex.Get(ctx, []byte("other"))
	require.NoError(t, err)
	require.Equal(t, "remote", string(v))
}

func TestSaveSyncDataItems_TombstoneDeletesAndNotifies(t *testing.T) {
	ctx := context.Background()
	dbA := openTestDB(t, "dev-a")
	dbB := openTestDB(t, "dev-b")
	exA := dbA.NewExecutor(record.RoleMain)
	exB := dbB.NewExecutor(record.RoleMain)

	require.NoError(t, exA.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, exB.SaveSyncDataItems(ctx, readAll(t, exA), peer("dev-a"), nil))
	require.NoError(t, exA.Delete(ctx, []byte("k")))

	deleted, err := exA.GetDeletedSyncDataByTimestamp(ctx, 0, math.MaxUint64, everything)
	require.ErrorIs(t, err, status.ErrFinished)
	require.Len(t, deleted, 1)
	require.Equal(t, record.HashKey([]byte("k")), deleted[0].Key)
	require.Empty(t, readAll(t, exA))

	ch, cancel := dbB.Hub().Subscribe(notify.Filter{})
	defer cancel()
	require.NoError(t, exB.SaveSyncDataItems(ctx, deleted, peer("dev-a"), nil))
	_, err = exB.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, status.ErrNotFound)

	sets := drain(ch)
	require.Len(t, sets, 1)
	require.Len(t, sets[0].Changes, 1)
	c := sets[0].Changes[0]
	require.Equal(t, notify.Delete, c.Type)
	require.Equal(t, "k", string(c.Key))
	require.Equal(t, "v", string(c.Value))
}

func TestSaveSyncDataItems_MergesChangesWithinBatch(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "dev-b")
	ex := db.NewExecutor(record.RoleMain)
	ch, cancel := db.Hub().Subscribe(notify.Filter{})
	defer cancel()

	tomb := record.Item{
		Key:            record.HashKey([]byte("k")),
		Timestamp:      11,
		WriteTimestamp: 11,
		Flags:          record.FlagDelete,
		OrigDevice:     record.HashDevice("dev-a"),
	}
	batch := []record.Item{remoteItem("dev-a", "k", "v", 10), tomb}
	require.NoError(t, ex.SaveSyncDataItems(ctx, batch, peer("dev-a"), nil))
	require.Empty(t, drain(ch), "insert then delete nets to nothing")

	rec, err := ex.GetRecord(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, rec.Flags.Deleted())
}

func TestCorruptionIsSticky(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "dev-a")
	ex := db.NewExecutor(record.RoleMain)
	require.NoError(t, ex.Put(ctx, []byte("ok"), []byte("v")))

	hk := record.HashKey([]byte("bad"))
	txn, err := db.store.Begin(ctx, kv.ReadWrite)
	require.NoError(t, err)
	require.NoError(t, txn.Put(recordKey(hk), []byte{0xc1}))
	require.NoError(t, txn.Put(timeKey(math.MaxUint64-1, hk), nil))
	require.NoError(t, txn.Commit())

	_, err = ex.GetSyncDataByTimestamp(ctx, 0, math.MaxUint64, everything)
	require.ErrorIs(t, err, status.ErrCorrupted)
	require.True(t, ex.Corrupted())

	require.ErrorIs(t, ex.Put(ctx, []byte("x"), []byte("y")), status.ErrCorrupted)
	_, err = ex.Get(ctx, []byte("ok"))
	require.ErrorIs(t, err, status.ErrCorrupted)

	// Other executors are unaffected until they hit the row themselves.
	other := db.NewExecutor(record.RoleMain)
	v, err := other.Get(ctx, []byte("ok"))
	require.NoError(t, err)
	require.Equal(t, "v", string(v))
}

func TestBusyWhenWriterHeld(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "dev-a")
	ex := db.NewExecutor(record.RoleMain)

	held, err := db.store.Begin(ctx, kv.ReadWrite)
	require.NoError(t, err)
	err = ex.Put(ctx, []byte("k"), []byte("v"))
	require.ErrorIs(t, err, status.ErrBusy)
	require.False(t, ex.Corrupted())
	require.NoError(t, held.Rollback())

	require.NoError(t, ex.Put(ctx, []byte("k"), []byte("v")))
}

func TestRoleChecks(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "dev-a")
	mainEx := db.NewExecutor(record.RoleMain)
	cache := db.NewExecutor(record.RoleCache)

	_, err := cache.GetSyncDataByTimestamp(ctx, 0, 10, everything)
	require.ErrorIs(t, err, status.ErrInvalidArgs)
	require.ErrorIs(t, cache.SaveSyncDataItems(ctx, []record.Item{remoteItem("p", "k", "v", 1)}, peer("p"), nil), status.ErrInvalidArgs)
	require.ErrorIs(t, mainEx.SaveSyncDataItemsInCacheMode(ctx, []record.Item{remoteItem("p", "k", "v", 1)}, peer("p"), 1, nil), status.ErrInvalidArgs)
	_, _, err = mainEx.MinVersionCacheData(ctx)
	require.ErrorIs(t, err, status.ErrInvalidArgs)
	require.ErrorIs(t, mainEx.MigrateVersion(ctx, record.MigrationBatch{Version: 1}), status.ErrInvalidArgs)
	_, err = mainEx.GetSyncDataByTimestamp(ctx, 0, 10, SizeSpec{})
	require.ErrorIs(t, err, status.ErrInvalidArgs)
}

func TestLocalData(t *testing.T) {
	ctx := context.Background()
	ex := openTestDB(t, "dev-a").NewExecutor(record.RoleMain)

	require.NoError(t, ex.PutLocalData(ctx, []byte("cfg"), []byte("1")))
	v, err := ex.GetLocalData(ctx, []byte("cfg"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))

	// Local data never syncs.
	require.Empty(t, readAll(t, ex))

	require.NoError(t, ex.DeleteLocalData(ctx, []byte("cfg")))
	_, err = ex.GetLocalData(ctx, []byte("cfg"))
	require.ErrorIs(t, err, status.ErrNotFound)
}

func TestReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records")
	opts := kv.DefaultPebbleOptions()
	opts.Sync = false

	store, err := kv.OpenPebble(path, opts)
	require.NoError(t, err)
	db, err := Open(ctx, store, Options{Device: "dev-a", FilterCapacity: 1024})
	require.NoError(t, err)
	ex := db.NewExecutor(record.RoleMain)
	require.NoError(t, ex.Put(ctx, []byte("k"), []byte("v")))
	last := db.Clock().Last()
	require.NoError(t, db.Close())

	store, err = kv.OpenPebble(path, opts)
	require.NoError(t, err)
	db, err = Open(ctx, store, Options{Device: "dev-a", FilterCapacity: 1024})
	require.NoError(t, err)
	defer db.Close()
	require.GreaterOrEqual(t, db.Clock().Last(), last)

	ex = db.NewExecutor(record.RoleMain)
	require.NoError(t, ex.Put(ctx, []byte("k"), []byte("v2")))
	v, err := ex.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))
	items := readAll(t, ex)
	require.Len(t, items, 1)
}
