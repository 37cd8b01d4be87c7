package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/notify"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/query"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/status"
	"github.com/stretchr/testify/require"
)

func TestGetSyncDataByTimestamp_Paginates(t *testing.T) {
	ctx := context.Background()
	ex := openTestDB(t, "dev-a").NewExecutor(record.RoleMain)
	for i := 0; i < 5; i++ {
		require.NoError(t, ex.Put(ctx, []byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}

	var (
		got   []string
		pages int
		begin uint64
	)
	spec := SizeSpec{BlockSize: 1 << 20, PacketSize: 2}
	for {
		items, err := ex.GetSyncDataByTimestamp(ctx, begin, math.MaxUint64, spec)
		require.True(t, status.IsSuccess(err))
		pages++
		for _, it := range items {
			got = append(got, string(it.Key))
		}
		if status.CodeOf(err) == status.Finished {
			break
		}
		require.ErrorIs(t, err, status.ErrUnfinished)
		require.Len(t, items, 2)
		begin = items[len(items)-1].Timestamp + 1
	}
	require.Equal(t, []string{"k0", "k1", "k2", "k3", "k4"}, got)
	require.Equal(t, 3, pages)
}

func TestGetSyncDataByTimestamp_BlockSizeAlwaysFitsOneItem(t *testing.T) {
	ctx := context.Background()
	ex := openTestDB(t, "dev-a").NewExecutor(record.RoleMain)
	require.NoError(t, ex.Put(ctx, []byte("a"), make([]byte, 512)))
	require.NoError(t, ex.Put(ctx, []byte("b"), make([]byte, 512)))

	items, err := ex.GetSyncDataByTimestamp(ctx, 0, math.MaxUint64, SizeSpec{BlockSize: 1, PacketSize: 100})
	require.ErrorIs(t, err, status.ErrUnfinished)
	require.Len(t, items, 1)
	require.Equal(t, "a", string(items[0].Key))
}

func TestGetSyncDataByTimestamp_RangeIsHalfOpen(t *testing.T) {
	ctx := context.Background()
	ex := openTestDB(t, "dev-b").NewExecutor(record.RoleMain)
	batch := []record.Item{
		remoteItem("dev-a", "a", "1", 10),
		remoteItem("dev-a", "b", "2", 20),
		remoteItem("dev-a", "c", "3", 30),
	}
	require.NoError(t, ex.SaveSyncDataItems(ctx, batch, peer("dev-a"), nil))

	items, err := ex.GetSyncDataByTimestamp(ctx, 10, 30, everything)
	require.ErrorIs(t, err, status.ErrFinished)
	require.Len(t, items, 2)
	require.Equal(t, "a", string(items[0].Key))
	require.Equal(t, "b", string(items[1].Key))

	items, err = ex.GetSyncDataByTimestamp(ctx, 30, 30, everything)
	require.ErrorIs(t, err, status.ErrFinished)
	require.Empty(t, items)
}

func TestGetSyncDataWithQuery_MissQueryMarkers(t *testing.T) {
	ctx := context.Background()
	ex := openTestDB(t, "dev-a").NewExecutor(record.RoleMain)
	require.NoError(t, ex.Put(ctx, []byte("k1"), []byte("red")))
	require.NoError(t, ex.Put(ctx, []byte("k2"), []byte("blue")))
	require.NoError(t, ex.Put(ctx, []byte("k3"), []byte("red")))

	q := query.Select().ValueEqual([]byte("red"))
	items, err := ex.GetSyncDataWithQuery(ctx, q, 0, math.MaxUint64, everything)
	require.ErrorIs(t, err, status.ErrFinished)
	require.Len(t, items, 3)

	require.Equal(t, "k1", string(items[0].Key))
	require.False(t, items[0].Flags.MissQuery())

	marker := items[1]
	require.True(t, marker.Flags.MissQuery())
	require.Equal(t, record.HashKey([]byte("k2")), marker.Key)
	require.Equal(t, q.String(), string(marker.Value))
	require.NotContains(t, string(marker.Value), "blue")

	require.Equal(t, "k3", string(items[2].Key))
}

func TestGetSyncDataWithQuery_Paginates(t *testing.T) {
	ctx := context.Background()
	ex := openTestDB(t, "dev-a").NewExecutor(record.RoleMain)
	items := []record.Item{
		remoteItem("dev-b", "k1", "red", 10),
		remoteItem("dev-b", "k2", "blue", 20),
		remoteItem("dev-b", "k3", "red", 30),
		remoteItem("dev-b", "k4", "blue", 40),
		remoteItem("dev-b", "k5", "red", 50),
	}
	require.NoError(t, ex.SaveSyncDataItems(ctx, items, peer("dev-b"), nil))

	q := query.Select().ValueEqual([]byte("red"))
	describe := func(it record.Item) string {
		if it.Flags.MissQuery() {
			return fmt.Sprintf("miss:%x", it.Key)
		}
		return string(it.Key)
	}
	want := []string{
		"k1",
		fmt.Sprintf("miss:%x", record.HashKey([]byte("k2"))),
		"k3",
		fmt.Sprintf("miss:%x", record.HashKey([]byte("k4"))),
		"k5",
	}

	for _, packet := range []int{1, 2, 3} {
		var (
			got   []string
			pages int
			begin uint64
		)
		spec := SizeSpec{BlockSize: 1 << 20, PacketSize: packet}
		for {
			page, err := ex.GetSyncDataWithQuery(ctx, q, begin, math.MaxUint64, spec)
			pages++
			for _, it := range page {
				got = append(got, describe(it))
			}
			if errors.Is(err, status.ErrFinished) {
				break
			}
			require.ErrorIs(t, err, status.ErrUnfinished, "packet %d page %d", packet, pages)
			require.Len(t, page, packet)
			begin = page[len(page)-1].Timestamp + 1
			require.Less(t, pages, 10)
		}
		require.Equal(t, want, got, "packet %d", packet)
	}

	// A page that fills on a matched row stops before the next marker.
	page, err := ex.GetSyncDataWithQuery(ctx, q, 0, math.MaxUint64, SizeSpec{BlockSize: 1 << 20, PacketSize: 1})
	require.ErrorIs(t, err, status.ErrUnfinished)
	require.Len(t, page, 1)
	require.Equal(t, "k1", string(page[0].Key))
	page, err = ex.GetSyncDataWithQuery(ctx, q, page[0].Timestamp+1, math.MaxUint64, SizeSpec{BlockSize: 1 << 20, PacketSize: 1})
	require.ErrorIs(t, err, status.ErrUnfinished)
	require.True(t, page[0].Flags.MissQuery())
	require.Equal(t, uint64(20), page[0].Timestamp)
}

func TestGetSyncDataWithQuery_KeyOnlyQueryHasNoMarkers(t *testing.T) {
	ctx := context.Background()
	ex := openTestDB(t, "dev-a").NewExecutor(record.RoleMain)
	for _, k := range []string{"apple", "banana", "apricot"} {
		require.NoError(t, ex.Put(ctx, []byte(k), []byte(k)))
	}

	q := query.Select().PrefixKey([]byte("ap"))
	require.True(t, q.IsQueryOnlyByKey())
	items, err := ex.GetSyncDataWithQuery(ctx, q, 0, math.MaxUint64, everything)
	require.ErrorIs(t, err, status.ErrFinished)
	require.Len(t, items, 2)
	for _, it := range items {
		require.False(t, it.Flags.MissQuery())
	}
	require.Equal(t, "apple", string(items[0].Key))
	require.Equal(t, "apricot", string(items[1].Key))
}

func TestGetSyncDataWithQuery_RejectsBadPattern(t *testing.T) {
	ex := openTestDB(t, "dev-a").NewExecutor(record.RoleMain)
	_, err := ex.GetSyncDataWithQuery(context.Background(), query.Select().KeyGlob("["), 0, 10, everything)
	require.ErrorIs(t, err, status.ErrInvalidArgs)
	require.False(t, ex.Corrupted())
}

func TestMissQuery_RemovesRowsThatLeftScope(t *testing.T) {
	ctx := context.Background()
	dbA := openTestDB(t, "dev-a")
	dbB := openTestDB(t, "dev-b")
	exA := dbA.NewExecutor(record.RoleMain)
	exB := dbB.NewExecutor(record.RoleMain)

	q := query.Select().ValueEqual([]byte("red"))
	require.NoError(t, exA.Put(ctx, []byte("k1"), []byte("red")))
	require.NoError(t, exA.Put(ctx, []byte("k2"), []byte("red")))
	first, err := exA.GetSyncDataWithQuery(ctx, q, 0, math.MaxUint64, everything)
	require.ErrorIs(t, err, status.ErrFinished)
	require.NoError(t, exB.SaveSyncDataItems(ctx, first, peer("dev-a"), q))

	require.NoError(t, exA.Put(ctx, []byte("k2"), []byte("blue")))
	second, err := exA.GetSyncDataWithQuery(ctx, q, 0, math.MaxUint64, everything)
	require.ErrorIs(t, err, status.ErrFinished)

	ch, cancel := dbB.Hub().Subscribe(notify.Filter{})
	defer cancel()
	require.NoError(t, exB.SaveSyncDataItems(ctx, second, peer("dev-a"), q))

	_, err = exB.GetRecord(ctx, []byte("k2"))
	require.ErrorIs(t, err, status.ErrNotFound, "row that left the query scope is erased")
	v, err := exB.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, "red", string(v))

	sets := drain(ch)
	require.Len(t, sets, 1)
	require.Len(t, sets[0].Changes, 1)
	require.Equal(t, notify.Delete, sets[0].Changes[0].Type)
	require.Equal(t, "red", string(sets[0].Changes[0].Value))
}

func TestMissQuery_NeglectedWithoutMatchingRow(t *testing.T) {
	ctx := context.Background()
	ex := openTestDB(t, "dev-b").NewExecutor(record.RoleMain)
	q := query.Select().ValueEqual([]byte("red"))

	// Stored row does not match the query, so the marker does not apply.
	require.NoError(t, ex.SaveSyncDataItem(ctx, remoteItem("dev-c", "k", "green", 10), peer("dev-c")))
	marker := record.Item{
		Key:            record.HashKey([]byte("k")),
		Value:          []byte(q.String()),
		Timestamp:      50,
		WriteTimestamp: 50,
		Flags:          record.FlagMissQuery,
		OrigDevice:     record.HashDevice("dev-a"),
	}
	missing := marker
	missing.Key = record.HashKey([]byte("absent"))

	require.NoError(t, ex.SaveSyncDataItems(ctx, []record.Item{marker, missing}, peer("dev-a"), q))
	v, err := ex.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "green", string(v))
	_, err = ex.GetRecord(ctx, []byte("absent"))
	require.ErrorIs(t, err, status.ErrNotFound)
}

func TestPrepareForSend(t *testing.T) {
	db := openTestDB(t, "dev-a")
	ex := db.NewExecutor(record.RoleMain)

	hk := record.HashKey([]byte("k"))
	tomb := record.Item{HashKey: hk, Timestamp: 5, Flags: record.FlagDelete | record.FlagLocal}
	out := ex.prepareForSend(tomb)
	require.Equal(t, hk, out.Key)
	require.False(t, out.Flags.Local())
	require.True(t, out.Flags.Deleted())
	require.Equal(t, db.LocalDevice(), out.OrigDevice)
	require.Nil(t, out.HashKey)

	relayed := record.Item{Key: []byte("k"), HashKey: hk, OrigDevice: "someone"}
	require.Equal(t, "someone", ex.prepareForSend(relayed).OrigDevice)
}
