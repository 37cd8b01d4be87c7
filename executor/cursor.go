package executor

import (
	"context"
	"time"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/kv"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/query"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/status"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/telemetry"
	"github.com/rs/zerolog/log"
)

// page accumulates one outbound sync page under a SizeSpec.
type page struct {
	spec      SizeSpec
	appendLen int
	items     []record.Item
	total     int
}

// add appends it unless the page is full. The first item always fits.
func (p *page) add(it record.Item) bool {
	size := record.SerialSize(it, p.appendLen)
	if (p.total+size > p.spec.BlockSize && len(p.items) > 0) || len(p.items) >= p.spec.PacketSize {
		return false
	}
	p.items = append(p.items, it)
	p.total += size
	return true
}

type rowFilter int

const (
	liveRows rowFilter = iota
	deletedRows
)

// GetSyncDataByTimestamp returns live rows with begin <= timestamp < end in
// timestamp order. The error is status Unfinished when the page filled before
// the range was exhausted and Finished otherwise; the items are valid either way.
func (e *Executor) GetSyncDataByTimestamp(ctx context.Context, begin, end uint64, spec SizeSpec) ([]record.Item, error) {
	return e.readByTimestamp(ctx, "GetSyncDataByTimestamp", "time", liveRows, begin, end, spec)
}

// GetDeletedSyncDataByTimestamp is GetSyncDataByTimestamp for tombstones.
func (e *Executor) GetDeletedSyncDataByTimestamp(ctx context.Context, begin, end uint64, spec SizeSpec) ([]record.Item, error) {
	return e.readByTimestamp(ctx, "GetDeletedSyncDataByTimestamp", "deleted", deletedRows, begin, end, spec)
}

func (e *Executor) readByTimestamp(ctx context.Context, op, kind string, filter rowFilter, begin, end uint64, spec SizeSpec) ([]record.Item, error) {
	if err := e.checkRead(op, spec); err != nil {
		return nil, err
	}
	start := time.Now()
	p := &page{spec: spec, appendLen: e.db.opts.AppendLen}
	finished := true
	err := e.scanRange(ctx, begin, end, func(row record.Item) bool {
		if row.Flags.Deleted() != (filter == deletedRows) {
			return true
		}
		if !p.add(e.prepareForSend(row)) {
			finished = false
			return false
		}
		return true
	})
	if err != nil {
		return nil, e.translate(op, err)
	}
	return p.items, e.finishPage(op, kind, p, finished, start)
}

// GetSyncDataWithQuery returns the live rows in [begin, end) that match q.
// Unless q restricts keys only, every live row in the range that does not
// match is sent in its place as a miss-query marker carrying the hash key
// and the predicate, so the peer can drop rows that left the query scope.
func (e *Executor) GetSyncDataWithQuery(ctx context.Context, q *query.Query, begin, end uint64, spec SizeSpec) ([]record.Item, error) {
	const op = "GetSyncDataWithQuery"
	if err := e.checkRead(op, spec); err != nil {
		return nil, err
	}
	m, err := q.Compile()
	if err != nil {
		return nil, e.translate(op, err)
	}
	byKey := q.IsQueryOnlyByKey()
	predicate := []byte(q.String())

	start := time.Now()
	p := &page{spec: spec, appendLen: e.db.opts.AppendLen}
	finished := true
	misses := 0
	err = e.scanRange(ctx, begin, end, func(row record.Item) bool {
		if row.Flags.Deleted() {
			return true
		}
		var out record.Item
		switch {
		case m.Match(row.Key, row.Value):
			out = e.prepareForSend(row)
		case byKey:
			return true
		default:
			out = e.missQueryMarker(row, predicate)
		}
		if !p.add(out) {
			finished = false
			return false
		}
		if out.Flags.MissQuery() {
			misses++
		}
		return true
	})
	if err != nil {
		return nil, e.translate(op, err)
	}
	telemetry.MissQueryItemsTotal.Add(float64(misses))
	return p.items, e.finishPage(op, "query", p, finished, start)
}

func (e *Executor) checkRead(op string, spec SizeSpec) error {
	if err := e.guard(op); err != nil {
		return err
	}
	if !e.role.ReadsMain() {
		return invalidArgs(op, "role "+e.role.String()+" cannot read the main namespace")
	}
	if spec.BlockSize <= 0 || spec.PacketSize <= 0 {
		return invalidArgs(op, "size spec must be positive")
	}
	return nil
}

func (e *Executor) finishPage(op, kind string, p *page, finished bool, start time.Time) error {
	result := status.Finished
	if !finished {
		result = status.Unfinished
	}
	telemetry.SyncPagesTotal.With(kind, result.String()).Inc()
	telemetry.SyncItemsTotal.With(kind).Add(float64(len(p.items)))
	telemetry.SyncReadDurationSeconds.With(kind).Observe(time.Since(start).Seconds())
	log.Debug().
		Str("kind", kind).
		Int("items", len(p.items)).
		Int("bytes", p.total).
		Str("result", result.String()).
		Msg("Sync page read")
	return status.New(result, op, nil)
}

// scanRange walks main rows with begin <= timestamp < end in timestamp
// order over a snapshot, until fn returns false.
func (e *Executor) scanRange(ctx context.Context, begin, end uint64, fn func(record.Item) bool) error {
	if begin >= end {
		return nil
	}
	txn, err := e.db.store.Begin(ctx, kv.ReadOnly)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	opts := kv.ScanOptions{Lower: timeBound(begin), Upper: timeBound(end)}
	return txn.Scan(opts, func(k, _ []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, hashKey, err := parseTimeKey(k)
		if err != nil {
			return err
		}
		row, ok, err := readRecord(txn, hashKey)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if !fn(row) {
			return kv.ErrStopScan
		}
		return nil
	})
}

// prepareForSend converts a stored row into its outbound form.
func (e *Executor) prepareForSend(row record.Item) record.Item {
	out := row.Clone()
	out.Flags = out.Flags.Without(record.FlagLocal)
	if out.Flags.Deleted() {
		out.Key = out.HashKey
	}
	if out.OrigDevice == "" {
		out.OrigDevice = e.db.deviceHash
	}
	out.HashKey = nil
	return out
}

func (e *Executor) missQueryMarker(row record.Item, predicate []byte) record.Item {
	out := e.prepareForSend(row)
	out.Key = append([]byte{}, row.HashKey...)
	out.Value = append([]byte{}, predicate...)
	out.Flags = out.Flags.With(record.FlagMissQuery)
	return out
}
