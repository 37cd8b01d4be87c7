package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/conflict"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/query"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/status"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/telemetry"
	"github.com/rs/zerolog/log"
)

// SaveSyncDataItems applies a batch received from dev in one transaction.
// q is the query the peer synced under. When it is non-empty, miss-query
// items are checked against the stored rows before anything is applied.
// Ignored and defeated items are skipped without failing the batch.
func (e *Executor) SaveSyncDataItems(ctx context.Context, items []record.Item, dev record.DeviceInfo, q *query.Query) error {
	const op = "SaveSyncDataItems"
	if err := e.guard(op); err != nil {
		return err
	}
	if e.role.WritesCache() {
		return invalidArgs(op, "role "+e.role.String()+" saves into the cache namespace")
	}
	if len(items) == 0 {
		return nil
	}

	start := time.Now()
	batch := make([]record.Item, len(items))
	copy(batch, items)

	txn, err := e.db.beginWrite(ctx)
	if err != nil {
		return e.translate(op, err)
	}
	defer txn.rollback()

	if !q.IsEmpty() {
		if err := e.checkMissQueryItems(txn, batch, dev, q); err != nil {
			return e.translate(op, err)
		}
	}

	applied := 0
	var newest uint64
	for i := range batch {
		outcome, err := e.saveSyncItem(txn, batch[i], dev)
		if err != nil {
			return e.translate(op, err)
		}
		if outcome == conflict.Accepted {
			applied++
			newest = max(newest, batch[i].Timestamp, batch[i].WriteTimestamp)
		}
	}
	if err := txn.commit(); err != nil {
		return e.translate(op, err)
	}
	// Local writes must order after everything accepted from peers.
	e.db.clock.Update(newest)

	telemetry.SaveDurationSeconds.With("main").Observe(time.Since(start).Seconds())
	log.Debug().
		Str("device", dev.DeviceName).
		Int("items", len(batch)).
		Int("applied", applied).
		Msg("Saved sync items")
	return nil
}

// SaveSyncDataItem applies a single item. An item rejected by the conflict
// policy is reported with status IgnoreData, which callers treat as success.
// A defeated item, older than the stored row, is dropped and returns nil.
func (e *Executor) SaveSyncDataItem(ctx context.Context, item record.Item, dev record.DeviceInfo) error {
	const op = "SaveSyncDataItem"
	if err := e.guard(op); err != nil {
		return err
	}
	if e.role.WritesCache() {
		return invalidArgs(op, "role "+e.role.String()+" saves into the cache namespace")
	}

	txn, err := e.db.beginWrite(ctx)
	if err != nil {
		return e.translate(op, err)
	}
	defer txn.rollback()

	outcome, err := e.saveSyncItem(txn, item, dev)
	if err != nil {
		return e.translate(op, err)
	}
	if err := txn.commit(); err != nil {
		return e.translate(op, err)
	}
	if outcome == conflict.Accepted {
		e.db.clock.Update(max(item.Timestamp, item.WriteTimestamp))
	}
	if outcome == conflict.Ignored {
		return status.New(status.IgnoreData, op, nil)
	}
	return nil
}

// saveSyncItem resolves one item against the stored row and applies it.
func (e *Executor) saveSyncItem(txn *writeTxn, item record.Item, dev record.DeviceInfo) (conflict.Outcome, error) {
	if item.Neglect {
		telemetry.ItemsSavedTotal.With("neglected").Inc()
		return conflict.Ignored, nil
	}
	if item.WriteTimestamp == 0 {
		item.WriteTimestamp = item.Timestamp
	}
	hashKey := item.Identity()
	if len(hashKey) == 0 {
		return conflict.Ignored, invalidArgs("save", "item has no key")
	}

	existing, err := txn.lookup(hashKey)
	if err != nil {
		return conflict.Ignored, err
	}
	res := conflict.Resolve(item, existing, dev, e.db.opts.Policy, e.db.opts.ForceWrite)
	telemetry.ItemsSavedTotal.With(res.Outcome.String()).Inc()
	if !res.Applied() {
		return res.Outcome, nil
	}

	if res.Item.Flags.MissQuery() {
		// The row left the peer's query scope.
		txn.agg.RecordApplied(res.Status, existing, res.Item)
		if err := txn.eraseMain(hashKey, existing); err != nil {
			return conflict.Ignored, err
		}
		return res.Outcome, nil
	}

	stored := storedForm(res.Item, hashKey, existing, dev)
	if err := txn.putMain(hashKey, existing, stored); err != nil {
		return conflict.Ignored, err
	}
	txn.agg.RecordApplied(res.Status, existing, stored)
	return res.Outcome, nil
}

// storedForm shapes an accepted item for the main namespace.
func storedForm(it record.Item, hashKey []byte, existing *record.Item, dev record.DeviceInfo) record.Item {
	out := it.Clone()
	out.HashKey = append([]byte{}, hashKey...)
	out.Device = record.HashDevice(dev.DeviceName)
	out.Neglect = false
	out.Flags = out.Flags.Without(record.FlagMissQuery | record.FlagRemoveDeviceData | record.FlagRemoveDeviceDataNotify)
	if dev.IsLocal {
		out.Flags = out.Flags.With(record.FlagLocal)
	} else {
		out.Flags = out.Flags.Without(record.FlagLocal)
	}
	if out.Flags.Local() && out.OrigDevice == "" && existing != nil {
		out.OrigDevice = existing.OrigDevice
	}
	if out.Flags.Deleted() {
		out.Key = nil
		out.Value = nil
	}
	return out
}

// checkMissQueryItems marks miss-query items that must not be applied: the
// row they name is absent, deleted or no longer matches q, or it is at least
// as new as the marker.
func (e *Executor) checkMissQueryItems(txn *writeTxn, items []record.Item, dev record.DeviceInfo, q *query.Query) error {
	m, err := q.Compile()
	if err != nil {
		return err
	}
	devHash := record.HashDevice(dev.DeviceName)
	for i := range items {
		it := &items[i]
		if !it.Flags.MissQuery() || len(it.Key) == 0 {
			continue
		}
		row, err := txn.lookup(it.Key)
		if err != nil {
			return err
		}
		it.Neglect = missQueryNeglected(*it, row, m, devHash)
	}
	return nil
}

func missQueryNeglected(it record.Item, row *record.Item, m *query.Matcher, devHash string) bool {
	if row == nil || row.Flags.Deleted() || !m.Match(row.Key, row.Value) {
		return true
	}
	return row.Timestamp > it.Timestamp || (row.Timestamp == it.Timestamp && row.Device == devHash)
}

// SaveSyncDataItemsInCacheMode stages a batch in the cache namespace under
// version. Conflicts are resolved later, when the version is migrated.
func (e *Executor) SaveSyncDataItemsInCacheMode(ctx context.Context, items []record.Item, dev record.DeviceInfo, version uint64, q *query.Query) error {
	const op = "SaveSyncDataItemsInCacheMode"
	if err := e.guard(op); err != nil {
		return err
	}
	if !e.role.WritesCache() {
		return invalidArgs(op, "role "+e.role.String()+" does not write the cache namespace")
	}
	if len(items) == 0 {
		return nil
	}

	start := time.Now()
	txn, err := e.db.beginWrite(ctx)
	if err != nil {
		return e.translate(op, err)
	}
	defer txn.rollback()

	predicate := q.String()
	for _, src := range items {
		if src.Neglect {
			continue
		}
		it := src.Clone()
		if it.WriteTimestamp == 0 {
			it.WriteTimestamp = it.Timestamp
		}
		it.Device = dev.DeviceName
		if dev.IsLocal {
			it.Device = ""
		}
		if it.Flags.MissQuery() {
			it.Value = []byte(predicate)
		}
		if err := e.putCacheRow(txn, version, it); err != nil {
			return e.translate(op, err)
		}
	}
	if err := txn.commit(); err != nil {
		return e.translate(op, err)
	}
	e.db.observeCacheVersion(version)

	telemetry.SaveDurationSeconds.With("cache").Observe(time.Since(start).Seconds())
	log.Debug().
		Str("device", dev.DeviceName).
		Uint64("version", version).
		Int("items", len(items)).
		Msg("Staged sync items in cache")
	return nil
}

// putCacheRow writes it as a cache row. The stored device is the raw writer
// name; migration hashes it.
func (e *Executor) putCacheRow(txn *writeTxn, version uint64, it record.Item) error {
	hashKey := it.Identity()
	if len(hashKey) == 0 {
		return invalidArgs("cache", "item has no key")
	}
	row, err := record.EncodeRow(it, version)
	if err != nil {
		return fmt.Errorf("failed to encode cache row: %w", err)
	}
	return txn.kv.Put(cacheRowKey(version, hashKey), row)
}
