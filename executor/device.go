package executor

import (
	"context"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/kv"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/notify"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/status"
	"github.com/rs/zerolog/log"
)

// GetAllSyncedEntries returns the live rows last written by the hashed
// device devHash. Rows authored on this device are never included.
func (e *Executor) GetAllSyncedEntries(ctx context.Context, devHash string) ([]record.Item, error) {
	const op = "GetAllSyncedEntries"
	if err := e.guard(op); err != nil {
		return nil, err
	}
	if !e.role.ReadsMain() {
		return nil, invalidArgs(op, "role "+e.role.String()+" cannot read the main namespace")
	}
	if devHash == "" {
		return nil, invalidArgs(op, "device is required")
	}
	txn, err := e.db.store.Begin(ctx, kv.ReadOnly)
	if err != nil {
		return nil, e.translate(op, err)
	}
	defer txn.Rollback()

	hashKeys, err := collectSuffixes(txn, devicePrefix(devHash))
	if err != nil {
		return nil, e.translate(op, err)
	}
	var out []record.Item
	for _, hk := range hashKeys {
		row, ok, err := readRecord(txn, hk)
		if err != nil {
			return nil, e.translate(op, err)
		}
		if ok && !row.Flags.Local() && !row.Flags.Deleted() {
			out = append(out, row)
		}
	}
	return out, nil
}

// RemoveDeviceData erases every row synced from device, or from every peer
// when device is empty. With notify set, live rows are reported as deletes.
func (e *Executor) RemoveDeviceData(ctx context.Context, device string, withNotify bool) error {
	const op = "RemoveDeviceData"
	if err := e.guard(op); err != nil {
		return err
	}
	if e.role.WritesCache() {
		return invalidArgs(op, "role "+e.role.String()+" must stage removals with RemoveDeviceDataInCacheMode")
	}
	txn, err := e.db.beginWrite(ctx)
	if err != nil {
		return e.translate(op, err)
	}
	defer txn.rollback()

	removed, err := e.removeDeviceRows(txn, record.HashDevice(device), withNotify)
	if err != nil {
		return e.translate(op, err)
	}
	if err := txn.commit(); err != nil {
		return e.translate(op, err)
	}
	log.Info().Str("device", device).Int("rows", removed).Bool("notify", withNotify).Msg("Removed device data")
	return nil
}

// RemoveDeviceDataInCacheMode stages a removal marker under version. The
// rows are erased when that version is migrated.
func (e *Executor) RemoveDeviceDataInCacheMode(ctx context.Context, device string, withNotify bool, version uint64) error {
	const op = "RemoveDeviceDataInCacheMode"
	if err := e.guard(op); err != nil {
		return err
	}
	if !e.role.WritesCache() {
		return invalidArgs(op, "role "+e.role.String()+" does not write the cache namespace")
	}
	devHash := record.HashDevice(device)
	flags := record.FlagRemoveDeviceData
	if withNotify {
		flags = record.FlagRemoveDeviceDataNotify
	}
	ts := e.db.clock.Now()
	marker := record.Item{
		Key:            append([]byte{}, record.RemoveDeviceDataKey...),
		Value:          []byte(devHash),
		HashKey:        record.HashKey(append(append([]byte{}, record.RemoveDeviceDataKey...), devHash...)),
		Timestamp:      ts,
		WriteTimestamp: ts,
		Flags:          flags,
	}

	txn, err := e.db.beginWrite(ctx)
	if err != nil {
		return e.translate(op, err)
	}
	defer txn.rollback()
	if err := e.putCacheRow(txn, version, marker); err != nil {
		return e.translate(op, err)
	}
	if err := txn.commit(); err != nil {
		return e.translate(op, err)
	}
	e.db.observeCacheVersion(version)
	return nil
}

// removeDeviceRows erases rows last written by devHash, or every peer row
// when devHash is empty. Locally authored rows are kept.
func (e *Executor) removeDeviceRows(txn *writeTxn, devHash string, withNotify bool) (int, error) {
	var (
		hashKeys [][]byte
		err      error
	)
	if devHash == "" {
		hashKeys, err = collectSuffixes(txn.kv, mainRecordPrefix)
	} else {
		hashKeys, err = collectSuffixes(txn.kv, devicePrefix(devHash))
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, hk := range hashKeys {
		row, err := txn.lookup(hk)
		if err != nil {
			return removed, err
		}
		if row == nil || row.Flags.Local() || row.Device == "" {
			continue
		}
		if withNotify && !row.Flags.Deleted() {
			txn.agg.Record(notify.Change{Type: notify.Delete, HashKey: hk, Key: row.Key, Value: row.Value, Old: row})
		}
		if err := txn.eraseMain(hk, row); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// EraseSyncData physically removes the row for hashKey, leaving no tombstone.
func (e *Executor) EraseSyncData(ctx context.Context, hashKey []byte) error {
	const op = "EraseSyncData"
	if err := e.guard(op); err != nil {
		return err
	}
	if e.role.WritesCache() {
		return invalidArgs(op, "role "+e.role.String()+" cannot write the main namespace")
	}
	if len(hashKey) == 0 {
		return invalidArgs(op, "hash key is required")
	}
	txn, err := e.db.beginWrite(ctx)
	if err != nil {
		return e.translate(op, err)
	}
	defer txn.rollback()

	row, err := txn.lookup(hashKey)
	if err != nil {
		return e.translate(op, err)
	}
	if row == nil {
		return status.New(status.NotFound, op, nil)
	}
	if err := txn.eraseMain(hashKey, row); err != nil {
		return e.translate(op, err)
	}
	return e.translate(op, txn.commit())
}

// collectSuffixes returns copies of every key under prefix with the prefix removed.
func collectSuffixes(txn kv.Txn, prefix []byte) ([][]byte, error) {
	var out [][]byte
	err := kv.ScanPrefix(txn, prefix, func(k, _ []byte) error {
		out = append(out, append([]byte{}, k[len(prefix):]...))
		return nil
	})
	return out, err
}
