package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/conflict"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/kv"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/status"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/telemetry"
)

const (
	MaxKeySize   = 1024
	MaxValueSize = 4 << 20
)

var localWriter = record.DeviceInfo{IsLocal: true}

func checkKey(op string, key []byte) error {
	if len(key) == 0 || len(key) > MaxKeySize {
		return invalidArgs(op, fmt.Sprintf("key length %d out of range", len(key)))
	}
	return nil
}

func checkValue(op string, value []byte) error {
	if len(value) > MaxValueSize {
		return invalidArgs(op, fmt.Sprintf("value length %d exceeds limit", len(value)))
	}
	return nil
}

// Put writes a synced record authored on this device. When a stored row has
// a newer write stamp the write is dropped and status IgnoreData returned.
func (e *Executor) Put(ctx context.Context, key, value []byte) error {
	const op = "Put"
	if err := e.guard(op); err != nil {
		return err
	}
	if err := checkKey(op, key); err != nil {
		return err
	}
	if err := checkValue(op, value); err != nil {
		return err
	}
	ts := e.db.clock.Now()
	it := record.Item{
		Key:            append([]byte{}, key...),
		Value:          append([]byte{}, value...),
		Timestamp:      ts,
		WriteTimestamp: ts,
		Flags:          record.FlagLocal,
	}
	if err := e.localWrite(ctx, op, it); err != nil {
		return err
	}
	telemetry.LocalWritesTotal.With("put").Inc()
	return nil
}

// Delete tombstones a synced record. Deleting a missing record is a no-op.
func (e *Executor) Delete(ctx context.Context, key []byte) error {
	const op = "Delete"
	if err := e.guard(op); err != nil {
		return err
	}
	if err := checkKey(op, key); err != nil {
		return err
	}
	ts := e.db.clock.Now()
	it := record.Item{
		Key:            record.HashKey(key),
		Timestamp:      ts,
		WriteTimestamp: ts,
		Flags:          record.FlagLocal | record.FlagDelete,
	}
	if err := e.localWrite(ctx, op, it); err != nil {
		return err
	}
	telemetry.LocalWritesTotal.With("delete").Inc()
	return nil
}

func (e *Executor) localWrite(ctx context.Context, op string, it record.Item) error {
	txn, err := e.db.beginWrite(ctx)
	if err != nil {
		return e.translate(op, err)
	}
	defer txn.rollback()

	if e.role.WritesCache() {
		err = e.putCacheRow(txn, e.db.NextCacheVersion(), it)
	} else {
		var outcome conflict.Outcome
		outcome, err = e.saveSyncItem(txn, it, localWriter)
		if err == nil && outcome == conflict.Defeated {
			// The stored row carries a newer write stamp and keeps its value.
			return status.New(status.IgnoreData, op, nil)
		}
	}
	if err != nil {
		return e.translate(op, err)
	}
	return e.translate(op, txn.commit())
}

// Get returns the live value stored for key.
func (e *Executor) Get(ctx context.Context, key []byte) ([]byte, error) {
	const op = "Get"
	it, err := e.GetRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if it.Flags.Deleted() {
		return nil, status.New(status.NotFound, op, nil)
	}
	return it.Value, nil
}

// GetRecord returns the stored row for key, tombstones included.
func (e *Executor) GetRecord(ctx context.Context, key []byte) (record.Item, error) {
	const op = "Get"
	if err := e.guard(op); err != nil {
		return record.Item{}, err
	}
	if !e.role.ReadsMain() {
		return record.Item{}, invalidArgs(op, "role "+e.role.String()+" cannot read the main namespace")
	}
	if err := checkKey(op, key); err != nil {
		return record.Item{}, err
	}
	txn, err := e.db.store.Begin(ctx, kv.ReadOnly)
	if err != nil {
		return record.Item{}, e.translate(op, err)
	}
	defer txn.Rollback()

	it, ok, err := readRecord(txn, record.HashKey(key))
	if err != nil {
		return record.Item{}, e.translate(op, err)
	}
	if !ok {
		return record.Item{}, status.New(status.NotFound, op, nil)
	}
	return it, nil
}

// MaxTimestamp returns the largest timestamp stored in the main namespace.
func (e *Executor) MaxTimestamp(ctx context.Context) (uint64, error) {
	const op = "MaxTimestamp"
	if err := e.guard(op); err != nil {
		return 0, err
	}
	txn, err := e.db.store.Begin(ctx, kv.ReadOnly)
	if err != nil {
		return 0, e.translate(op, err)
	}
	defer txn.Rollback()
	ts, err := maxMainTimestamp(txn)
	return ts, e.translate(op, err)
}

// PutLocalData stores a value that never leaves this device.
func (e *Executor) PutLocalData(ctx context.Context, key, value []byte) error {
	return e.writeLocalData(ctx, "PutLocalData", key, value, false)
}

// DeleteLocalData removes a value stored with PutLocalData.
func (e *Executor) DeleteLocalData(ctx context.Context, key []byte) error {
	return e.writeLocalData(ctx, "DeleteLocalData", key, nil, true)
}

func (e *Executor) writeLocalData(ctx context.Context, op string, key, value []byte, del bool) error {
	if err := e.guard(op); err != nil {
		return err
	}
	if err := checkKey(op, key); err != nil {
		return err
	}
	if err := checkValue(op, value); err != nil {
		return err
	}
	txn, err := e.db.beginWrite(ctx)
	if err != nil {
		return e.translate(op, err)
	}
	defer txn.rollback()

	switch {
	case e.role.WritesCache():
		err = putCachedLocal(txn.kv, key, value, del)
	case del:
		err = txn.kv.Delete(localKey(mainLocalPrefix, key))
	default:
		err = txn.kv.Put(localKey(mainLocalPrefix, key), value)
	}
	if err != nil {
		return e.translate(op, err)
	}
	return e.translate(op, txn.commit())
}

// putCachedLocal stages local data in the cache namespace. Deletes are kept
// as tombstones so migration can apply them to the main namespace.
func putCachedLocal(txn kv.Txn, key, value []byte, del bool) error {
	it := record.Item{Key: key, Value: value}
	if del {
		it.Value = nil
		it.Flags = record.FlagDelete
	}
	row, err := record.EncodeRow(it, 0)
	if err != nil {
		return fmt.Errorf("failed to encode local data: %w", err)
	}
	return txn.Put(localKey(cacheLocalPrefix, key), row)
}

// GetLocalData reads a value stored with PutLocalData. Staged cache entries
// shadow the main namespace.
func (e *Executor) GetLocalData(ctx context.Context, key []byte) ([]byte, error) {
	const op = "GetLocalData"
	if err := e.guard(op); err != nil {
		return nil, err
	}
	if err := checkKey(op, key); err != nil {
		return nil, err
	}
	txn, err := e.db.store.Begin(ctx, kv.ReadOnly)
	if err != nil {
		return nil, e.translate(op, err)
	}
	defer txn.Rollback()

	if e.role != record.RoleMain {
		raw, err := txn.Get(localKey(cacheLocalPrefix, key))
		switch {
		case err == nil:
			it, _, err := record.DecodeRow(raw, nil)
			if err != nil {
				return nil, e.translate(op, err)
			}
			if it.Flags.Deleted() {
				return nil, status.New(status.NotFound, op, nil)
			}
			return it.Value, nil
		case !errors.Is(err, kv.ErrNotFound):
			return nil, e.translate(op, err)
		}
		if e.role == record.RoleCache {
			return nil, status.New(status.NotFound, op, nil)
		}
	}

	value, err := txn.Get(localKey(mainLocalPrefix, key))
	if err != nil {
		return nil, e.translate(op, err)
	}
	return value, nil
}
