package executor

import (
	"context"
	"fmt"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/kv"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/notify"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
)

// writeTxn is an exclusive transaction over both namespaces. Main namespace
// writes are tracked so lookups read through to uncommitted state and the
// version index can be invalidated at commit.
type writeTxn struct {
	db    *Database
	kv    kv.Txn
	agg   *notify.Aggregator
	dirty map[string]*record.Item
	order [][]byte
}

func (db *Database) beginWrite(ctx context.Context) (*writeTxn, error) {
	txn, err := db.store.Begin(ctx, kv.ReadWrite)
	if err != nil {
		return nil, err
	}
	return &writeTxn{
		db:    db,
		kv:    txn,
		agg:   notify.NewAggregator(),
		dirty: make(map[string]*record.Item),
	}, nil
}

// lookup returns the main namespace record for hashKey, nil when absent.
func (t *writeTxn) lookup(hashKey []byte) (*record.Item, error) {
	if it, ok := t.dirty[string(hashKey)]; ok {
		if it == nil {
			return nil, nil
		}
		out := it.Clone()
		return &out, nil
	}
	it, ok, err := t.db.index.Lookup(t.kv, hashKey)
	if err != nil || !ok {
		return nil, err
	}
	return it, nil
}

func (t *writeTxn) touch(hashKey []byte, it *record.Item) {
	id := string(hashKey)
	if _, seen := t.dirty[id]; !seen {
		t.order = append(t.order, append([]byte{}, hashKey...))
	}
	t.dirty[id] = it
}

// putMain stores it under hashKey, replacing old and its index entries.
func (t *writeTxn) putMain(hashKey []byte, old *record.Item, it record.Item) error {
	if old != nil {
		if err := t.dropIndexes(hashKey, old); err != nil {
			return err
		}
	}
	row, err := record.EncodeRow(it, 0)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := t.kv.Put(recordKey(hashKey), row); err != nil {
		return err
	}
	if err := t.kv.Put(timeKey(it.Timestamp, hashKey), nil); err != nil {
		return err
	}
	if it.Device != "" {
		if err := t.kv.Put(deviceKey(it.Device, hashKey), nil); err != nil {
			return err
		}
	}
	t.db.index.markKnown(hashKey)
	stored := it.Clone()
	stored.HashKey = append([]byte{}, hashKey...)
	t.touch(hashKey, &stored)
	return nil
}

// eraseMain physically removes the row for hashKey.
func (t *writeTxn) eraseMain(hashKey []byte, old *record.Item) error {
	if old == nil {
		return nil
	}
	if err := t.dropIndexes(hashKey, old); err != nil {
		return err
	}
	if err := t.kv.Delete(recordKey(hashKey)); err != nil {
		return err
	}
	t.touch(hashKey, nil)
	return nil
}

func (t *writeTxn) dropIndexes(hashKey []byte, old *record.Item) error {
	if err := t.kv.Delete(timeKey(old.Timestamp, hashKey)); err != nil {
		return err
	}
	if old.Device != "" {
		if err := t.kv.Delete(deviceKey(old.Device, hashKey)); err != nil {
			return err
		}
	}
	return nil
}

// commit makes the transaction durable and publishes its change set.
func (t *writeTxn) commit() error {
	t.db.index.invalidate(t.order)
	if err := t.kv.Commit(); err != nil {
		return err
	}
	t.db.hub.Publish(t.agg.ChangeSet(t.db.name))
	return nil
}

// rollback is safe to defer after commit.
func (t *writeTxn) rollback() {
	_ = t.kv.Rollback()
	t.agg.Reset()
}
