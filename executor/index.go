package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/kv"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	indexShards         = 16
	filterBucketSize    = 4
	filterFingerprint   = 16
	defaultIndexEntries = 4096
)

// VersionIndex resolves a hash key to the committed record in the main
// namespace. A sharded LRU keeps recent records and a cuckoo filter of every
// hash key ever written answers most misses without touching the store.
//
// Only write transactions populate the cache. They hold the store's single
// writer slot, so what they read is the latest committed state.
type VersionIndex struct {
	shards [indexShards]*lru.Cache[string, record.Item]

	filterMu     sync.RWMutex
	filter       *cuckoo.Filter
	filterUsable bool
}

func newVersionIndex(cacheSize int, filterCapacity uint) (*VersionIndex, error) {
	if cacheSize < indexShards {
		cacheSize = defaultIndexEntries
	}
	ix := &VersionIndex{}
	for i := range ix.shards {
		c, err := lru.New[string, record.Item](cacheSize / indexShards)
		if err != nil {
			return nil, fmt.Errorf("failed to create index cache: %w", err)
		}
		ix.shards[i] = c
	}
	if filterCapacity > 0 {
		ix.filter = cuckoo.NewFilter(filterBucketSize, filterFingerprint, filterCapacity, cuckoo.TableTypePacked)
		ix.filterUsable = true
	}
	return ix, nil
}

func (ix *VersionIndex) shard(hashKey []byte) *lru.Cache[string, record.Item] {
	return ix.shards[xxhash.Sum64(hashKey)%indexShards]
}

// load seeds the filter with every hash key in the main namespace.
func (ix *VersionIndex) load(ctx context.Context, store kv.Store) error {
	if ix.filter == nil {
		return nil
	}
	txn, err := store.Begin(ctx, kv.ReadOnly)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	count := 0
	err = kv.ScanPrefix(txn, mainRecordPrefix, func(k, _ []byte) error {
		ix.markKnown(k[len(mainRecordPrefix):])
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load version index: %w", err)
	}
	log.Debug().Int("records", count).Bool("filter_usable", ix.filterUsable).Msg("Version index loaded")
	return nil
}

// Lookup returns the committed record for hashKey as seen by txn.
func (ix *VersionIndex) Lookup(txn kv.Txn, hashKey []byte) (*record.Item, bool, error) {
	cache := ix.shard(hashKey)
	if it, ok := cache.Get(string(hashKey)); ok {
		telemetry.IndexLookupsTotal.With("cache").Inc()
		out := it.Clone()
		return &out, true, nil
	}
	if !ix.mightContain(hashKey) {
		telemetry.IndexLookupsTotal.With("filter_miss").Inc()
		return nil, false, nil
	}

	telemetry.IndexLookupsTotal.With("store").Inc()
	it, ok, err := readRecord(txn, hashKey)
	if err != nil || !ok {
		return nil, ok, err
	}
	cache.Add(string(hashKey), it.Clone())
	return &it, true, nil
}

func readRecord(txn kv.Txn, hashKey []byte) (record.Item, bool, error) {
	raw, err := txn.Get(recordKey(hashKey))
	if errors.Is(err, kv.ErrNotFound) {
		return record.Item{}, false, nil
	}
	if err != nil {
		return record.Item{}, false, err
	}
	it, _, err := record.DecodeRow(raw, hashKey)
	if err != nil {
		return record.Item{}, false, err
	}
	return it, true, nil
}

func (ix *VersionIndex) mightContain(hashKey []byte) bool {
	ix.filterMu.RLock()
	defer ix.filterMu.RUnlock()
	if !ix.filterUsable {
		return true
	}
	return ix.filter.Contain(hashKey)
}

// markKnown records that hashKey may exist. Keys are never removed from the
// filter; a stale entry only costs a store read.
func (ix *VersionIndex) markKnown(hashKey []byte) {
	ix.filterMu.Lock()
	defer ix.filterMu.Unlock()
	if !ix.filterUsable || ix.filter.Contain(hashKey) {
		return
	}
	if !ix.filter.Add(hashKey) {
		ix.filterUsable = false
		log.Warn().Uint("size", ix.filter.Size()).Msg("Version index filter full, falling back to store lookups")
	}
}

// invalidate drops cached records for keys a transaction is about to commit.
func (ix *VersionIndex) invalidate(hashKeys [][]byte) {
	for _, hk := range hashKeys {
		ix.shard(hk).Remove(string(hk))
	}
}

// Stats returns the number of cached records and filter entries.
func (ix *VersionIndex) Stats() (int, uint) {
	entries := 0
	for _, c := range ix.shards {
		entries += c.Len()
	}
	ix.filterMu.RLock()
	defer ix.filterMu.RUnlock()
	if ix.filter == nil {
		return entries, 0
	}
	return entries, ix.filter.Size()
}
