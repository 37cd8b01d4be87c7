// Package executor implements the single-version storage executor: synced
// saves with conflict resolution, paginated outbound sync reads, local writes
// and the cache-to-main migration protocol.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/conflict"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/hlc"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/kv"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/notify"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
	"github.com/rs/zerolog/log"
)

// Options configures a Database.
type Options struct {
	// Name labels change sets published by this database.
	Name string
	// Device is the local device id. Rows authored here carry an empty origin.
	Device string
	Policy conflict.Policy
	// ForceWrite lets a device override its own newer stored rows.
	ForceWrite bool
	// AppendLen is added to every item when sizing sync pages.
	AppendLen      int
	IndexCacheSize int
	FilterCapacity uint
	// Hub receives committed change sets. A private hub is created when nil.
	Hub *notify.Hub
}

// Database binds a RecordStore to the state shared by its executors.
type Database struct {
	name       string
	store      kv.Store
	index      *VersionIndex
	clock      *hlc.Clock
	hub        *notify.Hub
	device     string
	deviceHash string
	opts       Options
	closed     atomic.Bool

	cacheVersion atomic.Uint64
	migration    migrationState
	migrator     *Executor
}

// migrationState is shared by every executor migrating into this database.
// The offset stays fixed until the cache namespace drains.
type migrationState struct {
	mu             sync.Mutex
	offsetResolved bool
	offset         int64
	watermark      uint64
}

// Open prepares a database over store. The clock is seeded above the largest
// timestamp already stored in either namespace.
func Open(ctx context.Context, store kv.Store, opts Options) (*Database, error) {
	if store == nil {
		return nil, errors.New("record store is required")
	}
	if opts.Name == "" {
		opts.Name = "main"
	}
	index, err := newVersionIndex(opts.IndexCacheSize, opts.FilterCapacity)
	if err != nil {
		return nil, err
	}
	if err := index.load(ctx, store); err != nil {
		return nil, err
	}

	hub := opts.Hub
	if hub == nil {
		hub = notify.NewHub()
	}
	db := &Database{
		name:       opts.Name,
		store:      store,
		index:      index,
		hub:        hub,
		device:     opts.Device,
		deviceHash: record.HashDevice(opts.Device),
		opts:       opts,
	}

	maxStamp, maxVersion, err := db.initCurrentMaxStamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read max timestamp: %w", err)
	}
	db.clock = hlc.NewClock(maxStamp)
	db.cacheVersion.Store(maxVersion)
	db.migrator = db.NewExecutor(record.RoleMainAttachedToCache)

	log.Info().
		Str("store", db.name).
		Str("policy", opts.Policy.String()).
		Uint64("max_timestamp", maxStamp).
		Uint64("cache_version", maxVersion).
		Msg("Database opened")
	return db, nil
}

// initCurrentMaxStamp returns the largest record timestamp across both
// namespaces and the largest staged cache version.
func (db *Database) initCurrentMaxStamp(ctx context.Context) (uint64, uint64, error) {
	txn, err := db.store.Begin(ctx, kv.ReadOnly)
	if err != nil {
		return 0, 0, err
	}
	defer txn.Rollback()

	maxStamp, err := maxMainTimestamp(txn)
	if err != nil {
		return 0, 0, err
	}
	var maxVersion uint64
	err = kv.ScanPrefix(txn, cacheRecordPrefix, func(k, v []byte) error {
		version, _, err := parseCacheRowKey(k)
		if err != nil {
			return err
		}
		it, _, err := record.DecodeRow(v, nil)
		if err != nil {
			return err
		}
		maxStamp = max(maxStamp, it.Timestamp)
		maxVersion = max(maxVersion, version)
		return nil
	})
	return maxStamp, maxVersion, err
}

// NextCacheVersion allocates a cache version above every version staged so far.
func (db *Database) NextCacheVersion() uint64 {
	return db.cacheVersion.Add(1)
}

func (db *Database) observeCacheVersion(v uint64) {
	for {
		cur := db.cacheVersion.Load()
		if v <= cur || db.cacheVersion.CompareAndSwap(cur, v) {
			return
		}
	}
}

func maxMainTimestamp(txn kv.Txn) (uint64, error) {
	k, _, err := kv.First(txn, kv.ScanOptions{
		Lower:   mainTimePrefix,
		Upper:   kv.PrefixUpperBound(mainTimePrefix),
		Reverse: true,
	})
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ts, _, err := parseTimeKey(k)
	return ts, err
}

// NewExecutor returns an executor bound to role for its whole lifetime.
func (db *Database) NewExecutor(role record.StoreRole) *Executor {
	return &Executor{db: db, role: role}
}

// Name returns the label used in change sets.
func (db *Database) Name() string { return db.name }

// Hub returns the change notification hub.
func (db *Database) Hub() *notify.Hub { return db.hub }

// Clock returns the local write clock.
func (db *Database) Clock() *hlc.Clock { return db.clock }

// LocalDevice returns the hashed local device id stamped on outbound rows.
func (db *Database) LocalDevice() string { return db.deviceHash }

// IndexStats implements telemetry.StatsProvider.
func (db *Database) IndexStats() (int, uint) { return db.index.Stats() }

// DroppedChangeSets implements telemetry.StatsProvider.
func (db *Database) DroppedChangeSets() uint64 { return db.hub.Dropped() }

// Migrator returns the long-lived executor MigrateCache runs on. Corruption
// it detects stays visible across calls.
func (db *Database) Migrator() *Executor { return db.migrator }

// Close closes the underlying store.
func (db *Database) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	return db.store.Close()
}

// MigrateCache drains the cache namespace into the main one, one version at
// a time in ascending order, then moves cached local data. maxVersions bounds
// the versions migrated in this call, 0 means all. It returns the number of
// versions migrated.
func (db *Database) MigrateCache(ctx context.Context, maxVersions int) (int, error) {
	ex := db.migrator
	migrated := 0
	for maxVersions == 0 || migrated < maxVersions {
		batch, ok, err := ex.MinVersionCacheData(ctx)
		if err != nil {
			return migrated, err
		}
		if !ok {
			break
		}
		if err := ex.MigrateVersion(ctx, batch); err != nil {
			return migrated, err
		}
		migrated++
	}
	if maxVersions == 0 || migrated < maxVersions {
		if err := ex.MigrateLocalData(ctx); err != nil {
			return migrated, err
		}
	}
	if migrated > 0 {
		log.Info().Int("versions", migrated).Uint64("watermark", ex.MaxTimestampDuringMigrating()).Msg("Cache migrated")
	}
	return migrated, nil
}
