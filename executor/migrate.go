package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/conflict"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/kv"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/query"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/telemetry"
	"github.com/rs/zerolog/log"
)

func (e *Executor) checkCacheAccess(op string) error {
	if err := e.guard(op); err != nil {
		return err
	}
	if e.role == record.RoleMain {
		return invalidArgs(op, "role "+e.role.String()+" has no cache namespace")
	}
	return nil
}

// MaxCacheVersion returns the largest version staged in the cache namespace.
// ok is false when the cache holds no rows.
func (e *Executor) MaxCacheVersion(ctx context.Context) (version uint64, ok bool, err error) {
	const op = "MaxCacheVersion"
	if err := e.checkCacheAccess(op); err != nil {
		return 0, false, err
	}
	txn, err := e.db.store.Begin(ctx, kv.ReadOnly)
	if err != nil {
		return 0, false, e.translate(op, err)
	}
	defer txn.Rollback()

	k, _, err := kv.First(txn, kv.ScanOptions{
		Lower:   cacheRecordPrefix,
		Upper:   kv.PrefixUpperBound(cacheRecordPrefix),
		Reverse: true,
	})
	if errors.Is(err, kv.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, e.translate(op, err)
	}
	version, _, err = parseCacheRowKey(k)
	if err != nil {
		return 0, false, e.translate(op, fmt.Errorf("%w: %v", record.ErrCorruptRow, err))
	}
	return version, true, nil
}

// MinVersionCacheData returns every row of the smallest staged version,
// ordered by timestamp. ok is false when the cache holds no rows.
func (e *Executor) MinVersionCacheData(ctx context.Context) (batch record.MigrationBatch, ok bool, err error) {
	const op = "MinVersionCacheData"
	if err := e.checkCacheAccess(op); err != nil {
		return batch, false, err
	}
	txn, err := e.db.store.Begin(ctx, kv.ReadOnly)
	if err != nil {
		return batch, false, e.translate(op, err)
	}
	defer txn.Rollback()

	k, _, err := kv.First(txn, kv.ScanOptions{
		Lower: cacheRecordPrefix,
		Upper: kv.PrefixUpperBound(cacheRecordPrefix),
	})
	if errors.Is(err, kv.ErrNotFound) {
		return batch, false, nil
	}
	if err != nil {
		return batch, false, e.translate(op, err)
	}
	version, _, err := parseCacheRowKey(k)
	if err != nil {
		return batch, false, e.translate(op, fmt.Errorf("%w: %v", record.ErrCorruptRow, err))
	}

	batch.Version = version
	prefix := cacheVersionPrefix(version)
	err = kv.ScanPrefix(txn, prefix, func(k, v []byte) error {
		it, _, err := record.DecodeRow(v, k[len(prefix):])
		if err != nil {
			return err
		}
		batch.Rows = append(batch.Rows, it)
		return nil
	})
	if err != nil {
		return record.MigrationBatch{}, false, e.translate(op, err)
	}
	sort.SliceStable(batch.Rows, func(i, j int) bool {
		return batch.Rows[i].Timestamp < batch.Rows[j].Timestamp
	})
	return batch, true, nil
}

// MigrateVersion applies one cache version to the main namespace and drops
// it from the cache, atomically. Rows are shifted by the migration offset so
// that locally written cache rows land after everything already in main.
func (e *Executor) MigrateVersion(ctx context.Context, batch record.MigrationBatch) error {
	const op = "MigrateVersion"
	if err := e.guard(op); err != nil {
		return err
	}
	if !e.role.Attached() {
		return invalidArgs(op, "role "+e.role.String()+" cannot migrate")
	}

	state := &e.db.migration
	state.mu.Lock()
	defer state.mu.Unlock()

	start := time.Now()
	err := e.migrateVersion(ctx, state, batch)
	if err != nil {
		telemetry.MigrationsTotal.With("error").Inc()
		log.Warn().Err(err).Uint64("version", batch.Version).Msg("Cache version migration rolled back")
		return e.translate(op, err)
	}
	telemetry.MigrationsTotal.With("ok").Inc()
	telemetry.RowsMigratedTotal.Add(float64(len(batch.Rows)))
	telemetry.MigrateDurationSeconds.Observe(time.Since(start).Seconds())
	return nil
}

// migrateVersion runs with state.mu held. state only changes after commit.
func (e *Executor) migrateVersion(ctx context.Context, state *migrationState, batch record.MigrationBatch) error {
	txn, err := e.db.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer txn.rollback()

	offset, resolved := state.offset, state.offsetResolved
	if !resolved {
		if offset, resolved, err = resolveOffset(txn); err != nil {
			return err
		}
	}

	watermark := state.watermark
	for _, row := range batch.Rows {
		it := row.Clone()
		shifted, clamped, err := shiftTimestamp(it.Timestamp, offset)
		if err != nil {
			return invalidArgs("MigrateVersion", err.Error())
		}
		if clamped {
			log.Warn().Uint64("timestamp", it.Timestamp).Int64("offset", offset).Msg("Staged row older than migration offset, clamped")
		}
		it.Timestamp = shifted

		if it.Flags.RemovesDeviceData() {
			if _, err := e.removeDeviceRows(txn, string(it.Value), it.Flags.NotifiesRemoval()); err != nil {
				return err
			}
			continue
		}

		dev := record.DeviceInfo{IsLocal: it.Device == "", DeviceName: it.Device}
		if it.Flags.MissQuery() {
			neglect, err := e.checkMigratedMissQuery(txn, it, dev)
			if err != nil {
				return err
			}
			it.Neglect = neglect
		}

		outcome, err := e.saveSyncItem(txn, it, dev)
		if err != nil {
			return err
		}
		if outcome == conflict.Accepted {
			watermark = max(watermark, it.Timestamp)
		}
	}

	staged, err := collectSuffixes(txn.kv, cacheVersionPrefix(batch.Version))
	if err != nil {
		return err
	}
	for _, hk := range staged {
		if err := txn.kv.Delete(cacheRowKey(batch.Version, hk)); err != nil {
			return err
		}
	}
	_, _, err = kv.First(txn.kv, kv.ScanOptions{
		Lower: cacheRecordPrefix,
		Upper: kv.PrefixUpperBound(cacheRecordPrefix),
	})
	drained := errors.Is(err, kv.ErrNotFound)
	if err != nil && !drained {
		return err
	}

	if err := txn.commit(); err != nil {
		return err
	}
	state.watermark = watermark
	state.offset, state.offsetResolved = offset, resolved
	if drained {
		// Rows staged from now on are reconciled against the new main maximum.
		state.offset, state.offsetResolved = 0, false
	}
	e.db.clock.Update(watermark)

	log.Debug().
		Uint64("version", batch.Version).
		Int("rows", len(batch.Rows)).
		Int64("offset", offset).
		Uint64("watermark", watermark).
		Bool("drained", drained).
		Msg("Cache version migrated")
	return nil
}

// resolveOffset computes the timestamp shift for migrated rows: the earliest
// local cache row lands just above the main maximum. The shift is capped so no
// staged row drops to zero. resolved is false while the cache holds no local
// rows; rows are then not shifted.
func resolveOffset(txn *writeTxn) (offset int64, resolved bool, err error) {
	var (
		minLocal, minStaged uint64
		found               bool
	)
	minStaged = math.MaxUint64
	err = kv.ScanPrefix(txn.kv, cacheRecordPrefix, func(_, v []byte) error {
		it, _, err := record.DecodeRow(v, nil)
		if err != nil {
			return err
		}
		minStaged = min(minStaged, it.Timestamp)
		if it.Flags.Local() && (!found || it.Timestamp < minLocal) {
			minLocal = it.Timestamp
			found = true
		}
		return nil
	})
	if err != nil || !found {
		return 0, false, err
	}
	maxMain, err := maxMainTimestamp(txn.kv)
	if err != nil {
		return 0, false, err
	}
	if minLocal > math.MaxInt64 || maxMain > math.MaxInt64 {
		return 0, false, fmt.Errorf("%w: timestamp out of range (min local %d, max main %d)", record.ErrCorruptRow, minLocal, maxMain)
	}
	offset = int64(minLocal) - int64(maxMain) - 1
	if minStaged > 0 && minStaged <= math.MaxInt64 {
		offset = min(offset, int64(minStaged)-1)
	}
	log.Info().
		Int64("offset", offset).
		Uint64("min_local", minLocal).
		Uint64("min_staged", minStaged).
		Uint64("max_main", maxMain).
		Msg("Migration offset resolved")
	return offset, true, nil
}

// shiftTimestamp applies the migration offset. A stamp at or below a positive
// offset, staged after the offset was fixed, clamps to 1. A stamp that would
// pass the top of the range is rejected.
func shiftTimestamp(ts uint64, offset int64) (shifted uint64, clamped bool, err error) {
	if offset >= 0 {
		if ts <= uint64(offset) {
			return 1, true, nil
		}
		return ts - uint64(offset), false, nil
	}
	up := uint64(-(offset + 1)) + 1
	if ts > math.MaxUint64-up {
		return 0, false, fmt.Errorf("timestamp %d overflows migration offset %d", ts, offset)
	}
	return ts + up, false, nil
}

// checkMigratedMissQuery reports whether a staged miss-query row must be
// neglected. The predicate it was staged under travels in its value.
func (e *Executor) checkMigratedMissQuery(txn *writeTxn, it record.Item, dev record.DeviceInfo) (bool, error) {
	q, err := query.Parse(string(it.Value))
	if err == nil {
		var m *query.Matcher
		if m, err = q.Compile(); err == nil {
			row, err := txn.lookup(it.Identity())
			if err != nil {
				return false, err
			}
			return missQueryNeglected(it, row, m, record.HashDevice(dev.DeviceName)), nil
		}
	}
	log.Warn().Err(err).Str("predicate", string(it.Value)).Msg("Dropping staged miss-query row with unusable predicate")
	return true, nil
}

// MaxTimestampDuringMigrating returns the largest timestamp applied by
// MigrateVersion on this database.
func (e *Executor) MaxTimestampDuringMigrating() uint64 {
	e.db.migration.mu.Lock()
	defer e.db.migration.mu.Unlock()
	return e.db.migration.watermark
}

// MigrateLocalData moves staged local data into the main namespace,
// applying staged deletes, and clears it from the cache.
func (e *Executor) MigrateLocalData(ctx context.Context) error {
	const op = "MigrateLocalData"
	if err := e.guard(op); err != nil {
		return err
	}
	if !e.role.Attached() {
		return invalidArgs(op, "role "+e.role.String()+" cannot migrate")
	}
	txn, err := e.db.beginWrite(ctx)
	if err != nil {
		return e.translate(op, err)
	}
	defer txn.rollback()

	type staged struct {
		key []byte
		it  record.Item
	}
	var entries []staged
	err = kv.ScanPrefix(txn.kv, cacheLocalPrefix, func(k, v []byte) error {
		it, _, err := record.DecodeRow(v, nil)
		if err != nil {
			return err
		}
		entries = append(entries, staged{key: append([]byte{}, k[len(cacheLocalPrefix):]...), it: it})
		return nil
	})
	if err != nil {
		return e.translate(op, err)
	}
	for _, s := range entries {
		if s.it.Flags.Deleted() {
			err = txn.kv.Delete(localKey(mainLocalPrefix, s.key))
		} else {
			err = txn.kv.Put(localKey(mainLocalPrefix, s.key), s.it.Value)
		}
		if err != nil {
			return e.translate(op, err)
		}
		if err := txn.kv.Delete(localKey(cacheLocalPrefix, s.key)); err != nil {
			return e.translate(op, err)
		}
	}
	if err := txn.commit(); err != nil {
		return e.translate(op, err)
	}
	if len(entries) > 0 {
		log.Debug().Int("entries", len(entries)).Msg("Local data migrated")
	}
	return nil
}
