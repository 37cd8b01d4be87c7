package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/conflict"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/executor"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/kv"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/status"
)

// Device is one simulated peer with its own store.
type Device struct {
	name string
	db   *executor.Database
	ex   *executor.Executor

	mu    sync.Mutex
	marks map[string]watermark // peer name -> next begin
}

type watermark struct {
	live    uint64
	deleted uint64
}

func openDevice(ctx context.Context, cfg *Config, name string) (*Device, error) {
	var store kv.Store
	var err error
	switch cfg.Engine {
	case "pebble":
		store, err = kv.OpenPebble(filepath.Join(cfg.DataDir, name), kv.DefaultPebbleOptions())
	case "sqlite":
		store, err = kv.OpenSQLite(filepath.Join(cfg.DataDir, name+".db"), time.Second)
	default:
		store = kv.NewMemoryStore()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open store for %s: %w", name, err)
	}

	policy, err := conflict.ParsePolicy(cfg.Policy)
	if err != nil {
		store.Close()
		return nil, err
	}
	db, err := executor.Open(ctx, store, executor.Options{
		Name:           "bench",
		Device:         name,
		Policy:         policy,
		IndexCacheSize: 4 * cfg.Keys,
		FilterCapacity: uint(8 * cfg.Keys),
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open database for %s: %w", name, err)
	}
	return &Device{
		name:  name,
		db:    db,
		ex:    db.NewExecutor(record.RoleMain),
		marks: make(map[string]watermark),
	}, nil
}

func (d *Device) Close() error {
	return d.db.Close()
}

// resetMarks makes the next pull from every peer start at timestamp zero.
func (d *Device) resetMarks() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.marks)
}

type pullKind int

const (
	pullLive pullKind = iota
	pullDeleted
)

// PullFrom pages every live and deleted row peer stored since the last pull
// and saves it here. It returns the number of items saved.
func (d *Device) PullFrom(ctx context.Context, peer *Device, spec executor.SizeSpec, stats *Stats, maxRetries int) (int, error) {
	d.mu.Lock()
	mark := d.marks[peer.name]
	d.mu.Unlock()

	total := 0
	for _, kind := range []pullKind{pullLive, pullDeleted} {
		begin := mark.live
		if kind == pullDeleted {
			begin = mark.deleted
		}
		for {
			var items []record.Item
			var err error
			if kind == pullLive {
				items, err = peer.ex.GetSyncDataByTimestamp(ctx, begin, math.MaxUint64, spec)
			} else {
				items, err = peer.ex.GetDeletedSyncDataByTimestamp(ctx, begin, math.MaxUint64, spec)
			}
			if !status.IsSuccess(err) {
				return total, fmt.Errorf("failed to read page from %s: %w", peer.name, err)
			}
			if len(items) > 0 {
				start := time.Now()
				if serr := d.save(ctx, items, peer.name, stats, maxRetries); serr != nil {
					return total, serr
				}
				stats.RecordSyncPage(len(items), time.Since(start))
				total += len(items)
				begin = items[len(items)-1].Timestamp + 1
			}
			if len(items) == 0 || errors.Is(err, status.ErrFinished) {
				break
			}
		}
		if kind == pullLive {
			mark.live = begin
		} else {
			mark.deleted = begin
		}
	}

	d.mu.Lock()
	d.marks[peer.name] = mark
	d.mu.Unlock()
	return total, nil
}

func (d *Device) save(ctx context.Context, items []record.Item, from string, stats *Stats, maxRetries int) error {
	dev := record.DeviceInfo{DeviceName: from}
	for attempt := 0; ; attempt++ {
		err := d.ex.SaveSyncDataItems(ctx, items, dev, nil)
		if err == nil {
			return nil
		}
		if !IsRetryableError(err) || attempt >= maxRetries {
			stats.RecordSyncError()
			return fmt.Errorf("failed to save page from %s on %s: %w", from, d.name, err)
		}
		stats.RecordRetry()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Millisecond):
		}
	}
}

// Snapshot returns every live key and value stored on the device.
func (d *Device) Snapshot(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	spec := executor.SizeSpec{BlockSize: 4 << 20, PacketSize: 1000}
	var begin uint64
	for {
		items, err := d.ex.GetSyncDataByTimestamp(ctx, begin, math.MaxUint64, spec)
		if !status.IsSuccess(err) {
			return nil, err
		}
		for _, it := range items {
			out[string(it.Key)] = string(it.Value)
		}
		if len(items) == 0 || errors.Is(err, status.ErrFinished) {
			return out, nil
		}
		begin = items[len(items)-1].Timestamp + 1
	}
}
