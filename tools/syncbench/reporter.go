package main

import (
	"context"
	"fmt"
	"time"
)

// reportProgress prints progress every second.
func reportProgress(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var last Snapshot
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := stats.GetSnapshot()
			elapsed := time.Since(start)
			fmt.Printf("[%5.0fs] ops/sec: %6d | synced/sec: %6d | total: %8d | errors: %4d | retries: %4d | throughput: %.1f ops/sec\n",
				elapsed.Seconds(),
				snap.Ops-last.Ops,
				snap.SyncItems-last.SyncItems,
				snap.Ops,
				snap.Errors,
				snap.Retries,
				float64(snap.Ops)/elapsed.Seconds(),
			)
			last = snap
		}
	}
}
