package main

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks benchmark statistics.
type Stats struct {
	getOps    atomic.Uint64
	putOps    atomic.Uint64
	deleteOps atomic.Uint64

	getErrors    atomic.Uint64
	putErrors    atomic.Uint64
	deleteErrors atomic.Uint64

	retries atomic.Uint64

	syncPages  atomic.Uint64
	syncItems  atomic.Uint64
	syncErrors atomic.Uint64

	// Latency tracking (microseconds)
	mu            sync.Mutex
	latencies     []int64
	syncLatencies []int64
}

func NewStats() *Stats {
	return &Stats{latencies: make([]int64, 0, 100000)}
}

func (s *Stats) RecordOp(opType OpType, latency time.Duration) {
	switch opType {
	case OpGet:
		s.getOps.Add(1)
	case OpPut:
		s.putOps.Add(1)
	case OpDelete:
		s.deleteOps.Add(1)
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, latency.Microseconds())
	s.mu.Unlock()
}

func (s *Stats) RecordError(opType OpType) {
	switch opType {
	case OpGet:
		s.getErrors.Add(1)
	case OpPut:
		s.putErrors.Add(1)
	case OpDelete:
		s.deleteErrors.Add(1)
	}
}

func (s *Stats) RecordRetry() { s.retries.Add(1) }

func (s *Stats) RecordSyncPage(items int, latency time.Duration) {
	s.syncPages.Add(1)
	s.syncItems.Add(uint64(items))
	s.mu.Lock()
	s.syncLatencies = append(s.syncLatencies, latency.Microseconds())
	s.mu.Unlock()
}

func (s *Stats) RecordSyncError() { s.syncErrors.Add(1) }

func (s *Stats) TotalOps() uint64 {
	return s.getOps.Load() + s.putOps.Load() + s.deleteOps.Load()
}

func (s *Stats) TotalErrors() uint64 {
	return s.getErrors.Load() + s.putErrors.Load() + s.deleteErrors.Load()
}

// percentiles returns p50, p90, p99 of samples in microseconds.
func percentiles(samples []int64) (p50, p90, p99 int64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	n := len(sorted)
	return sorted[n*50/100], sorted[n*90/100], sorted[n*99/100]
}

// Snapshot is a copy of the counters.
type Snapshot struct {
	Ops       uint64
	Errors    uint64
	Retries   uint64
	SyncItems uint64
}

func (s *Stats) GetSnapshot() Snapshot {
	return Snapshot{
		Ops:       s.TotalOps(),
		Errors:    s.TotalErrors() + s.syncErrors.Load(),
		Retries:   s.retries.Load(),
		SyncItems: s.syncItems.Load(),
	}
}

func (s *Stats) PrintFinal(elapsed time.Duration) {
	totalOps := s.TotalOps()

	fmt.Println()
	fmt.Printf("Total time:    %.2fs\n", elapsed.Seconds())
	fmt.Printf("Throughput:    %.2f ops/sec\n", float64(totalOps)/elapsed.Seconds())
	fmt.Println()

	fmt.Println("Operations:")
	fmt.Printf("  GET:    %d\n", s.getOps.Load())
	fmt.Printf("  PUT:    %d\n", s.putOps.Load())
	fmt.Printf("  DELETE: %d\n", s.deleteOps.Load())
	fmt.Printf("  TOTAL:  %d\n", totalOps)
	fmt.Println()

	fmt.Println("Sync:")
	fmt.Printf("  Pages:  %d\n", s.syncPages.Load())
	fmt.Printf("  Items:  %d\n", s.syncItems.Load())
	fmt.Printf("  Errors: %d\n", s.syncErrors.Load())
	fmt.Println()

	if s.TotalErrors() > 0 || s.retries.Load() > 0 {
		fmt.Println("Errors/Retries:")
		fmt.Printf("  GET errors:    %d\n", s.getErrors.Load())
		fmt.Printf("  PUT errors:    %d\n", s.putErrors.Load())
		fmt.Printf("  DELETE errors: %d\n", s.deleteErrors.Load())
		fmt.Printf("  Retries:       %d\n", s.retries.Load())
		fmt.Println()
	}

	s.mu.Lock()
	p50, p90, p99 := percentiles(s.latencies)
	s50, s90, s99 := percentiles(s.syncLatencies)
	s.mu.Unlock()

	fmt.Println("Latency (microseconds):")
	fmt.Printf("  Local  P50: %d  P90: %d  P99: %d\n", p50, p90, p99)
	fmt.Printf("  Save   P50: %d  P90: %d  P99: %d\n", s50, s90, s99)
}
