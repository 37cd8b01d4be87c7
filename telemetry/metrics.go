package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// SaveBuckets for inbound sync batch saves
	SaveBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// MigrateBuckets for one cache version migration
	MigrateBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10}

	// ReadBuckets for outbound sync pages
	ReadBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}
)

// Write path
var (
	// ItemsSavedTotal counts inbound items by outcome (accepted, defeated, ignored, not_found, neglected)
	ItemsSavedTotal CounterVec = noopCounterVec{}

	// SaveDurationSeconds measures batch save latency by mode (main, cache)
	SaveDurationSeconds HistogramVec = noopHistogramVec{}

	// LocalWritesTotal counts local puts and deletes by op
	LocalWritesTotal CounterVec = noopCounterVec{}

	// BusyTotal counts writes rejected because another writer held the store
	BusyTotal Counter = NoopStat{}

	// CorruptionTotal counts corruption detections
	CorruptionTotal Counter = NoopStat{}
)

// Read path
var (
	// SyncPagesTotal counts outbound pages by kind (time, query, deleted) and result (finished, unfinished)
	SyncPagesTotal CounterVec = noopCounterVec{}

	// SyncItemsTotal counts outbound items by kind
	SyncItemsTotal CounterVec = noopCounterVec{}

	// MissQueryItemsTotal counts rows sent as miss-query markers
	MissQueryItemsTotal Counter = NoopStat{}

	// SyncReadDurationSeconds measures page read latency by kind
	SyncReadDurationSeconds HistogramVec = noopHistogramVec{}
)

// Migration
var (
	// MigrationsTotal counts cache version migrations by result (success, failed)
	MigrationsTotal CounterVec = noopCounterVec{}

	// RowsMigratedTotal counts cache rows applied to the main namespace
	RowsMigratedTotal Counter = NoopStat{}

	// MigrateDurationSeconds measures one version migration
	MigrateDurationSeconds Histogram = NoopStat{}
)

// Version index
var (
	// IndexCacheEntries tracks records held by the index LRU
	IndexCacheEntries Gauge = NoopStat{}

	// IndexFilterSize tracks hash keys held by the known-key filter
	IndexFilterSize Gauge = NoopStat{}

	// IndexLookupsTotal counts lookups by path (cache, filter_miss, store)
	IndexLookupsTotal CounterVec = noopCounterVec{}

	// ChangeSetsDropped tracks change sets not delivered to slow subscribers
	ChangeSetsDropped Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	ItemsSavedTotal = NewCounterVec("items_saved_total", "Inbound sync items by outcome", []string{"outcome"})
	SaveDurationSeconds = NewHistogramVec("save_duration_seconds", "Sync batch save latency", []string{"mode"}, SaveBuckets)
	LocalWritesTotal = NewCounterVec("local_writes_total", "Local writes by operation", []string{"op"})
	BusyTotal = NewCounter("busy_total", "Writes rejected with busy")
	CorruptionTotal = NewCounter("corruption_total", "Corruption detections")

	SyncPagesTotal = NewCounterVec("sync_pages_total", "Outbound sync pages", []string{"kind", "result"})
	SyncItemsTotal = NewCounterVec("sync_items_total", "Outbound sync items", []string{"kind"})
	MissQueryItemsTotal = NewCounter("miss_query_items_total", "Rows sent as miss-query markers")
	SyncReadDurationSeconds = NewHistogramVec("sync_read_duration_seconds", "Outbound page read latency", []string{"kind"}, ReadBuckets)

	MigrationsTotal = NewCounterVec("migrations_total", "Cache version migrations", []string{"result"})
	RowsMigratedTotal = NewCounter("rows_migrated_total", "Cache rows applied to main")
	MigrateDurationSeconds = NewHistogramWithBuckets("migrate_duration_seconds", "Cache version migration latency", MigrateBuckets)

	IndexCacheEntries = NewGauge("index_cache_entries", "Records held by the version index cache")
	IndexFilterSize = NewGauge("index_filter_size", "Hash keys held by the known-key filter")
	IndexLookupsTotal = NewCounterVec("index_lookups_total", "Version index lookups by path", []string{"path"})
	ChangeSetsDropped = NewGauge("change_sets_dropped", "Change sets not delivered to slow subscribers")
}
