package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreEngine selects the RecordStore implementation
type StoreEngine string

const (
	EnginePebble StoreEngine = "pebble"
	EngineSQLite StoreEngine = "sqlite"
	EngineMemory StoreEngine = "memory"
)

// StoreConfiguration controls the persistent record store
type StoreConfiguration struct {
	Engine          StoreEngine `toml:"engine"`
	Name            string      `toml:"name"`              // Store label used in change sets and metrics
	BusyTimeoutMS   int         `toml:"busy_timeout_ms"`   // Wait for the writer slot, 0 = fail fast
	CacheSizeMB     int         `toml:"cache_size_mb"`     // Pebble block cache
	MemTableSizeMB  int         `toml:"memtable_size_mb"`  // Pebble memtable
	SyncWrites      bool        `toml:"sync_writes"`       // fsync on commit
	IndexCacheSize  int         `toml:"index_cache_size"`  // Records kept in the version index LRU
	FilterCapacity  uint        `toml:"filter_capacity"`   // Known hash key filter capacity
	MigrateOnOpen   bool        `toml:"migrate_on_open"`   // Drain the cache namespace at startup
	MigrateBatchMax int         `toml:"migrate_batch_max"` // Versions per MigrateCache call, 0 = all
}

// SyncConfiguration controls outbound pagination and inbound conflict handling
type SyncConfiguration struct {
	BlockSize      int    `toml:"block_size"`      // Soft byte budget per sync page
	PacketSize     int    `toml:"packet_size"`     // Max items per sync page
	ConflictPolicy string `toml:"conflict_policy"` // "last_write_wins" or "deny_other_device_amend"
	ForceWrite     bool   `toml:"force_write"`     // Same-device writes override newer stored rows
	AppendLen      int    `toml:"append_len"`      // Per-item framing added by the transport
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the HTTP admin surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Token       string `toml:"token"` // Bearer token, empty disables auth
}

// SinkConfiguration describes one change set forwarding destination
type SinkConfiguration struct {
	Name        string   `toml:"name"`
	Type        string   `toml:"type"` // "kafka", "nats" or "memory"
	TopicPrefix string   `toml:"topic_prefix"`
	FilterKeys  []string `toml:"filter_keys"` // Glob patterns on record keys
	Brokers     []string `toml:"brokers"`
	BatchSize   int      `toml:"batch_size"`
	NatsURL     string   `toml:"nats_url"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID   uint64 `toml:"node_id"`
	DeviceID string `toml:"device_id"`
	DataDir  string `toml:"data_dir"`

	Store      StoreConfiguration      `toml:"store"`
	Sync       SyncConfiguration       `toml:"sync"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
	Sinks      []SinkConfiguration     `toml:"sinks"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	DeviceFlag     = flag.String("device", "", "Local device id (overrides config, empty=machine id)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./syncstore-data",

	Store: StoreConfiguration{
		Engine:         EnginePebble,
		Name:           "main",
		BusyTimeoutMS:  5000,
		CacheSizeMB:    64,
		MemTableSizeMB: 32,
		SyncWrites:     true,
		IndexCacheSize: 65536,
		FilterCapacity: 1 << 20,
	},

	Sync: SyncConfiguration{
		BlockSize:      1 << 20,
		PacketSize:     1000,
		ConflictPolicy: "last_write_wins",
		AppendLen:      8,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "127.0.0.1",
		Port:        8080,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *DeviceFlag != "" {
		Config.DeviceID = *DeviceFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.DeviceID == "" {
		id, err := machineid.ProtectedID("syncstore")
		if err != nil {
			return fmt.Errorf("failed to read machine id: %w", err)
		}
		Config.DeviceID = id
		log.Info().Str("device_id", Config.DeviceID).Msg("Using machine id as device id")
	}

	if Config.NodeID == 0 {
		Config.NodeID = nodeIDFromDevice(Config.DeviceID)
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// nodeIDFromDevice derives the numeric id used as a metric label
func nodeIDFromDevice(device string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(device))
	return h.Sum64()
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Store.Engine {
	case EnginePebble, EngineSQLite, EngineMemory:
	default:
		return fmt.Errorf("invalid store engine: %q", Config.Store.Engine)
	}

	if Config.Store.Name == "" {
		return fmt.Errorf("store name is required")
	}

	if Config.Store.BusyTimeoutMS < 0 {
		return fmt.Errorf("store busy timeout must be >= 0")
	}

	if Config.Store.IndexCacheSize < 1 {
		return fmt.Errorf("index cache size must be >= 1")
	}

	if Config.Store.FilterCapacity < 1 {
		return fmt.Errorf("filter capacity must be >= 1")
	}

	if Config.Sync.BlockSize < 1 {
		return fmt.Errorf("sync block size must be >= 1")
	}

	if Config.Sync.PacketSize < 1 {
		return fmt.Errorf("sync packet size must be >= 1")
	}

	if Config.Sync.AppendLen < 0 {
		return fmt.Errorf("sync append length must be >= 0")
	}

	switch Config.Sync.ConflictPolicy {
	case "last_write_wins", "deny_other_device_amend":
	default:
		return fmt.Errorf("invalid conflict policy: %s", Config.Sync.ConflictPolicy)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Logging.Format != "" && Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	names := make(map[string]bool, len(Config.Sinks))
	for i, s := range Config.Sinks {
		if s.Name == "" {
			return fmt.Errorf("sink %d: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate sink name: %s", s.Name)
		}
		names[s.Name] = true
		switch s.Type {
		case "kafka", "nats", "memory":
		default:
			return fmt.Errorf("sink %s: invalid type %q", s.Name, s.Type)
		}
	}

	return nil
}

// GetStorePath returns the directory of the record store
func GetStorePath() string {
	switch Config.Store.Engine {
	case EngineSQLite:
		return path.Join(Config.DataDir, "syncstore.db")
	case EngineMemory:
		return ""
	}
	return path.Join(Config.DataDir, "records")
}
