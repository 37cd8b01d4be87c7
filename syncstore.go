package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/admin"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/cfg"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/conflict"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/executor"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/kv"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/notify"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/publisher"
	_ "github.com/openeuler-mirror/distributed-codelabs-sub010/publisher/sink"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()
	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Str("engine", string(cfg.Config.Store.Engine)).Msg("Starting syncstore")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open record store")
		return
	}

	policy, err := conflict.ParsePolicy(cfg.Config.Sync.ConflictPolicy)
	if err != nil {
		store.Close()
		log.Fatal().Err(err).Msg("Invalid conflict policy")
		return
	}

	hub := notify.NewHub()
	db, err := executor.Open(ctx, store, executor.Options{
		Name:           cfg.Config.Store.Name,
		Device:         cfg.Config.DeviceID,
		Policy:         policy,
		ForceWrite:     cfg.Config.Sync.ForceWrite,
		AppendLen:      cfg.Config.Sync.AppendLen,
		IndexCacheSize: cfg.Config.Store.IndexCacheSize,
		FilterCapacity: cfg.Config.Store.FilterCapacity,
		Hub:            hub,
	})
	if err != nil {
		store.Close()
		log.Fatal().Err(err).Msg("Failed to open database")
		return
	}
	defer db.Close()

	collector := telemetry.NewMetricsCollector(db, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	var registry *publisher.Registry
	if len(cfg.Config.Sinks) > 0 {
		registry, err = publisher.NewRegistry(publisher.RegistryConfig{
			DataDir: cfg.Config.DataDir,
			Sinks:   cfg.Config.Sinks,
			Hub:     hub,
			Device:  db.LocalDevice(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize change publisher")
			return
		}
		if err := registry.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start change publisher")
			return
		}
		defer registry.Stop()
	}

	// Sinks subscribe before migration so migrated changes are forwarded.
	if cfg.Config.Store.MigrateOnOpen {
		n, err := db.MigrateCache(ctx, cfg.Config.Store.MigrateBatchMax)
		if err != nil {
			log.Error().Err(err).Int("versions", n).Msg("Cache migration failed")
		}
	}

	if cfg.Config.Admin.Enabled {
		handlers := admin.NewAdminHandlers(db, registry, executor.SizeSpec{
			BlockSize:  cfg.Config.Sync.BlockSize,
			PacketSize: cfg.Config.Sync.PacketSize,
		})
		srv := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
			Handler:           admin.NewRouter(handlers, cfg.Config.Admin.Token),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("Admin server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Admin server failed")
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info().
		Str("device", db.LocalDevice()).
		Str("store", cfg.Config.Store.Name).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Syncstore is operational")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
}

func openStore() (kv.Store, error) {
	busy := time.Duration(cfg.Config.Store.BusyTimeoutMS) * time.Millisecond
	switch cfg.Config.Store.Engine {
	case cfg.EngineMemory:
		return kv.NewMemoryStore(), nil
	case cfg.EngineSQLite:
		return kv.OpenSQLite(cfg.GetStorePath(), busy)
	}
	opts := kv.DefaultPebbleOptions()
	opts.CacheSizeMB = int64(cfg.Config.Store.CacheSizeMB)
	opts.MemTableSizeMB = cfg.Config.Store.MemTableSizeMB
	opts.Sync = cfg.Config.Store.SyncWrites
	opts.BusyTimeout = busy
	return kv.OpenPebble(cfg.GetStorePath(), opts)
}
