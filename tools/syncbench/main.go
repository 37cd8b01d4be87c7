package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch cmd := os.Args[1]; cmd {
	case "run":
		runBenchmark(os.Args[2:])
	case "version":
		fmt.Printf("syncbench version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`syncbench - multi-device sync benchmark

Usage:
  syncbench <command> [options]

Commands:
  run       Run local writes on simulated devices while they sync
  version   Print version
  help      Show this help

Run Options:
  --devices        Number of simulated devices (default: 3)
  --engine         Store engine: memory|pebble|sqlite (default: memory)
  --data-dir       Directory for pebble/sqlite stores
  --workload       mixed|write-only|read-heavy|delete-heavy (default: mixed)
  --keys           Size of the shared key space (default: 10000)
  --value-size     Bytes per value (default: 100)
  --operations     Total local operations (default: 50000)
  --duration       Duration to run, overrides --operations
  --threads        Concurrent local writers (default: 8)
  --sync-interval  Anti-entropy period (default: 100ms)
  --packet-size    Items per sync page (default: 500)
  --block-size     Bytes per sync page (default: 1048576)
  --policy         last_write_wins|deny_other_device_amend
  --verify         Resync from scratch and check convergence (default: true)

Example:
  syncbench run --devices=4 --engine=pebble --data-dir=/tmp/bench --duration=30s`)
}

func runBenchmark(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.IntVar(&cfg.Devices, "devices", 3, "Number of simulated devices")
	fs.StringVar(&cfg.Engine, "engine", "memory", "Store engine")
	fs.StringVar(&cfg.DataDir, "data-dir", "", "Directory for on-disk stores")
	fs.StringVar(&cfg.Workload, "workload", "mixed", "Workload type")
	fs.IntVar(&cfg.Keys, "keys", 10000, "Size of the shared key space")
	fs.IntVar(&cfg.ValueSize, "value-size", 100, "Bytes per value")
	fs.IntVar(&cfg.Operations, "operations", 50000, "Total local operations")
	fs.DurationVar(&cfg.Duration, "duration", 0, "Duration to run (overrides --operations)")
	fs.IntVar(&cfg.Threads, "threads", 8, "Concurrent local writers")
	fs.IntVar(&cfg.GetPct, "get-pct", -1, "Get percentage (overrides workload)")
	fs.IntVar(&cfg.PutPct, "put-pct", -1, "Put percentage (overrides workload)")
	fs.IntVar(&cfg.DeletePct, "delete-pct", -1, "Delete percentage (overrides workload)")
	fs.BoolVar(&cfg.Retry, "retry", true, "Retry busy writes")
	fs.IntVar(&cfg.MaxRetries, "max-retries", 50, "Maximum retry attempts")
	fs.DurationVar(&cfg.SyncInterval, "sync-interval", 100*time.Millisecond, "Anti-entropy period")
	fs.IntVar(&cfg.PacketSize, "packet-size", 500, "Items per sync page")
	fs.IntVar(&cfg.BlockSize, "block-size", 1<<20, "Bytes per sync page")
	fs.StringVar(&cfg.Policy, "policy", "last_write_wins", "Conflict policy")
	fs.BoolVar(&cfg.Verify, "verify", true, "Check convergence after the run")
	fs.IntVar(&cfg.VerifyRounds, "verify-rounds", 3, "Full sync rounds before verification")
	verbose := fs.Bool("verbose", false, "Debug logging")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger().Level(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, err := executeRun(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		os.Exit(1)
	}
	if result != nil && !result.OK() {
		os.Exit(2)
	}
}

// executeRun drives the workload and, when enabled, verifies convergence.
func executeRun(ctx context.Context, cfg *Config) (*VerifyResult, error) {
	devices := make([]*Device, 0, cfg.Devices)
	defer func() {
		for _, d := range devices {
			d.Close()
		}
	}()
	for i := 0; i < cfg.Devices; i++ {
		d, err := openDevice(ctx, cfg, fmt.Sprintf("dev-%d", i))
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	fmt.Printf("Running %s workload on %d devices (%s), %d threads\n", cfg.Workload, cfg.Devices, cfg.Engine, cfg.Threads)

	stats := NewStats()
	keyGen := NewKeyGenerator("key", cfg.Keys)
	dist := cfg.GetWorkloadDistribution()

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	if cfg.Duration > 0 {
		var stopTimer context.CancelFunc
		runCtx, stopTimer = context.WithTimeout(runCtx, cfg.Duration)
		defer stopTimer()
	}

	bgCtx, stopBg := context.WithCancel(ctx)
	var bg sync.WaitGroup
	bg.Add(2)
	go func() { defer bg.Done(); reportProgress(bgCtx, stats) }()
	go func() { defer bg.Done(); antiEntropy(bgCtx, devices, cfg, stats) }()

	opsChan := make(chan struct{}, cfg.Threads*2)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Threads; i++ {
		wg.Add(1)
		sel := NewOpSelector(dist, time.Now().UnixNano()+int64(i))
		w := NewWorker(i, devices[i%len(devices)], keyGen, sel, stats, cfg)
		go w.Run(runCtx, opsChan, &wg)
	}

	start := time.Now()
	go func() {
		defer close(opsChan)
		for i := 0; cfg.Duration > 0 || i < cfg.Operations; i++ {
			select {
			case <-runCtx.Done():
				return
			case opsChan <- struct{}{}:
			}
		}
	}()
	wg.Wait()
	elapsed := time.Since(start)
	stopBg()
	bg.Wait()

	stats.PrintFinal(elapsed)
	if !cfg.Verify || ctx.Err() != nil {
		return nil, nil
	}
	result, err := Verify(ctx, devices, cfg, stats)
	if err != nil {
		return nil, err
	}
	result.Print()
	return result, nil
}
