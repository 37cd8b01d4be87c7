package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/executor"
)

// antiEntropy pulls between every ordered pair of devices until ctx ends.
func antiEntropy(ctx context.Context, devices []*Device, cfg *Config, stats *Stats) {
	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := syncRound(ctx, devices, cfg, stats); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "sync round: %v\n", err)
			}
		}
	}
}

// syncRound runs one full-mesh pull and returns how many items were saved.
func syncRound(ctx context.Context, devices []*Device, cfg *Config, stats *Stats) (int, error) {
	spec := pageSpec(cfg)
	total := 0
	for _, dst := range devices {
		for _, src := range devices {
			if dst == src {
				continue
			}
			n, err := dst.PullFrom(ctx, src, spec, stats, cfg.MaxRetries)
			total += n
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func pageSpec(cfg *Config) executor.SizeSpec {
	return executor.SizeSpec{BlockSize: cfg.BlockSize, PacketSize: cfg.PacketSize}
}
