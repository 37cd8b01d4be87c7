package main

import (
	"fmt"
	"time"
)

type Config struct {
	// Devices
	Devices int
	Engine  string // memory, pebble or sqlite
	DataDir string

	// Workload
	Workload   string
	Keys       int
	ValueSize  int
	Operations int
	Duration   time.Duration
	Threads    int

	// Workload percentages (-1 means use workload default)
	GetPct    int
	PutPct    int
	DeletePct int

	// Retry on busy
	Retry      bool
	MaxRetries int

	// Anti-entropy
	SyncInterval time.Duration
	PacketSize   int
	BlockSize    int
	Policy       string

	// Verify options
	Verify       bool
	VerifyRounds int
}

func (c *Config) Validate() error {
	if c.Devices < 1 {
		return fmt.Errorf("devices must be at least 1")
	}
	switch c.Engine {
	case "memory", "pebble", "sqlite":
	case "":
		c.Engine = "memory"
	default:
		return fmt.Errorf("invalid engine: %s (must be memory|pebble|sqlite)", c.Engine)
	}
	if c.Engine != "memory" && c.DataDir == "" {
		return fmt.Errorf("data-dir is required for engine %s", c.Engine)
	}
	if c.Keys < 1 {
		return fmt.Errorf("keys must be at least 1")
	}
	if c.ValueSize < 1 {
		return fmt.Errorf("value-size must be at least 1")
	}
	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1")
	}
	if c.Operations < 0 {
		return fmt.Errorf("operations must be non-negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max-retries must be non-negative")
	}
	if c.PacketSize < 1 {
		return fmt.Errorf("packet-size must be at least 1")
	}
	if c.BlockSize < 1 {
		return fmt.Errorf("block-size must be at least 1")
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 100 * time.Millisecond
	}
	if c.VerifyRounds < 1 {
		c.VerifyRounds = 3
	}

	switch c.Workload {
	case "mixed", "write-only", "read-heavy", "delete-heavy":
	case "":
		c.Workload = "mixed"
	default:
		return fmt.Errorf("invalid workload: %s (must be mixed|write-only|read-heavy|delete-heavy)", c.Workload)
	}
	return c.GetWorkloadDistribution().Validate()
}

func (c *Config) GetWorkloadDistribution() WorkloadDistribution {
	var dist WorkloadDistribution
	switch c.Workload {
	case "mixed":
		dist = WorkloadDistribution{Get: 40, Put: 50, Delete: 10}
	case "write-only":
		dist = WorkloadDistribution{Get: 0, Put: 85, Delete: 15}
	case "read-heavy":
		dist = WorkloadDistribution{Get: 80, Put: 18, Delete: 2}
	case "delete-heavy":
		dist = WorkloadDistribution{Get: 20, Put: 40, Delete: 40}
	}
	if c.GetPct >= 0 {
		dist.Get = c.GetPct
	}
	if c.PutPct >= 0 {
		dist.Put = c.PutPct
	}
	if c.DeletePct >= 0 {
		dist.Delete = c.DeletePct
	}
	return dist
}

type WorkloadDistribution struct {
	Get    int
	Put    int
	Delete int
}

func (w WorkloadDistribution) Total() int {
	return w.Get + w.Put + w.Delete
}

func (w WorkloadDistribution) Validate() error {
	if total := w.Total(); total != 100 {
		return fmt.Errorf("workload percentages must sum to 100, got %d", total)
	}
	return nil
}
