package main

import (
	"context"
	"fmt"
	"sort"
)

// RowMismatch describes a key whose value differs across devices.
type RowMismatch struct {
	Key        string
	DeviceData map[string]string // device -> value or "NOT FOUND"
}

// VerifyResult holds convergence results.
type VerifyResult struct {
	RowCounts   map[string]int
	CountsMatch bool
	CheckedRows int
	Mismatches  []RowMismatch
}

const maxReportedMismatches = 10

// Verify resyncs every device from scratch and compares their live rows.
func Verify(ctx context.Context, devices []*Device, cfg *Config, stats *Stats) (*VerifyResult, error) {
	for _, d := range devices {
		d.resetMarks()
	}
	for round := 0; round < cfg.VerifyRounds; round++ {
		if _, err := syncRound(ctx, devices, cfg, stats); err != nil {
			return nil, fmt.Errorf("failed to sync before verify: %w", err)
		}
	}

	snapshots := make(map[string]map[string]string, len(devices))
	result := &VerifyResult{RowCounts: make(map[string]int), CountsMatch: true}
	keys := make(map[string]struct{})
	for _, d := range devices {
		snap, err := d.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", d.name, err)
		}
		snapshots[d.name] = snap
		result.RowCounts[d.name] = len(snap)
		for k := range snap {
			keys[k] = struct{}{}
		}
	}
	first := result.RowCounts[devices[0].name]
	for _, n := range result.RowCounts {
		if n != first {
			result.CountsMatch = false
		}
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	result.CheckedRows = len(sorted)

	for _, k := range sorted {
		values := make(map[string]string, len(devices))
		ref, refOK := snapshots[devices[0].name][k]
		mismatch := false
		for _, d := range devices {
			v, ok := snapshots[d.name][k]
			if !ok {
				v = "NOT FOUND"
			}
			values[d.name] = v
			if ok != refOK || v != ref {
				mismatch = true
			}
		}
		if mismatch && len(result.Mismatches) < maxReportedMismatches {
			result.Mismatches = append(result.Mismatches, RowMismatch{Key: k, DeviceData: values})
		}
	}
	return result, nil
}

// OK reports whether every device converged.
func (r *VerifyResult) OK() bool {
	return r.CountsMatch && len(r.Mismatches) == 0
}

func (r *VerifyResult) Print() {
	fmt.Println()
	fmt.Println("Convergence:")
	names := make([]string, 0, len(r.RowCounts))
	for name := range r.RowCounts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-10s rows: %d\n", name, r.RowCounts[name])
	}
	fmt.Printf("  Checked keys: %d\n", r.CheckedRows)
	if r.OK() {
		fmt.Println("  Result:       CONVERGED")
		return
	}
	fmt.Println("  Result:       DIVERGED")
	for _, m := range r.Mismatches {
		fmt.Printf("    %s: %v\n", m.Key, m.DeviceData)
	}
}
