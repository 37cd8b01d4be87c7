package executor

import (
	"sync/atomic"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
)

// SizeSpec bounds one outbound sync page.
type SizeSpec struct {
	// BlockSize is a soft byte budget; a page holds at least one item.
	BlockSize int
	// PacketSize is the maximum number of items.
	PacketSize int
}

// Executor runs operations for one StoreRole over a Database. Corruption is
// sticky: once detected every call fails with status Corrupted.
type Executor struct {
	db        *Database
	role      record.StoreRole
	corrupted atomic.Bool
}

// Role returns the role fixed at construction.
func (e *Executor) Role() record.StoreRole { return e.role }

// Corrupted reports whether the executor has seen corruption.
func (e *Executor) Corrupted() bool { return e.corrupted.Load() }
