package notify

import (
	"fmt"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
)

// ChangeType tags one entry of a change set.
type ChangeType int

const (
	Insert ChangeType = iota
	Update
	Delete
)

func (t ChangeType) String() string {
	switch t {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("change(%d)", int(t))
}

// Change is one applied write. For Delete, Key and Value are the record's
// contents before it was deleted.
type Change struct {
	Type    ChangeType
	HashKey []byte
	Key     []byte
	Value   []byte
	Old     *record.Item
}

// ChangeSet is the ordered list of changes made visible by one commit.
type ChangeSet struct {
	Store   string
	Changes []Change
}

// Aggregator collects the changes of one transaction. Repeated changes to the
// same record are folded so observers see the net effect of the commit.
type Aggregator struct {
	changes []Change
	dropped []bool
	index   map[string]int
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{index: make(map[string]int)}
}

// RecordApplied derives the change for a write that was stored. old is the
// row it replaced, nil when none existed. Deletes of rows that were not live
// produce nothing.
func (a *Aggregator) RecordApplied(st record.OperStatus, old *record.Item, applied record.Item) {
	hashKey := applied.Identity()
	if st.IsDeleted {
		if st.PreStatus != record.Existed || old == nil {
			return
		}
		a.Record(Change{Type: Delete, HashKey: hashKey, Key: old.Key, Value: old.Value, Old: old})
		return
	}
	if st.PreStatus == record.Existed {
		a.Record(Change{Type: Update, HashKey: hashKey, Key: applied.Key, Value: applied.Value, Old: old})
		return
	}
	a.Record(Change{Type: Insert, HashKey: hashKey, Key: applied.Key, Value: applied.Value, Old: old})
}

// Record adds a change, merging it with an earlier change of the same record.
func (a *Aggregator) Record(c Change) {
	id := string(c.HashKey)
	pos, ok := a.index[id]
	if !ok {
		a.index[id] = len(a.changes)
		a.changes = append(a.changes, c)
		a.dropped = append(a.dropped, false)
		return
	}
	if a.dropped[pos] {
		// Insert then Delete left nothing behind.
		a.dropped[pos] = false
		a.changes[pos] = c
		return
	}

	prev := a.changes[pos]
	switch {
	case prev.Type == Insert && c.Type == Update:
		c.Type = Insert
		c.Old = prev.Old
	case prev.Type == Insert && c.Type == Delete:
		a.dropped[pos] = true
		return
	case prev.Type == Delete && c.Type == Insert:
		c.Type = Update
		c.Old = prev.Old
	case prev.Type == Update && c.Type == Update:
		c.Old = prev.Old
	}
	a.changes[pos] = c
}

// Len returns the number of net changes.
func (a *Aggregator) Len() int {
	n := 0
	for _, d := range a.dropped {
		if !d {
			n++
		}
	}
	return n
}

// ChangeSet returns the net changes in first-seen order.
func (a *Aggregator) ChangeSet(store string) ChangeSet {
	cs := ChangeSet{Store: store, Changes: make([]Change, 0, len(a.changes))}
	for i, c := range a.changes {
		if !a.dropped[i] {
			cs.Changes = append(cs.Changes, c)
		}
	}
	return cs
}

// Reset discards everything recorded, as on rollback.
func (a *Aggregator) Reset() {
	a.changes = a.changes[:0]
	a.dropped = a.dropped[:0]
	clear(a.index)
}
