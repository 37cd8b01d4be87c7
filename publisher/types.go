// Package publisher forwards committed change sets to external sinks. Change
// sets received from the notification hub are appended to a durable log and
// delivered to every configured sink at least once, in commit order.
package publisher

import (
	"github.com/openeuler-mirror/distributed-codelabs-sub010/notify"
)

// Operation codes carried by ChangeEvent.Op.
const (
	OpInsert uint8 = 0
	OpUpdate uint8 = 1
	OpDelete uint8 = 2
)

// ChangeEvent is one record change as written to the publish log and
// delivered to sinks.
type ChangeEvent struct {
	Seq      uint64 `msgpack:"seq"`
	Store    string `msgpack:"store"`
	Op       uint8  `msgpack:"op"`
	HashKey  []byte `msgpack:"hk"`
	Key      []byte `msgpack:"key"`
	Value    []byte `msgpack:"val,omitempty"`
	OldValue []byte `msgpack:"old,omitempty"`
	CommitTS int64  `msgpack:"ts"`   // unix ms
	Device   string `msgpack:"node"` // hashed id of the publishing device
}

// Sink is a destination for change events.
type Sink interface {
	Publish(topic string, key string, value []byte) error
	Close() error
}

// Filter decides which record keys a sink receives.
type Filter interface {
	Match(key []byte) bool
}

func opOf(t notify.ChangeType) uint8 {
	switch t {
	case notify.Update:
		return OpUpdate
	case notify.Delete:
		return OpDelete
	}
	return OpInsert
}

// EventsFromChangeSet flattens a change set into log events. Sequence
// numbers are assigned by the log.
func EventsFromChangeSet(cs notify.ChangeSet, commitTSMillis int64, device string) []ChangeEvent {
	events := make([]ChangeEvent, 0, len(cs.Changes))
	for _, c := range cs.Changes {
		ev := ChangeEvent{
			Store:    cs.Store,
			Op:       opOf(c.Type),
			HashKey:  c.HashKey,
			Key:      c.Key,
			CommitTS: commitTSMillis,
			Device:   device,
		}
		if c.Type != notify.Delete {
			ev.Value = c.Value
		}
		if c.Old != nil && !c.Old.Flags.Deleted() {
			ev.OldValue = c.Old.Value
		}
		events = append(events, ev)
	}
	return events
}
