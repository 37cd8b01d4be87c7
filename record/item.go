// Package record holds the data model shared by every layer of the store:
// synced items, their flag bitset, device provenance and the persisted row layout.
package record

import (
	"bytes"
	"strings"
)

// Flags is the per-record bitset. Values match the sync wire format.
type Flags uint64

const (
	FlagDelete Flags = 1 << iota
	FlagLocal
	FlagRemoveDeviceData
	FlagRemoveDeviceDataNotify
	FlagMissQuery
)

func (f Flags) Deleted() bool   { return f&FlagDelete != 0 }
func (f Flags) Local() bool     { return f&FlagLocal != 0 }
func (f Flags) MissQuery() bool { return f&FlagMissQuery != 0 }

// RemovesDeviceData reports whether the item is a remove-device-data marker.
func (f Flags) RemovesDeviceData() bool {
	return f&(FlagRemoveDeviceData|FlagRemoveDeviceDataNotify) != 0
}

// NotifiesRemoval reports whether removed rows must be reported to observers.
func (f Flags) NotifiesRemoval() bool { return f&FlagRemoveDeviceDataNotify != 0 }

// With returns f with o set.
func (f Flags) With(o Flags) Flags { return f | o }

// Without returns f with o cleared.
func (f Flags) Without(o Flags) Flags { return f &^ o }

func (f Flags) String() string {
	var parts []string
	names := []struct {
		flag Flags
		name string
	}{
		{FlagDelete, "delete"},
		{FlagLocal, "local"},
		{FlagRemoveDeviceData, "remove_device_data"},
		{FlagRemoveDeviceDataNotify, "remove_device_data_notify"},
		{FlagMissQuery, "miss_query"},
	}
	for _, n := range names {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// RemoveDeviceDataKey is the key of a remove-device-data marker row. The row's
// value holds the hashed device whose data is removed.
var RemoveDeviceDataKey = []byte("remove")

// Item is one record as exchanged with peers and stored by the executor.
type Item struct {
	Key            []byte
	Value          []byte
	HashKey        []byte
	Timestamp      uint64
	WriteTimestamp uint64
	Flags          Flags
	// Device is the hashed id of the last writer.
	Device string
	// OrigDevice is the authoring device. Empty means this device.
	OrigDevice string
	// Neglect marks an item that must be skipped when applied. Never persisted.
	Neglect bool
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	out := it
	out.Key = cloneBytes(it.Key)
	out.Value = cloneBytes(it.Value)
	out.HashKey = cloneBytes(it.HashKey)
	return out
}

// Identity returns the record identity: HashKey when set, the raw key for
// delete and miss-query items, otherwise the content hash of the key.
func (it Item) Identity() []byte {
	if len(it.HashKey) > 0 {
		return it.HashKey
	}
	if it.Flags.Deleted() || it.Flags.MissQuery() {
		return it.Key
	}
	return HashKey(it.Key)
}

// Equal compares the persisted fields of two items.
func (it Item) Equal(o Item) bool {
	return bytes.Equal(it.Key, o.Key) &&
		bytes.Equal(it.Value, o.Value) &&
		it.Timestamp == o.Timestamp &&
		it.WriteTimestamp == o.WriteTimestamp &&
		it.Flags == o.Flags &&
		it.Device == o.Device &&
		it.OrigDevice == o.OrigDevice
}

// DeviceInfo identifies the writer of an inbound item.
type DeviceInfo struct {
	IsLocal    bool
	DeviceName string
}

// PreStatus is the state of a record before a write is applied.
type PreStatus int

const (
	NotExisted PreStatus = iota
	Deleted
	Existed
)

func (s PreStatus) String() string {
	switch s {
	case Deleted:
		return "deleted"
	case Existed:
		return "existed"
	default:
		return "not_existed"
	}
}

// OperStatus summarizes how a write relates to the stored record.
type OperStatus struct {
	PreStatus  PreStatus
	IsDeleted  bool
	IsDefeated bool
}

// MigrationBatch is the set of cache rows sharing one version.
type MigrationBatch struct {
	Version uint64
	Rows    []Item
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
