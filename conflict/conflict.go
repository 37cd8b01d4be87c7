// Package conflict decides whether an incoming synced write replaces the
// stored version of a record.
package conflict

import (
	"fmt"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
)

// Policy selects the tie-breaking rules applied on top of last-write-wins.
type Policy int

const (
	// LastWriteWins orders writes by WriteTimestamp only.
	LastWriteWins Policy = iota
	// DenyOtherDeviceAmendCurrentDeviceData drops remote writes touching
	// records authored on this device.
	DenyOtherDeviceAmendCurrentDeviceData
)

func (p Policy) String() string {
	switch p {
	case LastWriteWins:
		return "last_write_wins"
	case DenyOtherDeviceAmendCurrentDeviceData:
		return "deny_other_device_amend"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy parses the String form of a policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "last_write_wins":
		return LastWriteWins, nil
	case "deny_other_device_amend":
		return DenyOtherDeviceAmendCurrentDeviceData, nil
	}
	return LastWriteWins, fmt.Errorf("unknown conflict policy %q", s)
}

// Outcome is the decision for one incoming write.
type Outcome int

const (
	Accepted Outcome = iota
	Defeated
	Ignored
	// NotFound is a local delete of a record that does not exist. Callers treat it as a no-op.
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Defeated:
		return "defeated"
	case Ignored:
		return "ignored"
	case NotFound:
		return "not_found"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result carries the decision and, when accepted, the item to apply. The
// item may differ from the input when a forced write was bumped.
type Result struct {
	Status  record.OperStatus
	Outcome Outcome
	Item    record.Item
}

// Applied reports whether the incoming write must be stored.
func (r Result) Applied() bool { return r.Outcome == Accepted }

// Resolve judges incoming against existing, which is nil when no row is stored.
func Resolve(incoming record.Item, existing *record.Item, dev record.DeviceInfo, policy Policy, forceWrite bool) Result {
	res := Result{Item: incoming, Status: operStatus(incoming, existing)}

	if ignoredByPolicy(incoming, existing, dev, policy) {
		res.Outcome = Ignored
		return res
	}

	if incoming.Flags.Deleted() && incoming.Flags.Local() && res.Status.PreStatus != record.Existed {
		res.Outcome = NotFound
		return res
	}

	if existing != nil && existing.WriteTimestamp >= incoming.WriteTimestamp {
		devHash := record.HashDevice(dev.DeviceName)
		if !forceWrite || devHash == "" || devHash != existing.Device {
			res.Status.IsDefeated = true
			res.Outcome = Defeated
			return res
		}
		res.Item.WriteTimestamp = existing.WriteTimestamp + 1
		res.Item.Timestamp = existing.Timestamp
	}
	res.Outcome = Accepted
	return res
}

func operStatus(incoming record.Item, existing *record.Item) record.OperStatus {
	st := record.OperStatus{
		PreStatus: record.NotExisted,
		IsDeleted: incoming.Flags.Deleted() || incoming.Flags.MissQuery(),
	}
	if existing != nil {
		if existing.Flags.Deleted() {
			st.PreStatus = record.Deleted
		} else {
			st.PreStatus = record.Existed
		}
	}
	return st
}

func ignoredByPolicy(incoming record.Item, existing *record.Item, dev record.DeviceInfo, policy Policy) bool {
	if policy != DenyOtherDeviceAmendCurrentDeviceData || dev.IsLocal {
		return false
	}
	return (existing != nil && existing.OrigDevice == "") || incoming.OrigDevice == ""
}
