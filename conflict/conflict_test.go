package conflict

import (
	"testing"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var remote = record.DeviceInfo{DeviceName: "peer-b"}

func TestResolve_LastWriteWins(t *testing.T) {
	existing := &record.Item{Key: []byte("k"), WriteTimestamp: 100, Timestamp: 100, OrigDevice: "x"}

	newer := record.Item{Key: []byte("k"), WriteTimestamp: 101, OrigDevice: "x"}
	res := Resolve(newer, existing, remote, LastWriteWins, false)
	assert.Equal(t, Accepted, res.Outcome)
	assert.True(t, res.Applied())
	assert.Equal(t, record.Existed, res.Status.PreStatus)

	older := record.Item{Key: []byte("k"), WriteTimestamp: 99, OrigDevice: "x"}
	res = Resolve(older, existing, remote, LastWriteWins, false)
	assert.Equal(t, Defeated, res.Outcome)
	assert.True(t, res.Status.IsDefeated)

	tie := record.Item{Key: []byte("k"), WriteTimestamp: 100, OrigDevice: "x"}
	assert.Equal(t, Defeated, Resolve(tie, existing, remote, LastWriteWins, false).Outcome)
}

func TestResolve_NoExisting(t *testing.T) {
	res := Resolve(record.Item{Key: []byte("k"), WriteTimestamp: 1}, nil, remote, LastWriteWins, false)
	assert.Equal(t, Accepted, res.Outcome)
	assert.Equal(t, record.NotExisted, res.Status.PreStatus)
}

// Under the deny policy a remote write is dropped when the stored row was
// authored here, however new the remote write is.
func TestResolve_DenyPolicyIgnoresRemoteAmend(t *testing.T) {
	existing := &record.Item{Key: []byte("k"), WriteTimestamp: 100, OrigDevice: ""}
	incoming := record.Item{Key: []byte("k"), WriteTimestamp: 200, OrigDevice: "devB"}

	res := Resolve(incoming, existing, remote, DenyOtherDeviceAmendCurrentDeviceData, false)
	assert.Equal(t, Ignored, res.Outcome)
	assert.False(t, res.Applied())

	res = Resolve(incoming, existing, remote, LastWriteWins, false)
	assert.Equal(t, Accepted, res.Outcome)
}

func TestResolve_DenyPolicyIncomingWithoutOrigin(t *testing.T) {
	incoming := record.Item{Key: []byte("k"), WriteTimestamp: 5}
	res := Resolve(incoming, nil, remote, DenyOtherDeviceAmendCurrentDeviceData, false)
	assert.Equal(t, Ignored, res.Outcome)
}

func TestResolve_DenyPolicyLocalWriterAllowed(t *testing.T) {
	existing := &record.Item{Key: []byte("k"), WriteTimestamp: 100}
	incoming := record.Item{Key: []byte("k"), WriteTimestamp: 200}
	res := Resolve(incoming, existing, record.DeviceInfo{IsLocal: true}, DenyOtherDeviceAmendCurrentDeviceData, false)
	assert.Equal(t, Accepted, res.Outcome)
}

func TestResolve_ForceWriteFromSameDevice(t *testing.T) {
	existing := &record.Item{
		Key:            []byte("k"),
		WriteTimestamp: 100,
		Timestamp:      90,
		Device:         record.HashDevice("peer-b"),
		OrigDevice:     "x",
	}
	incoming := record.Item{Key: []byte("k"), WriteTimestamp: 50, Timestamp: 40, OrigDevice: "x"}

	res := Resolve(incoming, existing, remote, LastWriteWins, true)
	require.Equal(t, Accepted, res.Outcome)
	assert.Equal(t, uint64(101), res.Item.WriteTimestamp)
	assert.Equal(t, uint64(90), res.Item.Timestamp)

	// Without the flag the stale write loses.
	assert.Equal(t, Defeated, Resolve(incoming, existing, remote, LastWriteWins, false).Outcome)

	// A different writer cannot force.
	other := record.DeviceInfo{DeviceName: "peer-c"}
	assert.Equal(t, Defeated, Resolve(incoming, existing, other, LastWriteWins, true).Outcome)

	// Nor can an unnamed one.
	assert.Equal(t, Defeated, Resolve(incoming, existing, record.DeviceInfo{IsLocal: true}, LastWriteWins, true).Outcome)
}

func TestResolve_LocalDeleteOfMissing(t *testing.T) {
	del := record.Item{Key: []byte("h"), Flags: record.FlagDelete | record.FlagLocal, WriteTimestamp: 10}

	res := Resolve(del, nil, record.DeviceInfo{IsLocal: true}, LastWriteWins, false)
	assert.Equal(t, NotFound, res.Outcome)
	assert.True(t, res.Status.IsDeleted)

	tomb := &record.Item{Flags: record.FlagDelete, WriteTimestamp: 5}
	res = Resolve(del, tomb, record.DeviceInfo{IsLocal: true}, LastWriteWins, false)
	assert.Equal(t, NotFound, res.Outcome)
	assert.Equal(t, record.Deleted, res.Status.PreStatus)

	live := &record.Item{Key: []byte("k"), WriteTimestamp: 5}
	res = Resolve(del, live, record.DeviceInfo{IsLocal: true}, LastWriteWins, false)
	assert.Equal(t, Accepted, res.Outcome)
}

func TestResolve_MissQueryCountsAsDelete(t *testing.T) {
	res := Resolve(record.Item{Flags: record.FlagMissQuery, WriteTimestamp: 3}, nil, remote, LastWriteWins, false)
	assert.True(t, res.Status.IsDeleted)
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []Policy{LastWriteWins, DenyOtherDeviceAmendCurrentDeviceData} {
		got, err := ParsePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePolicy("nope")
	assert.Error(t, err)
}
