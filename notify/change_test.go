package notify

import (
	"testing"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ins(k, v string) Change {
	return Change{Type: Insert, HashKey: []byte(k), Key: []byte(k), Value: []byte(v)}
}

func upd(k, v string) Change {
	return Change{Type: Update, HashKey: []byte(k), Key: []byte(k), Value: []byte(v)}
}

func del(k, v string) Change {
	return Change{Type: Delete, HashKey: []byte(k), Key: []byte(k), Value: []byte(v)}
}

func TestAggregator_Merge(t *testing.T) {
	tests := []struct {
		name    string
		changes []Change
		want    []ChangeType
		value   string
	}{
		{"insert then update", []Change{ins("a", "1"), upd("a", "2")}, []ChangeType{Insert}, "2"},
		{"insert then delete", []Change{ins("a", "1"), del("a", "1")}, nil, ""},
		{"update then delete", []Change{upd("a", "2"), del("a", "2")}, []ChangeType{Delete}, "2"},
		{"delete then insert", []Change{del("a", "1"), ins("a", "3")}, []ChangeType{Update}, "3"},
		{"update then update", []Change{upd("a", "2"), upd("a", "3")}, []ChangeType{Update}, "3"},
		{"insert delete insert", []Change{ins("a", "1"), del("a", "1"), ins("a", "4")}, []ChangeType{Insert}, "4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator()
			for _, c := range tt.changes {
				agg.Record(c)
			}
			cs := agg.ChangeSet("main")
			require.Len(t, cs.Changes, len(tt.want))
			assert.Equal(t, len(tt.want), agg.Len())
			for i, typ := range tt.want {
				assert.Equal(t, typ, cs.Changes[i].Type)
				assert.Equal(t, tt.value, string(cs.Changes[i].Value))
			}
		})
	}
}

func TestAggregator_KeepsFirstSeenOrder(t *testing.T) {
	agg := NewAggregator()
	agg.Record(ins("b", "1"))
	agg.Record(ins("a", "1"))
	agg.Record(upd("b", "2"))

	cs := agg.ChangeSet("main")
	require.Len(t, cs.Changes, 2)
	assert.Equal(t, "b", string(cs.Changes[0].Key))
	assert.Equal(t, "a", string(cs.Changes[1].Key))
}

func TestAggregator_RecordApplied(t *testing.T) {
	agg := NewAggregator()
	hk := record.HashKey([]byte("k"))
	old := &record.Item{Key: []byte("k"), Value: []byte("old"), HashKey: hk}

	// Deleting a row that was not live is not observable.
	agg.RecordApplied(record.OperStatus{PreStatus: record.Deleted, IsDeleted: true}, old,
		record.Item{Key: hk, Flags: record.FlagDelete})
	assert.Equal(t, 0, agg.Len())

	agg.RecordApplied(record.OperStatus{PreStatus: record.Existed, IsDeleted: true}, old,
		record.Item{Key: hk, Flags: record.FlagDelete})
	cs := agg.ChangeSet("main")
	require.Len(t, cs.Changes, 1)
	assert.Equal(t, Delete, cs.Changes[0].Type)
	assert.Equal(t, []byte("old"), cs.Changes[0].Value)
	assert.Equal(t, []byte("k"), cs.Changes[0].Key)

	agg.Reset()
	agg.RecordApplied(record.OperStatus{PreStatus: record.NotExisted}, nil, record.Item{Key: []byte("k"), Value: []byte("v")})
	agg.RecordApplied(record.OperStatus{PreStatus: record.Existed}, old, record.Item{Key: []byte("k"), Value: []byte("w")})
	cs = agg.ChangeSet("main")
	require.Len(t, cs.Changes, 1)
	assert.Equal(t, Insert, cs.Changes[0].Type)
	assert.Equal(t, []byte("w"), cs.Changes[0].Value)
}
