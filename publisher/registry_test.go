package publisher

import (
	"testing"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/cfg"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/notify"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
)

func init() {
	RegisterSink("test-mock", func(cfg.SinkConfiguration) (Sink, error) {
		return testSink, nil
	})
}

var testSink = &mockSink{}

func TestNewRegistry_Validation(t *testing.T) {
	if _, err := NewRegistry(RegistryConfig{Hub: notify.NewHub()}); err == nil {
		t.Error("Expected error without data dir")
	}
	if _, err := NewRegistry(RegistryConfig{DataDir: t.TempDir()}); err == nil {
		t.Error("Expected error without hub")
	}
	_, err := NewRegistry(RegistryConfig{
		DataDir: t.TempDir(),
		Hub:     notify.NewHub(),
		Sinks:   []cfg.SinkConfiguration{{Name: "x", Type: "carrier-pigeon"}},
	})
	if err == nil {
		t.Error("Expected error for unknown sink type")
	}
}

func TestRegistry_ForwardsHubChangeSets(t *testing.T) {
	hub := notify.NewHub()
	r, err := NewRegistry(RegistryConfig{
		DataDir: t.TempDir(),
		Hub:     hub,
		Device:  "dev-a",
		Sinks:   []cfg.SinkConfiguration{{Name: "mock", Type: "test-mock", TopicPrefix: "cdc", FilterKeys: []string{"user/*"}}},
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Start(); err == nil {
		t.Error("Expected second start to fail")
	}

	hub.Publish(notify.ChangeSet{Store: "main", Changes: []notify.Change{
		{Type: notify.Insert, Key: []byte("user/1"), HashKey: record.HashKey([]byte("user/1")), Value: []byte("a")},
		{Type: notify.Insert, Key: []byte("order/1"), HashKey: record.HashKey([]byte("order/1")), Value: []byte("b")},
	}})

	eventLog := r.Log()
	waitFor(t, func() bool { return eventLog.Cursor("mock") == 2 })
	r.Stop()
	r.Stop()

	calls := testSink.published()
	if len(calls) != 1 || calls[0].topic != "cdc.main" {
		t.Fatalf("Expected one delivery on cdc.main, got %+v", calls)
	}
}

func TestEventsFromChangeSet(t *testing.T) {
	old := &record.Item{Value: []byte("before")}
	cs := notify.ChangeSet{Store: "main", Changes: []notify.Change{
		{Type: notify.Update, Key: []byte("k"), Value: []byte("after"), Old: old},
		{Type: notify.Delete, Key: []byte("d"), Value: []byte("gone"), Old: &record.Item{Value: []byte("gone")}},
	}}
	events := EventsFromChangeSet(cs, 42, "dev")
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].Op != OpUpdate || string(events[0].OldValue) != "before" || string(events[0].Value) != "after" {
		t.Errorf("Unexpected update event %+v", events[0])
	}
	if events[1].Op != OpDelete || events[1].Value != nil || string(events[1].OldValue) != "gone" {
		t.Errorf("Unexpected delete event %+v", events[1])
	}
	if events[0].CommitTS != 42 || events[0].Device != "dev" || events[0].Store != "main" {
		t.Errorf("Unexpected envelope %+v", events[0])
	}
}
