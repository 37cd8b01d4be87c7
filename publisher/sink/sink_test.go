package sink

import (
	"errors"
	"strings"
	"testing"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/cfg"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/notify"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/publisher"
)

var (
	_ publisher.Sink = (*KafkaSink)(nil)
	_ publisher.Sink = (*NatsSink)(nil)
	_ publisher.Sink = (*MemorySink)(nil)
)

func TestStreamName(t *testing.T) {
	cases := map[string]string{
		"syncstore.main": "syncstore_main",
		"plain":          "plain",
		"a.b c.*":        "a_b_c__",
	}
	for in, want := range cases {
		if got := StreamName(in); got != want {
			t.Errorf("StreamName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewKafkaSink_RequiresBrokers(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{}); err == nil {
		t.Fatal("Expected error without brokers")
	}
	s, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	if err != nil {
		t.Fatalf("NewKafkaSink failed: %v", err)
	}
	if s.writer.BatchSize != DefaultKafkaBatchSize || s.writer.BatchBytes != DefaultKafkaBatchBytes {
		t.Errorf("Defaults not applied: %d %d", s.writer.BatchSize, s.writer.BatchBytes)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestMemorySink(t *testing.T) {
	m := &MemorySink{}
	if err := m.Publish("t", "k", []byte("v")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := m.Publish("t", "k", nil); err != nil {
		t.Fatalf("Publish tombstone failed: %v", err)
	}
	msgs := m.Messages()
	if len(msgs) != 2 || string(msgs[0].Value) != "v" || msgs[1].Value != nil {
		t.Errorf("Unexpected messages: %+v", msgs)
	}

	m.PublishErr = errors.New("down")
	if err := m.Publish("t", "k", nil); err == nil {
		t.Error("Expected publish error")
	}
}

func TestNatsFactory_RequiresURL(t *testing.T) {
	_, err := publisher.NewRegistry(publisher.RegistryConfig{
		DataDir: t.TempDir(),
		Hub:     notify.NewHub(),
		Sinks:   []cfg.SinkConfiguration{{Name: "n", Type: "nats"}},
	})
	if err == nil || !strings.Contains(err.Error(), "nats_url") {
		t.Fatalf("Expected nats_url error, got %v", err)
	}
}
