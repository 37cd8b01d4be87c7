package sink

import (
	"sync"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/cfg"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/publisher"
)

func init() {
	publisher.RegisterSink("memory", func(cfg.SinkConfiguration) (publisher.Sink, error) {
		return &MemorySink{}, nil
	})
}

// MemorySink keeps published messages in memory. It backs the "memory" sink
// type used for local inspection and tests.
type MemorySink struct {
	mu         sync.Mutex
	messages   []Message
	PublishErr error
}

// Message is one published message.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

func (m *MemorySink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.messages = append(m.messages, Message{Topic: topic, Key: key, Value: value})
	return nil
}

// Messages returns a copy of everything published so far.
func (m *MemorySink) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

func (m *MemorySink) Close() error { return nil }
