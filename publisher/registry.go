package publisher

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/cfg"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/notify"
	"github.com/rs/zerolog/log"
)

// SinkFactory builds a Sink from its configuration.
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	factoryMu     sync.RWMutex
	sinkFactories = make(map[string]SinkFactory)
)

// RegisterSink makes a sink type available to registries.
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

func createSink(c cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, ok := sinkFactories[c.Type]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink type %q", c.Type)
	}
	return factory(c)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	DataDir string
	Sinks   []cfg.SinkConfiguration
	// Hub is the source of committed change sets.
	Hub *notify.Hub
	// Device stamps every event with the publishing device.
	Device string
}

// Registry owns the event log, the hub subscription feeding it and one
// worker per sink.
type Registry struct {
	log     *EventLog
	hub     *notify.Hub
	device  string
	workers []*Worker
	sinks   []Sink

	mu      sync.Mutex
	running bool
	cancel  func()
	done    chan struct{}
}

// NewRegistry opens the event log and builds a worker per configured sink.
func NewRegistry(c RegistryConfig) (*Registry, error) {
	if c.DataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if c.Hub == nil {
		return nil, errors.New("notification hub is required")
	}
	eventLog, err := OpenEventLog(c.DataDir)
	if err != nil {
		return nil, err
	}

	r := &Registry{log: eventLog, hub: c.Hub, device: c.Device}
	for _, sc := range c.Sinks {
		if err := r.addSink(sc); err != nil {
			r.closeSinks()
			eventLog.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sc.Name, err)
		}
	}
	log.Info().Int("sinks", len(r.workers)).Msg("Change publisher registry initialized")
	return r, nil
}

func (r *Registry) addSink(sc cfg.SinkConfiguration) error {
	filter, err := NewKeyFilter(sc.FilterKeys)
	if err != nil {
		return err
	}
	snk, err := createSink(sc)
	if err != nil {
		return err
	}
	w, err := NewWorker(WorkerConfig{
		Name:        sc.Name,
		Log:         r.log,
		Sink:        snk,
		Filter:      filter,
		TopicPrefix: sc.TopicPrefix,
		BatchSize:   sc.BatchSize,
	})
	if err != nil {
		snk.Close()
		return err
	}
	r.sinks = append(r.sinks, snk)
	r.workers = append(r.workers, w)
	log.Info().Str("sink", sc.Name).Str("type", sc.Type).Strs("filter_keys", sc.FilterKeys).Msg("Added change sink")
	return nil
}

// Log exposes the underlying event log.
func (r *Registry) Log() *EventLog { return r.log }

// Start subscribes to the hub and starts every worker.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("registry already running")
	}

	ch, cancel := r.hub.Subscribe(notify.Filter{})
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.forward(ch, r.done)

	for _, w := range r.workers {
		w.Start()
	}
	r.running = true
	return nil
}

// forward appends every change set received from the hub to the log.
func (r *Registry) forward(ch <-chan notify.ChangeSet, done chan struct{}) {
	defer close(done)
	for cs := range ch {
		if err := r.Append(cs, time.Now().UnixMilli()); err != nil {
			log.Error().Err(err).Str("store", cs.Store).Int("changes", len(cs.Changes)).Msg("Failed to log change set")
		}
	}
}

// Append records cs in the event log.
func (r *Registry) Append(cs notify.ChangeSet, commitTSMillis int64) error {
	return r.log.Append(EventsFromChangeSet(cs, commitTSMillis, r.device))
}

// Stop detaches from the hub, stops the workers and closes sinks and log.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false

	r.cancel()
	<-r.done
	for _, w := range r.workers {
		w.Stop()
	}
	r.closeSinks()
	if err := r.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close event log")
	}
	log.Info().Msg("Change publisher registry stopped")
}

func (r *Registry) closeSinks() {
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close sink")
		}
	}
}
