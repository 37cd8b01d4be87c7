package publisher

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/encoding"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize       = 100
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultMaxRetries      = 100
)

var errWorkerStopped = errors.New("worker stopped")

// WorkerConfig configures delivery of the event log to one sink.
type WorkerConfig struct {
	Name            string
	Log             *EventLog
	Sink            Sink
	Filter          Filter // nil delivers every event
	TopicPrefix     string
	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int // 0 retries forever
}

// Worker tails the event log and publishes each event to its sink. The cursor
// only moves after a successful publish, so delivery is at least once.
type Worker struct {
	cfg    WorkerConfig
	cursor uint64

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewWorker validates cfg and resumes from the sink's stored cursor.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	switch {
	case cfg.Name == "":
		return nil, errors.New("worker name is required")
	case cfg.Log == nil:
		return nil, errors.New("event log is required")
	case cfg.Sink == nil:
		return nil, errors.New("sink is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.RetryMultiplier < 1 {
		cfg.RetryMultiplier = DefaultRetryMultiplier
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Worker{cfg: cfg, cursor: cfg.Log.Cursor(cfg.Name)}, nil
}

// Start launches the poll loop. Calling it on a running worker does nothing.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().Str("sink", w.cfg.Name).Uint64("cursor", w.cursor).Msg("Starting change publisher")
	go w.loop(w.stopCh, w.doneCh)
}

// Stop signals the loop and waits for it to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.running = false
	log.Info().Str("sink", w.cfg.Name).Uint64("cursor", w.cursor).Msg("Change publisher stopped")
}

func (w *Worker) loop(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		events, err := w.cfg.Log.ReadAfter(w.cursor, w.cfg.BatchSize)
		if err != nil {
			log.Error().Err(err).Str("sink", w.cfg.Name).Uint64("cursor", w.cursor).Msg("Failed to read event log")
			if !sleep(stop, w.cfg.PollInterval) {
				return
			}
			continue
		}
		if len(events) == 0 {
			if !sleep(stop, w.cfg.PollInterval) {
				return
			}
			continue
		}

		for _, ev := range events {
			if err := w.deliver(stop, ev); err != nil {
				if !errors.Is(err, errWorkerStopped) {
					log.Error().Err(err).Str("sink", w.cfg.Name).Uint64("seq", ev.Seq).Msg("Giving up on change event")
				}
				return
			}
			w.cursor = ev.Seq
		}
	}
}

func (w *Worker) deliver(stop <-chan struct{}, ev ChangeEvent) error {
	if w.cfg.Filter == nil || w.cfg.Filter.Match(ev.Key) {
		payload, err := encoding.Marshal(&ev)
		if err != nil {
			return fmt.Errorf("failed to marshal change event: %w", err)
		}
		topic := w.topic(ev.Store)
		key := base64.RawURLEncoding.EncodeToString(ev.HashKey)
		if err := w.publish(stop, topic, key, payload); err != nil {
			return err
		}
		// Compacted topics drop a key once its tombstone arrives.
		if ev.Op == OpDelete {
			if err := w.publish(stop, topic, key, nil); err != nil {
				return err
			}
		}
	}

	if err := w.cfg.Log.Advance(w.cfg.Name, ev.Seq); err != nil {
		log.Warn().Err(err).Str("sink", w.cfg.Name).Uint64("seq", ev.Seq).Msg("Failed to advance cursor, event may be redelivered")
	}
	return nil
}

func (w *Worker) topic(store string) string {
	if w.cfg.TopicPrefix == "" {
		return store
	}
	return w.cfg.TopicPrefix + "." + store
}

func (w *Worker) publish(stop <-chan struct{}, topic, key string, value []byte) error {
	delay := w.cfg.RetryInitial
	for attempt := 1; ; attempt++ {
		err := w.cfg.Sink.Publish(topic, key, value)
		if err == nil {
			return nil
		}
		if w.cfg.MaxRetries > 0 && attempt >= w.cfg.MaxRetries {
			return fmt.Errorf("failed to publish to %s after %d attempts: %w", topic, attempt, err)
		}
		log.Warn().Err(err).Str("sink", w.cfg.Name).Str("topic", topic).Int("attempt", attempt).Dur("retry_in", delay).Msg("Publish failed, retrying")
		if !sleep(stop, delay) {
			return errWorkerStopped
		}
		delay = min(time.Duration(float64(delay)*w.cfg.RetryMultiplier), w.cfg.RetryMax)
	}
}

// sleep returns false when stop closes first.
func sleep(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
