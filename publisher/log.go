package publisher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/encoding"
	"github.com/rs/zerolog/log"
)

const (
	eventPrefix  = "/ev/"     // /ev/{16 hex digit seq}
	cursorPrefix = "/cursor/" // /cursor/{sink}
	seqKey       = "/seq"
)

const (
	defaultReadLimit = 100
	// pruneEvery triggers a prune when a cursor crosses a multiple of it.
	pruneEvery = 128
)

var errLogClosed = errors.New("publish log is closed")

// EventLog is an append-only Pebble log of change events with one delivery
// cursor per sink. Entries every sink has passed are pruned.
type EventLog struct {
	db   *pebble.DB
	path string

	appendMu sync.Mutex
	lastSeq  atomic.Uint64

	cursorsMu sync.RWMutex
	cursors   map[string]uint64

	pruneMu      sync.Mutex
	pruneRunning atomic.Bool
	pruneWg      sync.WaitGroup

	closed atomic.Bool
}

// OpenEventLog opens or creates the log under dataDir.
func OpenEventLog(dataDir string) (*EventLog, error) {
	path := filepath.Join(dataDir, "publish_log")
	db, err := pebble.Open(path, &pebble.Options{
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 4,
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open publish log at %s: %w", path, err)
	}

	l := &EventLog{db: db, path: path, cursors: make(map[string]uint64)}
	if err := l.restore(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *EventLog) restore() error {
	val, closer, err := l.db.Get([]byte(seqKey))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to read sequence: %w", err)
	default:
		if len(val) != 8 {
			closer.Close()
			return fmt.Errorf("invalid sequence length %d", len(val))
		}
		l.lastSeq.Store(binary.BigEndian.Uint64(val))
		closer.Close()
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(cursorPrefix),
		UpperBound: upperBound([]byte(cursorPrefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		v := iter.Value()
		if len(v) != 8 {
			return fmt.Errorf("corrupted cursor %q", iter.Key())
		}
		l.cursors[string(iter.Key()[len(cursorPrefix):])] = binary.BigEndian.Uint64(v)
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("failed to load cursors: %w", err)
	}
	log.Debug().Uint64("last_seq", l.lastSeq.Load()).Int("cursors", len(l.cursors)).Msg("Publish log restored")
	return nil
}

// Append assigns sequence numbers to events and writes them in one batch.
func (l *EventLog) Append(events []ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	if l.closed.Load() {
		return errLogClosed
	}
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	seq := l.lastSeq.Load()
	batch := l.db.NewBatch()
	defer batch.Close()
	for i := range events {
		seq++
		events[i].Seq = seq
		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal change event: %w", err)
		}
		if err := batch.Set(eventKey(seq), val, nil); err != nil {
			return err
		}
	}
	if err := batch.Set([]byte(seqKey), u64(seq), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit change events: %w", err)
	}
	l.lastSeq.Store(seq)
	return nil
}

// LastSeq returns the sequence of the newest appended event.
func (l *EventLog) LastSeq() uint64 {
	return l.lastSeq.Load()
}

// ReadAfter returns up to limit events with a sequence above cursor.
func (l *EventLog) ReadAfter(cursor uint64, limit int) ([]ChangeEvent, error) {
	if l.closed.Load() {
		return nil, errLogClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(cursor + 1),
		UpperBound: upperBound([]byte(eventPrefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]ChangeEvent, 0, limit)
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		var ev ChangeEvent
		if err := encoding.Unmarshal(iter.Value(), &ev); err != nil {
			log.Warn().Err(err).Bytes("key", iter.Key()).Msg("Skipping undecodable change event")
			continue
		}
		events = append(events, ev)
	}
	return events, iter.Error()
}

// Cursor returns the last sequence delivered to sink, 0 for a new sink.
func (l *EventLog) Cursor(sink string) uint64 {
	l.cursorsMu.RLock()
	defer l.cursorsMu.RUnlock()
	return l.cursors[sink]
}

// Advance records that sink has received every event up to seq.
func (l *EventLog) Advance(sink string, seq uint64) error {
	if l.closed.Load() {
		return errLogClosed
	}
	l.cursorsMu.Lock()
	l.cursors[sink] = seq
	l.cursorsMu.Unlock()

	if err := l.db.Set([]byte(cursorPrefix+sink), u64(seq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist cursor: %w", err)
	}
	if seq%pruneEvery == 0 && l.pruneRunning.CompareAndSwap(false, true) {
		l.pruneWg.Add(1)
		go func() {
			defer l.pruneWg.Done()
			defer l.pruneRunning.Store(false)
			l.prune()
		}()
	}
	return nil
}

// prune deletes events every known sink has received.
func (l *EventLog) prune() {
	l.pruneMu.Lock()
	defer l.pruneMu.Unlock()
	if l.closed.Load() {
		return
	}

	l.cursorsMu.RLock()
	if len(l.cursors) == 0 {
		l.cursorsMu.RUnlock()
		return
	}
	low := ^uint64(0)
	for _, c := range l.cursors {
		low = min(low, c)
	}
	l.cursorsMu.RUnlock()
	if low == 0 {
		return
	}

	if err := l.db.DeleteRange([]byte(eventPrefix), eventKey(low+1), pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("through", low).Msg("Failed to prune publish log")
		return
	}
	log.Debug().Uint64("through", low).Msg("Pruned publish log")
}

// Close waits for a running prune and closes the log.
func (l *EventLog) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.pruneWg.Wait()
	return l.db.Close()
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", eventPrefix, seq))
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func upperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
