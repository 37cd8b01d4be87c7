package notify

import (
	"sync"
	"sync/atomic"
)

// defaultBufferSize is the buffer size for change set channels.
// Subscribers that can't keep up will have change sets dropped (non-blocking send).
const defaultBufferSize = 64

// Filter selects the stores a subscriber hears about. Empty means all.
type Filter struct {
	Stores []string
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan ChangeSet
	closed atomic.Bool
}

func (s *subscription) matches(store string) bool {
	if len(s.filter.Stores) == 0 {
		return true
	}
	for _, name := range s.filter.Stores {
		if name == store {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans committed change sets out to subscribers. Delivery is best effort.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	dropped       atomic.Uint64
}

// NewHub creates a new change notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Publish sends a change set to all matching subscribers (non-blocking).
// Empty change sets are not sent.
func (h *Hub) Publish(cs ChangeSet) {
	if len(cs.Changes) == 0 {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(cs.Store) {
			continue
		}
		select {
		case sub.ch <- cs:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe creates a new subscription and returns its channel and an
// idempotent cancel function.
func (h *Hub) Subscribe(filter Filter) (<-chan ChangeSet, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan ChangeSet, defaultBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
