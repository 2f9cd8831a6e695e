package logging

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 100

type hubSubscriber struct {
	ch       chan LogEntry
	minLevel Level
}

// LogHub fans live entries out to subscribers without ever blocking the logger.
// Slow subscribers lose entries; Dropped reports how many.
type LogHub struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]hubSubscriber
	closed  bool
	dropped atomic.Uint64
}

func NewLogHub() *LogHub {
	return &LogHub{
		subs: make(map[uint64]hubSubscriber),
	}
}

func (h *LogHub) Subscribe(buffer int) (<-chan LogEntry, func()) {
	return h.SubscribeLevel(buffer, "")
}

// SubscribeLevel only delivers entries at or above minLevel. An empty level
// delivers everything.
func (h *LogHub) SubscribeLevel(buffer int, minLevel Level) (<-chan LogEntry, func()) {
	if h == nil {
		ch := make(chan LogEntry)
		close(ch)
		return ch, func() {}
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		ch := make(chan LogEntry)
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	ch := make(chan LogEntry, buffer)
	h.subs[id] = hubSubscriber{ch: ch, minLevel: minLevel}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing.ch)
		}
	}
}

func (h *LogHub) Broadcast(entry LogEntry) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	// Sends are non-blocking, so holding the lock keeps cancel from closing a
	// channel mid-send.
	for _, sub := range h.subs {
		if !LevelAtLeast(entry.Level, sub.minLevel) {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *LogHub) Dropped() uint64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

func (h *LogHub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
