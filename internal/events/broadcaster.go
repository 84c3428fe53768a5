// Package events fans finished dispatches out to live subscribers.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mr1hm/go-bear-alerts/internal/models"
)

// subscriberBuffer is how many events a subscriber may fall behind before
// events are dropped for it.
const subscriberBuffer = 100

type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[uint64]chan models.DispatchStats
	closed  bool
	lastID  atomic.Uint64
	dropped atomic.Uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan models.DispatchStats)}
}

// Subscribe registers a new stream. After Close the returned channel is already
// closed, so late subscribers end immediately.
func (b *Broadcaster) Subscribe() (uint64, <-chan models.DispatchStats) {
	id := b.lastID.Add(1)
	ch := make(chan models.DispatchStats, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = ch
	return id, ch
}

func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish never blocks. A subscriber with a full buffer misses the event.
func (b *Broadcaster) Publish(stats models.DispatchStats) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- stats:
		default:
			b.dropped.Add(1)
			slog.Warn("stream subscriber too slow, event dropped", "subscriber", id, "alert_id", stats.AlertID)
		}
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many events were lost to slow subscribers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close ends every stream. Later Publish calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
