// Package events implements the per-scan publish/subscribe bus. Publishers
// never block: each subscriber owns a bounded queue, and when it overflows
// the oldest events are dropped and a lagged marker is delivered in their
// place. Late subscribers first receive a replay of recent history.
package events

import (
	"sync"
	"time"
)

const (
	// DefaultHistoryMax is how many recent events replay to late subscribers.
	DefaultHistoryMax = 200
	// DefaultSubscriberBuffer is each subscriber's queue capacity.
	DefaultSubscriberBuffer = 1024
)

// Bus is one scan's event channel. Safe for concurrent use.
type Bus struct {
	scanID string

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	history []Envelope // ring of the last historyMax events
	closed  bool

	historyMax int
	buffer     int
}

// Subscription is one subscriber's view of the bus. Read events from C;
// the channel closes once the scan is terminal and the queue is drained.
type Subscription struct {
	C <-chan Envelope

	bus     *Bus
	ch      chan Envelope
	dropped int // events lost since the last lagged marker; guarded by bus.mu
	done    bool
}

// NewBus creates a bus for scanID. historyMax and buffer fall back to the
// package defaults when <= 0.
func NewBus(scanID string, historyMax, buffer int) *Bus {
	if historyMax <= 0 {
		historyMax = DefaultHistoryMax
	}
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Bus{
		scanID:     scanID,
		subs:       make(map[*Subscription]struct{}),
		history:    make([]Envelope, 0, historyMax),
		historyMax: historyMax,
		buffer:     buffer,
	}
}

// Publish stamps and fans out an event. Never blocks; publishing to a closed
// bus is a no-op.
func (b *Bus) Publish(eventType string, data any) {
	evt := Envelope{
		Type:      eventType,
		ScanID:    b.scanID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.appendHistory(evt)
	for sub := range b.subs {
		b.deliver(sub, evt)
	}
}

// Subscribe registers a new subscriber. History is replayed into its queue
// before any live event, so the replay/live boundary has no gaps or
// duplicates. Subscribing to a closed bus yields the history followed by an
// immediate close.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := b.buffer
	if capacity < b.historyMax {
		capacity = b.historyMax
	}
	if capacity < 2 {
		capacity = 2
	}
	sub := &Subscription{bus: b, ch: make(chan Envelope, capacity)}
	sub.C = sub.ch

	for _, evt := range b.history {
		sub.ch <- evt // capacity >= historyMax, cannot block
	}

	if b.closed {
		sub.done = true
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Close ends the bus: all subscriber channels close after their buffered
// events are read. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.done = true
		close(sub.ch)
	}
	b.subs = make(map[*Subscription]struct{})
}

// Cancel detaches the subscription. Safe to call more than once and safe
// concurrently with bus publishing.
func (s *Subscription) Cancel() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	delete(b.subs, s)
	close(s.ch)
}

// appendHistory keeps the last historyMax events. Caller holds b.mu.
func (b *Bus) appendHistory(evt Envelope) {
	if len(b.history) == b.historyMax {
		copy(b.history, b.history[1:])
		b.history[len(b.history)-1] = evt
		return
	}
	b.history = append(b.history, evt)
}

// deliver enqueues evt without ever blocking the publisher. On overflow the
// oldest queued events are evicted and counted, and a lagged marker carrying
// the count is enqueued ahead of evt. All writes happen under b.mu, so this
// is the queue's only writer; the reader may drain concurrently, which only
// frees space. Caller holds b.mu.
func (b *Bus) deliver(sub *Subscription, evt Envelope) {
	select {
	case sub.ch <- evt:
		return
	default:
	}

	// Overflow: free two slots (marker + event), folding any evicted marker's
	// count into the running total.
	for cap(sub.ch)-len(sub.ch) < 2 {
		select {
		case old := <-sub.ch:
			if old.Type == TypeLagged {
				if d, ok := old.Data.(LaggedData); ok {
					sub.dropped += d.Dropped
					continue
				}
			}
			sub.dropped++
		default:
			// Reader drained between the length check and the receive.
		}
	}
	if sub.dropped > 0 {
		sub.ch <- Envelope{
			Type:      TypeLagged,
			ScanID:    b.scanID,
			Timestamp: time.Now().UTC(),
			Data:      LaggedData{Dropped: sub.dropped},
		}
		sub.dropped = 0
	}
	sub.ch <- evt
}

// SubscriberCount reports active subscribers (for stats and tests).
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
