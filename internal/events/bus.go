// Package events provides an in-process bus that tells subscribers when a
// table commits rows, seals a block or when the schema root is saved.
package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Kind is the type of an event.
type Kind string

const (
	// Committed follows every write that changed the current block.
	Committed Kind = "commit"
	// Sealed follows a write that sealed a block and moved the head.
	Sealed Kind = "seal"
	// Saved follows a schema save.
	Saved Kind = "save"
)

// Event describes one change.
type Event struct {
	Kind Kind `json:"kind"`

	// Table is empty for Saved events
	Table string `json:"table,omitempty"`

	// Head is the table head, or the root CID for Saved events
	Head string `json:"head"`

	Sequence  int64 `json:"sequence,omitempty"`
	Pending   int   `json:"pending"`
	Timestamp int64 `json:"timestamp"`
}

// Subscriber receives events on C.
type Subscriber struct {
	ID      uint64
	C       <-chan Event
	ch      chan Event
	filters []string
	dropped atomic.Int64
}

// Dropped returns how many events were discarded because C was full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Bus fans events out to subscribers. A nil *Bus is valid and drops everything.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscriber
	nextID      uint64
	bufferSize  int
	now         func() time.Time
}

// NewBus creates a bus whose subscriber channels hold bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Bus{
		subscribers: make(map[uint64]*Subscriber),
		bufferSize:  bufferSize,
		now:         time.Now,
	}
}

// Publish sends e to every matching subscriber without blocking: when a
// subscriber's channel is full the event is dropped for that subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp == 0 {
		e.Timestamp = b.now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if !matches(sub.filters, e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber. With tables set only events of those
// tables, plus Saved events, are delivered.
func (b *Bus) Subscribe(tables ...string) *Subscriber {
	ch := make(chan Event, b.bufferSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscriber{ID: b.nextID, C: ch, ch: ch, filters: tables}
	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.ID]; ok {
		delete(b.subscribers, sub.ID)
		close(sub.ch)
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func matches(filters []string, e Event) bool {
	if len(filters) == 0 || e.Kind == Saved {
		return true
	}
	for _, f := range filters {
		if f == "" || strings.EqualFold(f, e.Table) {
			return true
		}
	}
	return false
}
