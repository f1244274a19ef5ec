// Package bus carries shard mutation events from the vault engine to
// background consumers, primarily the threshold-triggered compression
// sweep. Publishing never blocks a mutation commit for long: when the
// buffer stays full past a short grace period the event is dropped and
// counted, since a missed threshold check is recovered by the next
// mutation or the periodic schedule.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Op identifies the mutation that produced an event.
type Op string

const (
	OpStore  Op = "store"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpSweep  Op = "sweep"
)

// Event describes one committed shard mutation, carrying the vault
// aggregates observed after the commit.
type Event struct {
	Op          Op
	VaultID     string
	ShardID     string
	Key         string
	MemoryCount int64
	TotalSize   int64
	AtMS        int64
}

const publishTimeout = 100 * time.Millisecond

// Bus is a bounded fan-in channel of mutation events.
type Bus struct {
	events  chan Event
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

func New() *Bus {
	return &Bus{events: make(chan Event, 100)}
}

// Publish enqueues an event, dropping it after the grace period when
// the buffer is saturated.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.events <- ev:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.events <- ev:
		case <-timer.C:
			b.dropped.Add(1)
		}
	}
}

// Consume blocks for the next event or until ctx is done. The second
// return is false when the bus is closed or the context expired.
func (b *Bus) Consume(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-b.events:
		if !ok {
			return Event{}, false
		}
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.events)
}

// Dropped reports how many events were discarded under saturation.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
