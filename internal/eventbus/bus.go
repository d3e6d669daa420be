// Package eventbus fans out task lifecycle events inside one process.
//
// Publish never blocks: subscribers own a buffered channel and a slow
// subscriber loses events rather than stalling the dispatcher.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Task lifecycle event types.
const (
	TaskEnqueued    = "task.enqueued"
	TaskClaimed     = "task.claimed"
	TaskStarted     = "task.started"
	TaskCompleted   = "task.completed"
	TaskRetry       = "task.retry"
	TaskFailed      = "task.failed"
	TaskReaped      = "task.reaped"
	TaskRescheduled = "task.rescheduled"
	TaskReleased    = "task.released"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// TaskEvent is the Data of every task.* event.
type TaskEvent struct {
	ID       string
	Kind     string
	Sequence int64
	Attempts int
	Duration time.Duration // handler run time; zero when not applicable
	Err      string
	// Count is set on batch events such as task.claimed.
	Count int
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Nop discards every event.
var Nop Bus = nopBus{}

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped counts deliveries skipped because a subscriber buffer was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
