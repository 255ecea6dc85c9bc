// Package eventbus is an in-memory, non-blocking fanout used to decouple
// the scheduler and the command worker from notification and audit sinks.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the agent.
const (
	TypeActionPerformed = "action.performed"
	TypeActionFailed    = "action.failed"
	TypeSharedTaskRun   = "lease.run"
	TypeJobFinished     = "job.finished"
	TypeConfigReloaded  = "config.reloaded"
)

// Event is a small in-memory signal.
//
// Publish never blocks: subscribers own a buffered channel and a slow
// subscriber loses events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// ActionData accompanies action events.
type ActionData struct {
	Feature string
	Shared  bool
	Took    time.Duration
	Err     string
}

// JobData accompanies job events.
type JobData struct {
	JobID  string
	Action string
	Source string
	OK     bool
	Err    string
	Took   time.Duration
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

// MemBus is the in-process Bus. It owns no goroutines.
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
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
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
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped counts deliveries lost to full subscriber buffers.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
