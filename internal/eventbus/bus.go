// Package eventbus is an in-process fanout of lifecycle events between the
// scheduler, executor, monitor and notifier.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine.
const (
	JobCreated     = "job.created"
	JobUpdated     = "job.updated"
	JobDeleted     = "job.deleted"
	JobActivated   = "job.activated"
	JobDeactivated = "job.deactivated"
	JobFired       = "job.fired"

	ExecutionStarted   = "execution.started"
	ExecutionCompleted = "execution.completed"
	ExecutionRetrying  = "execution.retrying"
	ExecutionFailed    = "execution.failed"
	ExecutionSkipped   = "execution.skipped"

	MonitorJobMissed    = "monitor.job_missed"
	MonitorJobUnhealthy = "monitor.job_unhealthy"
	MonitorJobDisabled  = "monitor.job_disabled"
	MonitorStuckReaped  = "monitor.stuck_reaped"
	MonitorSwept        = "monitor.swept"

	NotifierSent    = "notifier.sent"
	NotifierDeduped = "notifier.deduped"
	NotifierDropped = "notifier.dropped"
	NotifierFailed  = "notifier.failed"
)

// Event is a small, ideally JSON-serializable signal.
//
// Publish never blocks: subscribers own buffered channels and a slow
// subscriber loses events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Emit publishes on b when b is non-nil.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

// New returns an in-memory bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	prefix []string
}

func (s *sub) wants(typ string) bool {
	if len(s.prefix) == 0 {
		return true
	}
	for _, p := range s.prefix {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// An unsubscribe may close ch concurrently.
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
	return b.SubscribePrefix(buffer)
}

// SubscribePrefix delivers only events whose type starts with one of prefixes
// (all events when none are given).
func (b *MemBus) SubscribePrefix(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), prefix: append([]string(nil), prefixes...)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Dropped counts deliveries lost to full subscriber buffers.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
