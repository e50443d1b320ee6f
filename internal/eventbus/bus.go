// Package eventbus fans scheduler lifecycle events out to in-process
// observers (timers, persistence, metrics).
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one lifecycle signal. Data carries a small typed payload owned by
// the publishing package (job.RunEvent, mcp.ApplyEvent, ...).
type Event struct {
	Type string
	Time time.Time
	Data any
}

const (
	JobCreated      = "job.created"
	JobReconfigured = "job.reconfigured"
	JobRemoved      = "job.removed"
	JobEnabled      = "job.enabled"
	JobDisabled     = "job.disabled"

	ConfigApplied  = "config.applied"
	ConfigRejected = "config.rejected"

	DispatchDropped = "dispatch.dropped"
)

// RunEventType returns the event type for a run entering state (e.g. "run.starting").
func RunEventType(state string) string { return "run." + strings.ToLower(state) }

// ActionEventType returns the event type for an action entering state.
func ActionEventType(state string) string { return "action." + strings.ToLower(state) }

// IsRunEvent reports whether typ was produced by RunEventType.
func IsRunEvent(typ string) bool { return strings.HasPrefix(typ, "run.") }

// Bus delivers events to buffered subscriber channels. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

// Memory is the in-process Bus. It owns no goroutines.
type Memory struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

type subscriber struct {
	ch     chan Event
	closed bool
}

func New() *Memory {
	return &Memory{subs: map[*subscriber]struct{}{}}
}

// Publish stamps e with the current time if unset and offers it to every
// subscriber.
func (b *Memory) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock is cheap and keeps
	// unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Memory) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		delete(b.subs, s)
		close(s.ch)
	}
}

// Dropped counts deliveries lost to full subscriber buffers.
func (b *Memory) Dropped() uint64 { return b.dropped.Load() }

// Nop is a Bus that drops everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
