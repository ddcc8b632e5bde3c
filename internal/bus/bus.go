// Package bus implements an in-process publish/subscribe fan-out for live
// runtime events. Delivery is asynchronous and backpressure-tolerant: each
// subscriber gets its own bounded queue and worker goroutine, so a slow UI
// client never stalls the graph runtime or other subscribers. The durable
// EventLog remains the source of truth; this bus is best-effort.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/amonhq/amon/internal/model"
	"github.com/amonhq/amon/internal/telemetry"
)

// DefaultBufferSize is the default per-subscriber bounded queue depth.
const DefaultBufferSize = 1024

// DefaultDedupeWindow is the default coalescing window for events sharing a
// dedupe key.
const DefaultDedupeWindow = 30 * time.Second

// Filter decides whether a subscriber wants a given event. A nil filter
// matches every event.
type Filter func(model.Event) bool

// Handler processes one delivered event. It runs on the subscription's own
// goroutine, so a blocking Handler only slows that one subscriber.
type Handler func(ctx context.Context, evt model.Event)

// Options configures a Bus.
type Options struct {
	BufferSize   int
	DedupeWindow time.Duration
	Metrics      telemetry.Metrics
}

// Bus fans out published events to registered subscribers.
type Bus struct {
	mu         sync.RWMutex
	subs       map[*Subscription]*Subscription
	bufferSize int
	metrics    telemetry.Metrics

	dedupeWindow time.Duration
	dedupeMu     sync.Mutex
	dedupe       map[string]*dedupeEntry
}

type dedupeEntry struct {
	timer *time.Timer
	event model.Event
}

// Subscription is an active registration on a Bus.
type Subscription struct {
	bus      *Bus
	filter   Filter
	handler  Handler
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []model.Event
	capacity int
	closed   bool
	once     sync.Once
	done     chan struct{}
}

// New constructs a Bus. Zero-value Options fields fall back to the defaults
// (1024-deep buffers, 30s dedupe window).
func New(opts Options) *Bus {
	if opts.BufferSize == 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.DedupeWindow == 0 {
		opts.DedupeWindow = DefaultDedupeWindow
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Bus{
		subs:         make(map[*Subscription]*Subscription),
		bufferSize:   opts.BufferSize,
		metrics:      metrics,
		dedupeWindow: opts.DedupeWindow,
		dedupe:       make(map[string]*dedupeEntry),
	}
}

// Register adds a subscriber. filter may be nil to receive every event.
// The returned Subscription must be closed to stop its worker goroutine.
func (b *Bus) Register(filter Filter, handler Handler) *Subscription {
	s := &Subscription{
		bus:      b,
		filter:   filter,
		handler:  handler,
		capacity: b.bufferSize,
		done:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	b.mu.Lock()
	b.subs[s] = s
	b.mu.Unlock()
	go s.run()
	return s
}

// Publish delivers evt to every subscriber whose filter matches. If
// dedupeKey is non-empty, successive publications sharing the same key
// within the dedupe window are coalesced: only the latest event is
// delivered, once the window elapses without a newer one.
func (b *Bus) Publish(evt model.Event, dedupeKey string) {
	if dedupeKey == "" || b.dedupeWindow <= 0 {
		b.deliver(evt)
		return
	}

	b.dedupeMu.Lock()
	defer b.dedupeMu.Unlock()
	if entry, ok := b.dedupe[dedupeKey]; ok {
		entry.event = evt
		entry.timer.Reset(b.dedupeWindow)
		return
	}
	entry := &dedupeEntry{event: evt}
	entry.timer = time.AfterFunc(b.dedupeWindow, func() {
		b.dedupeMu.Lock()
		final := entry.event
		delete(b.dedupe, dedupeKey)
		b.dedupeMu.Unlock()
		b.deliver(final)
	})
	b.dedupe[dedupeKey] = entry
}

func (b *Bus) deliver(evt model.Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		if s.filter != nil && !s.filter(evt) {
			continue
		}
		s.enqueue(evt, b.metrics)
	}
}

// Close stops every subscription's worker goroutine and cancels any
// pending dedupe timers.
func (b *Bus) Close() {
	b.dedupeMu.Lock()
	for k, e := range b.dedupe {
		e.timer.Stop()
		delete(b.dedupe, k)
	}
	b.dedupeMu.Unlock()

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

func (s *Subscription) enqueue(evt model.Event, metrics telemetry.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= s.capacity {
		s.queue = s.queue[1:]
		metrics.IncCounter("bus.dropped", 1)
	}
	s.queue = append(s.queue, evt)
	s.cond.Signal()
}

func (s *Subscription) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			close(s.done)
			return
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.handler(context.Background(), evt)
	}
}

// Close unregisters the subscription and stops its worker goroutine. It is
// idempotent and safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()

		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
		<-s.done
	})
}
