// Package eventbus fans out lifecycle events to in-process subscribers and
// mirrors them, best effort, into the durable SQLite log. Each subscriber
// owns a bounded channel drained by its own goroutine, so a slow consumer
// drops events rather than blocking publication; the durable append runs on
// a dedicated goroutine behind a bounded queue for the same reason. The core
// only ever writes events — nothing in the daemon reads them back.
package eventbus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"loom/pkg/protocol"
)

// Appender persists events. *store.Store satisfies it; nil disables the
// durable mirror.
type Appender interface {
	AppendEvent(ctx context.Context, e protocol.Event) error
}

// Handler consumes one event. Handlers for one subscription run FIFO on a
// single goroutine; ordering across subscriptions is not guaranteed.
type Handler func(e protocol.Event)

// Config holds bus tuning.
type Config struct {
	BufferSize  int // per-subscriber channel depth (default 64)
	AppendDepth int // durable append queue depth (default 256)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BufferSize == 0 {
		out.BufferSize = 64
	}
	if out.AppendDepth == 0 {
		out.AppendDepth = 256
	}
	return out
}

type subscriber struct {
	eventType string // empty = all types
	ch        chan protocol.Event
}

// Bus is the in-process publish/subscribe hub.
type Bus struct {
	cfg      Config
	appender Appender

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	appendCh chan protocol.Event
	wg       sync.WaitGroup

	dropped        atomic.Int64
	appendFailures atomic.Int64

	// nowFunc allows tests to control timestamps.
	nowFunc func() time.Time
}

// New creates a running Bus. appender may be nil.
func New(cfg Config, appender Appender) *Bus {
	b := &Bus{
		cfg:      cfg.withDefaults(),
		appender: appender,
		subs:     make(map[int]*subscriber),
		nowFunc:  time.Now,
	}
	b.appendCh = make(chan protocol.Event, b.cfg.AppendDepth)
	b.wg.Add(1)
	go b.appendLoop()
	return b
}

// Publish fans e out to matching subscribers and queues the durable append.
// It never blocks longer than the map walk: full subscriber channels and a
// full append queue drop the event and bump a counter.
func (b *Bus) Publish(e protocol.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.nowFunc()
	}
	if e.Severity == "" {
		e.Severity = protocol.SeverityInfo
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	for _, sub := range b.subs {
		if sub.eventType != "" && sub.eventType != e.Type {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	if b.appender != nil {
		select {
		case b.appendCh <- e:
		default:
			b.appendFailures.Add(1)
		}
	}
	b.mu.RUnlock()
}

// Subscribe registers handler for one event type. The returned cancel
// function detaches the subscriber and waits for its handler goroutine.
func (b *Bus) Subscribe(eventType string, handler Handler) func() {
	return b.subscribe(eventType, handler)
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.subscribe("", handler)
}

func (b *Bus) subscribe(eventType string, handler Handler) func() {
	sub := &subscriber{
		eventType: eventType,
		ch:        make(chan protocol.Event, b.cfg.BufferSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	done := make(chan struct{})
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(done)
		for e := range sub.ch {
			handler(e)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
			<-done
		})
	}
}

func (b *Bus) appendLoop() {
	defer b.wg.Done()
	for e := range b.appendCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.appender.AppendEvent(ctx, e); err != nil {
			b.appendFailures.Add(1)
			log.Printf("[eventbus] durable append failed type=%s: %v", e.Type, err)
		}
		cancel()
	}
}

// Health is the bus slice of the readiness report.
type Health struct {
	Subscribers    int   `json:"subscribers"`
	Dropped        int64 `json:"dropped"`
	AppendFailures int64 `json:"append_failures"`
}

// Stats returns drop and append-failure counters.
func (b *Bus) Stats() Health {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Health{
		Subscribers:    len(b.subs),
		Dropped:        b.dropped.Load(),
		AppendFailures: b.appendFailures.Load(),
	}
}

// Close detaches all subscribers, flushes the append queue and waits for
// every bus goroutine. The bus is unusable afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	close(b.appendCh)
	b.wg.Wait()
}
