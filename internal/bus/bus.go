package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"trading_core/internal/core"
	"trading_core/pkg/telemetry"
)

// OverflowPolicy decides what happens when a subscriber buffer is full.
type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop_oldest"
	DropNewest OverflowPolicy = "drop_newest"
)

// Options configures the bus.
type Options struct {
	BufferSize     int
	OverflowPolicy OverflowPolicy
}

// DefaultOptions matches the documented defaults.
func DefaultOptions() Options {
	return Options{BufferSize: 1024, OverflowPolicy: DropOldest}
}

// Handler consumes events. Handlers run on the subscriber's own goroutine,
// so the publisher is never blocked by a slow handler.
type Handler interface {
	HandleEvent(evt Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(evt Event)

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(evt Event) { f(evt) }

type subscriber struct {
	name    string
	kinds   map[EventKind]struct{} // empty means all kinds
	ch      chan Event
	handler Handler
	dropped atomic.Int64
	done    chan struct{}
}

func (s *subscriber) wants(kind EventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Bus is the process-wide event hub. It is passed explicitly to every
// component; there is no global instance.
//
// Delivery is at-least-once within the process. Events published from one
// goroutine reach each subscriber in publish order; no ordering holds across
// publishers. Slow subscribers lose events according to the overflow policy
// and the loss is counted, publishers are never blocked.
type Bus struct {
	opts   Options
	logger core.ILogger

	mu   sync.RWMutex
	subs map[string]*subscriber

	// Duplicate suppression for order status events, shared by the stream
	// path and the sync path.
	statusMu   sync.Mutex
	lastStatus map[string]core.OrderStatus

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates a bus with the given options.
func New(opts Options, logger core.ILogger) *Bus {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.OverflowPolicy == "" {
		opts.OverflowPolicy = DropOldest
	}
	return &Bus{
		opts:       opts,
		logger:     logger.WithField("component", "event_bus"),
		subs:       make(map[string]*subscriber),
		lastStatus: make(map[string]core.OrderStatus),
	}
}

// Subscribe registers a handler for the given kinds (all kinds when empty).
// Each subscriber gets its own bounded buffer and consumer goroutine.
func (b *Bus) Subscribe(name string, handler Handler, kinds ...EventKind) {
	kindSet := make(map[EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}

	sub := &subscriber{
		name:    name,
		kinds:   kindSet,
		ch:      make(chan Event, b.opts.BufferSize),
		handler: handler,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if old, ok := b.subs[name]; ok {
		close(old.ch)
	}
	b.subs[name] = sub
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for evt := range sub.ch {
			sub.handler.HandleEvent(evt)
		}
	}()
}

// Unsubscribe removes a subscriber and waits for its consumer to drain.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	sub, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
		<-sub.done
	}
}

// Publish fans an event out to all matching subscribers.
func (b *Bus) Publish(kind EventKind, payload interface{}) {
	evt := Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
	b.published.Add(1)
	if m := telemetry.GetGlobalMetrics(); m.Ready() {
		m.EventsPublishedTotal.Add(context.Background(), 1)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.wants(kind) {
			continue
		}
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *subscriber, evt Event) {
	select {
	case sub.ch <- evt:
		return
	default:
	}

	// Buffer full; apply overflow policy.
	switch b.opts.OverflowPolicy {
	case DropNewest:
		b.countDrop(sub)
	default: // DropOldest
		select {
		case <-sub.ch:
			b.countDrop(sub)
		default:
		}
		select {
		case sub.ch <- evt:
		default:
			b.countDrop(sub)
		}
	}
}

func (b *Bus) countDrop(sub *subscriber) {
	sub.dropped.Add(1)
	b.dropped.Add(1)
	if m := telemetry.GetGlobalMetrics(); m.Ready() {
		m.EventsDroppedTotal.Add(context.Background(), 1)
	}
}

// PublishOrderEvent publishes the status event for an order, suppressing
// duplicates: an event goes out only when the status differs from the last
// one announced for that order id. Both the exchange stream path and the
// sync service must publish through this gate. Returns whether an event was
// emitted.
func (b *Bus) PublishOrderEvent(order *core.Order) bool {
	b.statusMu.Lock()
	last, seen := b.lastStatus[order.ID]
	if seen && last == order.Status {
		b.statusMu.Unlock()
		return false
	}
	b.lastStatus[order.ID] = order.Status
	b.statusMu.Unlock()

	b.Publish(OrderEventKind(order.Status), order.Clone())
	return true
}

// ForgetOrder clears the duplicate-suppression entry for a purged order.
func (b *Bus) ForgetOrder(orderID string) {
	b.statusMu.Lock()
	delete(b.lastStatus, orderID)
	b.statusMu.Unlock()
}

// LastKnownStatus returns the last status announced for an order, if any.
func (b *Bus) LastKnownStatus(orderID string) (core.OrderStatus, bool) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	st, ok := b.lastStatus[orderID]
	return st, ok
}

// Stats reports published and dropped counts plus per-subscriber drops.
func (b *Bus) Stats() (published, dropped int64, perSubscriber map[string]int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	perSubscriber = make(map[string]int64, len(b.subs))
	for name, sub := range b.subs {
		perSubscriber[name] = sub.dropped.Load()
	}
	return b.published.Load(), b.dropped.Load(), perSubscriber
}

// Close shuts down all subscribers, draining their buffers.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
		<-sub.done
	}
}
