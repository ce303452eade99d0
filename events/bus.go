package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultQueueSize bounds each subscriber's queue. A subscriber that
	// falls further behind loses events rather than stalling the bus.
	defaultQueueSize = 256
	// inboxSize bounds the publish-side queue drained by the dispatch loop.
	inboxSize = 1024
)

// Subscription is one reader attached to the bus. Events arrive on C in
// publish order; the channel is closed when the bus shuts down or the
// subscription is cancelled.
type Subscription struct {
	name    string
	ch      chan Event
	dropped atomic.Uint64
	closed  atomic.Bool
}

// C returns the receive channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Name returns the subscriber name used in overflow diagnostics.
func (s *Subscription) Name() string { return s.name }

// Dropped returns the number of events dropped for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Bus is a single-writer / multi-reader publish-subscribe bus. Publishing is
// non-blocking: events land in a bounded inbox drained by a single dispatch
// goroutine, which fans out to bounded per-subscriber queues. No core lock is
// ever held while an event is delivered.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	inbox  chan Event
	seq    atomic.Uint64
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	// warnLimit throttles overflow warnings so a wedged subscriber cannot
	// flood the log.
	warnLimit *rate.Limiter
	now       func() time.Time
}

// NewBus creates a bus and starts its dispatch goroutine.
func NewBus() *Bus {
	b := &Bus{
		inbox:     make(chan Event, inboxSize),
		done:      make(chan struct{}),
		warnLimit: rate.NewLimiter(rate.Every(time.Second), 5),
		now:       time.Now,
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Subscribe attaches a named subscriber with the default queue size.
func (b *Bus) Subscribe(name string) *Subscription {
	return b.SubscribeBuffered(name, defaultQueueSize)
}

// SubscribeBuffered attaches a named subscriber with an explicit queue size.
func (b *Bus) SubscribeBuffered(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultQueueSize
	}
	sub := &Subscription{name: name, ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	if sub.closed.CompareAndSwap(false, true) {
		close(sub.ch)
	}
}

// Publish enqueues an event, stamping sequence number and timestamp. It never
// blocks the caller: when the inbox is full the event is dropped with a
// warning, which only happens if the dispatch loop itself is wedged.
func (b *Bus) Publish(eventType Type, sourceID string, payload any) {
	if b.closed.Load() {
		return
	}
	e := Event{
		Type:      eventType,
		Seq:       b.seq.Add(1),
		Timestamp: b.now().UTC(),
		SourceID:  sourceID,
		Payload:   payload,
	}
	select {
	case b.inbox <- e:
	default:
		if b.warnLimit.Allow() {
			slog.Warn("bus: inbox full, event dropped", "event_type", eventType, "seq", e.Seq)
		}
	}
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case e := <-b.inbox:
			b.fanOut(e)
		case <-b.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case e := <-b.inbox:
					b.fanOut(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) fanOut(e Event) {
	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			dropped := sub.dropped.Add(1)
			if b.warnLimit.Allow() {
				slog.Warn("bus: subscriber queue full, event dropped",
					"subscriber", sub.name,
					"event_type", e.Type,
					"dropped_total", dropped)
			}
			if e.Type != SubscriberOverflow {
				b.Publish(SubscriberOverflow, "bus", OverflowPayload{
					Subscriber: sub.name,
					Dropped:    dropped,
				})
			}
		}
	}
}

// Close stops the dispatch loop after draining queued events and closes all
// subscriber channels.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	close(b.done)
	b.wg.Wait()
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
}
