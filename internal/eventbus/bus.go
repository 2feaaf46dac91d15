package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/compiledkernel-idk/kdl/internal/kdlerr"
	"github.com/google/uuid"
)

// subscriberBuffer bounds the per-subscriber channel. Progress events are
// dropped when full; lifecycle events get a bounded blocking send instead,
// since lifecycle events must never be dropped under ordinary backpressure.
const subscriberBuffer = 64

// lifecyclePublishTimeout bounds how long Publish waits to hand a
// lifecycle event to one slow subscriber before giving up on it. Without
// a bound, a single dead or wedged subscriber with a full buffer would
// stall every future Publish call indefinitely — and with it the whole
// transfer, since the Scheduler calls SegmentDone/FailedEvent
// synchronously. A var rather than a const so tests can shrink it.
var lifecyclePublishTimeout = 2 * time.Second

type subscriber struct {
	ch chan Event
}

// Bus is a single-writer, many-reader broadcaster of transfer lifecycle
// events. The zero value is not usable; construct with New.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
	log  *slog.Logger
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string]*subscriber),
		log:  slog.Default().With("component", "eventbus"),
	}
}

// Subscribe registers a new receiver and returns a channel of events plus
// an unsubscribe function. The returned channel is closed once the
// unsubscribe function runs or the Bus is closed, whichever comes first.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	id := uuid.New().String()
	sub := &subscriber{
		ch: make(chan Event, subscriberBuffer),
	}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, unsub
}

// Publish broadcasts ev to every current subscriber. Progress events use a
// non-blocking send and are silently dropped for a subscriber whose buffer
// is full; every other Kind is a lifecycle transition and gets a blocking
// send bounded by lifecyclePublishTimeout, so a slow subscriber delays
// rather than wedges the publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if isLifecycle(ev.Kind) {
			select {
			case sub.ch <- ev:
			case <-time.After(lifecyclePublishTimeout):
				b.log.Warn("dropped lifecycle event after timeout", "kind", ev.Kind)
			}
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.Debug("dropped progress event", "reason", "subscriber buffer full")
		}
	}
}

// Started publishes a Started event.
func (b *Bus) Started(total int64) {
	b.Publish(Event{Kind: KindStarted, Started: &Started{Total: total}})
}

// PublishProgress publishes a Progress snapshot.
func (b *Bus) PublishProgress(p Progress) {
	b.Publish(Event{Kind: KindProgress, Progress: &p})
}

// SegmentDone publishes a SegmentCompleted event.
func (b *Bus) SegmentDone(start, end int64, source string) {
	b.Publish(Event{
		Kind: KindSegmentCompleted,
		SegmentCompleted: &SegmentCompleted{
			Start:  start,
			End:    end,
			Source: source,
		},
	})
}

// SourceDemotedEvent publishes a SourceDemoted event.
func (b *Bus) SourceDemotedEvent(url, reason string) {
	b.Publish(Event{Kind: KindSourceDemoted, SourceDemoted: &SourceDemoted{URL: url, Reason: reason}})
}

// Done publishes the terminal Completed event.
func (b *Bus) Done(bytes int64) {
	b.Publish(Event{Kind: KindCompleted, Completed: &Completed{Bytes: bytes}})
}

// FailedEvent publishes the terminal Failed event.
func (b *Bus) FailedEvent(kind kdlerr.Kind, message string) {
	b.Publish(Event{Kind: KindFailed, Failed: &Failed{Kind: kind, Message: message}})
}

// Close unsubscribes every current subscriber, closing their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
