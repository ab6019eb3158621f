package eventstore

import (
	"context"
	"sync"

	"github.com/danvoulez/ledger/pkg/event"
)

// fanout broadcasts newly appended events to live subscribers, matching
// each subscriber's filter independently (spec §4.1 "Notification
// fan-out"). Delivery is at-least-once and ordered per-subscriber: each
// subscriber channel is buffered and written to under the fanout's lock, so
// two events published back to back are always observed in sequence order
// by every subscriber that doesn't buffer-overflow-drop.
type fanout struct {
	mu   sync.Mutex
	subs map[int]*subEntry
	next int
}

type subEntry struct {
	filter SubscriptionFilter
	ch     chan event.Event
}

func newFanout() *fanout {
	return &fanout{subs: make(map[int]*subEntry)}
}

func (f *fanout) subscribe(ctx context.Context, filter SubscriptionFilter) *Subscription {
	f.mu.Lock()
	id := f.next
	f.next++
	ch := make(chan event.Event, 256)
	f.subs[id] = &subEntry{filter: filter, ch: ch}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if e, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(e.ch)
		}
		f.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return &Subscription{Events: ch, cancel: cancel}
}

// publish delivers e to every subscriber whose filter matches. A full
// subscriber channel is skipped rather than blocking the appender — a slow
// consumer can recover lost ground via GetBySequence.
func (f *fanout) publish(e event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if !s.filter.Matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}
