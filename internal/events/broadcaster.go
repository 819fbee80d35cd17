package events

import (
	"sync"
	"sync/atomic"
)

// subscriberBuffer is how many events a slow subscriber may lag behind
// before further events are dropped for it.
const subscriberBuffer = 64

// Subscriber receives live events. The channel is closed on Unsubscribe and
// on CloseAllSubscribers.
type Subscriber chan Event

type fanout struct {
	mu      sync.RWMutex
	subs    map[Subscriber]struct{}
	dropped atomic.Int64
}

var live = &fanout{subs: make(map[Subscriber]struct{})}

// Subscribe registers a new live subscriber.
func Subscribe() Subscriber {
	ch := make(Subscriber, subscriberBuffer)
	live.mu.Lock()
	live.subs[ch] = struct{}{}
	live.mu.Unlock()
	return ch
}

// Unsubscribe removes sub and closes it. Unknown or already removed
// subscribers are ignored.
func Unsubscribe(sub Subscriber) {
	live.mu.Lock()
	defer live.mu.Unlock()
	if _, ok := live.subs[sub]; ok {
		delete(live.subs, sub)
		close(sub)
	}
}

// CloseAllSubscribers closes and forgets every subscriber.
func CloseAllSubscribers() {
	live.mu.Lock()
	defer live.mu.Unlock()
	for sub := range live.subs {
		close(sub)
	}
	live.subs = make(map[Subscriber]struct{})
}

// broadcast never blocks the emitter: a subscriber with a full buffer
// misses the event and the drop is counted.
func broadcast(e Event) {
	live.mu.RLock()
	defer live.mu.RUnlock()
	for sub := range live.subs {
		select {
		case sub <- e:
		default:
			live.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func SubscriberCount() int {
	live.mu.RLock()
	defer live.mu.RUnlock()
	return len(live.subs)
}

// DroppedCount returns how many deliveries were skipped because a
// subscriber was full.
func DroppedCount() int64 {
	return live.dropped.Load()
}

// RecentEvents returns up to the last n buffered events, oldest first.
// n <= 0 returns everything buffered.
func RecentEvents(n int) []Event {
	return buffer.Last(n)
}
