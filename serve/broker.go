package serve

import (
	"sync"
)

const maxSubscribers = 50

// subscription is one SSE client. An empty site receives every event.
type subscription struct {
	site string
}

// EventBroker fans out provisioning events to SSE subscribers.
type EventBroker struct {
	subscribers map[chan BrokerEvent]subscription
	mu          sync.RWMutex
}

// NewEventBroker creates a new broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		subscribers: make(map[chan BrokerEvent]subscription),
	}
}

// Subscribe returns a channel that receives events for site, or for every
// site when site is empty. It returns nil when the broker is full.
// The caller must call Unsubscribe when done.
func (b *EventBroker) Subscribe(site string) chan BrokerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subscribers) >= maxSubscribers {
		return nil
	}

	ch := make(chan BrokerEvent, 64)
	b.subscribers[ch] = subscription{site: site}
	return ch
}

// Unsubscribe removes a subscriber channel.
func (b *EventBroker) Unsubscribe(ch chan BrokerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Close closes all subscriber channels, causing SSE handlers to exit.
func (b *EventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

// Publish sends an event to matching subscribers. A subscriber whose buffer
// is full misses the event.
func (b *EventBroker) Publish(event BrokerEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, sub := range b.subscribers {
		if sub.site != "" && sub.site != event.Site {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}
