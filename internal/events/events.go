// Package events fans match and matchmaking notifications out to subscribers.
// Delivery is at-most-once: slow subscribers miss events rather than block publishers.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"reflex-pvp/internal/models"
)

// ChannelPrefix prefixes every pub/sub channel name
const ChannelPrefix = "matchmaking:"

// Publisher delivers an event; failures are logged, not returned
type Publisher interface {
	Publish(ctx context.Context, event models.Event)
}

// Multi publishes to every publisher in order
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event models.Event) {
	for _, p := range m {
		p.Publish(ctx, event)
	}
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(context.Context, models.Event) {}

// Subscription receives events accepted by its filter
type Subscription struct {
	C      <-chan models.Event
	ch     chan models.Event
	filter func(models.Event) bool
}

// Broadcaster is an in-process publisher with any number of subscribers
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	logger *zap.Logger
}

func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		logger: logger.Named("events"),
	}
}

// Subscribe registers a subscriber. A nil filter accepts everything.
// The returned func unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(buffer int, filter func(models.Event) bool) (*Subscription, func()) {
	ch := make(chan models.Event, buffer)
	sub := &Subscription{C: ch, ch: ch, filter: filter}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Publish(_ context.Context, event models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug("dropping event for slow subscriber", zap.String("kind", event.Kind))
		}
	}
}

// Subscribers returns the current subscriber count
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// ForRecipients accepts events addressed to any of ids
func ForRecipients(ids ...string) func(models.Event) bool {
	return func(event models.Event) bool {
		for _, r := range event.Recipients {
			for _, id := range ids {
				if id != "" && r == id {
					return true
				}
			}
		}
		return false
	}
}
