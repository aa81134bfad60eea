// Package broadcast is the in-process publish/subscribe bus that fans change
// and presence events out to connected sessions. Delivery is best effort and
// at most once; a slow subscriber loses events instead of slowing the
// publisher, and is told to re-fetch.
package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"graphcollab/domain/events"
	apperrors "graphcollab/pkg/errors"
)

// DefaultBufferSize is the per-subscriber queue length
const DefaultBufferSize = 64

// Filter decides whether a subscriber receives an event
type Filter func(events.ChangeEvent) bool

// ExcludeOrigin rejects events that the given user caused
func ExcludeOrigin(userID string) Filter {
	return func(e events.ChangeEvent) bool {
		return e.OriginUserID != userID
	}
}

// Recorder receives bus counters; pkg/observability implements it
type Recorder interface {
	EventPublished(kind string)
	EventDropped(kind string)
}

type nopRecorder struct{}

func (nopRecorder) EventPublished(string) {}
func (nopRecorder) EventDropped(string)   {}

// Bus routes events to subscribers by topic
type Bus struct {
	mu          sync.RWMutex
	subscribers map[events.Topic]map[*Subscription]struct{}
	bufferSize  int
	recorder    Recorder
	logger      *zap.Logger
}

// NewBus creates a bus with the given per-subscriber buffer size
func NewBus(bufferSize int, logger *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subscribers: make(map[events.Topic]map[*Subscription]struct{}),
		bufferSize:  bufferSize,
		recorder:    nopRecorder{},
		logger:      logger,
	}
}

// SetRecorder installs a metrics recorder
func (b *Bus) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	b.mu.Lock()
	b.recorder = r
	b.mu.Unlock()
}

// Subscribe registers interest in one or more topics. A nil filter accepts
// everything. The returned subscription must be cancelled by its owner.
func (b *Bus) Subscribe(filter Filter, topics ...events.Topic) *Subscription {
	sub := &Subscription{
		bus:    b,
		topics: topics,
		filter: filter,
		ch:     make(chan events.ChangeEvent, b.bufferSize),
	}

	b.mu.Lock()
	for _, topic := range topics {
		set, ok := b.subscribers[topic]
		if !ok {
			set = make(map[*Subscription]struct{})
			b.subscribers[topic] = set
		}
		set[sub] = struct{}{}
	}
	b.mu.Unlock()

	b.logger.Debug("Subscriber registered", zap.Int("topics", len(topics)))
	return sub
}

// Publish delivers the event to every matching subscriber without blocking.
// Events without a payload are never delivered. Returns the number of
// subscribers that received it.
func (b *Bus) Publish(event events.ChangeEvent) int {
	if event.Payload == nil {
		return 0
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	kind := string(event.Topic.Kind)
	b.recorder.EventPublished(kind)

	delivered := 0
	for sub := range b.subscribers[event.Topic] {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			sub.markLost(event.Topic)
			b.recorder.EventDropped(kind)
			b.logger.Warn("Subscriber buffer full, event dropped",
				zap.String("topic", event.Topic.String()),
				zap.String("originUserID", event.OriginUserID),
			)
		}
	}
	return delivered
}

// SubscriberCount returns the number of subscribers on a topic
func (b *Bus) SubscriberCount(topic events.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// TotalSubscriberCount returns the number of distinct live subscriptions
func (b *Bus) TotalSubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[*Subscription]struct{})
	for _, set := range b.subscribers {
		for sub := range set {
			seen[sub] = struct{}{}
		}
	}
	return len(seen)
}

// TopicCount returns the number of topics with at least one subscriber
func (b *Bus) TopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, topic := range sub.topics {
		set := b.subscribers[topic]
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subscribers, topic)
		}
	}
	// Publish holds the read lock while sending, so closing here is safe.
	close(sub.ch)
}

// Subscription is a scoped handle on the bus
type Subscription struct {
	bus    *Bus
	topics []events.Topic
	filter Filter
	ch     chan events.ChangeEvent

	once     sync.Once
	mu       sync.Mutex
	lost     bool
	lostOn   events.Topic
	canceled bool
}

// Events returns the delivery channel; it is closed on Cancel
func (s *Subscription) Events() <-chan events.ChangeEvent {
	return s.ch
}

// Topics returns the topics this subscription listens on
func (s *Subscription) Topics() []events.Topic {
	return s.topics
}

// Cancel unregisters the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.canceled = true
		s.mu.Unlock()
		s.bus.remove(s)
	})
}

// Canceled reports whether Cancel has been called
func (s *Subscription) Canceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// Err returns a SubscriptionLost error once any event was dropped
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lost {
		return nil
	}
	return apperrors.NewSubscriptionLostError(s.lostOn.String())
}

// ResetLost clears the lost flag after the owner re-fetched state
func (s *Subscription) ResetLost() {
	s.mu.Lock()
	s.lost = false
	s.mu.Unlock()
}

func (s *Subscription) markLost(topic events.Topic) {
	s.mu.Lock()
	if !s.lost {
		s.lost = true
		s.lostOn = topic
	}
	s.mu.Unlock()
}
