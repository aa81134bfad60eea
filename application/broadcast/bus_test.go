package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"graphcollab/domain/events"
	apperrors "graphcollab/pkg/errors"
)

func editEvent(entityID, origin string) events.ChangeEvent {
	return events.NewChangeEvent(events.EditTopic(entityID), origin, map[string]string{"id": entityID})
}

func receive(t *testing.T, sub *Subscription) (events.ChangeEvent, bool) {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		return e, ok
	case <-time.After(100 * time.Millisecond):
		return events.ChangeEvent{}, false
	}
}

func TestSubscribe_CountsAndCancel(t *testing.T) {
	bus := NewBus(4, zap.NewNop())
	topic := events.EditTopic("R1")

	sub1 := bus.Subscribe(nil, topic, events.PresenceTopic("R1"))
	sub2 := bus.Subscribe(nil, topic)

	assert.Equal(t, 2, bus.SubscriberCount(topic))
	assert.Equal(t, 2, bus.TotalSubscriberCount())
	assert.Equal(t, 2, bus.TopicCount())

	sub1.Cancel()
	sub1.Cancel()

	assert.Equal(t, 1, bus.SubscriberCount(topic))
	assert.Equal(t, 0, bus.SubscriberCount(events.PresenceTopic("R1")))
	assert.True(t, sub1.Canceled())

	sub2.Cancel()
	assert.Equal(t, 0, bus.TotalSubscriberCount())
	assert.Equal(t, 0, bus.TopicCount())
}

func TestPublish_ExcludesOwnEcho(t *testing.T) {
	bus := NewBus(4, zap.NewNop())
	author := bus.Subscribe(ExcludeOrigin("alice"), events.EditTopic("R1"))
	viewer := bus.Subscribe(ExcludeOrigin("bob"), events.EditTopic("R1"))
	defer author.Cancel()
	defer viewer.Cancel()

	delivered := bus.Publish(editEvent("R1", "alice"))

	assert.Equal(t, 1, delivered)
	got, ok := receive(t, viewer)
	require.True(t, ok)
	assert.Equal(t, "alice", got.OriginUserID)
	_, ok = receive(t, author)
	assert.False(t, ok)
}

func TestPublish_CancelledReceivesNothing(t *testing.T) {
	bus := NewBus(4, zap.NewNop())
	sub := bus.Subscribe(nil, events.EditTopic("R1"))

	sub.Cancel()
	delivered := bus.Publish(editEvent("R1", "alice"))

	assert.Equal(t, 0, delivered)
	_, open := <-sub.Events()
	assert.False(t, open, "channel is closed after cancel")
}

func TestPublish_OnlyMatchingTopic(t *testing.T) {
	bus := NewBus(4, zap.NewNop())
	sub := bus.Subscribe(nil, events.EditTopic("R1"))
	defer sub.Cancel()

	bus.Publish(editEvent("R2", "alice"))
	bus.Publish(events.NewChangeEvent(events.PresenceTopic("R1"), "alice", events.PresencePayload{EntityID: "R1"}))

	_, ok := receive(t, sub)
	assert.False(t, ok)
}

func TestPublish_EmptyPayloadNeverDelivered(t *testing.T) {
	bus := NewBus(4, zap.NewNop())
	sub := bus.Subscribe(nil, events.EditTopic("R1"))
	defer sub.Cancel()

	delivered := bus.Publish(events.NewChangeEvent(events.EditTopic("R1"), "alice", nil))

	assert.Equal(t, 0, delivered)
}

type countingRecorder struct {
	mu        sync.Mutex
	published int
	dropped   int
}

func (r *countingRecorder) EventPublished(string) { r.mu.Lock(); r.published++; r.mu.Unlock() }
func (r *countingRecorder) EventDropped(string)   { r.mu.Lock(); r.dropped++; r.mu.Unlock() }

func TestPublish_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	// Arrange
	bus := NewBus(1, zap.NewNop())
	recorder := &countingRecorder{}
	bus.SetRecorder(recorder)
	slow := bus.Subscribe(nil, events.EditTopic("R1"))
	defer slow.Cancel()

	// Act
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(editEvent("R1", "alice"))
		}
		close(done)
	}()

	// Assert
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	assert.True(t, apperrors.IsSubscriptionLost(slow.Err()))
	assert.Equal(t, 10, recorder.published)
	assert.Equal(t, 9, recorder.dropped)

	slow.ResetLost()
	assert.NoError(t, slow.Err())
}

func TestPublish_ConcurrentCancel(t *testing.T) {
	bus := NewBus(8, zap.NewNop())
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		sub := bus.Subscribe(nil, events.EditTopic("R1"))
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Publish(editEvent("R1", "alice"))
		}()
		go func() {
			defer wg.Done()
			sub.Cancel()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, bus.TotalSubscriberCount())
}
