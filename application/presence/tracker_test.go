package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"graphcollab/domain/events"
	apperrors "graphcollab/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.ChangeEvent
}

func (p *recordingPublisher) Publish(e events.ChangeEvent) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return 1
}

func (p *recordingPublisher) last() events.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newTestTracker() (*Tracker, *recordingPublisher, *fakeClock) {
	pub := &recordingPublisher{}
	clock := newFakeClock()
	return NewTracker(pub, clock, 30*time.Second, zap.NewNop()), pub, clock
}

func TestFocus_OverwritesPreviousField(t *testing.T) {
	tracker, pub, _ := newTestTracker()
	ctx := context.Background()

	_, err := tracker.Focus(ctx, "e", "u", "s1", "name")
	require.NoError(t, err)
	_, err = tracker.Focus(ctx, "e", "u", "s1", "published")
	require.NoError(t, err)

	claims := tracker.Claims("e")
	require.Len(t, claims, 1)
	assert.Equal(t, "published", claims[0].FieldName)
	assert.Equal(t, 2, pub.count())

	payload := pub.last().Payload.(events.PresencePayload)
	require.Len(t, payload.EditUsers, 1)
	assert.Equal(t, "published", payload.EditUsers[0].FieldName)
	assert.Equal(t, events.PresenceTopic("e"), pub.last().Topic)
}

func TestFocus_RequiresField(t *testing.T) {
	tracker, _, _ := newTestTracker()

	_, err := tracker.Focus(context.Background(), "e", "u", "s1", "")

	assert.True(t, apperrors.IsValidation(err))
}

func TestFocus_TwoUsersSameFieldKeepIndependentClaims(t *testing.T) {
	tracker, pub, _ := newTestTracker()
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, user := range []string{"alice", "bob"} {
		user := user
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.Focus(ctx, "R1", user, "session-"+user, "description")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	claims := tracker.Claims("R1")
	require.Len(t, claims, 2)
	assert.Equal(t, "alice", claims[0].UserID)
	assert.Equal(t, "bob", claims[1].UserID)
	for _, c := range claims {
		assert.Equal(t, "description", c.FieldName)
		assert.Equal(t, "session-"+c.UserID, c.SessionID)
	}
	assert.Equal(t, 2, pub.count())
}

func TestJoin_EntersContextWithoutField(t *testing.T) {
	tracker, pub, clock := newTestTracker()
	ctx := context.Background()

	claim, err := tracker.Join(ctx, "e", "u", "s1")
	require.NoError(t, err)
	assert.Empty(t, claim.FieldName)
	assert.Equal(t, 1, pub.count())
	payload := pub.last().Payload.(events.PresencePayload)
	require.Len(t, payload.EditUsers, 1)
	assert.Equal(t, "u", payload.EditUsers[0].UserID)

	_, _ = tracker.Focus(ctx, "e", "u", "s1", "name")
	clock.Advance(10 * time.Second)
	claim, err = tracker.Join(ctx, "e", "u", "s1")

	require.NoError(t, err)
	assert.Equal(t, "name", claim.FieldName, "joining keeps the focused field")
	assert.Equal(t, clock.Now().Add(30*time.Second), claim.ExpiresAt)
	assert.Equal(t, 2, pub.count())

	_, err = tracker.Join(ctx, "", "u", "s1")
	assert.True(t, apperrors.IsValidation(err))
}

func TestBlur_PublishesEmptyFocus(t *testing.T) {
	tracker, pub, _ := newTestTracker()
	ctx := context.Background()
	_, _ = tracker.Focus(ctx, "e", "u", "s1", "name")

	had := tracker.Blur(ctx, "e", "u")

	assert.True(t, had)
	assert.Empty(t, tracker.Claims("e"))
	payload := pub.last().Payload.(events.PresencePayload)
	assert.Empty(t, payload.EditUsers)
	assert.False(t, tracker.Blur(ctx, "e", "u"))
	assert.Equal(t, 2, pub.count())
}

func TestReleaseSession_ClearsOnlyThatSession(t *testing.T) {
	tracker, _, _ := newTestTracker()
	ctx := context.Background()
	_, _ = tracker.Focus(ctx, "e1", "u", "s1", "name")
	_, _ = tracker.Focus(ctx, "e2", "u", "s1", "description")
	_, _ = tracker.Focus(ctx, "e1", "v", "s2", "name")

	released := tracker.ReleaseSession(ctx, "s1")

	assert.Equal(t, 2, released)
	assert.Empty(t, tracker.Claims("e2"))
	claims := tracker.Claims("e1")
	require.Len(t, claims, 1)
	assert.Equal(t, "v", claims[0].UserID)
	assert.Equal(t, 1, tracker.ClaimCount())
}

func TestSweep_ExpiresStaleClaimsWithinHorizon(t *testing.T) {
	tracker, pub, clock := newTestTracker()
	ctx := context.Background()
	_, _ = tracker.Focus(ctx, "e", "gone", "s1", "name")
	_, _ = tracker.Focus(ctx, "e", "alive", "s2", "name")

	clock.Advance(20 * time.Second)
	assert.Equal(t, 1, tracker.TouchSession("s2"))
	clock.Advance(10 * time.Second)
	expired := tracker.Sweep(clock.Now())

	assert.Equal(t, 1, expired)
	claims := tracker.Claims("e")
	require.Len(t, claims, 1)
	assert.Equal(t, "alive", claims[0].UserID)
	assert.Equal(t, 3, pub.count())
}

func TestRefresh_ExtendsExpiry(t *testing.T) {
	tracker, _, clock := newTestTracker()
	_, _ = tracker.Focus(context.Background(), "e", "u", "s1", "name")

	clock.Advance(25 * time.Second)
	assert.True(t, tracker.Refresh("e", "u"))
	clock.Advance(25 * time.Second)

	assert.Equal(t, 0, tracker.Sweep(clock.Now()))
	assert.False(t, tracker.Refresh("e", "other"))
}

func TestSetTTL(t *testing.T) {
	tracker, _, clock := newTestTracker()
	tracker.SetTTL(time.Second)

	claim, err := tracker.Focus(context.Background(), "e", "u", "s1", "name")

	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Second), claim.ExpiresAt)
	tracker.SetTTL(0)
	assert.Equal(t, DefaultTTL, tracker.TTL())
}

func TestRun_StopsWithContext(t *testing.T) {
	tracker, _, _ := newTestTracker()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		tracker.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
