package debounce

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "graphcollab/pkg/errors"
)

type commitLog struct {
	mu      sync.Mutex
	commits []PendingEdit
	at      []time.Time
	fail    error
	delay   time.Duration
}

func (l *commitLog) commit(ctx context.Context, edit PendingEdit) error {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commits = append(l.commits, edit)
	l.at = append(l.at, time.Now())
	return l.fail
}

func (l *commitLog) snapshot() []PendingEdit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]PendingEdit(nil), l.commits...)
}

type sinkLog struct {
	mu    sync.Mutex
	edits []PendingEdit
	errs  []error
}

func (s *sinkLog) sink(edit PendingEdit, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, edit)
	s.errs = append(s.errs, err)
}

func (s *sinkLog) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.edits)
}

func TestSubmit_CoalescesToLatestAfterQuiescence(t *testing.T) {
	// Arrange
	log := &commitLog{}
	d := New(context.Background(), 500*time.Millisecond, log.commit, zap.NewNop())
	defer d.Close()
	start := time.Now()

	// Act
	require.NoError(t, d.Submit("R1", "description", "v1"))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, d.Submit("R1", "description", "v2"))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, d.Submit("R1", "description", "v3"))

	// Assert
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	commits := log.snapshot()
	require.Len(t, commits, 1)
	assert.Equal(t, "v3", commits[0].Value)
	log.mu.Lock()
	elapsed := log.at[0].Sub(start)
	log.mu.Unlock()
	assert.GreaterOrEqual(t, elapsed, 700*time.Millisecond)
	assert.Equal(t, 0, d.Pending())
}

func TestSubmit_DifferentKeysCommitIndependently(t *testing.T) {
	log := &commitLog{}
	d := New(context.Background(), 20*time.Millisecond, log.commit, zap.NewNop())
	defer d.Close()

	require.NoError(t, d.Submit("R1", "description", "a"))
	require.NoError(t, d.Submit("R1", "confidence", 80))
	require.NoError(t, d.Submit("R2", "description", "b"))

	require.Eventually(t, func() bool { return len(log.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestSubmit_InvalidValueRejectedAndNeverScheduled(t *testing.T) {
	log := &commitLog{}
	d := New(context.Background(), 30*time.Millisecond, log.commit, zap.NewNop())
	defer d.Close()

	require.NoError(t, d.Submit("R1", "published", "2024-01-01T00:00:00Z"))
	err := d.Submit("R1", "published", "not a date")
	assert.True(t, apperrors.IsValidation(err))
	err = d.Submit("R1", "name", "")
	assert.True(t, apperrors.IsValidation(err))

	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "2024-01-01T00:00:00Z", log.snapshot()[0].Value)
}

func TestSubmit_SameKeyCommitsAreMonotonic(t *testing.T) {
	// Arrange: slow commits so a newer window expires while an older commit runs
	log := &commitLog{delay: 40 * time.Millisecond}
	d := New(context.Background(), 10*time.Millisecond, log.commit, zap.NewNop())
	defer d.Close()

	// Act
	for i := 1; i <= 5; i++ {
		require.NoError(t, d.Submit("R1", "description", i))
		time.Sleep(15 * time.Millisecond)
	}

	// Assert
	require.Eventually(t, func() bool { return d.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	commits := log.snapshot()
	require.NotEmpty(t, commits)
	for i := 1; i < len(commits); i++ {
		assert.Greater(t, commits[i].Value.(int), commits[i-1].Value.(int))
	}
	assert.Equal(t, 5, commits[len(commits)-1].Value)
}

func TestCommitFailure_ReportsAndReleasesSlot(t *testing.T) {
	log := &commitLog{fail: apperrors.NewTransientStoreError("patchAttribute", stderrors.New("io"))}
	sink := &sinkLog{}
	d := New(context.Background(), 10*time.Millisecond, log.commit, zap.NewNop(), WithErrorSink(sink.sink))
	defer d.Close()

	require.NoError(t, d.Submit("R1", "description", "x"))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "x", sink.edits[0].Value)
	assert.True(t, apperrors.IsTransient(sink.errs[0]))
	assert.Equal(t, 0, d.Pending())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, log.snapshot(), 1, "no automatic retry")
}

func TestFlush_CommitsPendingImmediately(t *testing.T) {
	log := &commitLog{}
	d := New(context.Background(), time.Hour, log.commit, zap.NewNop())
	defer d.Close()

	require.NoError(t, d.Submit("R1", "description", "x"))
	require.NoError(t, d.Submit("R1", "name", "Report"))
	assert.Equal(t, 2, d.Pending())

	err := d.Flush(context.Background())

	require.NoError(t, err)
	assert.Len(t, log.snapshot(), 2)
	assert.Equal(t, 0, d.Pending())
}

func TestClose_DiscardsPendingAndStopsTimers(t *testing.T) {
	// Arrange
	log := &commitLog{}
	sink := &sinkLog{}
	d := New(context.Background(), 30*time.Millisecond, log.commit, zap.NewNop(),
		WithErrorSink(sink.sink), WithSessionID("s1"))
	require.NoError(t, d.Submit("R1", "description", "x"))

	// Act
	discarded := d.Close()
	time.Sleep(80 * time.Millisecond)

	// Assert
	assert.Equal(t, 1, discarded)
	assert.Empty(t, log.snapshot(), "no timer fires after close")
	require.Equal(t, 1, sink.count())
	assert.True(t, apperrors.IsSessionClosed(sink.errs[0]))
	assert.True(t, apperrors.IsSessionClosed(d.Submit("R1", "description", "y")))
	assert.Equal(t, 0, d.Close())
	assert.True(t, d.Closed())
}
