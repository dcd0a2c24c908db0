package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tghub/tghub/internal/message"
	"github.com/tghub/tghub/internal/timeline"
)

func TestRegisterValidatesCron(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "s.lock"))
	noop := func(context.Context, time.Time) error { return nil }

	require.NoError(t, s.Register(&Job{Name: "digest", Cron: "0 21 * * *", Run: noop}))
	assert.Error(t, s.Register(&Job{Name: "bad", Cron: "at nine", Run: noop}))
	assert.Error(t, s.Register(&Job{Name: "no-run", Cron: "* * * * *"}))
	assert.Equal(t, []string{"digest"}, s.Jobs())
}

func TestNextTickPicksEarliestJob(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "s.lock"))
	noop := func(context.Context, time.Time) error { return nil }
	require.NoError(t, s.Register(&Job{Name: "evening", Cron: "0 21 * * *", Run: noop}))
	require.NoError(t, s.Register(&Job{Name: "noon", Cron: "0 12 * * *", Run: noop}))

	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	next, ok := s.nextTick(now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), next)

	_, ok = New(filepath.Join(t.TempDir(), "e.lock")).nextTick(now)
	assert.False(t, ok)
}

func TestRunDueOnlyFiresMatchingJobs(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "s.lock"))
	var fired []string
	record := func(name string) func(context.Context, time.Time) error {
		return func(context.Context, time.Time) error {
			fired = append(fired, name)
			return nil
		}
	}
	require.NoError(t, s.Register(&Job{Name: "evening", Cron: "0 21 * * *", Run: record("evening")}))
	require.NoError(t, s.Register(&Job{Name: "midnight", Cron: "0 0 * * *", Run: record("midnight")}))

	n := s.runDue(context.Background(), time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC))
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"evening"}, fired)
}

func TestRunDueSkipsWhileLockHeld(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "s.lock")
	other := NewFileLock(lockPath)
	acquired, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, acquired)

	s := New(lockPath)
	ran := false
	require.NoError(t, s.Register(&Job{Name: "any", Cron: "* * * * *", Run: func(context.Context, time.Time) error {
		ran = true
		return nil
	}}))
	assert.Zero(t, s.runDue(context.Background(), time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)))
	assert.False(t, ran)

	require.NoError(t, other.Unlock())
	assert.Equal(t, 1, s.runDue(context.Background(), time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)))
	assert.True(t, ran)
}

func TestRunFiresAtTick(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "s.lock"))
	now := time.Date(2026, 3, 1, 20, 59, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	var mu sync.Mutex
	var waits []time.Duration
	ticks := make(chan time.Time, 1)
	fire := make(chan time.Time)
	s.after = func(d time.Duration) <-chan time.Time {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return fire
	}
	require.NoError(t, s.Register(&Job{Name: "digest", Cron: "0 21 * * *", Run: func(_ context.Context, tick time.Time) error {
		ticks <- tick
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	fire <- time.Time{}
	select {
	case tick := <-ticks:
		assert.Equal(t, time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC), tick)
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, waits)
	assert.Equal(t, time.Minute, waits[0])
}

type fakeStats struct{ since time.Time }

func (f *fakeStats) Stats(_ context.Context, since time.Time) (timeline.Stats, error) {
	f.since = since
	return timeline.Stats{
		Since: since,
		BySource: map[message.Source]timeline.SourceStats{
			message.SourceCoursePlatform: {Received: 12, Answered: 9},
		},
		DraftsCreated: 4, DraftsAccepted: 3, RepliesSent: 9,
	}, nil
}

type fakePoster struct {
	posts []string
	err   error
}

func (f *fakePoster) Post(_ context.Context, text string, _ int64) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.posts = append(f.posts, text)
	return int64(len(f.posts)), nil
}

func TestDigestPost(t *testing.T) {
	st := &fakeStats{}
	hub := &fakePoster{}
	d := &Digest{Stats: st, Hub: hub, Window: 24 * time.Hour}
	tick := time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)

	require.NoError(t, d.Post(context.Background(), tick))
	assert.Equal(t, tick.Add(-24*time.Hour), st.since)
	require.Len(t, hub.posts, 1)
	assert.True(t, strings.Contains(hub.posts[0], "12 received"), hub.posts[0])

	job := d.Job("0 21 * * *")
	assert.Equal(t, DigestJobName, job.Name)

	hub.err = errors.New("hub down")
	assert.ErrorContains(t, d.Post(context.Background(), tick), "hub down")
}
