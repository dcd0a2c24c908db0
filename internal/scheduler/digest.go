package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/tghub/tghub/internal/timeline"
)

// DigestJobName is the scheduler name of the daily digest.
const DigestJobName = "daily-digest"

// StatsSource supplies the digest numbers.
type StatsSource interface {
	Stats(ctx context.Context, since time.Time) (timeline.Stats, error)
}

// Poster posts into the hub.
type Poster interface {
	Post(ctx context.Context, text string, replyTo int64) (int64, error)
}

// Digest posts an activity summary for the trailing window to the hub.
type Digest struct {
	Stats  StatsSource
	Hub    Poster
	Window time.Duration
}

// Job wraps the digest for the scheduler.
func (d *Digest) Job(cron string) *Job {
	return &Job{Name: DigestJobName, Cron: cron, Run: d.Post}
}

// Post builds and posts the digest for the window ending at tick.
func (d *Digest) Post(ctx context.Context, tick time.Time) error {
	window := d.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	st, err := d.Stats.Stats(ctx, tick.Add(-window))
	if err != nil {
		return fmt.Errorf("digest stats: %w", err)
	}
	if _, err := d.Hub.Post(ctx, st.Format(tick), 0); err != nil {
		return fmt.Errorf("digest post: %w", err)
	}
	return nil
}
