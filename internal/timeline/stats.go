package timeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tghub/tghub/internal/message"
)

// SourceStats counts one source's traffic in a window.
type SourceStats struct {
	Received   int `json:"received"`
	Suppressed int `json:"suppressed"`
	Answered   int `json:"answered"` // distinct threads with an operator reply
}

// Stats summarizes activity since a point in time.
type Stats struct {
	Since          time.Time                      `json:"since"`
	BySource       map[message.Source]SourceStats `json:"by_source"`
	DraftsCreated  int                            `json:"drafts_created"`
	DraftsAccepted int                            `json:"drafts_accepted"`
	RepliesSent    int                            `json:"replies_sent"`
	RepliesFailed  int                            `json:"replies_failed"`
}

// Totals sums the per-source counters.
func (s Stats) Totals() SourceStats {
	var t SourceStats
	for _, v := range s.BySource {
		t.Received += v.Received
		t.Suppressed += v.Suppressed
		t.Answered += v.Answered
	}
	return t
}

// Stats returns counts by source and answered threads for the window [since, now].
func (s *TimelineService) Stats(ctx context.Context, since time.Time) (Stats, error) {
	st := Stats{Since: since, BySource: make(map[message.Source]SourceStats)}
	from := since.UnixNano()

	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*), SUM(CASE WHEN status = ? THEN 1 ELSE 0 END)
		FROM messages WHERE received_at >= ? GROUP BY source
	`, StatusSuppressed, from)
	if err != nil {
		return st, fmt.Errorf("stats messages: %w", err)
	}
	for rows.Next() {
		var (
			src             string
			total, suppress int
		)
		if err := rows.Scan(&src, &total, &suppress); err != nil {
			rows.Close()
			return st, err
		}
		ss := st.BySource[message.Source(src)]
		ss.Received, ss.Suppressed = total, suppress
		st.BySource[message.Source(src)] = ss
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT source, COUNT(DISTINCT thread_key) FROM hub_posts
		WHERE kind = ? AND created_at >= ? GROUP BY source
	`, string(message.KindOperatorReply), from)
	if err != nil {
		return st, fmt.Errorf("stats answered: %w", err)
	}
	for rows.Next() {
		var (
			src string
			n   int
		)
		if err := rows.Scan(&src, &n); err != nil {
			rows.Close()
			return st, err
		}
		ss := st.BySource[message.Source(src)]
		ss.Answered = n
		st.BySource[message.Source(src)] = ss
	}
	rows.Close()

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(accepted), 0) FROM drafts WHERE generated_at >= ?
	`, from).Scan(&st.DraftsCreated, &st.DraftsAccepted)
	if err != nil {
		return st, fmt.Errorf("stats drafts: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM deliveries WHERE created_at >= ?
	`, DeliverySent, DeliveryFailed, from).Scan(&st.RepliesSent, &st.RepliesFailed)
	if err != nil {
		return st, fmt.Errorf("stats deliveries: %w", err)
	}
	return st, nil
}

// Format renders s as an HTML summary for the hub.
func (s Stats) Format(now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Activity since %s</b> (%s)\n", s.Since.Format("02.01 15:04"), humanize.RelTime(s.Since, now, "ago", "from now"))

	sources := make([]string, 0, len(s.BySource))
	for src := range s.BySource {
		sources = append(sources, string(src))
	}
	sort.Strings(sources)
	for _, src := range sources {
		v := s.BySource[message.Source(src)]
		fmt.Fprintf(&b, "• %s: %s received, %s suppressed, %s answered\n",
			src, humanize.Comma(int64(v.Received)), humanize.Comma(int64(v.Suppressed)), humanize.Comma(int64(v.Answered)))
	}
	t := s.Totals()
	fmt.Fprintf(&b, "<b>Total:</b> %s received, %s answered\n", humanize.Comma(int64(t.Received)), humanize.Comma(int64(t.Answered)))
	fmt.Fprintf(&b, "🤖 Drafts: %d created, %d accepted", s.DraftsCreated, s.DraftsAccepted)
	if s.DraftsCreated > 0 {
		fmt.Fprintf(&b, " (%s%%)", humanize.FtoaWithDigits(100*float64(s.DraftsAccepted)/float64(s.DraftsCreated), 1))
	}
	fmt.Fprintf(&b, "\n✉️ Replies: %d sent, %d failed", s.RepliesSent, s.RepliesFailed)
	return b.String()
}
