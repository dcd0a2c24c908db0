package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tghub/tghub/internal/message"
)

// HubPostRecord is a persisted hub post with the origin it routes to.
type HubPostRecord struct {
	Post   message.HubPost
	Origin message.Origin
	Body   string
}

// AppendHubPost stores a hub post. Posts are immutable; re-appending the same
// hub message id is ignored.
func (s *TimelineService) AppendHubPost(ctx context.Context, rec HubPostRecord) error {
	p, o := rec.Post, rec.Origin
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hub_posts (hub_message_id, thread_key, kind, priority, source, transport,
			origin_chat_id, origin_message_id, connection_id, chat_title, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hub_message_id) DO NOTHING
	`, p.HubMessageID, p.ThreadKey, string(p.Kind), string(p.Priority), string(o.Source), o.Transport,
		o.ChatID, o.MessageID, o.ConnectionID, o.ChatTitle, rec.Body, p.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append hub post: %w", err)
	}
	return nil
}

// ListHubPosts returns posts created at or after since, oldest first.
func (s *TimelineService) ListHubPosts(ctx context.Context, since time.Time) ([]HubPostRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hub_message_id, thread_key, kind, priority, source, transport,
			origin_chat_id, origin_message_id, connection_id, chat_title, body, created_at
		FROM hub_posts WHERE created_at >= ? ORDER BY created_at ASC, hub_message_id ASC
	`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list hub posts: %w", err)
	}
	defer rows.Close()

	var out []HubPostRecord
	for rows.Next() {
		var (
			r               HubPostRecord
			kind, prio, src string
			created         int64
		)
		if err := rows.Scan(&r.Post.HubMessageID, &r.Post.ThreadKey, &kind, &prio, &src, &r.Origin.Transport,
			&r.Origin.ChatID, &r.Origin.MessageID, &r.Origin.ConnectionID, &r.Origin.ChatTitle, &r.Body, &created); err != nil {
			return nil, err
		}
		r.Post.Kind = message.Kind(kind)
		r.Post.Priority = message.Priority(prio)
		r.Post.Source = message.Source(src)
		r.Post.CreatedAt = time.Unix(0, created)
		r.Origin.Source = r.Post.Source
		r.Origin.ThreadKey = r.Post.ThreadKey
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeliveryRecord is the outcome of delivering one operator reply.
type DeliveryRecord struct {
	HubMessageID int64
	Origin       message.Origin
	Status       string
	Attempts     int
	Error        string
	CreatedAt    time.Time
}

// RecordDelivery stores a delivery outcome.
func (s *TimelineService) RecordDelivery(ctx context.Context, d DeliveryRecord) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (hub_message_id, thread_key, source, transport, origin_chat_id, status, attempts, error_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.HubMessageID, d.Origin.ThreadKey, string(d.Origin.Source), d.Origin.Transport, d.Origin.ChatID,
		d.Status, d.Attempts, d.Error, d.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// SaveMute persists a mute.
func (s *TimelineService) SaveMute(chatID string, until time.Time, indefinite bool) error {
	var u int64
	if !until.IsZero() {
		u = until.UnixNano()
	}
	_, err := s.db.Exec(`
		INSERT INTO mutes (chat_id, until, indefinite, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET until = excluded.until, indefinite = excluded.indefinite, updated_at = excluded.updated_at
	`, chatID, u, boolInt(indefinite), time.Now().UnixNano())
	return err
}

// DeleteMute clears a mute.
func (s *TimelineService) DeleteMute(chatID string) error {
	_, err := s.db.Exec(`DELETE FROM mutes WHERE chat_id = ?`, chatID)
	return err
}

// MuteRow is a persisted mute.
type MuteRow struct {
	ChatID     string
	Until      time.Time
	Indefinite bool
}

// ListMutes returns every persisted mute.
func (s *TimelineService) ListMutes() ([]MuteRow, error) {
	rows, err := s.db.Query(`SELECT chat_id, until, indefinite FROM mutes ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MuteRow
	for rows.Next() {
		var (
			r     MuteRow
			until int64
			ind   int
		)
		if err := rows.Scan(&r.ChatID, &until, &ind); err != nil {
			return nil, err
		}
		if until > 0 {
			r.Until = time.Unix(0, until)
		}
		r.Indefinite = ind == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// DraftRecord is the audit row of one generated draft.
type DraftRecord struct {
	DraftID      string
	ThreadKey    string
	HubMessageID int64
	ChunkIDs     []string
	Prompt       string
	Generated    string
	GeneratedAt  time.Time
	Action       string
	Accepted     bool
}

// LogDraft stores a generated draft.
func (s *TimelineService) LogDraft(ctx context.Context, d DraftRecord) error {
	ids, err := json.Marshal(d.ChunkIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drafts (draft_id, thread_key, hub_message_id, chunk_ids, prompt, generated, generated_at, action, accepted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(draft_id) DO UPDATE SET hub_message_id = excluded.hub_message_id
	`, d.DraftID, d.ThreadKey, d.HubMessageID, string(ids), d.Prompt, d.Generated, d.GeneratedAt.UnixNano(), d.Action, boolInt(d.Accepted))
	if err != nil {
		return fmt.Errorf("log draft: %w", err)
	}
	return nil
}

// ResolveDraft records the operator action on a draft.
func (s *TimelineService) ResolveDraft(ctx context.Context, draftID, action string, accepted bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE drafts SET action = ?, accepted = ? WHERE draft_id = ?`, action, boolInt(accepted), draftID)
	if err != nil {
		return fmt.Errorf("resolve draft: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDraft loads a draft audit row.
func (s *TimelineService) GetDraft(ctx context.Context, draftID string) (*DraftRecord, error) {
	var (
		d        DraftRecord
		ids      string
		genAt    int64
		accepted int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT draft_id, thread_key, hub_message_id, chunk_ids, prompt, generated, generated_at, action, accepted
		FROM drafts WHERE draft_id = ?
	`, draftID).Scan(&d.DraftID, &d.ThreadKey, &d.HubMessageID, &ids, &d.Prompt, &d.Generated, &genAt, &d.Action, &accepted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if ids != "" {
		_ = json.Unmarshal([]byte(ids), &d.ChunkIDs)
	}
	d.GeneratedAt = time.Unix(0, genAt)
	d.Accepted = accepted == 1
	return &d, nil
}
