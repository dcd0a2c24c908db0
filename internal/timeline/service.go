// Package timeline is the SQLite-backed store for raw messages, hub posts,
// mutes, drafts, deliveries and statistics.
package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tghub/tghub/internal/message"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("timeline: not found")

// Message statuses.
const (
	StatusRouted     = "routed"
	StatusSuppressed = "suppressed"
	StatusUnrouted   = "unrouted"
)

// Delivery statuses.
const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

type TimelineService struct {
	db *sql.DB
}

// NewTimelineService opens (or creates) the database at dbPath.
func NewTimelineService(dbPath string) (*TimelineService, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}
	svc, err := NewWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return svc, nil
}

// NewWithDB applies the schema to an already opened database.
func NewWithDB(db *sql.DB) (*TimelineService, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &TimelineService{db: db}, nil
}

func (s *TimelineService) DB() *sql.DB { return s.db }

func (s *TimelineService) Close() error {
	return s.db.Close()
}

// GetSetting returns a setting value by key.
func (s *TimelineService) GetSetting(key string) (string, error) {
	var val string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetSetting persists a setting value.
func (s *TimelineService) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	return err
}

// AppendMessage stores an inbound message with its routing status. A message
// already stored under the same origin key keeps its first row.
func (s *TimelineService) AppendMessage(ctx context.Context, m message.UnifiedMessage, status, reason string) error {
	attachments, err := marshalOrEmpty(m.Attachments)
	if err != nil {
		return err
	}
	meta, err := marshalOrEmpty(m.Meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (source, transport, origin_chat_id, origin_message_id, connection_id, thread_key,
			author, author_handle, chat_title, body, attachments, meta, urgent, status, reason, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, origin_chat_id, origin_message_id) DO NOTHING
	`, string(m.Source), m.Transport, m.OriginChatID, m.OriginMessageID, m.ConnectionID, m.ThreadKey,
		m.AuthorDisplayName, m.AuthorHandle, m.ChatTitle, m.Body, attachments, meta, boolInt(m.Urgent),
		status, reason, m.ReceivedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ThreadEntry is one row of a thread's history: an inbound message or an
// operator reply.
type ThreadEntry struct {
	Kind message.Kind
	message.UnifiedMessage
}

// RecentMessages returns up to n entries of a thread, oldest first. Operator
// replies recorded as hub posts carry KindOperatorReply and the author
// "operator".
func (s *TimelineService) RecentMessages(ctx context.Context, threadKey string, n int) ([]ThreadEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, source, transport, origin_chat_id, origin_message_id, author, body, ts FROM (
			SELECT ? AS kind, source, transport, origin_chat_id, origin_message_id, author, body, received_at AS ts
			FROM messages WHERE thread_key = ?
			UNION ALL
			SELECT kind, source, transport, origin_chat_id, CAST(hub_message_id AS TEXT), 'operator', body, created_at AS ts
			FROM hub_posts WHERE thread_key = ? AND kind = ?
		) ORDER BY ts DESC LIMIT ?
	`, string(message.KindInbound), threadKey, threadKey, string(message.KindOperatorReply), n)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []ThreadEntry
	for rows.Next() {
		var (
			e         ThreadEntry
			kind, src string
			ts        int64
		)
		if err := rows.Scan(&kind, &src, &e.Transport, &e.OriginChatID, &e.OriginMessageID, &e.AuthorDisplayName, &e.Body, &ts); err != nil {
			return nil, err
		}
		e.Kind = message.Kind(kind)
		e.Source = message.Source(src)
		e.ThreadKey = threadKey
		e.ReceivedAt = time.Unix(0, ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func marshalOrEmpty(v any) (string, error) {
	switch x := v.(type) {
	case []message.Attachment:
		if len(x) == 0 {
			return "", nil
		}
	case map[string]string:
		if len(x) == 0 {
			return "", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
