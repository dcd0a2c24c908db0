// Package normalize converts source-specific raw events into UnifiedMessage
// values. Everything here is pure: no I/O, no clocks, no shared state.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tghub/tghub/internal/bus"
	"github.com/tghub/tghub/internal/message"
)

// PlaceholderAuthor replaces a missing author name.
const PlaceholderAuthor = "Unknown"

const urgentPrefix = "!urgent"

// ErrMalformed matches every MalformedEventError via errors.Is.
var ErrMalformed = errors.New("malformed event")

// MalformedEventError reports a structurally invalid raw event.
type MalformedEventError struct {
	Source    message.Source
	Transport string
	Reason    string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event (%s): %s", e.Source, e.Transport, e.Reason)
}

func (e *MalformedEventError) Is(target error) bool { return target == ErrMalformed }

func malformed(ev *bus.RawEvent, reason string) error {
	return &MalformedEventError{Source: ev.Source, Transport: ev.Transport, Reason: reason}
}

// Normalize converts ev into a UnifiedMessage or fails with MalformedEventError.
func Normalize(ev *bus.RawEvent) (message.UnifiedMessage, error) {
	if ev == nil {
		return message.UnifiedMessage{}, &MalformedEventError{Reason: "nil event"}
	}
	switch ev.Source {
	case message.SourceBusinessDM, message.SourceGroup:
		return normalizeChat(ev)
	case message.SourceCoursePlatform:
		return normalizeCourse(ev)
	}
	return message.UnifiedMessage{}, malformed(ev, fmt.Sprintf("unknown source %q", ev.Source))
}

func normalizeChat(ev *bus.RawEvent) (message.UnifiedMessage, error) {
	transport := strings.TrimSpace(ev.Transport)
	chatID := strings.TrimSpace(ev.ChatID)
	msgID := strings.TrimSpace(ev.MessageID)
	switch {
	case transport == "":
		return message.UnifiedMessage{}, malformed(ev, "missing transport")
	case chatID == "":
		return message.UnifiedMessage{}, malformed(ev, "missing chat id")
	case msgID == "":
		return message.UnifiedMessage{}, malformed(ev, "missing message id")
	}

	body, urgent := stripUrgent(ev.Text)
	m := message.UnifiedMessage{
		Source:            ev.Source,
		Transport:         transport,
		OriginChatID:      chatID,
		OriginMessageID:   msgID,
		ConnectionID:      strings.TrimSpace(ev.ConnectionID),
		AuthorDisplayName: authorName(ev.SenderName, ev.SenderHandle, ""),
		AuthorHandle:      strings.TrimPrefix(strings.TrimSpace(ev.SenderHandle), "@"),
		ChatTitle:         strings.TrimSpace(ev.ChatTitle),
		Body:              body,
		Attachments:       cloneAttachments(ev.Attachments),
		Urgent:            urgent,
		ReceivedAt:        receivedAt(ev),
		ThreadKey:         message.DirectThreadKey(ev.Source, transport, chatID),
	}
	if !m.HasContent() {
		return message.UnifiedMessage{}, malformed(ev, "no text and no attachments")
	}
	return m, nil
}

func stripUrgent(text string) (string, bool) {
	body := strings.TrimSpace(text)
	if len(body) >= len(urgentPrefix) && strings.EqualFold(body[:len(urgentPrefix)], urgentPrefix) {
		return strings.TrimSpace(body[len(urgentPrefix):]), true
	}
	return body, false
}

func authorName(name, handle, fallback string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	if h := strings.TrimPrefix(strings.TrimSpace(handle), "@"); h != "" {
		return h
	}
	if fallback != "" {
		return fallback
	}
	return PlaceholderAuthor
}

func receivedAt(ev *bus.RawEvent) time.Time {
	if !ev.ReceivedAt.IsZero() {
		return ev.ReceivedAt
	}
	return ev.SentAt
}

func cloneAttachments(in []message.Attachment) []message.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]message.Attachment, len(in))
	copy(out, in)
	return out
}

func digest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])[:16]
}
