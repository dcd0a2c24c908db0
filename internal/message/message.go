// Package message defines the canonical message model shared by the hub router,
// the draft engine and the storage layer.
package message

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Source identifies which kind of inbound path produced a message.
type Source string

const (
	SourceBusinessDM     Source = "business-dm"
	SourceGroup          Source = "group"
	SourceCoursePlatform Source = "course-platform"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceBusinessDM, SourceGroup, SourceCoursePlatform:
		return true
	}
	return false
}

// Priority decorates hub posts. It never affects admission.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityUrgent Priority = "urgent"
)

// Kind is the role of a hub post.
type Kind string

const (
	KindInbound       Kind = "inbound"
	KindDraft         Kind = "draft"
	KindOperatorReply Kind = "operator-reply"
)

// Transport names used to resolve the adapter that delivers replies.
const (
	TransportTelegram = "telegram"
	TransportSlack    = "slack"
	TransportWhatsApp = "whatsapp"
	TransportWebhook  = "webhook"
)

// Attachment is a reference to non-text content carried by a message.
type Attachment struct {
	Kind string `json:"kind"` // photo, document, voice, video, file
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// UnifiedMessage is the canonical form of any inbound event. Values are
// treated as immutable once produced by the normalizer.
type UnifiedMessage struct {
	Source          Source `json:"source"`
	Transport       string `json:"transport"`
	OriginChatID    string `json:"origin_chat_id"`
	OriginMessageID string `json:"origin_message_id"`
	// ConnectionID is the transport-level connection replies must go through
	// (Telegram Business connection id). Empty for most transports.
	ConnectionID      string            `json:"connection_id,omitempty"`
	AuthorDisplayName string            `json:"author_display_name"`
	AuthorHandle      string            `json:"author_handle,omitempty"`
	ChatTitle         string            `json:"chat_title,omitempty"`
	Body              string            `json:"body"`
	Attachments       []Attachment      `json:"attachments,omitempty"`
	Urgent            bool              `json:"urgent,omitempty"`
	Meta              map[string]string `json:"meta,omitempty"`
	// ReceivedAt carries both wall clock and the monotonic reading taken at receipt.
	ReceivedAt time.Time `json:"received_at"`
	ThreadKey  string    `json:"thread_key"`
}

// Well-known Meta keys.
const (
	MetaEmail     = "email"
	MetaCourse    = "course"
	MetaLesson    = "lesson"
	MetaEventType = "event_type"
	MetaPhone     = "phone"
	MetaOrderID   = "order_id"
)

// Key returns the dedup key (source, origin chat, origin message).
func (m UnifiedMessage) Key() string {
	return OriginKey(m.Source, m.OriginChatID, m.OriginMessageID)
}

// Origin returns the reply destination recorded for this message.
func (m UnifiedMessage) Origin() Origin {
	return Origin{
		Source:       m.Source,
		Transport:    m.Transport,
		ChatID:       m.OriginChatID,
		MessageID:    m.OriginMessageID,
		ConnectionID: m.ConnectionID,
		ThreadKey:    m.ThreadKey,
		ChatTitle:    m.ChatTitle,
	}
}

// HasContent reports whether the message carries a body or an attachment.
func (m UnifiedMessage) HasContent() bool {
	return strings.TrimSpace(m.Body) != "" || len(m.Attachments) > 0
}

// Origin is the immutable delivery destination of a hub post.
type Origin struct {
	Source       Source `json:"source"`
	Transport    string `json:"transport"`
	ChatID       string `json:"chat_id"`
	MessageID    string `json:"message_id"`
	ConnectionID string `json:"connection_id,omitempty"`
	ThreadKey    string `json:"thread_key"`
	ChatTitle    string `json:"chat_title,omitempty"`
}

// Label is a short human description of the origin chat.
func (o Origin) Label() string {
	if o.ChatTitle != "" {
		return o.ChatTitle
	}
	return o.ChatID
}

// HubPost is one message in the hub channel, created for exactly one
// UnifiedMessage, one draft or one operator reply.
type HubPost struct {
	HubMessageID int64     `json:"hub_message_id"`
	ThreadKey    string    `json:"thread_key"`
	Source       Source    `json:"source"`
	Priority     Priority  `json:"priority"`
	Kind         Kind      `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
}

// OriginKey joins the dedup triple into one string key.
func OriginKey(src Source, chatID, messageID string) string {
	return string(src) + "|" + chatID + "|" + messageID
}

// DirectThreadKey is the thread key of a direct or group chat.
func DirectThreadKey(src Source, transport, chatID string) string {
	prefix := "dm"
	if src == SourceGroup {
		prefix = "group"
	}
	return fmt.Sprintf("%s:%s:%s", prefix, transport, chatID)
}

// CourseThreadKey groups all events of one student in one course.
func CourseThreadKey(email, course string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email)) + "\x00" + strings.TrimSpace(course)))
	return "course:" + hex.EncodeToString(sum[:])[:16]
}

// CourseChatID is the origin chat id of a course-platform conversation.
func CourseChatID(email, course string) string {
	return strings.ToLower(strings.TrimSpace(email)) + "/" + strings.TrimSpace(course)
}

// SplitCourseChatID reverses CourseChatID.
func SplitCourseChatID(chatID string) (email, course string) {
	email, course, _ = strings.Cut(chatID, "/")
	return email, course
}
