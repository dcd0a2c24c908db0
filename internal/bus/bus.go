// Package bus provides the async queues between source adapters, the hub
// surface and the router.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/tghub/tghub/internal/message"
)

// RawEvent is the transport-neutral shape every source adapter pushes.
// Fields an adapter cannot fill are left empty; the normalizer decides what
// is required per source.
type RawEvent struct {
	Source       message.Source       `json:"source"`
	Transport    string               `json:"transport"`
	ChatID       string               `json:"chat_id"`
	ChatTitle    string               `json:"chat_title,omitempty"`
	MessageID    string               `json:"message_id"`
	ConnectionID string               `json:"connection_id,omitempty"`
	SenderID     string               `json:"sender_id,omitempty"`
	SenderName   string               `json:"sender_name,omitempty"`
	SenderHandle string               `json:"sender_handle,omitempty"`
	Text         string               `json:"text"`
	Attachments  []message.Attachment `json:"attachments,omitempty"`
	// Payload carries the raw course-platform fields.
	Payload    map[string]string `json:"payload,omitempty"`
	SentAt     time.Time         `json:"sent_at"`
	ReceivedAt time.Time         `json:"received_at"`
}

// OperatorMessage is a message the operator wrote in the hub.
type OperatorMessage struct {
	HubMessageID int64     `json:"hub_message_id"`
	ReplyTo      int64     `json:"reply_to,omitempty"` // 0 when not a reply
	Text         string    `json:"text"`
	SentAt       time.Time `json:"sent_at"`
}

// OutboundMessage is a reply on its way to an origin chat.
type OutboundMessage struct {
	Channel      string `json:"channel"`
	ChatID       string `json:"chat_id"`
	ReplyTo      string `json:"reply_to,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	TraceID      string `json:"trace_id"`
	Content      string `json:"content"`
}

// MessageBus decouples adapters from the router.
type MessageBus struct {
	inbound  chan *RawEvent
	operator chan *OperatorMessage
	closed   bool
	mu       sync.RWMutex
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan *RawEvent, 256),
		operator: make(chan *OperatorMessage, 64),
	}
}

// PublishInbound queues a raw event. It blocks while the queue is full or
// until ctx is done; events are consumed in publish order.
func (b *MessageBus) PublishInbound(ctx context.Context, ev *RawEvent) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.inbound <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until an event is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*RawEvent, error) {
	select {
	case ev := <-b.inbound:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOperator queues an operator message from the hub.
func (b *MessageBus) PublishOperator(ctx context.Context, msg *OperatorMessage) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.operator <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeOperator blocks until an operator message is available.
func (b *MessageBus) ConsumeOperator(ctx context.Context) (*OperatorMessage, error) {
	select {
	case msg := <-b.operator:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop rejects further publishes. Queued items stay consumable.
func (b *MessageBus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// InboundSize returns the number of pending inbound events.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}

// OperatorSize returns the number of pending operator messages.
func (b *MessageBus) OperatorSize() int {
	return len(b.operator)
}
