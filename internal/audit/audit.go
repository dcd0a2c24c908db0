// Package audit publishes routing and drafting events to an external log.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeInbound    = "inbound"
	TypeSuppressed = "suppressed"
	TypeDelivery   = "delivery"
	TypeDraft      = "draft"
	TypeMute       = "mute"
)

// Event is one audit record. Key is the thread key so a partitioned log keeps
// per-thread ordering.
type Event struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	ThreadKey    string    `json:"thread_key,omitempty"`
	Source       string    `json:"source,omitempty"`
	ChatID       string    `json:"chat_id,omitempty"`
	HubMessageID int64     `json:"hub_message_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(typ, threadKey string) Event {
	return Event{ID: uuid.NewString(), Type: typ, ThreadKey: threadKey, At: time.Now()}
}

func (e Event) encode() ([]byte, error) {
	return json.Marshal(e)
}

// Sink receives audit events. Publish must not block the caller for long.
type Sink interface {
	Publish(ctx context.Context, ev Event)
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close() error                   { return nil }
