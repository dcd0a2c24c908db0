// Package channels holds the source adapters and the hub surface.
package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tghub/tghub/internal/bus"
)

// Channel is a source adapter: it pushes inbound events onto the bus and
// delivers operator replies back to its origin chats.
type Channel interface {
	// Name returns the transport name (e.g. "telegram").
	Name() string
	// Start connects and begins publishing inbound events. It returns once
	// the listener is running.
	Start(ctx context.Context) error
	// Stop disconnects the listener.
	Stop() error
	// Send delivers a reply to an origin chat.
	Send(ctx context.Context, msg *bus.OutboundMessage) error
}

// BaseChannel provides common functionality for channels.
type BaseChannel struct {
	Bus *bus.MessageBus
}

// publish hands ev to the router, logging when the bus refuses it.
func (b BaseChannel) publish(ctx context.Context, ev *bus.RawEvent) {
	if err := b.Bus.PublishInbound(ctx, ev); err != nil {
		slog.Warn("inbound event dropped", "transport", ev.Transport, "chat", ev.ChatID, "error", err)
	}
}

// DeliveryError reports a failed Send. Permanent failures are not retried.
type DeliveryError struct {
	Transport string
	ChatID    string
	Err       error
	Permanent bool
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s delivery to %s failed (%s): %v", e.Transport, e.ChatID, kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsPermanent reports whether retrying cannot help.
func (e *DeliveryError) IsPermanent() bool { return e.Permanent }

func deliveryError(transport, chatID string, err error, permanent bool) error {
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		permanent = false
	}
	return &DeliveryError{Transport: transport, ChatID: chatID, Err: err, Permanent: permanent}
}

// Senders indexes channels by transport name.
func Senders(chs ...Channel) map[string]Channel {
	out := make(map[string]Channel, len(chs))
	for _, ch := range chs {
		if ch != nil {
			out[ch.Name()] = ch
		}
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
