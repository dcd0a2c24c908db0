package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/tghub/tghub/internal/audit"
	"github.com/tghub/tghub/internal/bus"
	"github.com/tghub/tghub/internal/identity"
	"github.com/tghub/tghub/internal/message"
	"github.com/tghub/tghub/internal/metrics"
	"github.com/tghub/tghub/internal/normalize"
	"github.com/tghub/tghub/internal/policy"
	"github.com/tghub/tghub/internal/priority"
	"github.com/tghub/tghub/internal/timeline"
)

// ErrStopped is returned for work submitted after Run has returned.
var ErrStopped = errors.New("router stopped")

// Status is what happened to one inbound event.
type Status string

const (
	StatusPosted     Status = "posted"
	StatusSuppressed Status = "suppressed"
	StatusDuplicate  Status = "duplicate"
	StatusMalformed  Status = "malformed"
	StatusFailed     Status = "failed"
)

// Outcome is the routing result of one event.
type Outcome struct {
	Status       Status
	ThreadKey    string
	HubMessageID int64
	Priority     message.Priority
	Reason       policy.Reason
	Err          error
}

// Route normalizes ev, routes it on its thread and waits for the outcome.
func (r *Router) Route(ctx context.Context, ev *bus.RawEvent) (Outcome, error) {
	msg, err := r.normalize(ev)
	if err != nil {
		return Outcome{Status: StatusMalformed, Err: err}, err
	}
	done := r.enqueue(ctx, msg.ThreadKey, func(ctx context.Context) Outcome {
		return r.routeInbound(ctx, msg)
	})
	select {
	case out := <-done:
		return out, out.Err
	case <-ctx.Done():
		return Outcome{Status: StatusFailed, ThreadKey: msg.ThreadKey, Err: ctx.Err()}, ctx.Err()
	}
}

// Submit normalizes ev and queues it on its thread without waiting. It
// returns the thread key.
func (r *Router) Submit(ctx context.Context, ev *bus.RawEvent) (string, error) {
	msg, err := r.normalize(ev)
	if err != nil {
		return "", err
	}
	r.enqueue(ctx, msg.ThreadKey, func(ctx context.Context) Outcome {
		return r.routeInbound(ctx, msg)
	})
	return msg.ThreadKey, nil
}

func (r *Router) normalize(ev *bus.RawEvent) (message.UnifiedMessage, error) {
	msg, err := normalize.Normalize(ev)
	if err != nil {
		r.metrics.Inbound(string(ev.Source), metrics.OutcomeMalformed)
		slog.Warn("Dropping malformed event", "source", ev.Source, "transport", ev.Transport, "error", err)
		return msg, err
	}
	return msg, nil
}

// routeInbound runs on the thread actor of msg.
func (r *Router) routeInbound(ctx context.Context, msg message.UnifiedMessage) Outcome {
	key := msg.ThreadKey
	src := string(msg.Source)

	if hubID, ok := r.ids.LookupOrigin(msg.Source, msg.OriginChatID, msg.OriginMessageID); ok {
		slog.Debug("Duplicate inbound event", "thread", key, "hub_message_id", hubID)
		r.metrics.Inbound(src, metrics.OutcomeDuplicate)
		return Outcome{Status: StatusDuplicate, ThreadKey: key, HubMessageID: hubID}
	}

	dec := r.gate.Admit(msg)
	if !dec.Admit {
		return r.suppress(ctx, msg, dec)
	}

	now := r.now()
	pendingSince, lastReply := r.activity(key, now)
	res := r.classifier.Classify(msg, priority.Activity{
		PendingSince:      pendingSince,
		LastOperatorReply: lastReply,
		Now:               now,
	})

	var replyTo int64
	if anchor, ok := r.ids.Anchor(key); ok {
		replyTo = anchor.HubMessageID
	}
	hubID, _, err := r.post(ctx, message.FormatHubPost(msg, res.Priority, res.Tags), replyTo)
	if err != nil {
		r.persistMessage(ctx, msg, timeline.StatusUnrouted, err.Error())
		r.metrics.Inbound(src, metrics.OutcomeFailed)
		slog.Error("Hub post failed", "thread", key, "source", src, "error", err)
		return Outcome{Status: StatusFailed, ThreadKey: key, Err: fmt.Errorf("post to hub: %w", err)}
	}

	mp := identity.Mapping{
		HubMessageID: hubID,
		Kind:         message.KindInbound,
		Priority:     res.Priority,
		Origin:       msg.Origin(),
		CreatedAt:    now,
	}
	r.ids.Record(mp)
	r.markPending(key, now)

	r.persistMessage(ctx, msg, timeline.StatusRouted, "")
	r.persistPost(ctx, mp, msg.Body)
	r.metrics.Inbound(src, metrics.OutcomePosted)
	r.metrics.RouteLatency(time.Since(msg.ReceivedAt))

	ev := audit.NewEvent(audit.TypeInbound, key)
	ev.Source, ev.ChatID, ev.HubMessageID, ev.Status = src, msg.OriginChatID, hubID, string(res.Priority)
	r.audit.Publish(ctx, ev)

	slog.Info("Message routed", "thread", key, "source", src, "hub_message_id", hubID, "priority", res.Priority)

	if r.drafter != nil {
		r.drafter.Observe(msg)
		if r.cfg.AutoDraft && hasTag(res.Tags, priority.TagQuestion) {
			r.drafter.Trigger(key)
		}
	}
	return Outcome{Status: StatusPosted, ThreadKey: key, HubMessageID: hubID, Priority: res.Priority}
}

func (r *Router) suppress(ctx context.Context, msg message.UnifiedMessage, dec policy.Decision) Outcome {
	key := msg.ThreadKey
	r.persistMessage(ctx, msg, timeline.StatusSuppressed, string(dec.Reason))
	r.metrics.Inbound(string(msg.Source), metrics.OutcomeSuppressed)
	r.mu.Lock()
	r.suppressed[dec.Reason]++
	r.mu.Unlock()
	slog.Info("Message suppressed", "thread", key, "chat", msg.OriginChatID, "reason", dec.Reason)

	if dec.Reason == policy.ReasonRateLimited && dec.BurstStart {
		var anchor int64
		if mp, ok := r.ids.Anchor(key); ok {
			anchor = mp.HubMessageID
		}
		r.annotate(ctx, anchor, fmt.Sprintf("⏸ Messages from %s are being rate-limited", html.EscapeString(msg.Origin().Label())))
	}

	ev := audit.NewEvent(audit.TypeSuppressed, key)
	ev.Source, ev.ChatID, ev.Detail = string(msg.Source), msg.OriginChatID, string(dec.Reason)
	r.audit.Publish(ctx, ev)
	return Outcome{Status: StatusSuppressed, ThreadKey: key, Reason: dec.Reason}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (r *Router) persistMessage(ctx context.Context, msg message.UnifiedMessage, status, reason string) {
	if r.store == nil {
		return
	}
	if err := r.store.AppendMessage(context.WithoutCancel(ctx), msg, status, reason); err != nil {
		slog.Warn("Failed to persist message", "thread", msg.ThreadKey, "status", status, "error", err)
	}
}

func (r *Router) persistPost(ctx context.Context, mp identity.Mapping, body string) {
	if r.store == nil {
		return
	}
	rec := timeline.HubPostRecord{Post: mp.Post(), Origin: mp.Origin, Body: body}
	if err := r.store.AppendHubPost(context.WithoutCancel(ctx), rec); err != nil {
		slog.Warn("Failed to persist hub post", "hub_message_id", mp.HubMessageID, "error", err)
	}
}
