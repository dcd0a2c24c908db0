package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tghub/tghub/internal/audit"
	"github.com/tghub/tghub/internal/bus"
	"github.com/tghub/tghub/internal/identity"
	"github.com/tghub/tghub/internal/message"
	"github.com/tghub/tghub/internal/timeline"
)

// ErrNoSender means no adapter is registered for the origin transport.
var ErrNoSender = errors.New("no sender for transport")

type permanentError interface {
	IsPermanent() bool
}

func isPermanent(err error) bool {
	if errors.Is(err, ErrNoSender) {
		return true
	}
	var pe permanentError
	return errors.As(err, &pe) && pe.IsPermanent()
}

// backoff returns the wait after the given failed attempt: base doubling per
// attempt, capped at BackoffMax.
func (r *Router) backoff(attempt int) time.Duration {
	d := r.cfg.BackoffBase << (attempt - 1)
	if d <= 0 || d > r.cfg.BackoffMax {
		d = r.cfg.BackoffMax
	}
	return d
}

// retry runs op with a per-attempt platform timeout until it succeeds, fails
// permanently or runs out of attempts. onRetry sees every failure that will
// be retried.
func (r *Router) retry(ctx context.Context, op func(ctx context.Context) error, onRetry func(attempt int, err error)) (int, error) {
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, r.cfg.PlatformTimeout)
		err := op(actx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if attempt >= r.cfg.DeliveryAttempts || isPermanent(err) {
			return attempt, err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
			return attempt, err
		}
	}
}

// post publishes text to the hub with retries.
func (r *Router) post(ctx context.Context, text string, replyTo int64) (int64, int, error) {
	if r.hub == nil {
		return 0, 0, errors.New("no hub configured")
	}
	var hubID int64
	attempts, err := r.retry(ctx, func(ctx context.Context) error {
		id, err := r.hub.Post(ctx, text, replyTo)
		if err != nil {
			return err
		}
		hubID = id
		return nil
	}, func(attempt int, err error) {
		slog.Warn("Hub post failed, retrying", "attempt", attempt, "error", err)
	})
	return hubID, attempts, err
}

// annotate posts a best-effort note in the hub. Failures are only logged.
func (r *Router) annotate(ctx context.Context, replyTo int64, text string) {
	if r.hub == nil || ctx.Err() != nil {
		return
	}
	actx, cancel := context.WithTimeout(ctx, r.cfg.PlatformTimeout)
	defer cancel()
	if _, err := r.hub.Post(actx, text, replyTo); err != nil {
		slog.Warn("Hub annotation failed", "reply_to", replyTo, "error", err)
	}
}

// deliver sends text to origin, annotating the operator's hub message on
// the first retried failure.
func (r *Router) deliver(ctx context.Context, opHubID int64, origin message.Origin, text string) (int, error) {
	sender, ok := r.senders[origin.Transport]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrNoSender, origin.Transport)
	}
	out := &bus.OutboundMessage{
		Channel:      origin.Transport,
		ChatID:       origin.ChatID,
		ReplyTo:      origin.MessageID,
		ConnectionID: origin.ConnectionID,
		TraceID:      uuid.NewString(),
		Content:      text,
	}
	return r.retry(ctx, func(ctx context.Context) error {
		return sender.Send(ctx, out)
	}, func(attempt int, err error) {
		slog.Warn("Delivery failed, retrying", "chat", origin.ChatID, "transport", origin.Transport, "attempt", attempt, "error", err)
		if attempt == 1 {
			r.annotate(ctx, opHubID, fmt.Sprintf("⚠️ Delivery to %s failed (%s), retrying", html.EscapeString(origin.Label()), html.EscapeString(err.Error())))
		}
	})
}

// deliverReply delivers an operator reply and records the outcome. Failures
// end as a hub annotation, never as a returned error.
func (r *Router) deliverReply(ctx context.Context, op *bus.OperatorMessage, origin message.Origin, text, draftAction string) error {
	attempts, err := r.deliver(ctx, op.HubMessageID, origin, text)
	rec := timeline.DeliveryRecord{
		HubMessageID: op.HubMessageID,
		Origin:       origin,
		Attempts:     attempts,
		CreatedAt:    r.now(),
	}
	ev := audit.NewEvent(audit.TypeDelivery, origin.ThreadKey)
	ev.Source, ev.ChatID, ev.HubMessageID = string(origin.Source), origin.ChatID, op.HubMessageID

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec.Status, rec.Error = timeline.DeliveryFailed, err.Error()
		r.persistDelivery(ctx, rec)
		r.metrics.Delivery(origin.Transport, timeline.DeliveryFailed)
		ev.Status, ev.Detail = timeline.DeliveryFailed, err.Error()
		r.audit.Publish(ctx, ev)
		slog.Error("Delivery failed permanently", "chat", origin.ChatID, "transport", origin.Transport, "attempts", attempts, "error", err)
		r.annotate(ctx, op.HubMessageID, fmt.Sprintf("❌ Delivery to %s failed permanently after %d attempt(s): %s",
			html.EscapeString(origin.Label()), attempts, html.EscapeString(err.Error())))
		return nil
	}

	rec.Status = timeline.DeliverySent
	r.persistDelivery(ctx, rec)
	r.metrics.Delivery(origin.Transport, timeline.DeliverySent)

	now := r.now()
	mp := identity.Mapping{
		HubMessageID: op.HubMessageID,
		Kind:         message.KindOperatorReply,
		Priority:     message.PriorityNormal,
		Origin:       origin,
		CreatedAt:    now,
	}
	r.ids.Record(mp)
	r.persistPost(ctx, mp, text)
	r.markReplied(origin.ThreadKey, now)

	if draftAction != "" && r.drafter != nil {
		r.drafter.Resolve(ctx, origin.ThreadKey, draftAction)
		r.metrics.Draft(draftAction)
	}

	ev.Status = timeline.DeliverySent
	r.audit.Publish(ctx, ev)
	slog.Info("Reply delivered", "thread", origin.ThreadKey, "chat", origin.ChatID, "attempts", attempts)

	if r.cfg.ConfirmReplies {
		r.annotate(ctx, op.HubMessageID, "✅ sent → "+html.EscapeString(origin.Label()))
	}
	return nil
}

func (r *Router) persistDelivery(ctx context.Context, rec timeline.DeliveryRecord) {
	if r.store == nil {
		return
	}
	if err := r.store.RecordDelivery(context.WithoutCancel(ctx), rec); err != nil {
		slog.Warn("Failed to persist delivery", "hub_message_id", rec.HubMessageID, "error", err)
	}
}
