package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tghub/tghub/internal/audit"
	"github.com/tghub/tghub/internal/draft"
	"github.com/tghub/tghub/internal/identity"
	"github.com/tghub/tghub/internal/message"
)

// PublishDraft posts a draft under the thread anchor. It runs on the thread
// actor so the draft lands after every inbound message already queued for
// the thread.
func (r *Router) PublishDraft(ctx context.Context, c *draft.Candidate) (int64, error) {
	out := r.runOnThread(ctx, c.ThreadKey, func(ctx context.Context) Outcome {
		origin := c.Trigger.Origin()
		var replyTo int64
		if anchor, ok := r.ids.Anchor(c.ThreadKey); ok {
			replyTo = anchor.HubMessageID
			origin = anchor.Origin
		}
		hubID, _, err := r.post(ctx, message.FormatDraft(c.GeneratedText, c.TopScore, c.Sources), replyTo)
		if err != nil {
			return Outcome{Status: StatusFailed, ThreadKey: c.ThreadKey, Err: fmt.Errorf("post draft: %w", err)}
		}
		mp := identity.Mapping{
			HubMessageID: hubID,
			Kind:         message.KindDraft,
			Priority:     message.PriorityNormal,
			Origin:       origin,
			CreatedAt:    r.now(),
		}
		r.ids.Record(mp)
		r.persistPost(ctx, mp, c.GeneratedText)
		r.metrics.Draft("posted")

		ev := audit.NewEvent(audit.TypeDraft, c.ThreadKey)
		ev.HubMessageID, ev.Detail = hubID, c.ID
		r.audit.Publish(ctx, ev)
		return Outcome{Status: StatusPosted, ThreadKey: c.ThreadKey, HubMessageID: hubID}
	})
	return out.HubMessageID, out.Err
}

// PublishNotice posts a short note under the thread anchor.
func (r *Router) PublishNotice(ctx context.Context, threadKey, text string) error {
	out := r.runOnThread(ctx, threadKey, func(ctx context.Context) Outcome {
		var replyTo int64
		if anchor, ok := r.ids.Anchor(threadKey); ok {
			replyTo = anchor.HubMessageID
		}
		hubID, _, err := r.post(ctx, text, replyTo)
		if err != nil {
			return Outcome{Status: StatusFailed, ThreadKey: threadKey, Err: err}
		}
		return Outcome{Status: StatusPosted, ThreadKey: threadKey, HubMessageID: hubID}
	})
	if out.Err == nil {
		r.metrics.Draft("notice")
		slog.Debug("Notice posted", "thread", threadKey, "hub_message_id", out.HubMessageID)
	}
	return out.Err
}

func (r *Router) runOnThread(ctx context.Context, key string, fn func(ctx context.Context) Outcome) Outcome {
	select {
	case out := <-r.enqueue(ctx, key, fn):
		return out
	case <-ctx.Done():
		return Outcome{Status: StatusFailed, ThreadKey: key, Err: ctx.Err()}
	}
}
