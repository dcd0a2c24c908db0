package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/tghub/tghub/internal/bus"
	"github.com/tghub/tghub/internal/draft"
	"github.com/tghub/tghub/internal/identity"
)

// Operator draft commands, sent as a reply in the hub.
const (
	cmdSendDraft    = "!ok"
	cmdDiscardDraft = "!no"
)

// HandleOperator processes one message the operator wrote in the hub.
// Messages are handled one at a time so replies leave in hub order.
func (r *Router) HandleOperator(ctx context.Context, op *bus.OperatorMessage) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	text := strings.TrimSpace(op.Text)
	if strings.HasPrefix(text, "/") {
		return r.handleCommand(ctx, op, text)
	}
	if op.ReplyTo == 0 {
		slog.Debug("Ignoring hub message that is not a reply", "hub_message_id", op.HubMessageID)
		return nil
	}

	mp, err := r.ids.Lookup(op.ReplyTo)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			r.metrics.MappingLost()
			slog.Warn("Reply target has no mapping", "hub_message_id", op.HubMessageID, "reply_to", op.ReplyTo)
			r.annotate(ctx, op.HubMessageID, "⚠️ Cannot route, mapping lost")
			return nil
		}
		return err
	}
	if !r.ids.Active(op.ReplyTo) {
		slog.Debug("Replying to a superseded hub post", "reply_to", op.ReplyTo, "thread", mp.Origin.ThreadKey)
	}

	send, action, ok := r.draftReply(ctx, op, mp.Origin.ThreadKey, text)
	if !ok {
		return nil
	}
	if send == "" {
		r.annotate(ctx, op.HubMessageID, "⚠️ Nothing to send")
		return nil
	}
	return r.deliverReply(ctx, op, mp.Origin, send, action)
}

// draftReply maps an operator reply onto the pending draft of the thread.
// It returns the text to send and the draft action to record once the
// delivery succeeds. ok is false when nothing should be sent.
func (r *Router) draftReply(ctx context.Context, op *bus.OperatorMessage, threadKey, text string) (send, action string, ok bool) {
	if r.drafter == nil {
		return text, "", true
	}
	c, onDraft := r.drafter.ByHub(op.ReplyTo)
	if !onDraft {
		c, _ = r.drafter.Pending(threadKey)
	}

	switch cmd := strings.ToLower(text); {
	case cmd == cmdSendDraft:
		if c == nil {
			r.annotate(ctx, op.HubMessageID, "🤖 No pending draft to send")
			return "", "", false
		}
		return strings.TrimSpace(c.GeneratedText), draft.ActionAccepted, true
	case cmd == cmdDiscardDraft:
		if c == nil {
			r.annotate(ctx, op.HubMessageID, "🤖 No pending draft to discard")
			return "", "", false
		}
		r.drafter.Resolve(ctx, c.ThreadKey, draft.ActionRejected)
		r.metrics.Draft(draft.ActionRejected)
		r.annotate(ctx, op.HubMessageID, "🗑 Draft discarded")
		return "", "", false
	case c == nil:
		return text, "", true
	case text == strings.TrimSpace(c.GeneratedText):
		return text, draft.ActionAccepted, true
	case onDraft:
		return text, draft.ActionEdited, true
	default:
		return text, draft.ActionIgnored, true
	}
}
