package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tghub/tghub/internal/audit"
	"github.com/tghub/tghub/internal/bus"
	"github.com/tghub/tghub/internal/policy"
)

const helpText = `<b>Hub commands</b>
/mute [chat_id] [2h|3d|forever] - stop posting a chat (reply to a post or give the chat id)
/unmute [chat_id] - resume a chat; without arguments lists muted chats
/draft - request a draft for the replied thread
/stats [hours] - activity summary, default 24h
/status - router status
/help - this message

Reply to a post to answer its sender. Reply <code>!ok</code> to a draft to send it, <code>!no</code> to discard it.`

func (r *Router) handleCommand(ctx context.Context, op *bus.OperatorMessage, text string) error {
	fields := strings.Fields(text)
	name := strings.ToLower(fields[0])
	if i := strings.IndexByte(name, '@'); i > 0 {
		name = name[:i]
	}
	args := fields[1:]

	var reply string
	switch name {
	case "/help", "/start":
		reply = helpText
	case "/mute":
		reply = r.cmdMute(ctx, op.ReplyTo, args)
	case "/unmute":
		reply = r.cmdUnmute(ctx, op.ReplyTo, args)
	case "/draft":
		reply = r.cmdDraft(op.ReplyTo)
	case "/stats":
		reply = r.cmdStats(ctx, args)
	case "/status":
		reply = r.cmdStatus()
	default:
		reply = "Unknown command " + html.EscapeString(name) + ". See /help"
	}
	slog.Info("Hub command", "command", name, "args", len(args))
	r.annotate(ctx, op.HubMessageID, reply)
	return nil
}

// commandTarget resolves the chat a command applies to: the origin of the
// replied post, or the first argument.
func (r *Router) commandTarget(replyTo int64, args []string) (chatID, label string, rest []string, err error) {
	if replyTo != 0 {
		if mp, lerr := r.ids.Lookup(replyTo); lerr == nil {
			return mp.Origin.ChatID, mp.Origin.Label(), args, nil
		}
	}
	if len(args) == 0 {
		return "", "", nil, errors.New("reply to a hub post or give a chat id")
	}
	return args[0], args[0], args[1:], nil
}

func (r *Router) cmdMute(ctx context.Context, replyTo int64, args []string) string {
	chatID, label, rest, err := r.commandTarget(replyTo, args)
	if err != nil {
		return "⚠️ " + err.Error() + ": <code>/mute -1001234567890 2h</code>"
	}
	if len(rest) < len(args) {
		if _, perr := policy.ParseMuteSpec(chatID, r.now()); perr == nil {
			return fmt.Sprintf("⚠️ <code>%s</code> is a duration, not a chat. Reply to a hub post or give a chat id: <code>/mute -1001234567890 %s</code>",
				html.EscapeString(chatID), html.EscapeString(chatID))
		}
	}
	spec := policy.MuteForever()
	if len(rest) > 0 {
		if spec, err = policy.ParseMuteSpec(rest[0], r.now()); err != nil {
			return "⚠️ " + html.EscapeString(err.Error())
		}
	}
	changed, err := r.mutes.SetMute(chatID, spec)
	if err != nil {
		slog.Error("Mute failed", "chat", chatID, "error", err)
		return "⚠️ Mute failed: " + html.EscapeString(err.Error())
	}
	r.auditMute(ctx, chatID, spec)
	switch {
	case spec.IsNone():
		return fmt.Sprintf("🔊 <b>%s</b> unmuted", html.EscapeString(label))
	case !changed:
		return fmt.Sprintf("🔇 <b>%s</b> is already muted %s", html.EscapeString(label), spec)
	}
	return fmt.Sprintf("🔇 <b>%s</b> muted %s. Messages are stored but not posted.\nUnmute: <code>/unmute %s</code>",
		html.EscapeString(label), spec, html.EscapeString(chatID))
}

func (r *Router) cmdUnmute(ctx context.Context, replyTo int64, args []string) string {
	if replyTo == 0 && len(args) == 0 {
		return r.listMutes()
	}
	chatID, label, _, err := r.commandTarget(replyTo, args)
	if err != nil {
		return "⚠️ " + err.Error()
	}
	changed, err := r.mutes.SetMute(chatID, policy.MuteSpec{})
	if err != nil {
		slog.Error("Unmute failed", "chat", chatID, "error", err)
		return "⚠️ Unmute failed: " + html.EscapeString(err.Error())
	}
	if !changed {
		return fmt.Sprintf("<b>%s</b> was not muted", html.EscapeString(label))
	}
	r.auditMute(ctx, chatID, policy.MuteSpec{})
	return fmt.Sprintf("🔊 <b>%s</b> unmuted", html.EscapeString(label))
}

func (r *Router) listMutes() string {
	active := r.mutes.List(r.now())
	if len(active) == 0 {
		return "No muted chats"
	}
	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	b.WriteString("🔇 <b>Muted chats</b>\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "• <code>%s</code> %s\n", html.EscapeString(id), active[id])
	}
	b.WriteString("Unmute: <code>/unmute chat_id</code>")
	return b.String()
}

func (r *Router) auditMute(ctx context.Context, chatID string, spec policy.MuteSpec) {
	ev := audit.NewEvent(audit.TypeMute, "")
	ev.ChatID, ev.Detail = chatID, spec.String()
	r.audit.Publish(ctx, ev)
}

func (r *Router) cmdDraft(replyTo int64) string {
	if r.drafter == nil {
		return "🤖 Drafting is disabled"
	}
	if replyTo == 0 {
		return "⚠️ Reply to a post of the thread you want a draft for"
	}
	mp, err := r.ids.Lookup(replyTo)
	if err != nil {
		return "⚠️ Cannot route, mapping lost"
	}
	if !r.drafter.Trigger(mp.Origin.ThreadKey) {
		return "🤖 Draft queue is full, try again shortly"
	}
	return "🤖 Drafting…"
}

func (r *Router) cmdStats(ctx context.Context, args []string) string {
	if r.store == nil {
		return "Statistics are not available"
	}
	hours := 24
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return "⚠️ Usage: <code>/stats 24</code>"
		}
		hours = n
	}
	now := r.now()
	st, err := r.store.Stats(ctx, now.Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		slog.Error("Stats query failed", "error", err)
		return "⚠️ Statistics unavailable: " + html.EscapeString(err.Error())
	}
	return st.Format(now)
}

func (r *Router) cmdStatus() string {
	pending := r.PendingThreads()
	now := r.now()
	var oldest time.Duration
	for _, since := range pending {
		if d := now.Sub(since); d > oldest {
			oldest = d
		}
	}
	var b strings.Builder
	b.WriteString("🟢 <b>Hub router running</b>\n")
	fmt.Fprintf(&b, "Threads waiting for a reply: %d", len(pending))
	if oldest > 0 {
		fmt.Fprintf(&b, " (oldest %s)", oldest.Round(time.Minute))
	}
	fmt.Fprintf(&b, "\nKnown hub posts: %d\nMuted chats: %d", r.ids.Len(), len(r.mutes.List(now)))
	muted, limited := r.SuppressedCounts()
	fmt.Fprintf(&b, "\nSuppressed since start: %d muted, %d rate-limited", muted, limited)
	return b.String()
}
