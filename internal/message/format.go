package message

import (
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"
)

const maxHubBodyRunes = 1000

func sourceEmoji(src Source) string {
	switch src {
	case SourceBusinessDM:
		return "💬"
	case SourceGroup:
		return "👥"
	case SourceCoursePlatform:
		return "📚"
	}
	return "📨"
}

func sourceLabel(m UnifiedMessage) string {
	switch m.Source {
	case SourceBusinessDM:
		return "DIRECT MESSAGE"
	case SourceGroup:
		if m.ChatTitle != "" {
			return "GROUP: " + m.ChatTitle
		}
		return "GROUP"
	case SourceCoursePlatform:
		switch m.Meta[MetaEventType] {
		case "homework":
			return "COURSE: HOMEWORK"
		case "comment":
			return "COURSE: LESSON COMMENT"
		case "order":
			return "COURSE: ORDER"
		}
		return "COURSE: MESSAGE"
	}
	return "MESSAGE"
}

// PriorityIndicator renders the decoration for p.
func PriorityIndicator(p Priority) string {
	if p == PriorityUrgent {
		return "🔴 Urgent"
	}
	return "🟢 Normal"
}

// FormatHubPost renders an inbound message for the hub (HTML parse mode).
func FormatHubPost(m UnifiedMessage, p Priority, tags []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>\n", sourceEmoji(m.Source), html.EscapeString(sourceLabel(m)))

	sender := "From: <b>" + html.EscapeString(m.AuthorDisplayName) + "</b>"
	if m.AuthorHandle != "" {
		sender += " (@" + html.EscapeString(m.AuthorHandle) + ")"
	}
	b.WriteString(sender + "\n")

	if m.Source == SourceCoursePlatform {
		for _, kv := range [][2]string{{"Email", m.Meta[MetaEmail]}, {"Course", m.Meta[MetaCourse]}, {"Lesson", m.Meta[MetaLesson]}} {
			if kv[1] != "" {
				fmt.Fprintf(&b, "%s: %s\n", kv[0], html.EscapeString(kv[1]))
			}
		}
	}

	b.WriteString("\n")
	body := strings.TrimSpace(m.Body)
	if body == "" {
		body = "[no text]"
	}
	b.WriteString(html.EscapeString(truncateRunes(body, maxHubBodyRunes)))
	b.WriteString("\n")

	for _, a := range m.Attachments {
		name := a.Kind
		if a.Name != "" {
			name += " " + a.Name
		}
		fmt.Fprintf(&b, "📎 <i>%s</i>\n", html.EscapeString(name))
	}

	ts := m.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	footer := []string{"🕐 " + ts.Format("15:04"), PriorityIndicator(p)}
	footer = append(footer, tags...)
	b.WriteString("\n" + strings.Join(footer, " │ "))
	return b.String()
}

// FormatDraft renders a generated draft for the hub.
func FormatDraft(text string, topScore float64, sources []string) string {
	var confidence string
	switch {
	case topScore >= 0.8:
		confidence = "🟢 high confidence"
	case topScore >= 0.5:
		confidence = "🟡 medium confidence"
	default:
		confidence = "🔴 low confidence"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🤖 <b>DRAFT</b> (%s)\n\n%s\n", confidence, html.EscapeString(text))
	if len(sources) > 0 {
		b.WriteString("\n<i>Sources: " + html.EscapeString(strings.Join(sources, ", ")) + "</i>")
	}
	b.WriteString("\n<i>Reply !ok to send, !no to discard, or reply with your own text.</i>")
	return b.String()
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
