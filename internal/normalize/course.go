package normalize

import (
	"strconv"
	"strings"
	"time"

	"github.com/tghub/tghub/internal/bus"
	"github.com/tghub/tghub/internal/message"
)

// Course-platform payload field names.
const (
	FieldEmail         = "user_email"
	FieldName          = "user_name"
	FieldPhone         = "user_phone"
	FieldCourseTitle   = "course_title"
	FieldTrainingTitle = "training_title"
	FieldLessonTitle   = "lesson_title"
	FieldTaskText      = "task_text"
	FieldAnswerText    = "answer_text"
	FieldCommentText   = "comment_text"
	FieldText          = "text"
	FieldFileURL       = "file_url"
	FieldEventType     = "event_type"
	FieldOrderID       = "order_id"
	FieldEventID       = "event_id"
	FieldPriority      = "priority"
)

// CourseReplayWindow bounds content-based dedup of course events that carry
// no platform id. Identical payloads received in the same window are webhook
// retries; a repeat outside it is a new question.
const CourseReplayWindow = 10 * time.Minute

func normalizeCourse(ev *bus.RawEvent) (message.UnifiedMessage, error) {
	p := ev.Payload
	email := strings.TrimSpace(p[FieldEmail])
	if email == "" || !strings.Contains(email, "@") {
		return message.UnifiedMessage{}, malformed(ev, "missing or invalid user_email")
	}
	course := firstNonEmpty(p[FieldCourseTitle], p[FieldTrainingTitle])
	lesson := strings.TrimSpace(p[FieldLessonTitle])
	body := firstNonEmpty(p[FieldTaskText], p[FieldAnswerText], p[FieldCommentText], p[FieldText])
	eventType := inferEventType(p)

	var attachments []message.Attachment
	if u := strings.TrimSpace(p[FieldFileURL]); u != "" {
		attachments = append(attachments, message.Attachment{Kind: "file", URL: u})
	}

	msgID := firstNonEmpty(p[FieldEventID], p[FieldOrderID])
	if msgID == "" {
		window := receivedAt(ev).Truncate(CourseReplayWindow).Unix()
		msgID = digest(strings.ToLower(email), course, lesson, eventType, body, strconv.FormatInt(window, 10))
	}

	meta := map[string]string{
		message.MetaEmail:     strings.ToLower(email),
		message.MetaEventType: eventType,
	}
	if course != "" {
		meta[message.MetaCourse] = course
	}
	if lesson != "" {
		meta[message.MetaLesson] = lesson
	}
	if v := strings.TrimSpace(p[FieldPhone]); v != "" {
		meta[message.MetaPhone] = v
	}
	if v := strings.TrimSpace(p[FieldOrderID]); v != "" {
		meta[message.MetaOrderID] = v
	}

	m := message.UnifiedMessage{
		Source:            message.SourceCoursePlatform,
		Transport:         firstNonEmpty(ev.Transport, message.TransportWebhook),
		OriginChatID:      message.CourseChatID(email, course),
		OriginMessageID:   msgID,
		AuthorDisplayName: authorName(p[FieldName], "", email),
		ChatTitle:         course,
		Body:              body,
		Attachments:       attachments,
		Urgent:            strings.EqualFold(strings.TrimSpace(p[FieldPriority]), "urgent"),
		Meta:              meta,
		ReceivedAt:        receivedAt(ev),
		ThreadKey:         message.CourseThreadKey(email, course),
	}
	if !m.HasContent() && eventType != "order" {
		return message.UnifiedMessage{}, malformed(ev, "no text and no attachments")
	}
	if m.Body == "" && eventType == "order" {
		m.Body = "New order " + meta[message.MetaOrderID]
	}
	return m, nil
}

func inferEventType(p map[string]string) string {
	if t := strings.ToLower(strings.TrimSpace(p[FieldEventType])); t != "" {
		return t
	}
	switch {
	case strings.TrimSpace(p[FieldAnswerText]) != "" || strings.TrimSpace(p[FieldTaskText]) != "":
		return "homework"
	case strings.TrimSpace(p[FieldCommentText]) != "":
		return "comment"
	case strings.TrimSpace(p[FieldOrderID]) != "":
		return "order"
	}
	return "message"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
