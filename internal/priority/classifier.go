// Package priority scores the urgency of inbound messages. Priority only
// decorates hub posts; it never causes suppression.
package priority

import (
	"regexp"
	"strings"
	"time"

	"github.com/tghub/tghub/internal/message"
)

// Activity is what the router knows about a thread when classifying.
type Activity struct {
	// PendingSince is when the thread started waiting for an operator reply
	// (zero when nothing is pending).
	PendingSince time.Time
	// LastOperatorReply is when the operator last answered the thread.
	LastOperatorReply time.Time
	Now               time.Time
}

// Result carries the priority and the decoration tags.
type Result struct {
	Priority message.Priority
	Tags     []string
}

// Classifier is the stable interface the router depends on.
type Classifier interface {
	Classify(msg message.UnifiedMessage, act Activity) Result
}

// Tags attached by KeywordClassifier.
const (
	TagUrgent    = "🔴 urgent"
	TagQuestion  = "❓ question"
	TagWaiting   = "⏳ waiting"
	TagGratitude = "💚 thanks"
)

// DefaultUrgentKeywords are matched case-insensitively as whole words or
// phrases. A trailing "*" matches any word ending, which covers inflected
// forms ("ошибк*" matches "ошибка" and "ошибку").
var DefaultUrgentKeywords = []string{
	"срочн*", "urgent", "asap", "не работает", "ошибк*", "проблем*",
	"не могу", "помогите", "не открывается", "не загружается", "сломал*",
	"not working", "broken", "help",
}

const wordEdge = `[^\p{L}\p{N}]`

// keywordPattern compiles kw into a letter-boundary regexp.
func keywordPattern(kw string) *regexp.Regexp {
	tail := ""
	if strings.HasSuffix(kw, "*") {
		kw = strings.TrimRight(kw, "*")
		tail = `[\p{L}\p{N}]*`
	}
	return regexp.MustCompile(`(?i)(?:^|` + wordEdge + `)` + regexp.QuoteMeta(kw) + tail + `(?:` + wordEdge + `|$)`)
}

var defaultQuestion = regexp.MustCompile(`(?i)\?|(?:^|[^\p{L}])(?:как|где|когда|почему|зачем|можно|подскажите|how|where|when|why|can i)(?:[^\p{L}]|$)`)

var gratitudeWords = []string{"спасибо", "благодарю", "thanks", "thank you"}

// KeywordClassifier marks a message urgent when the source flagged it, when
// it contains an urgent keyword, or when it asks a question on a thread that
// has been waiting for an operator longer than StaleAfter.
type KeywordClassifier struct {
	UrgentKeywords []string
	Question       *regexp.Regexp
	StaleAfter     time.Duration

	urgent []*regexp.Regexp
}

// NewKeywordClassifier returns a classifier with the given keywords (the
// defaults when empty).
func NewKeywordClassifier(keywords []string, staleAfter time.Duration) *KeywordClassifier {
	if len(keywords) == 0 {
		keywords = DefaultUrgentKeywords
	}
	lowered := make([]string, 0, len(keywords))
	patterns := make([]*regexp.Regexp, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if strings.TrimRight(k, "*") == "" {
			continue
		}
		lowered = append(lowered, k)
		patterns = append(patterns, keywordPattern(k))
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Hour
	}
	return &KeywordClassifier{UrgentKeywords: lowered, Question: defaultQuestion, StaleAfter: staleAfter, urgent: patterns}
}

// Classify is deterministic for a given message and activity.
func (c *KeywordClassifier) Classify(msg message.UnifiedMessage, act Activity) Result {
	body := strings.ToLower(msg.Body)
	res := Result{Priority: message.PriorityNormal}

	urgent := msg.Urgent
	for _, re := range c.urgent {
		if re.MatchString(body) {
			urgent = true
			break
		}
	}

	question := c.Question != nil && c.Question.MatchString(msg.Body)
	if question {
		res.Tags = append(res.Tags, TagQuestion)
		if !act.PendingSince.IsZero() && act.Now.Sub(act.PendingSince) >= c.StaleAfter {
			urgent = true
			res.Tags = append(res.Tags, TagWaiting)
		}
	}

	for _, w := range gratitudeWords {
		if strings.Contains(body, w) {
			res.Tags = append(res.Tags, TagGratitude)
			break
		}
	}

	if urgent {
		res.Priority = message.PriorityUrgent
		res.Tags = append([]string{TagUrgent}, res.Tags...)
	}
	return res
}
