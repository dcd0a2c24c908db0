package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tghub/tghub/internal/message"
)

func TestKeywordClassifier(t *testing.T) {
	c := NewKeywordClassifier(nil, time.Hour)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		msg  message.UnifiedMessage
		act  Activity
		want message.Priority
		tags []string
	}{
		{
			name: "plain statement",
			msg:  message.UnifiedMessage{Body: "sent the homework"},
			want: message.PriorityNormal,
		},
		{
			name: "keyword",
			msg:  message.UnifiedMessage{Body: "Видео НЕ РАБОТАЕТ"},
			want: message.PriorityUrgent,
			tags: []string{TagUrgent},
		},
		{
			name: "source marker",
			msg:  message.UnifiedMessage{Body: "call me", Urgent: true},
			want: message.PriorityUrgent,
			tags: []string{TagUrgent},
		},
		{
			name: "fresh question",
			msg:  message.UnifiedMessage{Body: "Как решить?"},
			act:  Activity{Now: now, PendingSince: now.Add(-10 * time.Minute)},
			want: message.PriorityNormal,
			tags: []string{TagQuestion},
		},
		{
			name: "question on stale thread",
			msg:  message.UnifiedMessage{Body: "any news?"},
			act:  Activity{Now: now, PendingSince: now.Add(-2 * time.Hour)},
			want: message.PriorityUrgent,
			tags: []string{TagUrgent, TagQuestion, TagWaiting},
		},
		{
			name: "gratitude",
			msg:  message.UnifiedMessage{Body: "Спасибо большое"},
			want: message.PriorityNormal,
			tags: []string{TagGratitude},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.msg, tt.act)
			assert.Equal(t, tt.want, got.Priority)
			assert.Equal(t, tt.tags, got.Tags)
		})
	}
}

func TestKeywordClassifier_CustomKeywords(t *testing.T) {
	c := NewKeywordClassifier([]string{"  REFUND "}, 0)
	assert.Equal(t, message.PriorityUrgent, c.Classify(message.UnifiedMessage{Body: "I want a refund"}, Activity{}).Priority)
	assert.Equal(t, message.PriorityNormal, c.Classify(message.UnifiedMessage{Body: "help"}, Activity{}).Priority)
	assert.Equal(t, 2*time.Hour, c.StaleAfter)
}

func TestKeywordClassifier_MatchesWholeWords(t *testing.T) {
	c := NewKeywordClassifier(nil, time.Hour)
	tests := []struct {
		body string
		want message.Priority
	}{
		{"That was helpful, thanks", message.PriorityNormal},
		{"help!", message.PriorityUrgent},
		{"Need HELP with task 3", message.PriorityUrgent},
		{"the brokenness of it all", message.PriorityNormal},
		{"Выдаёт ошибку при загрузке", message.PriorityUrgent},
		{"Ошибка 500", message.PriorityUrgent},
		{"Срочно нужен доступ", message.PriorityUrgent},
		{"беспроблемный курс", message.PriorityNormal},
		{"Видео не работает.", message.PriorityUrgent},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(message.UnifiedMessage{Body: tt.body}, Activity{}).Priority)
		})
	}
}

func TestKeywordClassifier_StarOnlyKeywordIsIgnored(t *testing.T) {
	c := NewKeywordClassifier([]string{"*", "refund*"}, 0)
	assert.Equal(t, []string{"refund*"}, c.UrgentKeywords)
	assert.Equal(t, message.PriorityUrgent, c.Classify(message.UnifiedMessage{Body: "refunds please"}, Activity{}).Priority)
	assert.Equal(t, message.PriorityNormal, c.Classify(message.UnifiedMessage{Body: "anything"}, Activity{}).Priority)
}
