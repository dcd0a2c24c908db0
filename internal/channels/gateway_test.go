package channels

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tghub/tghub/internal/bus"
	"github.com/tghub/tghub/internal/config"
	"github.com/tghub/tghub/internal/message"
	"github.com/tghub/tghub/internal/timeline"
)

type fakeStats struct {
	since time.Time
}

func (f *fakeStats) Stats(_ context.Context, since time.Time) (timeline.Stats, error) {
	f.since = since
	return timeline.Stats{
		Since:       since,
		BySource:    map[message.Source]timeline.SourceStats{message.SourceGroup: {Received: 4, Answered: 1}},
		RepliesSent: 1,
	}, nil
}

func newTestGateway(t *testing.T) (*Gateway, *bus.MessageBus, *fakeStats) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	b := bus.NewMessageBus()
	st := &fakeStats{}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "tghub_up 1\n")
	})
	g := NewGateway("127.0.0.1:0", config.CourseConfig{Enabled: true, Secret: "s3cret"}, b, st, metrics)
	g.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return g, b, st
}

func serve(g *Gateway, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	g.Engine().ServeHTTP(w, req)
	return w
}

func nextInbound(t *testing.T, b *bus.MessageBus) *bus.RawEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := b.ConsumeInbound(ctx)
	require.NoError(t, err)
	return ev
}

func TestCourseWebhook_JSON(t *testing.T) {
	g, b, _ := newTestGateway(t)

	body := `{"user_email":"a@x.com","user_name":"Anna","course_title":"Algebra","task_text":"Как решить?","order_id":1234,"secret":"s3cret"}`
	req := httptest.NewRequest(http.MethodPost, CourseWebhookPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := serve(g, req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	ev := nextInbound(t, b)
	assert.Equal(t, message.SourceCoursePlatform, ev.Source)
	assert.Equal(t, message.TransportWebhook, ev.Transport)
	assert.Equal(t, "a@x.com", ev.Payload["user_email"])
	assert.Equal(t, "Как решить?", ev.Payload["task_text"])
	assert.Equal(t, "1234", ev.Payload["order_id"])
	assert.NotContains(t, ev.Payload, "secret")
}

func TestCourseWebhook_FormWithHeaderSecret(t *testing.T) {
	g, b, _ := newTestGateway(t)

	form := url.Values{"user_email": {"b@x.com"}, "comment_text": {"thanks"}}
	req := httptest.NewRequest(http.MethodPost, CourseWebhookPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-GC-Secret", "s3cret")
	w := serve(g, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "thanks", nextInbound(t, b).Payload["comment_text"])
}

func TestCourseWebhook_QueryString(t *testing.T) {
	g, b, _ := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, CourseWebhookPath+"?secret=s3cret&user_email=c%40x.com&text=hi", nil)
	w := serve(g, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "c@x.com", nextInbound(t, b).Payload["user_email"])
}

func TestCourseWebhook_Rejections(t *testing.T) {
	g, b, _ := newTestGateway(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"wrong secret", `{"user_email":"a@x.com","text":"x","secret":"nope"}`, http.StatusForbidden},
		{"missing secret", `{"user_email":"a@x.com","text":"x"}`, http.StatusForbidden},
		{"missing email", `{"text":"x","secret":"s3cret"}`, http.StatusBadRequest},
		{"broken json", `{"user_email":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, CourseWebhookPath, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			assert.Equal(t, tt.want, serve(g, req).Code)
		})
	}
	assert.Zero(t, b.InboundSize())
}

func TestGateway_HealthMetricsStats(t *testing.T) {
	g, _, st := newTestGateway(t)

	w := serve(g, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(g, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tghub_up 1")

	w = serve(g, httptest.NewRequest(http.MethodGet, "/api/stats?hours=2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), st.since)
	var got timeline.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 4, got.BySource[message.SourceGroup].Received)
	assert.Equal(t, 1, got.RepliesSent)
}

func TestGateway_CourseDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := NewGateway("127.0.0.1:0", config.CourseConfig{}, bus.NewMessageBus(), nil, nil)
	req := httptest.NewRequest(http.MethodPost, CourseWebhookPath, strings.NewReader(`{}`))
	assert.Equal(t, http.StatusNotFound, serve(g, req).Code)
}

func TestGateway_StartStop(t *testing.T) {
	g, _, _ := newTestGateway(t)
	require.NoError(t, g.Start(context.Background()))
	assert.NoError(t, g.Stop())
}

func TestCourseReplier(t *testing.T) {
	var got courseReply
	var auth string
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	r := NewCourseReplier(srv.URL, "tok", nil)
	msg := &bus.OutboundMessage{
		Channel: message.TransportWebhook,
		ChatID:  message.CourseChatID("a@x.com", "Algebra"),
		ReplyTo: "evt-1",
		Content: "Смотри §3",
		TraceID: "trace-1",
	}
	require.NoError(t, r.Send(context.Background(), msg))
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "a@x.com", got.Email)
	assert.Equal(t, "Algebra", got.Course)
	assert.Equal(t, "Смотри §3", got.Text)
	assert.Equal(t, "evt-1", got.ReplyTo)

	var de *DeliveryError
	status = http.StatusNotFound
	err := r.Send(context.Background(), msg)
	require.True(t, errors.As(err, &de))
	assert.True(t, de.IsPermanent())

	status = http.StatusServiceUnavailable
	err = r.Send(context.Background(), msg)
	require.True(t, errors.As(err, &de))
	assert.False(t, de.IsPermanent())

	err = NewCourseReplier("", "", nil).Send(context.Background(), msg)
	require.True(t, errors.As(err, &de))
	assert.True(t, de.IsPermanent())
}
