package channels

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tghub/tghub/internal/bus"
	"github.com/tghub/tghub/internal/config"
	"github.com/tghub/tghub/internal/message"
)

func TestSlackAccept(t *testing.T) {
	s, err := NewSlack(config.SlackConfig{BotToken: "xoxb-1", BotUserID: "UBOT", Channels: []string{"C1"}}, bus.NewMessageBus())
	require.NoError(t, err)

	tests := []struct {
		name string
		ev   slackevents.MessageEvent
		want bool
	}{
		{"plain", slackevents.MessageEvent{User: "U1", Channel: "C1", Text: "hi"}, true},
		{"file share", slackevents.MessageEvent{User: "U1", Channel: "C1", SubType: "file_share"}, true},
		{"bot", slackevents.MessageEvent{User: "U1", BotID: "B1", Channel: "C1"}, false},
		{"self", slackevents.MessageEvent{User: "UBOT", Channel: "C1"}, false},
		{"edit", slackevents.MessageEvent{User: "U1", Channel: "C1", SubType: "message_changed"}, false},
		{"dm", slackevents.MessageEvent{User: "U1", Channel: "C1", ChannelType: "im"}, false},
		{"other channel", slackevents.MessageEvent{User: "U1", Channel: "C2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.accept(&tt.ev))
		})
	}
}

func TestRawFromSlack_ThreadRoot(t *testing.T) {
	top := rawFromSlack(&slackevents.MessageEvent{User: "U1", Channel: "C1", TimeStamp: "1700000000.000100", Text: "q"})
	assert.Equal(t, message.SourceGroup, top.Source)
	assert.Equal(t, message.TransportSlack, top.Transport)
	assert.Equal(t, "1700000000.000100", top.MessageID)
	assert.Equal(t, "1700000000.000100", top.ConnectionID)
	assert.Equal(t, int64(1700000000), top.SentAt.Unix())

	reply := rawFromSlack(&slackevents.MessageEvent{User: "U1", Channel: "C1", TimeStamp: "1700000050.000100", ThreadTimeStamp: "1700000000.000100"})
	assert.Equal(t, "1700000050.000100", reply.MessageID)
	assert.Equal(t, "1700000000.000100", reply.ConnectionID)
}

type slackAPI struct {
	mu    sync.Mutex
	forms []url.Values
	body  string
}

func newTestSlack(t *testing.T, api *slackAPI) *Slack {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(raw))
		api.mu.Lock()
		api.forms = append(api.forms, form)
		api.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, api.body)
	}))
	t.Cleanup(srv.Close)
	s, err := NewSlack(config.SlackConfig{BotToken: "xoxb-1", APIBase: srv.URL}, bus.NewMessageBus())
	require.NoError(t, err)
	return s
}

func TestSlackSend_InThread(t *testing.T) {
	api := &slackAPI{body: `{"ok":true,"channel":"C1","ts":"1700000100.000100"}`}
	s := newTestSlack(t, api)

	err := s.Send(context.Background(), &bus.OutboundMessage{
		ChatID: "C1", ReplyTo: "1700000050.000100", ConnectionID: "1700000000.000100", Content: "Смотри §3",
	})
	require.NoError(t, err)
	require.Len(t, api.forms, 1)
	assert.Equal(t, "C1", api.forms[0].Get("channel"))
	assert.Equal(t, "Смотри §3", api.forms[0].Get("text"))
	assert.Equal(t, "1700000000.000100", api.forms[0].Get("thread_ts"))
}

func TestSlackSend_ChannelNotFoundIsPermanent(t *testing.T) {
	api := &slackAPI{body: `{"ok":false,"error":"channel_not_found"}`}
	s := newTestSlack(t, api)

	err := s.Send(context.Background(), &bus.OutboundMessage{ChatID: "C404", Content: "x"})
	var de *DeliveryError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.True(t, de.IsPermanent())
	assert.Equal(t, message.TransportSlack, de.Transport)
}
