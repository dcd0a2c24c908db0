package channels

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/tghub/tghub/internal/bus"
	"github.com/tghub/tghub/internal/config"
	"github.com/tghub/tghub/internal/message"
)

func waEvent(chat, sender types.JID, isGroup, fromMe bool, msg *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, Sender: sender, IsGroup: isGroup, IsFromMe: fromMe},
			ID:            "3EB0ABC",
			PushName:      "Anna",
			Timestamp:     time.Unix(1700000000, 0),
		},
		Message: msg,
	}
}

func TestWhatsAppAccept(t *testing.T) {
	group := types.NewJID("1203630001", types.GroupServer)
	other := types.NewJID("1203630002", types.GroupServer)
	user := types.NewJID("79990001122", types.DefaultUserServer)
	text := &waE2E.Message{Conversation: proto.String("hi")}

	w := NewWhatsApp(config.WhatsAppConfig{Groups: []string{group.String()}}, "unused.db", bus.NewMessageBus())

	assert.True(t, w.accept(waEvent(group, user, true, false, text)))
	assert.False(t, w.accept(waEvent(other, user, true, false, text)), "outside allowlist")
	assert.False(t, w.accept(waEvent(group, user, true, true, text)), "own message")
	assert.False(t, w.accept(waEvent(user, user, false, false, text)), "direct chat")
	assert.False(t, w.accept(waEvent(group, user, true, false, nil)), "no payload")
}

func TestRawFromWhatsApp(t *testing.T) {
	group := types.NewJID("1203630001", types.GroupServer)
	user := types.NewJID("79990001122", types.DefaultUserServer)

	ev := rawFromWhatsApp(waEvent(group, user, true, false, &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{Caption: proto.String("task 3")},
	}))
	assert.Equal(t, message.SourceGroup, ev.Source)
	assert.Equal(t, message.TransportWhatsApp, ev.Transport)
	assert.Equal(t, group.String(), ev.ChatID)
	assert.Equal(t, "3EB0ABC", ev.MessageID)
	assert.Equal(t, user.String(), ev.ConnectionID)
	assert.Equal(t, "Anna", ev.SenderName)
	assert.Equal(t, "task 3", ev.Text)
	assert.Equal(t, []message.Attachment{{Kind: "photo"}}, ev.Attachments)

	ext := rawFromWhatsApp(waEvent(group, user, true, false, &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("quoted answer")},
	}))
	assert.Equal(t, "quoted answer", ext.Text)
	assert.Empty(t, ext.Attachments)
}

func TestWhatsAppReply(t *testing.T) {
	plain := whatsAppReply("ok", "", "")
	assert.Equal(t, "ok", plain.GetConversation())

	quoted := whatsAppReply("Смотри §3", "3EB0ABC", "79990001122@s.whatsapp.net")
	require.NotNil(t, quoted.GetExtendedTextMessage())
	assert.Equal(t, "Смотри §3", quoted.GetExtendedTextMessage().GetText())
	ci := quoted.GetExtendedTextMessage().GetContextInfo()
	assert.Equal(t, "3EB0ABC", ci.GetStanzaID())
	assert.Equal(t, "79990001122@s.whatsapp.net", ci.GetParticipant())
}
