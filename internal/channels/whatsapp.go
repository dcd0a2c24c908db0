package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/tghub/tghub/internal/bus"
	"github.com/tghub/tghub/internal/config"
	"github.com/tghub/tghub/internal/message"
)

// WhatsApp monitors WhatsApp groups through a linked device. The origin
// connection id carries the sender JID so replies quote the original.
type WhatsApp struct {
	BaseChannel
	cfg       config.WhatsAppConfig
	storePath string
	groups    map[string]bool

	mu     sync.Mutex
	client *whatsmeow.Client
	ctx    context.Context
}

// NewWhatsApp prepares the adapter; the device store is opened on Start.
func NewWhatsApp(cfg config.WhatsAppConfig, storePath string, msgBus *bus.MessageBus) *WhatsApp {
	groups := make(map[string]bool, len(cfg.Groups))
	for _, g := range cfg.Groups {
		groups[strings.TrimSpace(g)] = true
	}
	return &WhatsApp{
		BaseChannel: BaseChannel{Bus: msgBus},
		cfg:         cfg,
		storePath:   storePath,
		groups:      groups,
	}
}

func (w *WhatsApp) Name() string { return message.TransportWhatsApp }

// Start opens the device store and connects. An unpaired device writes a
// pairing QR code to cfg.QRPath and keeps refreshing it until linked.
func (w *WhatsApp) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(w.storePath), 0o700); err != nil {
		return fmt.Errorf("whatsapp store dir: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+w.storePath+"?_foreign_keys=on", waLog.Stdout("Database", "WARN", true))
	if err != nil {
		return fmt.Errorf("init whatsapp store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("load whatsapp device: %w", err)
	}
	client := whatsmeow.NewClient(device, waLog.Stdout("WhatsApp", "WARN", true))

	w.mu.Lock()
	w.client, w.ctx = client, ctx
	w.mu.Unlock()
	client.AddEventHandler(w.eventHandler)

	if client.Store.ID != nil {
		if err := client.Connect(); err != nil {
			return fmt.Errorf("whatsapp connect: %w", err)
		}
		slog.Info("whatsapp connected", "groups", len(w.groups))
		return nil
	}

	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp qr channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("whatsapp connect: %w", err)
	}
	go w.pair(qrChan)
	return nil
}

func (w *WhatsApp) pair(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("whatsapp pairing", "event", evt.Event)
			continue
		}
		if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, w.cfg.QRPath); err != nil {
			slog.Error("whatsapp qr write failed", "path", w.cfg.QRPath, "error", err)
			continue
		}
		slog.Info("whatsapp pairing QR code written; scan it from the phone", "path", w.cfg.QRPath)
	}
}

// Stop disconnects the client.
func (w *WhatsApp) Stop() error {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
	return nil
}

func (w *WhatsApp) eventHandler(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		if !w.accept(v) {
			return
		}
		w.mu.Lock()
		ctx := w.ctx
		w.mu.Unlock()
		w.publish(ctx, rawFromWhatsApp(v))
	case *events.LoggedOut:
		slog.Warn("whatsapp device logged out; delete the store to pair again", "store", w.storePath)
	case *events.Connected:
		slog.Debug("whatsapp connection established")
	}
}

func (w *WhatsApp) accept(v *events.Message) bool {
	if v == nil || v.Message == nil || v.Info.IsFromMe || !v.Info.IsGroup {
		return false
	}
	return len(w.groups) == 0 || w.groups[v.Info.Chat.String()]
}

func rawFromWhatsApp(v *events.Message) *bus.RawEvent {
	m := v.Message
	text := firstText(
		m.GetConversation(),
		m.GetExtendedTextMessage().GetText(),
		m.GetImageMessage().GetCaption(),
		m.GetVideoMessage().GetCaption(),
		m.GetDocumentMessage().GetCaption(),
	)
	var atts []message.Attachment
	switch {
	case m.GetImageMessage() != nil:
		atts = append(atts, message.Attachment{Kind: "photo"})
	case m.GetVideoMessage() != nil:
		atts = append(atts, message.Attachment{Kind: "video"})
	case m.GetAudioMessage() != nil:
		atts = append(atts, message.Attachment{Kind: "voice"})
	case m.GetDocumentMessage() != nil:
		atts = append(atts, message.Attachment{Kind: "document", Name: m.GetDocumentMessage().GetFileName()})
	}
	return &bus.RawEvent{
		Source:       message.SourceGroup,
		Transport:    message.TransportWhatsApp,
		ChatID:       v.Info.Chat.String(),
		MessageID:    v.Info.ID,
		ConnectionID: v.Info.Sender.String(),
		SenderID:     v.Info.Sender.String(),
		SenderName:   v.Info.PushName,
		Text:         text,
		Attachments:  atts,
		SentAt:       v.Info.Timestamp,
	}
}

// whatsAppReply quotes replyTo when both the stanza and its author are known.
func whatsAppReply(text, replyTo, participant string) *waE2E.Message {
	if replyTo == "" || participant == "" {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(replyTo),
				Participant:   proto.String(participant),
				QuotedMessage: &waE2E.Message{Conversation: proto.String("")},
			},
		},
	}
}

// Send delivers the reply into the origin group.
func (w *WhatsApp) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	jid, err := types.ParseJID(msg.ChatID)
	if err != nil {
		return deliveryError(w.Name(), msg.ChatID, fmt.Errorf("invalid jid: %w", err), true)
	}
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return deliveryError(w.Name(), msg.ChatID, errors.New("whatsapp client not connected"), false)
	}
	if _, err := client.SendMessage(ctx, jid, whatsAppReply(msg.Content, msg.ReplyTo, msg.ConnectionID)); err != nil {
		return deliveryError(w.Name(), msg.ChatID, err, false)
	}
	return nil
}
