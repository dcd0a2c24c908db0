package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/tghub/tghub/internal/bus"
	"github.com/tghub/tghub/internal/config"
	"github.com/tghub/tghub/internal/message"
)

// Telegram serves three roles over one bot: the operator hub, the business
// direct-message source and the Telegram group source.
type Telegram struct {
	BaseChannel
	bot    *telego.Bot
	cfg    config.TelegramConfig
	hubID  int64
	groups map[int64]bool

	mu         sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewTelegram creates the bot client. No network call is made until Start.
func NewTelegram(cfg config.TelegramConfig, hubChatID int64, msgBus *bus.MessageBus) (*Telegram, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	} else {
		opts = append(opts, telego.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}))
	}
	if cfg.APIURL != "" {
		opts = append(opts, telego.WithAPIServer(strings.TrimRight(cfg.APIURL, "/")))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return newTelegram(bot, cfg, hubChatID, msgBus), nil
}

func newTelegram(bot *telego.Bot, cfg config.TelegramConfig, hubChatID int64, msgBus *bus.MessageBus) *Telegram {
	groups := make(map[int64]bool, len(cfg.GroupChats))
	for _, id := range cfg.GroupChats {
		groups[id] = true
	}
	return &Telegram{
		BaseChannel: BaseChannel{Bus: msgBus},
		bot:         bot,
		cfg:         cfg,
		hubID:       hubChatID,
		groups:      groups,
	}
}

func (t *Telegram) Name() string { return message.TransportTelegram }

// Start begins long polling for updates.
func (t *Telegram) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	allowed := []string{"message"}
	if t.cfg.Business {
		allowed = append(allowed, "business_message")
	}
	updates, err := t.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: allowed,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.pollCancel, t.pollDone = cancel, done
	t.mu.Unlock()
	slog.Info("telegram bot connected", "username", t.bot.Username(), "hub", t.hubID)

	go func() {
		defer close(done)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				t.handleUpdate(pollCtx, update)
			}
		}
	}()
	return nil
}

// Stop ends long polling and waits for the update loop.
func (t *Telegram) Stop() error {
	t.mu.Lock()
	cancel, done := t.pollCancel, t.pollDone
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (t *Telegram) handleUpdate(ctx context.Context, update telego.Update) {
	ev, op := t.classify(update)
	switch {
	case op != nil:
		if err := t.Bus.PublishOperator(ctx, op); err != nil {
			slog.Warn("operator message dropped", "hub_message", op.HubMessageID, "error", err)
		}
	case ev != nil:
		slog.Debug("telegram message received",
			"source", ev.Source, "chat", ev.ChatID, "text_preview", truncate(ev.Text, 60))
		t.publish(ctx, ev)
	}
}

// classify turns an update into an inbound event or an operator message.
// Both are nil for updates that are ignored.
func (t *Telegram) classify(update telego.Update) (*bus.RawEvent, *bus.OperatorMessage) {
	if m := update.BusinessMessage; m != nil {
		if !t.cfg.Business || m.From == nil || m.SenderBusinessBot != nil {
			return nil, nil
		}
		if t.cfg.OwnerID != 0 && m.From.ID == t.cfg.OwnerID {
			return nil, nil
		}
		return rawFromTelegram(m, message.SourceBusinessDM), nil
	}

	m := update.Message
	if m == nil || m.From == nil {
		return nil, nil
	}
	if m.Chat.ID == t.hubID {
		if m.From.IsBot {
			return nil, nil
		}
		return nil, operatorFromTelegram(m)
	}
	if m.Chat.Type != telego.ChatTypeGroup && m.Chat.Type != telego.ChatTypeSupergroup {
		return nil, nil
	}
	if m.From.IsBot || isServiceMessage(m) {
		return nil, nil
	}
	if len(t.groups) > 0 && !t.groups[m.Chat.ID] {
		return nil, nil
	}
	return rawFromTelegram(m, message.SourceGroup), nil
}

func rawFromTelegram(m *telego.Message, src message.Source) *bus.RawEvent {
	ev := &bus.RawEvent{
		Source:       src,
		Transport:    message.TransportTelegram,
		ChatID:       strconv.FormatInt(m.Chat.ID, 10),
		ChatTitle:    m.Chat.Title,
		MessageID:    strconv.Itoa(m.MessageID),
		ConnectionID: m.BusinessConnectionID,
		Text:         firstText(m.Text, m.Caption),
		Attachments:  telegramAttachments(m),
		SentAt:       time.Unix(m.Date, 0),
	}
	if m.From != nil {
		ev.SenderID = strconv.FormatInt(m.From.ID, 10)
		ev.SenderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		ev.SenderHandle = m.From.Username
	}
	return ev
}

func operatorFromTelegram(m *telego.Message) *bus.OperatorMessage {
	op := &bus.OperatorMessage{
		HubMessageID: int64(m.MessageID),
		Text:         strings.TrimSpace(firstText(m.Text, m.Caption)),
		SentAt:       time.Unix(m.Date, 0),
	}
	if m.ReplyToMessage != nil {
		op.ReplyTo = int64(m.ReplyToMessage.MessageID)
	}
	return op
}

func telegramAttachments(m *telego.Message) []message.Attachment {
	var out []message.Attachment
	if n := len(m.Photo); n > 0 {
		out = append(out, message.Attachment{Kind: "photo", Name: m.Photo[n-1].FileID})
	}
	if d := m.Document; d != nil {
		out = append(out, message.Attachment{Kind: "document", Name: d.FileName})
	}
	if m.Voice != nil {
		out = append(out, message.Attachment{Kind: "voice"})
	}
	if m.Video != nil {
		out = append(out, message.Attachment{Kind: "video"})
	}
	return out
}

func isServiceMessage(m *telego.Message) bool {
	return m.Text == "" && m.Caption == "" && len(m.Photo) == 0 &&
		m.Document == nil && m.Voice == nil && m.Video == nil
}

func firstText(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Post publishes HTML text into the hub chat and returns the hub message id.
func (t *Telegram) Post(ctx context.Context, text string, replyTo int64) (int64, error) {
	params := tu.Message(tu.ID(t.hubID), text).WithParseMode(telego.ModeHTML)
	params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	if replyTo != 0 {
		params.ReplyParameters = &telego.ReplyParameters{
			MessageID:                int(replyTo),
			AllowSendingWithoutReply: true,
		}
	}
	sent, err := t.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, deliveryError("hub", strconv.FormatInt(t.hubID, 10), err, telegramPermanent(err))
	}
	return int64(sent.MessageID), nil
}

// Send delivers a plain-text reply to a business DM or a group.
func (t *Telegram) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return deliveryError(t.Name(), msg.ChatID, fmt.Errorf("invalid chat id: %w", err), true)
	}
	params := tu.Message(tu.ID(chatID), msg.Content)
	params.BusinessConnectionID = msg.ConnectionID
	if id, err := strconv.Atoi(msg.ReplyTo); err == nil && id > 0 {
		params.ReplyParameters = &telego.ReplyParameters{
			MessageID:                id,
			AllowSendingWithoutReply: true,
		}
	}
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		return deliveryError(t.Name(), msg.ChatID, err, telegramPermanent(err))
	}
	slog.Debug("telegram reply sent", "chat", msg.ChatID, "trace", msg.TraceID)
	return nil
}

// telegramPermanent treats 400 (chat not found, bad request) and 403
// (blocked, kicked) as final. 429 and 5xx are retried.
func telegramPermanent(err error) bool {
	var apiErr *telegoapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode == http.StatusBadRequest || apiErr.ErrorCode == http.StatusForbidden
}
