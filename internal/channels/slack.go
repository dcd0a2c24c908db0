package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/tghub/tghub/internal/bus"
	"github.com/tghub/tghub/internal/config"
	"github.com/tghub/tghub/internal/message"
)

const defaultSlackAPIBase = "https://slack.com/api"

// Slack monitors Slack channels over socket mode as a group source.
// The origin connection id carries the thread root timestamp so replies
// land in the thread the student wrote in.
type Slack struct {
	BaseChannel
	api      *slack.Client
	cfg      config.SlackConfig
	channels map[string]bool

	mu     sync.Mutex
	users  map[string]string
	titles map[string]string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSlack builds the Web API client used for both socket mode and replies.
func NewSlack(cfg config.SlackConfig, msgBus *bus.MessageBus) (*Slack, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("missing slack bot token")
	}
	base := strings.TrimSpace(cfg.APIBase)
	if base == "" {
		base = defaultSlackAPIBase
	}
	opts := []slack.Option{
		slack.OptionHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		slack.OptionAPIURL(strings.TrimRight(base, "/") + "/"),
	}
	if cfg.AppToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(strings.TrimSpace(cfg.AppToken)))
	}
	allowed := make(map[string]bool, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		allowed[strings.TrimSpace(ch)] = true
	}
	return &Slack{
		BaseChannel: BaseChannel{Bus: msgBus},
		api:         slack.New(strings.TrimSpace(cfg.BotToken), opts...),
		cfg:         cfg,
		channels:    allowed,
		users:       map[string]string{},
		titles:      map[string]string{},
	}, nil
}

func (s *Slack) Name() string { return message.TransportSlack }

// Start opens the socket-mode connection.
func (s *Slack) Start(ctx context.Context) error {
	if s.cfg.AppToken == "" {
		return errors.New("missing slack app token")
	}
	runCtx, cancel := context.WithCancel(ctx)
	client := socketmode.New(s.api)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	go func() {
		if err := client.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack socket mode stopped", "error", err)
		}
	}()
	go func() {
		defer close(done)
		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-client.Events:
				if !ok {
					return
				}
				s.handleSocketEvent(runCtx, client, evt)
			}
		}
	}()
	slog.Info("slack socket mode started", "channels", len(s.channels))
	return nil
}

// Stop closes the socket-mode connection.
func (s *Slack) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *Slack) handleSocketEvent(ctx context.Context, client *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		slog.Info("slack connected")
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			client.Ack(*evt.Request)
		}
		ev, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || ev.Type != slackevents.CallbackEvent {
			return
		}
		msg, ok := ev.InnerEvent.Data.(*slackevents.MessageEvent)
		if !ok || msg == nil || !s.accept(msg) {
			return
		}
		raw := rawFromSlack(msg)
		raw.SenderName = s.userName(ctx, msg.User)
		raw.ChatTitle = s.channelTitle(ctx, msg.Channel)
		s.publish(ctx, raw)
	}
}

// accept filters bot traffic, edits, DMs and channels outside the allowlist.
func (s *Slack) accept(ev *slackevents.MessageEvent) bool {
	if ev.BotID != "" || ev.User == "" || (s.cfg.BotUserID != "" && ev.User == s.cfg.BotUserID) {
		return false
	}
	switch ev.SubType {
	case "", "file_share", "thread_broadcast":
	default:
		return false
	}
	if ev.ChannelType == "im" {
		return false
	}
	return len(s.channels) == 0 || s.channels[ev.Channel]
}

func rawFromSlack(ev *slackevents.MessageEvent) *bus.RawEvent {
	root := ev.ThreadTimeStamp
	if root == "" {
		root = ev.TimeStamp
	}
	raw := &bus.RawEvent{
		Source:       message.SourceGroup,
		Transport:    message.TransportSlack,
		ChatID:       ev.Channel,
		MessageID:    ev.TimeStamp,
		ConnectionID: root,
		SenderID:     ev.User,
		SenderHandle: ev.User,
		Text:         ev.Text,
		SentAt:       slackTime(ev.TimeStamp),
	}
	if ev.SubType == "file_share" {
		raw.Attachments = []message.Attachment{{Kind: "file"}}
	}
	return raw
}

func slackTime(ts string) time.Time {
	sec, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}

func (s *Slack) userName(ctx context.Context, userID string) string {
	s.mu.Lock()
	name, ok := s.users[userID]
	s.mu.Unlock()
	if ok {
		return name
	}
	u, err := s.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		slog.Debug("slack user lookup failed", "user", userID, "error", err)
		return ""
	}
	name = firstText(u.Profile.DisplayName, u.RealName, u.Name)
	s.mu.Lock()
	s.users[userID] = name
	s.mu.Unlock()
	return name
}

func (s *Slack) channelTitle(ctx context.Context, channelID string) string {
	s.mu.Lock()
	title, ok := s.titles[channelID]
	s.mu.Unlock()
	if ok {
		return title
	}
	ch, err := s.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		slog.Debug("slack channel lookup failed", "channel", channelID, "error", err)
		return ""
	}
	title = "#" + ch.Name
	s.mu.Lock()
	s.titles[channelID] = title
	s.mu.Unlock()
	return title
}

// Send posts the reply into the origin thread.
func (s *Slack) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if ts := firstText(msg.ConnectionID, msg.ReplyTo); ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}
	if _, _, err := s.api.PostMessageContext(ctx, msg.ChatID, opts...); err != nil {
		return deliveryError(s.Name(), msg.ChatID, fmt.Errorf("chat.postMessage: %w", err), slackPermanent(err))
	}
	return nil
}

var slackPermanentCodes = map[string]bool{
	"channel_not_found": true,
	"not_in_channel":    true,
	"is_archived":       true,
	"msg_too_long":      true,
	"no_text":           true,
	"invalid_auth":      true,
	"account_inactive":  true,
	"restricted_action": true,
}

func slackPermanent(err error) bool {
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return false
	}
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		return slackPermanentCodes[se.Err]
	}
	return slackPermanentCodes[strings.TrimSpace(err.Error())]
}
