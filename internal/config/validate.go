package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adhocore/gronx"
)

// Validate reports every configuration problem that would prevent serving.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Hub.ChatID == 0 {
		add("hub.chatId is required")
	}
	if c.Telegram.Token == "" {
		add("telegram.token is required")
	}
	if c.Slack.Enabled && (c.Slack.BotToken == "" || c.Slack.AppToken == "") {
		add("slack.botToken and slack.appToken are required when slack is enabled")
	}
	if c.Course.Enabled && c.Course.Secret == "" {
		add("course.secret is required when the course webhook is enabled")
	}
	if c.Policy.RateBurst <= 0 || c.Policy.RateRefillSec <= 0 {
		add("policy.rateBurst and policy.rateRefillSec must be positive")
	}
	if c.Router.DeliveryAttempts <= 0 {
		add("router.deliveryAttempts must be positive")
	}
	if c.Router.BackoffBaseMs <= 0 || c.Router.BackoffMaxMs < c.Router.BackoffBaseMs {
		add("router.backoffBaseMs must be positive and not above router.backoffMaxMs")
	}
	if c.Knowledge.OverlapTokens < 0 || c.Knowledge.OverlapTokens >= c.Knowledge.WindowTokens {
		add("knowledge.overlapTokens must be in [0, windowTokens)")
	}
	if c.Draft.Enabled {
		if c.Provider.APIKey == "" {
			add("provider.apiKey (or OPENAI_API_KEY) is required when drafting is enabled")
		}
		if c.Draft.TopK <= 0 {
			add("draft.topK must be positive")
		}
		if c.Draft.MinScore < 0 || c.Draft.MinScore > 1 {
			add("draft.minScore must be within [0, 1]")
		}
	}
	if c.Audit.Enabled && (strings.TrimSpace(c.Audit.Brokers) == "" || c.Audit.Topic == "") {
		add("audit.brokers and audit.topic are required when audit is enabled")
	}
	if c.Digest.Enabled && !gronx.IsValid(c.Digest.Cron) {
		add("digest.cron %q is not a valid cron expression", c.Digest.Cron)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps log.level onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", s, err)
	}
	return lvl, nil
}

// BrokerList splits the comma separated broker list.
func (c AuditConfig) BrokerList() []string {
	var out []string
	for _, b := range strings.Split(c.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
