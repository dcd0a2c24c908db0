// Package config provides configuration types and loading for tghub.
package config

import "time"

// Config is the root configuration struct.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Log       LogConfig       `json:"log"`
	Hub       HubConfig       `json:"hub"`
	Telegram  TelegramConfig  `json:"telegram"`
	Slack     SlackConfig     `json:"slack"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Course    CourseConfig    `json:"course"`
	Policy    PolicyConfig    `json:"policy"`
	Router    RouterConfig    `json:"router"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Draft     DraftConfig     `json:"draft"`
	Provider  ProviderConfig  `json:"provider"`
	Audit     AuditConfig     `json:"audit"`
	Digest    DigestConfig    `json:"digest"`
	Gateway   GatewayConfig   `json:"gateway"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups filesystem locations. Empty paths are derived from Home.
type PathsConfig struct {
	Home           string `json:"home" envconfig:"ROOT"`
	Database       string `json:"database" envconfig:"DATABASE"`
	EmbeddingCache string `json:"embeddingCache" envconfig:"EMBEDDING_CACHE"`
	WhatsAppStore  string `json:"whatsappStore" envconfig:"WHATSAPP_STORE"`
}

// LogConfig selects the slog level: debug, info, warn or error.
type LogConfig struct {
	Level string `json:"level" envconfig:"LEVEL"`
}

// ---------------------------------------------------------------------------
// Hub & sources
// ---------------------------------------------------------------------------

// HubConfig identifies the operator-facing Telegram chat.
type HubConfig struct {
	ChatID         int64 `json:"chatId" envconfig:"CHAT_ID"`
	ConfirmReplies bool  `json:"confirmReplies" envconfig:"CONFIRM_REPLIES"`
}

// TelegramConfig configures the bot that serves the hub, business DMs and
// monitored groups.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"ENABLED"`
	Token    string `json:"token" envconfig:"TOKEN"`
	Proxy    string `json:"proxy,omitempty" envconfig:"PROXY"`
	APIURL   string `json:"apiUrl,omitempty" envconfig:"API_URL"`
	Business bool   `json:"business" envconfig:"BUSINESS"`
	// OwnerID is the business account owner; its own messages are skipped.
	OwnerID int64 `json:"ownerId,omitempty" envconfig:"OWNER_ID"`
	// GroupChats limits monitored groups. Empty monitors every group the
	// bot is in except the hub.
	GroupChats []int64 `json:"groupChats" envconfig:"GROUP_CHATS"`
}

// SlackConfig configures monitored Slack channels (socket mode).
type SlackConfig struct {
	Enabled   bool     `json:"enabled" envconfig:"ENABLED"`
	BotToken  string   `json:"botToken" envconfig:"BOT_TOKEN"`
	AppToken  string   `json:"appToken" envconfig:"APP_TOKEN"`
	APIBase   string   `json:"apiBase,omitempty" envconfig:"API_BASE"`
	BotUserID string   `json:"botUserId,omitempty" envconfig:"BOT_USER_ID"`
	Channels  []string `json:"channels" envconfig:"CHANNELS"`
}

// WhatsAppConfig configures monitored WhatsApp groups.
type WhatsAppConfig struct {
	Enabled bool     `json:"enabled" envconfig:"ENABLED"`
	Groups  []string `json:"groups" envconfig:"GROUPS"`
	QRPath  string   `json:"qrPath,omitempty" envconfig:"QR_PATH"`
}

// CourseConfig configures the course-platform webhook and reply client.
type CourseConfig struct {
	Enabled    bool   `json:"enabled" envconfig:"ENABLED"`
	Secret     string `json:"secret" envconfig:"SECRET"`
	ReplyURL   string `json:"replyUrl" envconfig:"REPLY_URL"`
	ReplyToken string `json:"replyToken,omitempty" envconfig:"REPLY_TOKEN"`
}

// ---------------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------------

// PolicyConfig tunes the admission gate and priority classifier.
type PolicyConfig struct {
	RateBurst      int      `json:"rateBurst" envconfig:"RATE_BURST"`
	RateRefillSec  int      `json:"rateRefillSec" envconfig:"RATE_REFILL_SEC"`
	UrgentKeywords []string `json:"urgentKeywords,omitempty" envconfig:"URGENT_KEYWORDS"`
	StaleAfterMin  int      `json:"staleAfterMin" envconfig:"STALE_AFTER_MIN"`
}

// RouterConfig tunes delivery and thread lifecycle.
type RouterConfig struct {
	PlatformTimeoutSec int  `json:"platformTimeoutSec" envconfig:"PLATFORM_TIMEOUT_SEC"`
	DeliveryAttempts   int  `json:"deliveryAttempts" envconfig:"DELIVERY_ATTEMPTS"`
	BackoffBaseMs      int  `json:"backoffBaseMs" envconfig:"BACKOFF_BASE_MS"`
	BackoffMaxMs       int  `json:"backoffMaxMs" envconfig:"BACKOFF_MAX_MS"`
	IdleAfterSec       int  `json:"idleAfterSec" envconfig:"IDLE_AFTER_SEC"`
	AutoDraft          bool `json:"autoDraft" envconfig:"AUTO_DRAFT"`
	RestoreDays        int  `json:"restoreDays" envconfig:"RESTORE_DAYS"`
}

func (c RouterConfig) PlatformTimeout() time.Duration {
	return time.Duration(c.PlatformTimeoutSec) * time.Second
}

func (c RouterConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

func (c RouterConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

func (c RouterConfig) IdleAfter() time.Duration {
	return time.Duration(c.IdleAfterSec) * time.Second
}

// ---------------------------------------------------------------------------
// Knowledge & drafting
// ---------------------------------------------------------------------------

// KnowledgeConfig tunes chunking.
type KnowledgeConfig struct {
	WindowTokens  int    `json:"windowTokens" envconfig:"WINDOW_TOKENS"`
	OverlapTokens int    `json:"overlapTokens" envconfig:"OVERLAP_TOKENS"`
	Path          string `json:"path,omitempty" envconfig:"SOURCE"`
}

// DraftConfig tunes retrieval and generation.
type DraftConfig struct {
	Enabled     bool    `json:"enabled" envconfig:"ENABLED"`
	TopK        int     `json:"topK" envconfig:"TOP_K"`
	MinScore    float64 `json:"minScore" envconfig:"MIN_SCORE"`
	HistoryN    int     `json:"historyN" envconfig:"HISTORY_N"`
	TimeoutSec  int     `json:"timeoutSec" envconfig:"TIMEOUT_SEC"`
	Workers     int     `json:"workers" envconfig:"WORKERS"`
	QueueSize   int     `json:"queueSize" envconfig:"QUEUE_SIZE"`
	MaxTokens   int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature float64 `json:"temperature" envconfig:"TEMPERATURE"`
}

// ProviderConfig configures the OpenAI-compatible backend.
type ProviderConfig struct {
	APIKey         string `json:"apiKey" envconfig:"API_KEY"`
	APIBase        string `json:"apiBase,omitempty" envconfig:"API_BASE"`
	Model          string `json:"model" envconfig:"MODEL"`
	EmbeddingModel string `json:"embeddingModel" envconfig:"EMBEDDING_MODEL"`
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// AuditConfig enables the Kafka audit stream.
type AuditConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers string `json:"brokers" envconfig:"BROKERS"`
	Topic   string `json:"topic" envconfig:"TOPIC"`
}

// DigestConfig schedules the daily statistics digest.
type DigestConfig struct {
	Enabled     bool   `json:"enabled" envconfig:"ENABLED"`
	Cron        string `json:"cron" envconfig:"CRON"`
	WindowHours int    `json:"windowHours" envconfig:"WINDOW_HOURS"`
}

// GatewayConfig is the HTTP listener for the webhook, health and metrics.
type GatewayConfig struct {
	Addr string `json:"addr" envconfig:"ADDR"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{Home: "~/" + ConfigDir},
		Log:   LogConfig{Level: "info"},
		Hub:   HubConfig{ConfirmReplies: true},
		Telegram: TelegramConfig{
			Enabled:  true,
			Business: true,
		},
		Course: CourseConfig{Enabled: true},
		Policy: PolicyConfig{
			RateBurst:     5,
			RateRefillSec: 10,
			StaleAfterMin: 120,
		},
		Router: RouterConfig{
			PlatformTimeoutSec: 10,
			DeliveryAttempts:   3,
			BackoffBaseMs:      1000,
			BackoffMaxMs:       8000,
			IdleAfterSec:       1800,
			AutoDraft:          true,
			RestoreDays:        30,
		},
		Knowledge: KnowledgeConfig{
			WindowTokens:  500,
			OverlapTokens: 50,
		},
		Draft: DraftConfig{
			Enabled:     true,
			TopK:        4,
			MinScore:    0.30,
			HistoryN:    6,
			TimeoutSec:  30,
			Workers:     2,
			QueueSize:   32,
			MaxTokens:   600,
			Temperature: 0.3,
		},
		Provider: ProviderConfig{
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
		},
		Audit: AuditConfig{Topic: "tghub.audit"},
		Digest: DigestConfig{
			Enabled:     true,
			Cron:        "0 21 * * *",
			WindowHours: 24,
		},
		Gateway: GatewayConfig{Addr: "127.0.0.1:8088"},
	}
}
