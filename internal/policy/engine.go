// Package policy decides whether an inbound message is admitted to the hub.
// It is the only place where messages are intentionally kept out of the hub.
package policy

import (
	"time"

	"github.com/tghub/tghub/internal/message"
)

// Reason explains a suppression.
type Reason string

const (
	ReasonChatMuted   Reason = "chat-muted"
	ReasonRateLimited Reason = "rate-limited"
)

// Decision is the result of a gate evaluation.
type Decision struct {
	Admit  bool
	Reason Reason
	// BurstStart is set on the first rate-limited message after an admitted one.
	BurstStart bool
	Ts         time.Time
}

// Engine evaluates whether a message should be posted to the hub.
type Engine interface {
	Admit(msg message.UnifiedMessage) Decision
}

// RateConfig sizes the per-chat token buckets.
type RateConfig struct {
	Burst  int
	Refill time.Duration // one token per Refill
}

// DefaultRateConfig absorbs short bursts from course-platform automations.
func DefaultRateConfig() RateConfig {
	return RateConfig{Burst: 5, Refill: 10 * time.Second}
}

// DefaultEngine checks mute state first, then the chat's token bucket, so
// muted traffic never consumes tokens.
type DefaultEngine struct {
	Mutes   *MuteTable
	limiter *limiterPool
	Now     func() time.Time
}

// NewDefaultEngine creates a gate over mutes with per-chat rate limiting.
func NewDefaultEngine(mutes *MuteTable, rc RateConfig) *DefaultEngine {
	if rc.Burst <= 0 {
		rc.Burst = DefaultRateConfig().Burst
	}
	if rc.Refill <= 0 {
		rc.Refill = DefaultRateConfig().Refill
	}
	if mutes == nil {
		mutes = NewMuteTable(nil)
	}
	return &DefaultEngine{
		Mutes:   mutes,
		limiter: newLimiterPool(rc),
		Now:     time.Now,
	}
}

// Admit evaluates msg against mute state and rate policy.
func (e *DefaultEngine) Admit(msg message.UnifiedMessage) Decision {
	now := e.Now()
	d := Decision{Ts: now}

	if _, muted := e.Mutes.Muted(msg.OriginChatID, now); muted {
		d.Reason = ReasonChatMuted
		return d
	}
	allowed, burstStart := e.limiter.allow(msg.OriginChatID, now)
	if !allowed {
		d.Reason = ReasonRateLimited
		d.BurstStart = burstStart
		return d
	}
	d.Admit = true
	return d
}
