// Package router is the central state machine of the hub. It admits inbound
// events, posts them to the hub, keeps the identity map current and routes
// operator replies back to the chats they answer.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tghub/tghub/internal/audit"
	"github.com/tghub/tghub/internal/bus"
	"github.com/tghub/tghub/internal/draft"
	"github.com/tghub/tghub/internal/identity"
	"github.com/tghub/tghub/internal/message"
	"github.com/tghub/tghub/internal/metrics"
	"github.com/tghub/tghub/internal/normalize"
	"github.com/tghub/tghub/internal/policy"
	"github.com/tghub/tghub/internal/priority"
	"github.com/tghub/tghub/internal/timeline"
)

// Hub is the operator-facing surface. Text is HTML; replyTo 0 posts a new
// top-level message.
type Hub interface {
	Post(ctx context.Context, text string, replyTo int64) (int64, error)
}

// Sender delivers a reply to an origin chat on one transport.
type Sender interface {
	Send(ctx context.Context, msg *bus.OutboundMessage) error
}

// Store persists what the router sees. Routing never depends on reading it
// back.
type Store interface {
	AppendMessage(ctx context.Context, msg message.UnifiedMessage, status, reason string) error
	AppendHubPost(ctx context.Context, rec timeline.HubPostRecord) error
	RecordDelivery(ctx context.Context, d timeline.DeliveryRecord) error
	Stats(ctx context.Context, since time.Time) (timeline.Stats, error)
}

// Drafter is the router's view of the draft engine.
type Drafter interface {
	Observe(msg message.UnifiedMessage)
	Trigger(threadKey string) bool
	ByHub(hubID int64) (*draft.Candidate, bool)
	Pending(threadKey string) (*draft.Candidate, bool)
	Resolve(ctx context.Context, threadKey, action string) (*draft.Candidate, bool)
}

// Config tunes routing.
type Config struct {
	PlatformTimeout  time.Duration
	DeliveryAttempts int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	// IdleAfter moves a replied thread back to idle.
	IdleAfter time.Duration
	// AutoDraft triggers a draft for inbound questions.
	AutoDraft bool
	// ConfirmReplies posts a short annotation after each delivered reply.
	ConfirmReplies bool
}

// DefaultConfig returns the serve defaults.
func DefaultConfig() Config {
	return Config{
		PlatformTimeout:  10 * time.Second,
		DeliveryAttempts: 3,
		BackoffBase:      time.Second,
		BackoffMax:       8 * time.Second,
		IdleAfter:        30 * time.Minute,
		AutoDraft:        true,
	}
}

// Deps are the collaborators of a Router. Store, Drafter, Mutes, Audit and
// Metrics are optional.
type Deps struct {
	Hub        Hub
	Senders    map[string]Sender
	Identity   *identity.Map
	Gate       policy.Engine
	Mutes      *policy.MuteTable
	Classifier priority.Classifier
	Store      Store
	Drafter    Drafter
	Audit      audit.Sink
	Metrics    *metrics.Metrics
}

// Router routes hub traffic in both directions.
type Router struct {
	cfg        Config
	hub        Hub
	senders    map[string]Sender
	ids        *identity.Map
	gate       policy.Engine
	mutes      *policy.MuteTable
	classifier priority.Classifier
	store      Store
	drafter    Drafter
	audit      audit.Sink
	metrics    *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	threads   map[string]*thread
	lastSweep time.Time
	// suppressed counts gated messages per reason since start.
	suppressed map[policy.Reason]int
	stopping   bool
	actors     sync.WaitGroup

	// opMu keeps operator replies in hub order.
	opMu sync.Mutex
}

// New creates a router.
func New(cfg Config, deps Deps) *Router {
	def := DefaultConfig()
	if cfg.PlatformTimeout <= 0 {
		cfg.PlatformTimeout = def.PlatformTimeout
	}
	if cfg.DeliveryAttempts <= 0 {
		cfg.DeliveryAttempts = def.DeliveryAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	if deps.Identity == nil {
		deps.Identity = identity.New()
	}
	if deps.Mutes == nil {
		deps.Mutes = policy.NewMuteTable(nil)
	}
	if deps.Gate == nil {
		deps.Gate = policy.NewDefaultEngine(deps.Mutes, policy.DefaultRateConfig())
	}
	if deps.Classifier == nil {
		deps.Classifier = priority.NewKeywordClassifier(nil, 0)
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Senders == nil {
		deps.Senders = map[string]Sender{}
	}
	return &Router{
		cfg:        cfg,
		hub:        deps.Hub,
		senders:    deps.Senders,
		ids:        deps.Identity,
		gate:       deps.Gate,
		mutes:      deps.Mutes,
		classifier: deps.Classifier,
		store:      deps.Store,
		drafter:    deps.Drafter,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		now:        time.Now,
		sleep:      sleepCtx,
		threads:    make(map[string]*thread),
		suppressed: make(map[policy.Reason]int),
	}
}

// SetDrafter attaches the draft engine after construction. The engine needs
// the router as its publisher, so one of the two is wired late.
func (r *Router) SetDrafter(d Drafter) {
	r.drafter = d
}

// Identity exposes the identity map.
func (r *Router) Identity() *identity.Map { return r.ids }

// Restore rebuilds the identity map from persisted hub posts.
func (r *Router) Restore(records []timeline.HubPostRecord) {
	mappings := make([]identity.Mapping, 0, len(records))
	for _, rec := range records {
		mappings = append(mappings, identity.Mapping{
			HubMessageID: rec.Post.HubMessageID,
			Kind:         rec.Post.Kind,
			Priority:     rec.Post.Priority,
			Origin:       rec.Origin,
			CreatedAt:    rec.Post.CreatedAt,
		})
	}
	r.ids.Restore(mappings)
	slog.Info("Identity map restored", "posts", len(records), "mappings", r.ids.Len())
}

// Run consumes the bus until ctx is cancelled. Inbound events fan out to
// per-thread actors; operator messages are handled one at a time.
func (r *Router) Run(ctx context.Context, b *bus.MessageBus) error {
	slog.Info("Router started")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			op, err := b.ConsumeOperator(ctx)
			if err != nil {
				return
			}
			if err := r.HandleOperator(ctx, op); err != nil {
				slog.Error("Operator message failed", "hub_message_id", op.HubMessageID, "error", err)
			}
		}
	}()

	for {
		ev, err := b.ConsumeInbound(ctx)
		if err != nil {
			break
		}
		if _, err := r.Submit(ctx, ev); err != nil && !errors.Is(err, normalize.ErrMalformed) {
			slog.Error("Inbound event rejected", "source", ev.Source, "error", err)
		}
	}
	wg.Wait()
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()
	r.actors.Wait()
	slog.Info("Router stopped")
	return ctx.Err()
}
