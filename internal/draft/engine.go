// Package draft produces grounded draft replies for hub threads. Drafting is
// best-effort and runs on its own workers; nothing here can block routing.
package draft

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tghub/tghub/internal/memory"
	"github.com/tghub/tghub/internal/message"
	"github.com/tghub/tghub/internal/provider"
	"github.com/tghub/tghub/internal/timeline"
)

//go:embed templates/system.md
var systemPrompt string

// ErrNoContext means the knowledge index had nothing relevant to ground a draft.
var ErrNoContext = errors.New("draft: no relevant knowledge")

// ErrNoTrigger means the thread has no inbound message to answer.
var ErrNoTrigger = errors.New("draft: thread has no inbound message")

// GenerationError wraps a failed or timed-out generate call.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return "draft generation failed: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

// Draft actions recorded when the operator resolves a draft.
const (
	ActionAccepted = "accepted"
	ActionEdited   = "edited"
	ActionRejected = "rejected"
	ActionIgnored  = "ignored"
)

// Candidate is one generated draft. It lives until the operator acts on it
// or a newer draft replaces it; it is not persisted beyond the audit row.
type Candidate struct {
	ID                string
	ThreadKey         string
	Trigger           message.UnifiedMessage
	RetrievedChunkIDs []string
	Sources           []string
	TopScore          float64
	PromptText        string
	GeneratedText     string
	GeneratedAt       time.Time
	HubMessageID      int64
	Accepted          bool
}

// Retriever is the read side of the knowledge index.
type Retriever interface {
	Query(ctx context.Context, text string, k int) ([]memory.ScoredChunk, error)
}

// History provides recent thread messages for context.
type History interface {
	RecentMessages(ctx context.Context, threadKey string, n int) ([]timeline.ThreadEntry, error)
}

// Publisher posts drafts and notices into the hub through the router.
type Publisher interface {
	PublishDraft(ctx context.Context, c *Candidate) (int64, error)
	PublishNotice(ctx context.Context, threadKey, text string) error
}

// AuditLog records drafts and operator actions.
type AuditLog interface {
	LogDraft(ctx context.Context, d timeline.DraftRecord) error
	ResolveDraft(ctx context.Context, draftID, action string, accepted bool) error
}

// Config tunes retrieval and generation.
type Config struct {
	TopK     int
	MinScore float64
	HistoryN int
	// Timeout bounds the generate call, LookupTimeout the knowledge query
	// (embedding included) and the history read.
	Timeout       time.Duration
	LookupTimeout time.Duration
	Workers       int
	QueueSize     int
	MaxTokens     int
	Temperature   float64
	Model         string
}

// DefaultConfig returns the defaults used by serve.
func DefaultConfig() Config {
	return Config{
		TopK:          4,
		MinScore:      0.30,
		HistoryN:      6,
		Timeout:       30 * time.Second,
		LookupTimeout: 10 * time.Second,
		Workers:       2,
		QueueSize:     32,
		MaxTokens:     600,
		Temperature:   0.3,
	}
}

// Engine owns the draft candidate lifecycle.
type Engine struct {
	cfg     Config
	index   Retriever
	history History
	llm     provider.LLMProvider
	pub     Publisher
	audit   AuditLog
	now     func() time.Time

	queue chan string

	mu       sync.Mutex
	triggers map[string]message.UnifiedMessage
	queued   map[string]bool
	pending  map[string]*Candidate // by thread key
	byHub    map[int64]*Candidate
}

// NewEngine creates a draft engine. history and audit may be nil.
func NewEngine(cfg Config, index Retriever, history History, llm provider.LLMProvider, pub Publisher, audit AuditLog) *Engine {
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	return &Engine{
		cfg:      cfg,
		index:    index,
		history:  history,
		llm:      llm,
		pub:      pub,
		audit:    audit,
		now:      time.Now,
		queue:    make(chan string, cfg.QueueSize),
		triggers: make(map[string]message.UnifiedMessage),
		queued:   make(map[string]bool),
		pending:  make(map[string]*Candidate),
		byHub:    make(map[int64]*Candidate),
	}
}

// Observe records msg as the latest inbound message of its thread.
func (e *Engine) Observe(msg message.UnifiedMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggers[msg.ThreadKey] = msg
}

// Draft retrieves knowledge for the thread's latest inbound message and
// generates a candidate. It fails with ErrNoContext, ErrNoTrigger or a
// *GenerationError.
func (e *Engine) Draft(ctx context.Context, threadKey string) (*Candidate, error) {
	trigger, err := e.trigger(ctx, threadKey)
	if err != nil {
		return nil, err
	}

	queryCtx, cancelQuery := context.WithTimeout(ctx, e.cfg.LookupTimeout)
	hits, err := e.index.Query(queryCtx, trigger.Body, e.cfg.TopK)
	cancelQuery()
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	var relevant []memory.ScoredChunk
	for _, h := range hits {
		if h.Score >= e.cfg.MinScore {
			relevant = append(relevant, h)
		}
	}
	if len(relevant) == 0 {
		return nil, ErrNoContext
	}

	var recent []timeline.ThreadEntry
	if e.history != nil && e.cfg.HistoryN > 0 {
		histCtx, cancelHist := context.WithTimeout(ctx, e.cfg.LookupTimeout)
		recent, err = e.history.RecentMessages(histCtx, threadKey, e.cfg.HistoryN)
		cancelHist()
		if err != nil {
			slog.Warn("Draft history unavailable", "thread", threadKey, "error", err)
			recent = nil
		}
	}

	user := buildPrompt(trigger, recent, relevant)
	genCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	resp, err := e.llm.Chat(genCtx, &provider.ChatRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		Messages: []provider.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return nil, &GenerationError{Err: err}
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return nil, &GenerationError{Err: provider.ErrEmptyResponse}
	}

	c := &Candidate{
		ID:            uuid.NewString(),
		ThreadKey:     threadKey,
		Trigger:       trigger,
		TopScore:      relevant[0].Score,
		PromptText:    systemPrompt + "\n\n" + user,
		GeneratedText: text,
		GeneratedAt:   e.now(),
	}
	seen := map[string]bool{}
	for _, h := range relevant {
		c.RetrievedChunkIDs = append(c.RetrievedChunkIDs, h.ChunkID)
		if src := h.Source(); !seen[src] {
			seen[src] = true
			c.Sources = append(c.Sources, src)
		}
	}
	return c, nil
}

func (e *Engine) trigger(ctx context.Context, threadKey string) (message.UnifiedMessage, error) {
	e.mu.Lock()
	m, ok := e.triggers[threadKey]
	e.mu.Unlock()
	if ok {
		return m, nil
	}
	if e.history == nil {
		return message.UnifiedMessage{}, ErrNoTrigger
	}
	histCtx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
	defer cancel()
	recent, err := e.history.RecentMessages(histCtx, threadKey, 10)
	if err != nil {
		return message.UnifiedMessage{}, fmt.Errorf("load thread: %w", err)
	}
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Kind == message.KindInbound && strings.TrimSpace(recent[i].Body) != "" {
			return recent[i].UnifiedMessage, nil
		}
	}
	return message.UnifiedMessage{}, ErrNoTrigger
}

func buildPrompt(trigger message.UnifiedMessage, recent []timeline.ThreadEntry, chunks []memory.ScoredChunk) string {
	var b strings.Builder
	b.WriteString("Knowledge excerpts:\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] (source: %s)\n%s\n\n", i+1, c.Source(), c.Text)
	}
	if len(recent) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "%s: %s\n", m.AuthorDisplayName, m.Body)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Question from %s:\n%s\n", trigger.AuthorDisplayName, trigger.Body)
	return b.String()
}
