package draft

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/tghub/tghub/internal/timeline"
)

// Trigger queues a draft for threadKey without blocking. It returns false
// when the queue is full; a thread already queued is coalesced.
func (e *Engine) Trigger(threadKey string) bool {
	e.mu.Lock()
	if e.queued[threadKey] {
		e.mu.Unlock()
		return true
	}
	e.queued[threadKey] = true
	e.mu.Unlock()

	select {
	case e.queue <- threadKey:
		return true
	default:
		e.mu.Lock()
		delete(e.queued, threadKey)
		e.mu.Unlock()
		slog.Warn("Draft queue full, skipping", "thread", threadKey)
		return false
	}
}

// Run processes queued draft requests until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("Draft workers started", "workers", e.cfg.Workers, "timeout", e.cfg.Timeout)
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case key := <-e.queue:
					e.mu.Lock()
					delete(e.queued, key)
					e.mu.Unlock()
					e.process(ctx, key)
				}
			}
		}()
	}
	wg.Wait()
	slog.Info("Draft workers stopped")
	return ctx.Err()
}

func (e *Engine) process(ctx context.Context, threadKey string) {
	c, err := e.Draft(ctx, threadKey)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		var genErr *GenerationError
		reason := "internal error"
		switch {
		case errors.Is(err, ErrNoContext):
			reason = "no relevant knowledge"
		case errors.Is(err, ErrNoTrigger):
			reason = "nothing to answer"
		case errors.As(err, &genErr):
			reason = "generation failed"
		case errors.Is(err, context.DeadlineExceeded):
			reason = "knowledge search timed out"
		}
		slog.Warn("Draft unavailable", "thread", threadKey, "reason", reason, "error", err)
		if perr := e.pub.PublishNotice(ctx, threadKey, "🤖 No draft available ("+reason+")"); perr != nil {
			slog.Warn("Draft notice not posted", "thread", threadKey, "error", perr)
		}
		return
	}

	hubID, err := e.pub.PublishDraft(ctx, c)
	if err != nil {
		slog.Warn("Draft not posted", "thread", threadKey, "error", err)
		return
	}
	c.HubMessageID = hubID

	e.mu.Lock()
	if old, ok := e.pending[threadKey]; ok {
		delete(e.byHub, old.HubMessageID)
	}
	e.pending[threadKey] = c
	e.byHub[hubID] = c
	e.mu.Unlock()

	if e.audit != nil {
		if err := e.audit.LogDraft(ctx, timeline.DraftRecord{
			DraftID:      c.ID,
			ThreadKey:    c.ThreadKey,
			HubMessageID: hubID,
			ChunkIDs:     c.RetrievedChunkIDs,
			Prompt:       c.PromptText,
			Generated:    c.GeneratedText,
			GeneratedAt:  c.GeneratedAt,
		}); err != nil {
			slog.Warn("Draft audit failed", "draft", c.ID, "error", err)
		}
	}
	slog.Info("Draft posted", "thread", threadKey, "hub_message_id", hubID, "chunks", len(c.RetrievedChunkIDs))
}

// ByHub returns the pending draft posted as hubID.
func (e *Engine) ByHub(hubID int64) (*Candidate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.byHub[hubID]
	return c, ok
}

// Pending returns the pending draft of a thread.
func (e *Engine) Pending(threadKey string) (*Candidate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.pending[threadKey]
	return c, ok
}

// Resolve closes the pending draft of a thread with action.
func (e *Engine) Resolve(ctx context.Context, threadKey, action string) (*Candidate, bool) {
	e.mu.Lock()
	c, ok := e.pending[threadKey]
	if ok {
		delete(e.pending, threadKey)
		delete(e.byHub, c.HubMessageID)
		c.Accepted = action == ActionAccepted
	}
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	if e.audit != nil {
		if err := e.audit.ResolveDraft(ctx, c.ID, action, c.Accepted); err != nil {
			slog.Warn("Draft resolution not recorded", "draft", c.ID, "error", err)
		}
	}
	slog.Info("Draft resolved", "thread", threadKey, "action", action)
	return c, true
}
