package router

import (
	"context"
	"time"

	"github.com/tghub/tghub/internal/policy"
)

// State is the lifecycle of a thread.
type State string

const (
	StateIdle         State = "idle"
	StatePendingReply State = "pending-reply"
	StateReplied      State = "replied"
)

// thread is the per-key actor. All fields are guarded by Router.mu; the
// queue is drained by at most one goroutine at a time.
type thread struct {
	queue   []*job
	running bool

	state        State
	pendingSince time.Time
	lastReply    time.Time
}

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) Outcome
	done chan Outcome
}

// enqueue schedules fn on the actor of key. Jobs for one key run in
// submission order; different keys run in parallel.
func (r *Router) enqueue(ctx context.Context, key string, fn func(ctx context.Context) Outcome) <-chan Outcome {
	j := &job{ctx: ctx, fn: fn, done: make(chan Outcome, 1)}

	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		j.done <- Outcome{Status: StatusFailed, Err: ErrStopped}
		return j.done
	}
	t := r.threadLocked(key)
	t.queue = append(t.queue, j)
	start := !t.running
	t.running = true
	if start {
		r.actors.Add(1)
	}
	r.mu.Unlock()

	if start {
		go r.drain(key, t)
	}
	return j.done
}

func (r *Router) drain(key string, t *thread) {
	defer r.actors.Done()
	for {
		r.mu.Lock()
		if len(t.queue) == 0 {
			t.running = false
			r.releaseLocked(key, t, r.now())
			r.mu.Unlock()
			return
		}
		j := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		r.mu.Unlock()

		j.done <- j.fn(j.ctx)
	}
}

func (r *Router) threadLocked(key string) *thread {
	t, ok := r.threads[key]
	if !ok {
		t = &thread{state: StateIdle}
		r.threads[key] = t
	}
	return t
}

// releaseLocked drops an idle actor so the thread table only holds keys
// with queued work or reply state. Replied threads that went idle without
// new traffic are swept at most once per IdleAfter.
func (r *Router) releaseLocked(key string, t *thread, now time.Time) {
	if !t.running && len(t.queue) == 0 && r.expireLocked(t, now) == StateIdle && r.threads[key] == t {
		delete(r.threads, key)
	}
	if now.Sub(r.lastSweep) < r.cfg.IdleAfter {
		return
	}
	r.lastSweep = now
	for k, other := range r.threads {
		if !other.running && len(other.queue) == 0 && r.expireLocked(other, now) == StateIdle {
			delete(r.threads, k)
		}
	}
}

// SuppressedCounts reports how many messages the gate held back since
// start, by reason.
func (r *Router) SuppressedCounts() (muted, rateLimited int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suppressed[policy.ReasonChatMuted], r.suppressed[policy.ReasonRateLimited]
}

// ThreadCount is the number of threads the router currently tracks.
func (r *Router) ThreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}

// ThreadState reports the current state of a thread.
func (r *Router) ThreadState(key string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[key]
	if !ok {
		return StateIdle
	}
	return r.expireLocked(t, r.now())
}

func (r *Router) expireLocked(t *thread, now time.Time) State {
	if t.state == StateReplied && now.Sub(t.lastReply) >= r.cfg.IdleAfter {
		t.state = StateIdle
	}
	return t.state
}

func (r *Router) markPending(key string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.threadLocked(key)
	if r.expireLocked(t, at) != StatePendingReply {
		t.pendingSince = at
	}
	t.state = StatePendingReply
}

func (r *Router) markReplied(key string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.threadLocked(key)
	t.state = StateReplied
	t.lastReply = at
	t.pendingSince = time.Time{}
}

func (r *Router) activity(key string, now time.Time) (pendingSince, lastReply time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[key]
	if !ok {
		return time.Time{}, time.Time{}
	}
	if r.expireLocked(t, now) == StatePendingReply {
		pendingSince = t.pendingSince
	}
	return pendingSince, t.lastReply
}

// PendingThreads lists threads waiting for an operator reply with the time
// they started waiting.
func (r *Router) PendingThreads() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time)
	for key, t := range r.threads {
		if t.state == StatePendingReply {
			out[key] = t.pendingSince
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
