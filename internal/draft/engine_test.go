package draft

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tghub/tghub/internal/memory"
	"github.com/tghub/tghub/internal/message"
	"github.com/tghub/tghub/internal/provider"
	"github.com/tghub/tghub/internal/timeline"
)

type fakeRetriever struct {
	hits []memory.ScoredChunk
	err  error
}

func (r *fakeRetriever) Query(ctx context.Context, text string, k int) ([]memory.ScoredChunk, error) {
	if len(r.hits) > k {
		return r.hits[:k], r.err
	}
	return r.hits, r.err
}

type fakeHistory []timeline.ThreadEntry

func (h fakeHistory) RecentMessages(ctx context.Context, threadKey string, n int) ([]timeline.ThreadEntry, error) {
	return h, nil
}

func inbound(author, body string) timeline.ThreadEntry {
	return timeline.ThreadEntry{
		Kind:           message.KindInbound,
		UnifiedMessage: message.UnifiedMessage{AuthorDisplayName: author, Body: body},
	}
}

func operatorReply(body string) timeline.ThreadEntry {
	return timeline.ThreadEntry{
		Kind:           message.KindOperatorReply,
		UnifiedMessage: message.UnifiedMessage{AuthorDisplayName: "operator", Body: body},
	}
}

// hangingRetriever blocks until its context ends, like an embedding
// endpoint that never answers.
type hangingRetriever struct{}

func (hangingRetriever) Query(ctx context.Context, text string, k int) ([]memory.ScoredChunk, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeLLM struct {
	reply string
	block bool
	err   error

	mu   sync.Mutex
	reqs []*provider.ChatRequest
}

func (l *fakeLLM) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	l.mu.Lock()
	l.reqs = append(l.reqs, req)
	l.mu.Unlock()
	if l.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if l.err != nil {
		return nil, l.err
	}
	return &provider.ChatResponse{Content: l.reply}, nil
}

func (l *fakeLLM) DefaultModel() string { return "fake" }

type fakePublisher struct {
	mu      sync.Mutex
	drafts  []*Candidate
	notices []string
	nextID  int64
	done    chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{nextID: 500, done: make(chan struct{}, 10)}
}

func (p *fakePublisher) PublishDraft(ctx context.Context, c *Candidate) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.drafts = append(p.drafts, c)
	p.done <- struct{}{}
	return p.nextID, nil
}

func (p *fakePublisher) PublishNotice(ctx context.Context, threadKey, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, text)
	p.done <- struct{}{}
	return nil
}

type fakeAudit struct {
	mu       sync.Mutex
	logged   []timeline.DraftRecord
	resolved map[string]string
}

func (a *fakeAudit) LogDraft(ctx context.Context, d timeline.DraftRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logged = append(a.logged, d)
	return nil
}

func (a *fakeAudit) ResolveDraft(ctx context.Context, id, action string, accepted bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved == nil {
		a.resolved = map[string]string{}
	}
	a.resolved[id] = action
	return nil
}

func hit(id, doc, text string, score float64) memory.ScoredChunk {
	return memory.ScoredChunk{
		KnowledgeChunk: memory.KnowledgeChunk{ChunkID: id, DocumentID: doc, Text: text},
		Score:          score,
	}
}

var trigger = message.UnifiedMessage{
	ThreadKey:         "course:abc",
	AuthorDisplayName: "Ann",
	Body:              "How do I upload homework?",
}

func TestDraft_AssemblesGroundedPrompt(t *testing.T) {
	llm := &fakeLLM{reply: "  Open the lesson and press Upload.  "}
	ret := &fakeRetriever{hits: []memory.ScoredChunk{
		hit("c1", "guide.md", "Uploads live on the lesson page.", 0.9),
		hit("c2", "guide.md", "Files up to 20MB.", 0.7),
		hit("c3", "faq.yml#2", "Unrelated billing text.", 0.1),
	}}
	hist := fakeHistory{inbound("Ann", "hi"), operatorReply("hello")}
	e := NewEngine(DefaultConfig(), ret, hist, llm, newFakePublisher(), nil)
	e.Observe(trigger)

	c, err := e.Draft(context.Background(), "course:abc")
	require.NoError(t, err)
	assert.Equal(t, "Open the lesson and press Upload.", c.GeneratedText)
	assert.Equal(t, []string{"c1", "c2"}, c.RetrievedChunkIDs)
	assert.Equal(t, []string{"guide.md"}, c.Sources)
	assert.InDelta(t, 0.9, c.TopScore, 1e-9)
	assert.NotEmpty(t, c.ID)

	require.Len(t, llm.reqs, 1)
	user := llm.reqs[0].Messages[1].Content
	assert.Contains(t, user, "[1] (source: guide.md)")
	assert.Contains(t, user, "operator: hello")
	assert.Contains(t, user, "Question from Ann:\nHow do I upload homework?")
	assert.NotContains(t, user, "billing")
	assert.Equal(t, "system", llm.reqs[0].Messages[0].Role)
	assert.Contains(t, c.PromptText, "knowledge excerpts")
}

func TestDraft_NoContext(t *testing.T) {
	for name, ret := range map[string]*fakeRetriever{
		"empty index": {},
		"below floor": {hits: []memory.ScoredChunk{hit("c", "d", "x", 0.05)}},
	} {
		t.Run(name, func(t *testing.T) {
			llm := &fakeLLM{reply: "x"}
			e := NewEngine(DefaultConfig(), ret, nil, llm, newFakePublisher(), nil)
			e.Observe(trigger)
			_, err := e.Draft(context.Background(), trigger.ThreadKey)
			assert.ErrorIs(t, err, ErrNoContext)
			assert.Empty(t, llm.reqs)
		})
	}
}

func TestDraft_NoTrigger(t *testing.T) {
	e := NewEngine(DefaultConfig(), &fakeRetriever{}, fakeHistory{operatorReply("x")}, &fakeLLM{}, newFakePublisher(), nil)
	_, err := e.Draft(context.Background(), "t")
	assert.ErrorIs(t, err, ErrNoTrigger)
}

func TestDraft_TriggerFromHistory(t *testing.T) {
	ret := &fakeRetriever{hits: []memory.ScoredChunk{hit("c1", "d", "x", 0.8)}}
	hist := fakeHistory{inbound("Bob", "question?"), operatorReply("wait")}
	e := NewEngine(DefaultConfig(), ret, hist, &fakeLLM{reply: "ok"}, newFakePublisher(), nil)
	c, err := e.Draft(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, "question?", c.Trigger.Body)
}

func TestDraft_StudentNamedOperatorIsATrigger(t *testing.T) {
	ret := &fakeRetriever{hits: []memory.ScoredChunk{hit("c1", "d", "x", 0.8)}}
	hist := fakeHistory{operatorReply("earlier answer"), inbound("operator", "where is lesson 2?")}
	e := NewEngine(DefaultConfig(), ret, hist, &fakeLLM{reply: "ok"}, newFakePublisher(), nil)
	c, err := e.Draft(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, "where is lesson 2?", c.Trigger.Body)
}

func TestDraft_KnowledgeQueryTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LookupTimeout = 30 * time.Millisecond
	llm := &fakeLLM{reply: "x"}
	e := NewEngine(cfg, hangingRetriever{}, nil, llm, newFakePublisher(), nil)
	e.Observe(trigger)

	start := time.Now()
	_, err := e.Draft(context.Background(), trigger.ThreadKey)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, llm.reqs)
}

func TestDraft_GenerationTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	ret := &fakeRetriever{hits: []memory.ScoredChunk{hit("c1", "d", "x", 0.8)}}
	e := NewEngine(cfg, ret, nil, &fakeLLM{block: true}, newFakePublisher(), nil)
	e.Observe(trigger)

	start := time.Now()
	_, err := e.Draft(context.Background(), trigger.ThreadKey)
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDraft_EmptyGenerationIsError(t *testing.T) {
	ret := &fakeRetriever{hits: []memory.ScoredChunk{hit("c1", "d", "x", 0.8)}}
	e := NewEngine(DefaultConfig(), ret, nil, &fakeLLM{reply: "  "}, newFakePublisher(), nil)
	e.Observe(trigger)
	_, err := e.Draft(context.Background(), trigger.ThreadKey)
	assert.ErrorIs(t, err, provider.ErrEmptyResponse)
}

func TestWorker_PublishesDraftAndResolves(t *testing.T) {
	ret := &fakeRetriever{hits: []memory.ScoredChunk{hit("c1", "d", "x", 0.8)}}
	pub := newFakePublisher()
	audit := &fakeAudit{}
	e := NewEngine(DefaultConfig(), ret, nil, &fakeLLM{reply: "answer"}, pub, audit)
	e.Observe(trigger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	require.True(t, e.Trigger(trigger.ThreadKey))
	select {
	case <-pub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("draft not published")
	}
	require.Eventually(t, func() bool {
		audit.mu.Lock()
		defer audit.mu.Unlock()
		return len(audit.logged) == 1
	}, time.Second, 5*time.Millisecond)

	c, ok := e.Pending(trigger.ThreadKey)
	require.True(t, ok)
	assert.Equal(t, int64(501), c.HubMessageID)

	resolved, ok := e.Resolve(ctx, trigger.ThreadKey, ActionAccepted)
	require.True(t, ok)
	assert.True(t, resolved.Accepted)
	_, ok = e.ByHub(501)
	assert.False(t, ok)

	audit.mu.Lock()
	defer audit.mu.Unlock()
	require.Len(t, audit.logged, 1)
	assert.Equal(t, ActionAccepted, audit.resolved[c.ID])
}

func TestWorker_FailureBecomesNotice(t *testing.T) {
	pub := newFakePublisher()
	e := NewEngine(DefaultConfig(), &fakeRetriever{}, nil, &fakeLLM{reply: "x"}, pub, nil)
	e.Observe(trigger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	require.True(t, e.Trigger(trigger.ThreadKey))
	select {
	case <-pub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("notice not published")
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.notices, 1)
	assert.Contains(t, pub.notices[0], "No draft available")
	assert.Empty(t, pub.drafts)
}

func TestWorker_HangingKnowledgeQueryBecomesNotice(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.LookupTimeout = 30 * time.Millisecond
	pub := newFakePublisher()
	e := NewEngine(cfg, hangingRetriever{}, nil, &fakeLLM{reply: "x"}, pub, nil)
	e.Observe(trigger)
	other := trigger
	other.ThreadKey = "course:def"
	e.Observe(other)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	require.True(t, e.Trigger(trigger.ThreadKey))
	require.True(t, e.Trigger(other.ThreadKey))
	for i := 0; i < 2; i++ {
		select {
		case <-pub.done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker stuck on knowledge query")
		}
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.notices, 2)
	assert.Contains(t, pub.notices[0], "knowledge search timed out")
}

func TestTrigger_NeverBlocksWhenQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	e := NewEngine(cfg, &fakeRetriever{}, nil, &fakeLLM{}, newFakePublisher(), nil)

	assert.True(t, e.Trigger("a"))
	assert.True(t, e.Trigger("a"), "coalesced")
	done := make(chan bool)
	go func() { done <- e.Trigger("b") }()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Trigger blocked")
	}
}
