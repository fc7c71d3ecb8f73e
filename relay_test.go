package chatrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ferro-labs/chat-relay/internal/auth"
	"github.com/ferro-labs/chat-relay/internal/cache"
	"github.com/ferro-labs/chat-relay/internal/fallback"
	"github.com/ferro-labs/chat-relay/internal/metrics"
	"github.com/ferro-labs/chat-relay/internal/store"
	"github.com/ferro-labs/chat-relay/providers"
)

type fakeProvider struct {
	mu        sync.Mutex
	calls     int
	lastReq   providers.Request
	reply     string
	err       error
	gate      chan struct{}
	chunks    []string
	streamErr error
	openErr   error
	// holdOpen keeps the stream open after the chunks until ctx ends.
	holdOpen  bool
	streamEnd chan struct{}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) Complete(ctx context.Context, req providers.Request) (*providers.Response, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &providers.Response{
		Model:   "fake-model",
		Content: f.reply,
		Usage:   providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *fakeProvider) CompleteStream(ctx context.Context, req providers.Request) (<-chan providers.StreamChunk, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	f.mu.Unlock()

	if f.openErr != nil {
		return nil, f.openErr
	}
	ch := make(chan providers.StreamChunk)
	go func() {
		defer close(ch)
		if f.streamEnd != nil {
			defer close(f.streamEnd)
		}
		emit := func(c providers.StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, c := range f.chunks {
			if !emit(providers.StreamChunk{Content: c}) {
				return
			}
		}
		if f.holdOpen {
			<-ctx.Done()
			return
		}
		if f.streamErr != nil {
			emit(providers.StreamChunk{Error: f.streamErr})
			return
		}
		emit(providers.StreamChunk{Usage: &providers.Usage{PromptTokens: 3, CompletionTokens: 2}})
	}()
	return ch, nil
}

type fakeRecorder struct {
	mu   sync.Mutex
	msgs []store.Message
	err  error
}

func (r *fakeRecorder) CreateMessage(_ context.Context, msg store.Message) (*store.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.msgs = append(r.msgs, msg)
	return &msg, nil
}

func testConfig() Config {
	cfg := Default()
	cfg.Chat.TypingDelay = 0
	cfg.Upstream.Timeout = Duration(2 * time.Second)
	cfg.Upstream.StreamTimeout = Duration(2 * time.Second)
	return cfg
}

func newTestRelay(t *testing.T, cfg Config, p providers.StreamProvider, opts ...Option) (*Relay, *cache.Memory) {
	t.Helper()
	c := cache.NewMemory(100, time.Hour)
	r, err := New(cfg, p, c, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return r, c
}

func collect(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
			ev.Ack()
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func joinContent(events []StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		b.WriteString(ev.Content)
	}
	return b.String()
}

func TestNew_RequiresProviderAndCache(t *testing.T) {
	if _, err := New(testConfig(), nil, cache.NewMemory(1, time.Minute)); err == nil {
		t.Error("expected error for nil provider")
	}
	if _, err := New(testConfig(), &fakeProvider{}, nil); err == nil {
		t.Error("expected error for nil cache")
	}
}

func TestChat_CacheHitSkipsUpstream(t *testing.T) {
	p := &fakeProvider{reply: "unused"}
	r, c := newTestRelay(t, testConfig(), p)
	cache.Seed(c, cache.CommonQuestions(), 0)

	res, err := r.Chat(context.Background(), ChatRequest{Message: "안녕하세요"})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if !res.Cached || res.Outcome != metrics.OutcomeCacheHit {
		t.Errorf("result = %+v, want cache hit", res)
	}
	if res.Usage != nil {
		t.Error("cache hit must not report usage")
	}
	if p.Calls() != 0 {
		t.Errorf("upstream called %d times on a cache hit", p.Calls())
	}
}

func TestChat_UpstreamSuccessIsCached(t *testing.T) {
	p := &fakeProvider{reply: "반가워요"}
	r, c := newTestRelay(t, testConfig(), p)

	history := []cache.Turn{{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"}}
	res, err := r.Chat(context.Background(), ChatRequest{Message: "질문", History: history})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if res.Cached || res.Response != "반가워요" || res.Outcome != metrics.OutcomeUpstream {
		t.Errorf("result = %+v", res)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", res.Usage)
	}
	if got, ok := c.Get("질문", history); !ok || got != "반가워요" {
		t.Errorf("cache = %q, %v", got, ok)
	}

	again, _ := r.Chat(context.Background(), ChatRequest{Message: " 질문 ", History: history})
	if !again.Cached || p.Calls() != 1 {
		t.Errorf("second request should hit the cache, calls = %d", p.Calls())
	}
}

func TestChat_UpstreamFailureServesFallback(t *testing.T) {
	p := &fakeProvider{err: errors.New("boom")}
	r, c := newTestRelay(t, testConfig(), p)

	res, err := r.Chat(context.Background(), ChatRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if want := fallback.New().Respond("hello"); res.Response != want {
		t.Errorf("response = %q, want %q", res.Response, want)
	}
	if res.Note != fallback.Note || res.Error != "boom" || res.Usage != nil {
		t.Errorf("result = %+v", res)
	}
	if res.Outcome != metrics.OutcomeFallback {
		t.Errorf("outcome = %q", res.Outcome)
	}
	if _, ok := c.Get("hello", nil); ok {
		t.Error("fallback reply must not be cached")
	}
}

func TestChat_TimeoutServesFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.Timeout = Duration(20 * time.Millisecond)
	p := &fakeProvider{reply: "late", gate: make(chan struct{})}
	r, _ := newTestRelay(t, cfg, p)

	res, err := r.Chat(context.Background(), ChatRequest{Message: "slow"})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if res.Outcome != metrics.OutcomeFallback || res.Error != "upstream request timed out" {
		t.Errorf("result = %+v", res)
	}
}

func TestChat_EmptyCompletionNotCached(t *testing.T) {
	p := &fakeProvider{reply: "  "}
	r, c := newTestRelay(t, testConfig(), p)

	res, err := r.Chat(context.Background(), ChatRequest{Message: "empty"})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if res.Response != EmptyCompletionReply {
		t.Errorf("response = %q", res.Response)
	}
	if _, ok := c.Get("empty", nil); ok {
		t.Error("empty completion must not be cached")
	}
}

func TestChat_OpenCircuitServesFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.CircuitBreaker = CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          Duration(time.Hour),
	}
	p := &fakeProvider{err: errors.New("down")}
	r, _ := newTestRelay(t, cfg, p)

	if _, err := r.Chat(context.Background(), ChatRequest{Message: "one"}); err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if r.BreakerState() != "open" {
		t.Fatalf("breaker = %s, want open", r.BreakerState())
	}

	res, err := r.Chat(context.Background(), ChatRequest{Message: "two"})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if p.Calls() != 1 {
		t.Errorf("upstream called %d times, want 1", p.Calls())
	}
	if res.Outcome != metrics.OutcomeFallback || res.Error != "upstream temporarily unavailable" {
		t.Errorf("result = %+v", res)
	}
}

func TestChat_ConcurrentMissesShareOneCall(t *testing.T) {
	p := &fakeProvider{reply: "shared", gate: make(chan struct{})}
	r, _ := newTestRelay(t, testConfig(), p)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*ChatResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Chat(context.Background(), ChatRequest{Message: "같은 질문"})
			if err != nil {
				t.Errorf("Chat() error: %v", err)
				return
			}
			results[i] = res
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(p.gate)
	wg.Wait()

	if p.Calls() != 1 {
		t.Errorf("upstream called %d times, want 1", p.Calls())
	}
	for i, res := range results {
		if res == nil || res.Response != "shared" {
			t.Errorf("result[%d] = %+v", i, res)
		}
	}
}

func TestChat_CallerCancelDoesNotAbortUpstream(t *testing.T) {
	p := &fakeProvider{reply: "done", gate: make(chan struct{})}
	r, c := newTestRelay(t, testConfig(), p)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, _ = r.Chat(ctx, ChatRequest{Message: "detached"})
	}()
	for p.Calls() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	close(p.gate)
	<-finished

	if got, ok := c.Get("detached", nil); !ok || got != "done" {
		t.Errorf("cache = %q, %v; upstream result should still be cached", got, ok)
	}
}

func TestBuildRequest(t *testing.T) {
	cfg := testConfig()
	cfg.Chat.SystemPrompt = "sys"
	r, _ := newTestRelay(t, cfg, &fakeProvider{})

	var history []cache.Turn
	for i := 0; i < 12; i++ {
		role := "user"
		if i%2 == 1 {
			role = "bot"
		}
		history = append(history, cache.Turn{Role: role, Content: fmt.Sprintf("t%d", i)})
	}
	req := r.buildRequest(ChatRequest{Message: "new", History: history}, 10)

	if len(req.Messages) != 12 {
		t.Fatalf("messages = %d, want 12", len(req.Messages))
	}
	if req.Messages[0].Role != providers.RoleSystem || req.Messages[0].Content != "sys" {
		t.Errorf("first message = %+v", req.Messages[0])
	}
	if req.Messages[1].Content != "t2" || req.Messages[1].Role != providers.RoleUser {
		t.Errorf("oldest kept turn = %+v", req.Messages[1])
	}
	if req.Messages[2].Role != providers.RoleAssistant {
		t.Errorf("non-user role should map to assistant, got %q", req.Messages[2].Role)
	}
	if last := req.Messages[11]; last.Role != providers.RoleUser || last.Content != "new" {
		t.Errorf("last message = %+v", last)
	}
	if req.Model != cfg.Upstream.Model || req.MaxTokens != cfg.Upstream.MaxTokens {
		t.Errorf("generation params not applied: %+v", req)
	}
}

func TestChat_PersistsForAuthenticatedCaller(t *testing.T) {
	rec := &fakeRecorder{}
	r, _ := newTestRelay(t, testConfig(), &fakeProvider{reply: "답"}, WithRecorder(rec))

	ctx := auth.WithIdentity(context.Background(), auth.Authenticated{ID: "u1"})
	if _, err := r.Chat(ctx, ChatRequest{Message: "질문", ConversationID: "c1"}); err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if len(rec.msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(rec.msgs))
	}
	if rec.msgs[0].Role != store.RoleUser || rec.msgs[1].Content != "답" || rec.msgs[1].UserID != "u1" {
		t.Errorf("persisted = %+v", rec.msgs)
	}

	if _, err := r.Chat(context.Background(), ChatRequest{Message: "익명", ConversationID: "c1"}); err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if len(rec.msgs) != 2 {
		t.Error("anonymous callers must not be persisted")
	}
}

func TestChat_PersistenceFailureIsSwallowed(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("db down")}
	r, _ := newTestRelay(t, testConfig(), &fakeProvider{reply: "ok"}, WithRecorder(rec))

	ctx := auth.WithIdentity(context.Background(), auth.Authenticated{ID: "u1"})
	res, err := r.Chat(ctx, ChatRequest{Message: "q", ConversationID: "c1"})
	if err != nil || res.Response != "ok" {
		t.Errorf("Chat() = %+v, %v", res, err)
	}
}

func TestAddHook_ReceivesCompletion(t *testing.T) {
	r, _ := newTestRelay(t, testConfig(), &fakeProvider{reply: "hi"})
	got := make(chan map[string]interface{}, 1)
	r.AddHook(func(_ context.Context, subject string, data map[string]interface{}) {
		if subject == SubjectChatCompleted {
			got <- data
		}
	})

	ctx := auth.WithIdentity(context.Background(), auth.Authenticated{ID: "u9"})
	if _, err := r.Chat(ctx, ChatRequest{Message: "q"}); err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	select {
	case data := <-got:
		if data["outcome"] != metrics.OutcomeUpstream || data["endpoint"] != EndpointChat || data["user_id"] != "u9" {
			t.Errorf("event data = %v", data)
		}
		if data["prompt_tokens"] != 10 {
			t.Errorf("prompt_tokens = %v", data["prompt_tokens"])
		}
	case <-time.After(time.Second):
		t.Fatal("hook not called")
	}
}

func TestChatStream_CacheHit(t *testing.T) {
	p := &fakeProvider{}
	r, c := newTestRelay(t, testConfig(), p)
	c.Set("문법", "cached answer", nil)

	events := collect(t, r.ChatStream(context.Background(), ChatRequest{Message: "문법"}))
	if len(events) != 2 {
		t.Fatalf("events = %+v, want 2", events)
	}
	if events[0].Content != "cached answer" || events[0].Done {
		t.Errorf("first event = %+v", events[0])
	}
	if !events[1].Done || !events[1].Cached || events[1].Content != "" {
		t.Errorf("final event = %+v", events[1])
	}
	if p.Calls() != 0 {
		t.Error("cache hit must not call upstream")
	}
}

func TestChatStream_ConcatenationIsCached(t *testing.T) {
	p := &fakeProvider{chunks: []string{"안녕", "하세요", "! 반가워요"}}
	r, c := newTestRelay(t, testConfig(), p)

	events := collect(t, r.ChatStream(context.Background(), ChatRequest{Message: "인사"}))
	last := events[len(events)-1]
	if !last.Done || last.Error != "" || last.Cached || last.ResponseTime == nil {
		t.Errorf("final event = %+v", last)
	}
	for i, ev := range events[:len(events)-1] {
		if ev.Done {
			t.Errorf("event %d marked done early", i)
		}
	}
	text := joinContent(events)
	if text != "안녕하세요! 반가워요" {
		t.Errorf("streamed %q", text)
	}
	if got, ok := c.Get("인사", nil); !ok || got != text {
		t.Errorf("cache = %q, %v, want %q", got, ok, text)
	}
}

func TestChatStream_UsesStreamHistoryWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Chat.SystemPrompt = ""
	p := &fakeProvider{chunks: []string{"x"}}
	r, _ := newTestRelay(t, cfg, p)

	history := make([]cache.Turn, 20)
	for i := range history {
		history[i] = cache.Turn{Role: "user", Content: fmt.Sprintf("h%d", i)}
	}
	collect(t, r.ChatStream(context.Background(), ChatRequest{Message: "m", History: history}))

	p.mu.Lock()
	defer p.mu.Unlock()
	if got := len(p.lastReq.Messages); got != cfg.Chat.StreamHistoryTurns+1 {
		t.Errorf("upstream messages = %d, want %d", got, cfg.Chat.StreamHistoryTurns+1)
	}
}

func TestChatStream_OpenFailureStreamsFallback(t *testing.T) {
	p := &fakeProvider{openErr: errors.New("refused")}
	r, c := newTestRelay(t, testConfig(), p)

	events := collect(t, r.ChatStream(context.Background(), ChatRequest{Message: "hello"}))
	last := events[len(events)-1]
	if !last.Done || last.Error != "refused" {
		t.Errorf("final event = %+v", last)
	}
	if got, want := joinContent(events), fallback.New().Respond("hello"); got != want {
		t.Errorf("streamed %q, want %q", got, want)
	}
	if len(events) < 3 {
		t.Errorf("fallback should arrive word by word, got %d events", len(events))
	}
	if _, ok := c.Get("hello", nil); ok {
		t.Error("fallback must not be cached")
	}
}

func TestChatStream_MidStreamFailure(t *testing.T) {
	p := &fakeProvider{chunks: []string{"부분 "}, streamErr: errors.New("reset")}
	r, c := newTestRelay(t, testConfig(), p)

	events := collect(t, r.ChatStream(context.Background(), ChatRequest{Message: "q"}))
	if events[0].Content != "부분 " {
		t.Errorf("first event = %+v", events[0])
	}
	want := "부분 " + fallback.New().Respond("q")
	if got := joinContent(events); got != want {
		t.Errorf("streamed %q, want %q", got, want)
	}
	if last := events[len(events)-1]; !last.Done || last.Error != "reset" {
		t.Errorf("final event = %+v", last)
	}
	if _, ok := c.Get("q", nil); ok {
		t.Error("failed stream must not be cached")
	}
}

func TestChatStream_CancelStopsUpstreamAndSkipsCache(t *testing.T) {
	p := &fakeProvider{
		chunks:    []string{"first"},
		holdOpen:  true,
		streamEnd: make(chan struct{}),
	}
	r, c := newTestRelay(t, testConfig(), p)

	ctx, cancel := context.WithCancel(context.Background())
	ch := r.ChatStream(ctx, ChatRequest{Message: "bye"})
	if ev := <-ch; ev.Content != "first" {
		t.Fatalf("first event = %+v", ev)
	}
	cancel()

	for ev := range ch {
		if ev.Done {
			t.Errorf("unexpected done event after cancel: %+v", ev)
		}
	}
	select {
	case <-p.streamEnd:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream stream was not cancelled")
	}
	if _, ok := c.Get("bye", nil); ok {
		t.Error("cancelled stream must not be cached")
	}
}

func TestChatStream_UnacknowledgedDoneSkipsCacheAndPersistence(t *testing.T) {
	rec := &fakeRecorder{}
	p := &fakeProvider{chunks: []string{"one ", "two ", "three"}}
	r, c := newTestRelay(t, testConfig(), p, WithRecorder(rec))
	outcomes := make(chan interface{}, 1)
	r.AddHook(func(_ context.Context, _ string, data map[string]interface{}) {
		outcomes <- data["outcome"]
	})

	ctx, cancel := context.WithCancel(auth.WithIdentity(context.Background(), auth.Authenticated{ID: "u1"}))
	ch := r.ChatStream(ctx, ChatRequest{Message: "count", ConversationID: "c1"})

	var sawDone bool
	for ev := range ch {
		if ev.Done {
			// The client went away before the final frame was written.
			sawDone = true
			cancel()
		}
	}
	cancel()
	if !sawDone {
		t.Fatal("stream closed without a done event")
	}
	if got, ok := c.Get("count", nil); ok {
		t.Errorf("cache holds %q for a reply the client never finished", got)
	}
	rec.mu.Lock()
	persisted := len(rec.msgs)
	rec.mu.Unlock()
	if persisted != 0 {
		t.Errorf("persisted %d messages, want 0", persisted)
	}
	select {
	case outcome := <-outcomes:
		if outcome != metrics.OutcomeCancelled {
			t.Errorf("outcome = %v, want %s", outcome, metrics.OutcomeCancelled)
		}
	case <-time.After(time.Second):
		t.Fatal("hook not called")
	}
}

func TestChatStream_AcknowledgedDoneIsCached(t *testing.T) {
	p := &fakeProvider{chunks: []string{"one ", "two"}}
	r, c := newTestRelay(t, testConfig(), p)

	ch := r.ChatStream(context.Background(), ChatRequest{Message: "count"})
	for ev := range ch {
		if ev.Done {
			if _, ok := c.Get("count", nil); ok {
				t.Error("reply cached before the done event was acknowledged")
			}
			ev.Ack()
			ev.Ack()
		}
	}
	if got, ok := c.Get("count", nil); !ok || got != "one two" {
		t.Errorf("cache = %q, %v, want %q", got, ok, "one two")
	}
}

func TestChatStream_TimeoutStreamsFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.StreamTimeout = Duration(20 * time.Millisecond)
	p := &fakeProvider{chunks: []string{"slow"}, holdOpen: true}
	r, c := newTestRelay(t, cfg, p)

	events := collect(t, r.ChatStream(context.Background(), ChatRequest{Message: "q"}))
	if last := events[len(events)-1]; !last.Done || last.Error != "upstream request timed out" {
		t.Errorf("final event = %+v", last)
	}
	if _, ok := c.Get("q", nil); ok {
		t.Error("timed out stream must not be cached")
	}
}

func TestChatStream_EmptyCompletion(t *testing.T) {
	p := &fakeProvider{}
	r, c := newTestRelay(t, testConfig(), p)

	events := collect(t, r.ChatStream(context.Background(), ChatRequest{Message: "q"}))
	if got := joinContent(events); got != EmptyCompletionReply {
		t.Errorf("streamed %q", got)
	}
	if _, ok := c.Get("q", nil); ok {
		t.Error("empty completion must not be cached")
	}
}

func TestChatStream_BreakerCountsStreamFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.CircuitBreaker = CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          Duration(time.Hour),
	}
	p := &fakeProvider{chunks: []string{"a"}, streamErr: errors.New("reset")}
	r, _ := newTestRelay(t, cfg, p)

	collect(t, r.ChatStream(context.Background(), ChatRequest{Message: "q1"}))
	if r.BreakerState() != "open" {
		t.Fatalf("breaker = %s, want open", r.BreakerState())
	}
	events := collect(t, r.ChatStream(context.Background(), ChatRequest{Message: "q2"}))
	if last := events[len(events)-1]; last.Error != "upstream temporarily unavailable" {
		t.Errorf("final event = %+v", last)
	}
	if p.Calls() != 1 {
		t.Errorf("upstream called %d times, want 1", p.Calls())
	}
}
