// Package chatrelay relays Korean-tutor chat requests to an upstream model.
// A response cache answers repeated questions without an upstream call, and
// upstream failures are answered with a canned fallback reply instead of an
// error.
package chatrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ferro-labs/chat-relay/internal/auth"
	"github.com/ferro-labs/chat-relay/internal/cache"
	"github.com/ferro-labs/chat-relay/internal/circuitbreaker"
	"github.com/ferro-labs/chat-relay/internal/fallback"
	"github.com/ferro-labs/chat-relay/internal/logging"
	"github.com/ferro-labs/chat-relay/internal/metrics"
	"github.com/ferro-labs/chat-relay/internal/store"
	"github.com/ferro-labs/chat-relay/providers"
)

// SubjectChatCompleted is published once per chat request, whatever the
// outcome.
const SubjectChatCompleted = "chat.completed"

// Endpoint labels used in metrics and hook events.
const (
	EndpointChat   = "chat"
	EndpointStream = "stream"
)

// EmptyCompletionReply replaces an empty upstream completion. It is never
// cached.
const EmptyCompletionReply = "죄송해요, 응답을 생성할 수 없습니다."

// Upstream error types reported in metrics and logs.
const (
	errTypeProvider    = "provider_error"
	errTypeCircuitOpen = "circuit_open"
	errTypeTimeout     = "timeout"
	errTypeStream      = "stream_error"
)

// recordTimeout bounds best-effort message persistence.
const recordTimeout = 5 * time.Second

// EventHookFunc is called asynchronously after every chat request. data
// carries trace_id, endpoint, user_id, provider, model, outcome,
// prompt_tokens, completion_tokens, latency_ms and error.
type EventHookFunc func(ctx context.Context, subject string, data map[string]interface{})

// MessageRecorder persists chat turns for authenticated callers that pass a
// conversationId. store.Store satisfies it.
type MessageRecorder interface {
	CreateMessage(ctx context.Context, msg store.Message) (*store.Message, error)
}

// ChatResult is the outcome of a blocking chat request.
type ChatResult struct {
	Response     string
	Usage        *providers.Usage
	Cached       bool
	Outcome      string
	Note         string
	Error        string
	ResponseTime time.Duration
}

// StreamEvent is one server-sent event on the streaming path.
//
// The consumer must call Ack on the Done event once it has reached the
// client. The relay caches, persists and reports the reply only after that;
// a stream whose context ends first counts as cancelled.
type StreamEvent struct {
	Content      string `json:"content"`
	Done         bool   `json:"done"`
	Cached       bool   `json:"cached,omitempty"`
	ResponseTime *int64 `json:"responseTime,omitempty"`
	Error        string `json:"error,omitempty"`

	delivered *delivery
}

// Ack confirms delivery of a Done event. It is a no-op on other events and
// safe to call more than once.
func (ev StreamEvent) Ack() {
	if ev.delivered != nil {
		ev.delivered.once.Do(func() { close(ev.delivered.ch) })
	}
}

type delivery struct {
	once sync.Once
	ch   chan struct{}
}

// Relay answers chat requests from the cache, the upstream model, or the
// fallback responder, in that order.
type Relay struct {
	mu       sync.RWMutex
	config   Config
	provider providers.StreamProvider
	breaker  *circuitbreaker.CircuitBreaker
	cache    cache.Cache
	fallback *fallback.Responder
	recorder MessageRecorder
	hooks    []EventHookFunc
	flight   singleflight.Group
	now      func() time.Time
}

// Option configures a Relay.
type Option func(*Relay)

// WithRecorder enables persistence of chat turns for requests that carry a
// conversationId.
func WithRecorder(rec MessageRecorder) Option {
	return func(r *Relay) { r.recorder = rec }
}

// New creates a Relay. When the circuit breaker is enabled in cfg the
// provider is wrapped with it.
func New(cfg Config, p providers.StreamProvider, c cache.Cache, opts ...Option) (*Relay, error) {
	if p == nil {
		return nil, errors.New("chatrelay: provider is required")
	}
	if c == nil {
		return nil, errors.New("chatrelay: cache is required")
	}
	r := &Relay{
		config:   cfg,
		provider: p,
		cache:    c,
		fallback: fallback.New(),
		now:      time.Now,
	}
	if cb := cfg.Upstream.CircuitBreaker; cb.Enabled {
		r.breaker = newBreaker(cb, p.Name())
		r.provider = &cbProvider{StreamProvider: p, cb: r.breaker}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// AddHook registers an EventHookFunc that is called asynchronously on each
// completed request. Multiple hooks may be registered; all are invoked for
// every event.
func (r *Relay) AddHook(fn EventHookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// BreakerState reports the upstream circuit state, or "disabled".
func (r *Relay) BreakerState() string {
	if r.breaker == nil {
		return "disabled"
	}
	return r.breaker.State().String()
}

// Chat answers a blocking chat request. Upstream failures are not errors:
// they produce a fallback result. The returned error is reserved for
// requests the relay cannot build at all.
func (r *Relay) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	start := r.now()
	log := logging.FromContext(ctx)

	if cached, ok := r.cache.Get(req.Message, req.History); ok {
		res := &ChatResult{
			Response:     cached,
			Cached:       true,
			Outcome:      metrics.OutcomeCacheHit,
			ResponseTime: r.now().Sub(start),
		}
		r.finish(ctx, EndpointChat, start, res.Outcome, nil, "")
		r.record(ctx, req, cached)
		return res, nil
	}

	preq := r.buildRequest(req, r.config.Chat.HistoryTurns)
	if err := preq.Validate(); err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	// Identical concurrent misses share one upstream call. The call is
	// detached from any single caller so one disconnect cannot fail the
	// others.
	v, err, shared := r.flight.Do(cache.Key(req.Message, req.History), func() (interface{}, error) {
		callCtx, cancel := withTimeout(context.WithoutCancel(ctx), r.config.Upstream.Timeout.D())
		defer cancel()
		resp, err := r.provider.Complete(callCtx, preq)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(resp.Content) == "" {
			resp.Content = EmptyCompletionReply
			return resp, nil
		}
		r.cache.Set(req.Message, resp.Content, req.History)
		return resp, nil
	})
	if err != nil {
		errType := upstreamErrorType(err)
		metrics.UpstreamErrors.WithLabelValues(r.provider.Name(), errType).Inc()
		log.Warn("upstream call failed, serving fallback",
			"provider", r.provider.Name(),
			"error_type", errType,
			"error", err.Error(),
		)
		res := &ChatResult{
			Response:     r.fallback.Respond(req.Message),
			Outcome:      metrics.OutcomeFallback,
			Note:         fallback.Note,
			Error:        upstreamErrorMessage(err),
			ResponseTime: r.now().Sub(start),
		}
		r.finish(ctx, EndpointChat, start, res.Outcome, nil, res.Error)
		r.record(ctx, req, res.Response)
		return res, nil
	}

	resp := v.(*providers.Response)
	usage := resp.Usage
	res := &ChatResult{
		Response:     resp.Content,
		Usage:        &usage,
		Outcome:      metrics.OutcomeUpstream,
		ResponseTime: r.now().Sub(start),
	}
	if !shared {
		r.countTokens(resp.Model, &usage)
	}
	r.finish(ctx, EndpointChat, start, res.Outcome, &usage, "")
	r.record(ctx, req, res.Response)
	return res, nil
}

// ChatStream answers a chat request as a sequence of events. The channel is
// closed once the final Done event has been acknowledged with Ack, or early
// once ctx is cancelled.
func (r *Relay) ChatStream(ctx context.Context, req ChatRequest) <-chan StreamEvent {
	buf := r.config.Chat.StreamBuffer
	if buf < 0 {
		buf = 0
	}
	out := make(chan StreamEvent, buf)
	go r.stream(ctx, req, out)
	return out
}

func (r *Relay) stream(ctx context.Context, req ChatRequest, out chan<- StreamEvent) {
	defer close(out)
	start := r.now()
	log := logging.FromContext(ctx)

	emit := func(ev StreamEvent) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	cancelled := func() {
		r.finish(ctx, EndpointStream, start, metrics.OutcomeCancelled, nil, "")
	}

	if cached, ok := r.cache.Get(req.Message, req.History); ok {
		if !emit(StreamEvent{Content: cached}) || !emitFinal(ctx, emit, StreamEvent{Done: true, Cached: true}) {
			cancelled()
			return
		}
		r.finish(ctx, EndpointStream, start, metrics.OutcomeCacheHit, nil, "")
		r.record(ctx, req, cached)
		return
	}

	preq := r.buildRequest(req, r.config.Chat.StreamHistoryTurns)
	if err := preq.Validate(); err != nil {
		log.Error("invalid upstream request", "error", err.Error())
		r.streamFallback(ctx, req, start, errTypeProvider, err, emit)
		return
	}

	streamCtx, cancel := withTimeout(ctx, r.config.Upstream.StreamTimeout.D())
	defer cancel()

	upstream, err := r.provider.CompleteStream(streamCtx, preq)
	if err != nil {
		r.streamFallback(ctx, req, start, upstreamErrorType(err), err, emit)
		return
	}

	var (
		acc   strings.Builder
		usage *providers.Usage
	)
	for chunk := range upstream {
		if chunk.Error != nil {
			cancel()
			go drain(upstream)
			if ctx.Err() != nil {
				cancelled()
				return
			}
			r.streamFallback(ctx, req, start, streamErrorType(chunk.Error), chunk.Error, emit)
			return
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Content == "" {
			continue
		}
		acc.WriteString(chunk.Content)
		if !emit(StreamEvent{Content: chunk.Content}) {
			cancel()
			go drain(upstream)
			cancelled()
			return
		}
	}
	if ctx.Err() != nil {
		cancelled()
		return
	}
	if err := streamCtx.Err(); err != nil {
		r.streamFallback(ctx, req, start, errTypeTimeout, err, emit)
		return
	}

	text := acc.String()
	cacheable := strings.TrimSpace(text) != ""
	if !cacheable {
		text = EmptyCompletionReply
		if !emit(StreamEvent{Content: text}) {
			cancelled()
			return
		}
	}
	elapsed := r.now().Sub(start).Milliseconds()
	if !emitFinal(ctx, emit, StreamEvent{Done: true, ResponseTime: &elapsed}) {
		cancelled()
		return
	}
	if cacheable {
		r.cache.Set(req.Message, text, req.History)
	}
	r.countTokens(r.config.Upstream.Model, usage)
	r.finish(ctx, EndpointStream, start, metrics.OutcomeUpstream, usage, "")
	r.record(ctx, req, text)
}

// streamFallback streams the fallback reply word by word, pausing for the
// typing delay between words.
func (r *Relay) streamFallback(ctx context.Context, req ChatRequest, start time.Time, errType string, cause error, emit func(StreamEvent) bool) {
	metrics.UpstreamErrors.WithLabelValues(r.provider.Name(), errType).Inc()
	logging.FromContext(ctx).Warn("upstream stream failed, streaming fallback",
		"provider", r.provider.Name(),
		"error_type", errType,
		"error", cause.Error(),
	)

	reply := r.fallback.Respond(req.Message)
	for _, word := range fallback.Words(reply) {
		if !emit(StreamEvent{Content: word}) || !r.pause(ctx) {
			r.finish(ctx, EndpointStream, start, metrics.OutcomeCancelled, nil, "")
			return
		}
	}
	msg := upstreamErrorMessage(cause)
	if !emitFinal(ctx, emit, StreamEvent{Done: true, Error: msg}) {
		r.finish(ctx, EndpointStream, start, metrics.OutcomeCancelled, nil, "")
		return
	}
	r.finish(ctx, EndpointStream, start, metrics.OutcomeFallback, nil, msg)
	r.record(ctx, req, reply)
}

// pause waits for the typing delay. It reports false if ctx ends first.
func (r *Relay) pause(ctx context.Context) bool {
	d := r.config.Chat.TypingDelay.D()
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// buildRequest assembles the upstream prompt: system prompt, the last turns
// of history, then the new message. Any history role other than "user" is
// sent as assistant.
func (r *Relay) buildRequest(req ChatRequest, turns int) providers.Request {
	history := req.History
	switch {
	case turns <= 0:
		history = nil
	case len(history) > turns:
		history = history[len(history)-turns:]
	}

	msgs := make([]providers.Message, 0, len(history)+2)
	if sp := r.config.Chat.SystemPrompt; sp != "" {
		msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: sp})
	}
	for _, t := range history {
		role := providers.RoleAssistant
		if t.Role == providers.RoleUser {
			role = providers.RoleUser
		}
		msgs = append(msgs, providers.Message{Role: role, Content: t.Content})
	}
	msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: req.Message})

	up := r.config.Upstream
	return providers.Request{
		Model:            up.Model,
		Messages:         msgs,
		MaxTokens:        up.MaxTokens,
		Temperature:      up.Temperature,
		TopP:             up.TopP,
		FrequencyPenalty: up.FrequencyPenalty,
		PresencePenalty:  up.PresencePenalty,
	}
}

// record persists the exchange when the caller is authenticated and named a
// conversation. Failures are logged and swallowed.
func (r *Relay) record(ctx context.Context, req ChatRequest, reply string) {
	if r.recorder == nil || req.ConversationID == "" {
		return
	}
	user, ok := auth.UserFromContext(ctx)
	if !ok {
		return
	}
	log := logging.FromContext(ctx)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	for _, m := range []store.Message{
		{ConversationID: req.ConversationID, UserID: user.ID, Role: store.RoleUser, Content: req.Message},
		{ConversationID: req.ConversationID, UserID: user.ID, Role: store.RoleAssistant, Content: reply},
	} {
		if _, err := r.recorder.CreateMessage(rctx, m); err != nil {
			log.Warn("failed to persist chat message",
				"conversation_id", req.ConversationID,
				"role", m.Role,
				"error", err.Error(),
			)
			return
		}
	}
}

func (r *Relay) countTokens(model string, usage *providers.Usage) {
	if usage == nil {
		return
	}
	if model == "" {
		model = r.config.Upstream.Model
	}
	metrics.TokensInput.WithLabelValues(r.provider.Name(), model).Add(float64(usage.PromptTokens))
	metrics.TokensOutput.WithLabelValues(r.provider.Name(), model).Add(float64(usage.CompletionTokens))
}

// finish records metrics, logs the request and publishes the completion
// event.
func (r *Relay) finish(ctx context.Context, endpoint string, start time.Time, outcome string, usage *providers.Usage, errMsg string) {
	latency := r.now().Sub(start)
	metrics.RequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	metrics.RequestDuration.WithLabelValues(endpoint, outcome).Observe(latency.Seconds())

	logging.FromContext(ctx).Info("request completed",
		"endpoint", endpoint,
		"outcome", outcome,
		"provider", r.provider.Name(),
		"latency_ms", latency.Milliseconds(),
	)

	data := map[string]interface{}{
		"trace_id":   logging.TraceIDFromContext(ctx),
		"endpoint":   endpoint,
		"provider":   r.provider.Name(),
		"model":      r.config.Upstream.Model,
		"outcome":    outcome,
		"latency_ms": latency.Milliseconds(),
	}
	if user, ok := auth.UserFromContext(ctx); ok {
		data["user_id"] = user.ID
	}
	if usage != nil {
		data["prompt_tokens"] = usage.PromptTokens
		data["completion_tokens"] = usage.CompletionTokens
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	r.publishEvent(context.WithoutCancel(ctx), SubjectChatCompleted, data)
}

func (r *Relay) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	r.mu.RLock()
	hooks := make([]EventHookFunc, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	for _, h := range hooks {
		fn := h
		go fn(ctx, subject, data)
	}
}

func upstreamErrorType(err error) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return errTypeCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return errTypeTimeout
	default:
		return errTypeProvider
	}
}

func streamErrorType(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return errTypeTimeout
	}
	return errTypeStream
}

// upstreamErrorMessage is the client-facing description of an upstream
// failure.
func upstreamErrorMessage(err error) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "upstream temporarily unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "upstream request timed out"
	default:
		return err.Error()
	}
}

// emitFinal sends a Done event and waits until the consumer acknowledges
// it. It reports false if ctx ends first.
func emitFinal(ctx context.Context, emit func(StreamEvent) bool, ev StreamEvent) bool {
	ev.delivered = &delivery{ch: make(chan struct{})}
	if !emit(ev) {
		return false
	}
	select {
	case <-ev.delivered.ch:
		return true
	case <-ctx.Done():
		select {
		case <-ev.delivered.ch:
			return true
		default:
			return false
		}
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func drain(ch <-chan providers.StreamChunk) {
	for range ch {
	}
}
