package chatrelay

import (
	"context"
	"errors"

	"github.com/ferro-labs/chat-relay/internal/circuitbreaker"
	"github.com/ferro-labs/chat-relay/internal/metrics"
	"github.com/ferro-labs/chat-relay/providers"
)

// newBreaker builds the upstream breaker and keeps the state gauge current.
func newBreaker(cfg CircuitBreakerConfig, provider string) *circuitbreaker.CircuitBreaker {
	metrics.CircuitBreakerState.WithLabelValues(provider).Set(float64(circuitbreaker.StateClosed))
	return circuitbreaker.New(circuitbreaker.Settings{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		Timeout:          cfg.Timeout.D(),
		OnStateChange: func(_, to circuitbreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(provider).Set(float64(to))
		},
	})
}

// cbProvider wraps a StreamProvider with a circuit breaker.
type cbProvider struct {
	providers.StreamProvider
	cb *circuitbreaker.CircuitBreaker
}

func (p *cbProvider) Complete(ctx context.Context, req providers.Request) (*providers.Response, error) {
	if !p.cb.Allow() {
		return nil, circuitbreaker.ErrCircuitOpen
	}
	resp, err := p.StreamProvider.Complete(ctx, req)
	if err != nil {
		p.cb.RecordFailure()
		return nil, err
	}
	p.cb.RecordSuccess()
	return resp, nil
}

// CompleteStream reports the outcome once the upstream stream ends: an error
// chunk or a timeout counts as a failure, a clean close as a success. A
// stream cancelled by the caller is abandoned without counting.
func (p *cbProvider) CompleteStream(ctx context.Context, req providers.Request) (<-chan providers.StreamChunk, error) {
	if !p.cb.Allow() {
		return nil, circuitbreaker.ErrCircuitOpen
	}
	upstream, err := p.StreamProvider.CompleteStream(ctx, req)
	if err != nil {
		p.cb.RecordFailure()
		return nil, err
	}

	out := make(chan providers.StreamChunk)
	go func() {
		defer close(out)
		for chunk := range upstream {
			if chunk.Error != nil {
				p.cb.RecordFailure()
				select {
				case out <- chunk:
				case <-ctx.Done():
				}
				drain(upstream)
				return
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				drain(upstream)
				p.settle(ctx)
				return
			}
		}
		p.settle(ctx)
	}()
	return out, nil
}

// settle records the outcome of a stream that ended without an error chunk.
func (p *cbProvider) settle(ctx context.Context) {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		p.cb.RecordFailure()
	case err != nil:
		p.cb.Abandon()
	default:
		p.cb.RecordSuccess()
	}
}
