// Package providers defines the upstream model interface used by the chat
// relay and its OpenAI and AWS Bedrock implementations.
//
// Provider answers a request in one shot. StreamProvider extends it with a
// token stream delivered over a channel.
package providers

import (
	"context"
	"errors"
)

// Message role constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Provider defines the interface that all upstream models must implement.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// StreamProvider is implemented by providers that can stream tokens.
//
// The returned channel is closed when the stream ends. A chunk with a
// non-nil Error is the last one sent. Implementations stop sending once ctx
// is cancelled.
type StreamProvider interface {
	Provider
	CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// Message represents a single turn in a prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request with fixed generation parameters.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	MaxTokens        int     `json:"max_tokens,omitempty"`
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
}

// Validate returns an error if the request is missing required fields or
// contains out-of-range parameter values.
func (r Request) Validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}
	if len(r.Messages) == 0 {
		return errors.New("at least one message is required")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return errors.New("temperature must be between 0 and 2")
	}
	if r.TopP < 0 || r.TopP > 1 {
		return errors.New("top_p must be between 0 and 1")
	}
	if r.MaxTokens < 0 {
		return errors.New("max_tokens must not be negative")
	}
	if r.PresencePenalty < -2 || r.PresencePenalty > 2 {
		return errors.New("presence_penalty must be between -2 and 2")
	}
	if r.FrequencyPenalty < -2 || r.FrequencyPenalty > 2 {
		return errors.New("frequency_penalty must be between -2 and 2")
	}
	return nil
}

// Response is a completed answer normalised across providers.
type Response struct {
	ID       string `json:"id"`
	Model    string `json:"model"`
	Provider string `json:"provider,omitempty"`
	Content  string `json:"content"`
	Usage    Usage  `json:"usage"`
}

// StreamChunk is one increment of a streamed answer.
type StreamChunk struct {
	Content string
	Usage   *Usage // set by providers that report usage on the final chunk
	Error   error  // non-nil signals a stream failure
}

// Usage carries token consumption statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// send delivers chunk unless ctx is done first. It reports whether the
// chunk was delivered.
func send(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
