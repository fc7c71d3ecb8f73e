package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// DefaultBedrockModel is used when no model is configured.
const DefaultBedrockModel = "anthropic.claude-3-5-haiku-20241022-v1:0"

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockProvider implements StreamProvider for Anthropic Claude models on
// AWS Bedrock.
type BedrockProvider struct {
	Base
	client *bedrockruntime.Client
}

// NewBedrock creates a Bedrock provider using the default AWS credential
// chain. region defaults to us-east-1.
func NewBedrock(ctx context.Context, region, model string) (*BedrockProvider, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewBedrockWithClient(bedrockruntime.NewFromConfig(cfg), model), nil
}

// NewBedrockWithClient wraps an existing Bedrock runtime client.
func NewBedrockWithClient(client *bedrockruntime.Client, model string) *BedrockProvider {
	if model == "" {
		model = DefaultBedrockModel
	}
	return &BedrockProvider{
		Base:   Base{name: "bedrock", model: model},
		client: client,
	}
}

type bedrockAnthropicRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []Message `json:"messages"`
	Temperature      float64   `json:"temperature"`
	TopP             float64   `json:"top_p"`
	System           string    `json:"system,omitempty"`
}

type bedrockAnthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type bedrockStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *BedrockProvider) body(req Request) (string, []byte, error) {
	model := p.resolveModel(req.Model)
	if !strings.HasPrefix(model, "anthropic.") {
		return "", nil, fmt.Errorf("bedrock: unsupported model %q, only anthropic.claude-* is supported", model)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	// Claude takes the system prompt out of band.
	var system []string
	messages := make([]Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		messages = append(messages, msg)
	}

	body, err := json.Marshal(bedrockAnthropicRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        maxTokens,
		Messages:         messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		System:           strings.Join(system, "\n\n"),
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return model, body, nil
}

// Complete sends a request to AWS Bedrock and returns the response.
func (p *BedrockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model, body, err := p.body(req)
	if err != nil {
		return nil, err
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock invoke failed: %w", err)
	}

	var out bedrockAnthropicResponse
	if err := json.Unmarshal(output.Body, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	var text strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	return &Response{
		ID:       out.ID,
		Model:    model,
		Provider: p.name,
		Content:  text.String(),
		Usage: Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}

// CompleteStream sends a streaming request via InvokeModelWithResponseStream.
func (p *BedrockProvider) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	model, body, err := p.body(req)
	if err != nil {
		return nil, err
	}

	output, err := p.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock streaming invoke failed: %w", err)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		stream := output.GetStream()
		defer stream.Close()

		for event := range stream.Events() {
			e, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			var ev bedrockStreamEvent
			if err := json.Unmarshal(e.Value.Bytes, &ev); err != nil {
				continue
			}
			var sc StreamChunk
			switch {
			case ev.Type == "content_block_delta" && ev.Delta.Type == "text_delta":
				sc.Content = ev.Delta.Text
			case ev.Type == "message_delta" && ev.Usage.OutputTokens > 0:
				sc.Usage = &Usage{CompletionTokens: ev.Usage.OutputTokens, TotalTokens: ev.Usage.OutputTokens}
			default:
				continue
			}
			if !send(ctx, ch, sc) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, ch, StreamChunk{Error: err})
		}
	}()

	return ch, nil
}
