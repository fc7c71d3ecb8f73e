package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

func newTestBedrock(t *testing.T, handler http.HandlerFunc) *BedrockProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := bedrockruntime.New(bedrockruntime.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"}, nil
		}),
		RetryMaxAttempts: 1,
	})
	return NewBedrockWithClient(client, "")
}

func TestBedrockProvider_Complete(t *testing.T) {
	var got bedrockAnthropicRequest
	p := newTestBedrock(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/invoke") {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","content":[{"type":"text","text":"반가워요"}],
			"stop_reason":"end_turn","usage":{"input_tokens":7,"output_tokens":3}}`)
	})

	resp, err := p.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "tutor"},
			{Role: RoleUser, Content: "안녕"},
		},
		MaxTokens: 200,
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.Content != "반가워요" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("TotalTokens = %d, want 10", resp.Usage.TotalTokens)
	}
	if got.System != "tutor" {
		t.Errorf("system = %q, want tutor", got.System)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != RoleUser {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.AnthropicVersion != bedrockAnthropicVersion || got.MaxTokens != 200 {
		t.Errorf("request = %+v", got)
	}
}

func TestBedrockProvider_RejectsNonClaude(t *testing.T) {
	p := NewBedrockWithClient(nil, "meta.llama3-8b-instruct-v1:0")
	if _, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}}); err == nil {
		t.Error("expected error for non-Claude model")
	}
	if _, err := p.CompleteStream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}}); err == nil {
		t.Error("expected error for non-Claude model")
	}
}
