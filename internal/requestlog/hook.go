package requestlog

import (
	"context"
	"time"

	"github.com/ferro-labs/chat-relay/internal/logging"
)

// Hook returns a relay event hook that writes every event to w. Write
// failures are logged and dropped.
func Hook(w Writer) func(ctx context.Context, subject string, data map[string]interface{}) {
	return func(ctx context.Context, subject string, data map[string]interface{}) {
		entry := EntryFromEvent(data)
		if err := w.Write(ctx, entry); err != nil {
			logging.FromContext(ctx).Warn("request log write failed",
				"subject", subject,
				"error", err.Error(),
			)
		}
	}
}

// EntryFromEvent maps relay event data onto an Entry. Missing or mistyped
// fields are left zero.
func EntryFromEvent(data map[string]interface{}) Entry {
	return Entry{
		TraceID:          stringField(data, "trace_id"),
		Endpoint:         stringField(data, "endpoint"),
		UserID:           stringField(data, "user_id"),
		Provider:         stringField(data, "provider"),
		Model:            stringField(data, "model"),
		Outcome:          stringField(data, "outcome"),
		PromptTokens:     int(intField(data, "prompt_tokens")),
		CompletionTokens: int(intField(data, "completion_tokens")),
		LatencyMS:        intField(data, "latency_ms"),
		ErrorMessage:     stringField(data, "error"),
		CreatedAt:        time.Now().UTC(),
	}
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func intField(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
