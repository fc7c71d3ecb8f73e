package chatrelay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/ferro-labs/chat-relay/internal/cache"
)

// Validation failure reasons reported in 400 responses.
const (
	ReasonMissing       = "missing"
	ReasonWrongType     = "wrong-type"
	ReasonTooLong       = "too-long"
	ReasonMalformedBody = "malformed-body"
)

// maxBodyBytes bounds the request body read by DecodeChatRequest.
const maxBodyBytes = 1 << 20

// ChatRequest is the body of POST /api/chat and /api/chat/stream.
type ChatRequest struct {
	Message        string       `json:"message"`
	History        []cache.Turn `json:"conversationHistory,omitempty"`
	ConversationID string       `json:"conversationId,omitempty"`
}

// ValidationError reports why a chat request was rejected.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid chat request (%s): %s", e.Reason, e.Detail)
}

// DecodeChatRequest reads and validates a chat request body. maxRunes
// bounds the message length in Unicode code points.
func DecodeChatRequest(r io.Reader, maxRunes int) (ChatRequest, error) {
	var raw struct {
		Message        json.RawMessage `json:"message"`
		History        json.RawMessage `json:"conversationHistory"`
		ConversationID json.RawMessage `json:"conversationId"`
	}
	body, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		return ChatRequest{}, &ValidationError{Reason: ReasonMalformedBody, Detail: err.Error()}
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return ChatRequest{}, &ValidationError{Reason: ReasonMalformedBody, Detail: "request body must be a JSON object"}
	}

	var req ChatRequest
	if len(raw.Message) == 0 || bytes.Equal(raw.Message, []byte("null")) {
		return req, &ValidationError{Reason: ReasonMissing, Detail: "message is required"}
	}
	if err := json.Unmarshal(raw.Message, &req.Message); err != nil {
		return req, &ValidationError{Reason: ReasonWrongType, Detail: "message must be a string"}
	}
	if req.Message == "" {
		return req, &ValidationError{Reason: ReasonMissing, Detail: "message must be a non-empty string"}
	}
	if n := utf8.RuneCountInString(req.Message); n > maxRunes {
		return req, &ValidationError{
			Reason: ReasonTooLong,
			Detail: fmt.Sprintf("message must be at most %d characters, got %d", maxRunes, n),
		}
	}

	if len(raw.History) > 0 && !bytes.Equal(raw.History, []byte("null")) {
		if err := json.Unmarshal(raw.History, &req.History); err != nil {
			return req, &ValidationError{Reason: ReasonMalformedBody, Detail: "conversationHistory must be an array of {role, content}"}
		}
	}
	if len(raw.ConversationID) > 0 && !bytes.Equal(raw.ConversationID, []byte("null")) {
		if err := json.Unmarshal(raw.ConversationID, &req.ConversationID); err != nil {
			return req, &ValidationError{Reason: ReasonWrongType, Detail: "conversationId must be a string"}
		}
	}
	return req, nil
}
