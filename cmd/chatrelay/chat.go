package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	chatrelay "github.com/ferro-labs/chat-relay"
	"github.com/ferro-labs/chat-relay/internal/logging"
)

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	res, err := s.relay.Chat(r.Context(), req)
	if err != nil {
		logging.FromContext(r.Context()).Error("chat request failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal server error", kindInternal, nil)
		return
	}

	body := map[string]interface{}{
		"response":     res.Response,
		"responseTime": res.ResponseTime.Milliseconds(),
		"cached":       res.Cached,
	}
	if !res.Cached {
		body["usage"] = res.Usage
	}
	if res.Note != "" {
		body["note"] = res.Note
		body["error"] = res.Error
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", kindInternal, nil)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := s.relay.ChatStream(ctx, req)
	for ev := range events {
		if err := writeSSE(w, flusher, ev); err != nil {
			logging.FromContext(ctx).Info("stream client gone", "error", err.Error())
			cancel()
			for range events {
			}
			return
		}
		if ev.Done {
			ev.Ack()
		}
	}
}

// decodeChat validates the request body, writing a 400 on failure.
func (s *server) decodeChat(w http.ResponseWriter, r *http.Request) (chatrelay.ChatRequest, bool) {
	req, err := chatrelay.DecodeChatRequest(r.Body, s.cfg.Chat.MaxMessageLength)
	if err != nil {
		var ve *chatrelay.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Detail, kindValidation, map[string]string{"reason": ve.Reason})
			return req, false
		}
		writeError(w, http.StatusBadRequest, err.Error(), kindValidation, nil)
		return req, false
	}
	return req, true
}

// writeSSE writes one "data: <json>\n\n" frame and flushes it.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev chatrelay.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
