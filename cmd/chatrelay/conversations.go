package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ferro-labs/chat-relay/internal/auth"
	"github.com/ferro-labs/chat-relay/internal/logging"
	"github.com/ferro-labs/chat-relay/internal/store"
)

// Anonymous callers get empty lists and unsaved records.

func (s *server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": []store.Conversation{}})
		return
	}
	convs, err := s.store.ListConversations(r.Context(), user.ID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

func (s *server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"conversation": store.EphemeralConversation()})
		return
	}
	conv, err := s.store.CreateConversation(r.Context(), user.ID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversation": conv})
}

func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"messages": []store.Message{}})
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (s *server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID string `json:"conversation_id"`
		Role           string `json:"role"`
		Content        string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", kindValidation,
			map[string]string{"reason": "malformed-body"})
		return
	}
	msg := store.Message{
		ConversationID: body.ConversationID,
		Role:           body.Role,
		Content:        body.Content,
	}
	if err := msg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), kindValidation, nil)
		return
	}

	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"message": store.EphemeralMessage(msg)})
		return
	}
	msg.UserID = user.ID
	saved, err := s.store.CreateMessage(r.Context(), msg)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": saved})
}

// storeError maps persistence errors onto HTTP responses.
func (s *server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found", kindNotFound, nil)
	case errors.Is(err, store.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err.Error(), kindValidation, nil)
	default:
		logging.FromContext(r.Context()).Error("store operation failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, err.Error(), kindPersistence, nil)
	}
}
