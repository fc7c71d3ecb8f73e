package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	chatrelay "github.com/ferro-labs/chat-relay"
	"github.com/ferro-labs/chat-relay/internal/auth"
	"github.com/ferro-labs/chat-relay/internal/cache"
	"github.com/ferro-labs/chat-relay/internal/logging"
	"github.com/ferro-labs/chat-relay/internal/metrics"
	"github.com/ferro-labs/chat-relay/internal/ratelimit"
	"github.com/ferro-labs/chat-relay/internal/store"
	"github.com/ferro-labs/chat-relay/internal/version"
)

// Error kinds returned in the "kind" field of JSON error bodies.
const (
	kindValidation  = "validation"
	kindNotFound    = "not_found"
	kindPersistence = "persistence"
	kindInternal    = "internal"
	kindRateLimited = "rate_limited"
	kindUnavailable = "unavailable"
)

// server holds the dependencies shared by the HTTP handlers.
type server struct {
	cfg      chatrelay.Config
	relay    *chatrelay.Relay
	cache    cache.Cache
	store    store.Store
	verifier auth.Verifier
	limiter  *ratelimit.Store
}

// newRouter builds the HTTP router.
func newRouter(s *server) http.Handler {
	r := chi.NewRouter()
	if s.cfg.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(logging.Middleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", logging.HeaderRequestID},
		ExposedHeaders:   []string{logging.HeaderRequestID},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/store-check", s.handleStoreCheck)

		// Rejected requests never reach token verification.
		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(ratelimit.Middleware(s.limiter, rateLimited))
			}
			r.Use(auth.Middleware(s.verifier))
			r.Post("/chat", s.handleChat)
			r.Post("/chat/stream", s.handleChatStream)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.verifier))
			r.Get("/conversations", s.handleListConversations)
			r.Post("/conversations", s.handleCreateConversation)
			r.Get("/conversations/{id}/messages", s.handleListMessages)
			r.Post("/messages", s.handleCreateMessage)
		})
	})

	return r
}

func (s *server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "한국어 학습 챗봇 API 서버",
		"version": version.Short(),
		"status":  "running",
	})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "OK",
		"message":   "Backend server is running",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"cache":     s.cache.Stats(),
		"build":     version.Get(),
	})
}

func (s *server) handleStoreCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		logging.FromContext(r.Context()).Error("store ping failed", "error", err.Error())
		writeError(w, http.StatusServiceUnavailable, "database connection failed", kindUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "OK",
		"message": "database connection successful",
		"driver":  s.cfg.Store.Driver,
	})
}

func rateLimited(w http.ResponseWriter, _ *http.Request) {
	metrics.RateLimitRejections.Inc()
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "too many requests, slow down", kindRateLimited, nil)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the JSON error body {"error", "kind", "details"?}.
func writeError(w http.ResponseWriter, status int, message, kind string, details interface{}) {
	body := map[string]interface{}{
		"error": message,
		"kind":  kind,
	}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, body)
}
