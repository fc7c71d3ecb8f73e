// Package main runs the chat relay HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	chatrelay "github.com/ferro-labs/chat-relay"
	"github.com/ferro-labs/chat-relay/internal/auth"
	"github.com/ferro-labs/chat-relay/internal/cache"
	"github.com/ferro-labs/chat-relay/internal/logging"
	"github.com/ferro-labs/chat-relay/internal/metrics"
	"github.com/ferro-labs/chat-relay/internal/ratelimit"
	"github.com/ferro-labs/chat-relay/internal/requestlog"
	"github.com/ferro-labs/chat-relay/internal/store"
	"github.com/ferro-labs/chat-relay/internal/version"
	"github.com/ferro-labs/chat-relay/providers"
)

const (
	limiterSweepInterval = time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

func main() {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := chatrelay.Load(os.Getenv(chatrelay.ConfigPathEnv))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	logger := logging.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close() //nolint:errcheck

	verifier, err := buildVerifier(cfg.Auth)
	if err != nil {
		log.Fatalf("Failed to configure auth: %v", err)
	}

	provider, err := buildProvider(ctx, &cfg.Upstream)
	if err != nil {
		log.Fatalf("Failed to configure upstream: %v", err)
	}

	responses := buildCache(ctx, cfg.Cache)

	relay, err := chatrelay.New(*cfg, provider, responses, chatrelay.WithRecorder(st))
	if err != nil {
		log.Fatalf("Failed to create relay: %v", err)
	}

	if cfg.RequestLog.DSN != "" {
		writer, err := requestlog.Open(cfg.RequestLog.DSN)
		if err != nil {
			log.Fatalf("Failed to open request log: %v", err)
		}
		defer writer.Close() //nolint:errcheck
		relay.AddHook(requestlog.Hook(writer))
		logger.Info("request log enabled")
	}

	var limiter *ratelimit.Store
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewStore(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		limiter.StartSweeper(ctx, limiterSweepInterval, limiterIdleTTL)
	}

	handler := newRouter(&server{
		cfg:      *cfg,
		relay:    relay,
		cache:    responses,
		store:    st,
		verifier: verifier,
		limiter:  limiter,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streams run up to the upstream stream timeout plus the fallback.
		WriteTimeout: cfg.Upstream.StreamTimeout.D() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.D())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err.Error())
		}
	}()

	logger.Info("chat relay listening",
		"version", version.Short(),
		"addr", addr,
		"provider", provider.Name(),
		"model", cfg.Upstream.Model,
		"auth", cfg.Auth.Mode,
		"store", cfg.Store.Driver,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		log.Fatalf("Server error: %v", err) //nolint:gocritic
	}
	logger.Info("server stopped")
}

// buildVerifier returns the token verifier for the configured auth mode, or
// nil when every caller is anonymous.
func buildVerifier(cfg chatrelay.AuthConfig) (auth.Verifier, error) {
	switch cfg.Mode {
	case chatrelay.AuthModeSupabase:
		v, err := auth.NewSupabaseVerifier(cfg.SupabaseURL, cfg.SupabaseAnonKey)
		if err != nil {
			return nil, err
		}
		return v, nil
	case chatrelay.AuthModeJWT:
		v, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTAudience)
		if err != nil {
			return nil, err
		}
		return v, nil
	case chatrelay.AuthModeNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown auth mode: %q", cfg.Mode)
	}
}

// buildProvider creates the upstream model client. A bedrock upstream left
// on the OpenAI default model switches to the default Claude model.
func buildProvider(ctx context.Context, cfg *chatrelay.UpstreamConfig) (providers.StreamProvider, error) {
	switch cfg.Provider {
	case chatrelay.ProviderOpenAI:
		p, err := providers.NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model)
		if err != nil {
			return nil, err
		}
		return p, nil
	case chatrelay.ProviderBedrock:
		if cfg.Model == "" || cfg.Model == providers.DefaultOpenAIModel {
			cfg.Model = providers.DefaultBedrockModel
		}
		p, err := providers.NewBedrock(ctx, cfg.Region, cfg.Model)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown upstream provider: %q", cfg.Provider)
	}
}

// buildCache creates the response cache, seeds it, and starts the expiry
// sweeper.
func buildCache(ctx context.Context, cfg chatrelay.CacheConfig) *cache.Memory {
	c := cache.NewMemory(cfg.Capacity, cfg.TTL.D())
	if !cfg.DisableSeed {
		cache.Seed(c, cache.CommonQuestions(), cfg.SeedTTL.D())
	}
	metrics.RegisterCacheSize(func() int { return c.Stats().Size })
	c.StartCleanup(ctx, cfg.CleanupInterval.D(), func(removed int) {
		if removed > 0 {
			metrics.CacheEvictions.Add(float64(removed))
			logging.Logger.Debug("cache cleanup", "removed", removed, "size", c.Stats().Size)
		}
	})
	return c
}
