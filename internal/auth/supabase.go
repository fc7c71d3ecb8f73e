package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// SupabaseVerifier validates tokens by asking the Supabase auth service
// (GET {url}/auth/v1/user) who the token belongs to.
type SupabaseVerifier struct {
	baseURL string
	anonKey string
	base    http.RoundTripper
	timeout time.Duration
}

// NewSupabaseVerifier creates a verifier for the project at baseURL.
func NewSupabaseVerifier(baseURL, anonKey string) (*SupabaseVerifier, error) {
	if baseURL == "" || anonKey == "" {
		return nil, errors.New("supabase url and anon key are required")
	}
	return &SupabaseVerifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		base:    http.DefaultTransport,
		timeout: 10 * time.Second,
	}, nil
}

type supabaseUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Verify implements Verifier.
func (v *SupabaseVerifier) Verify(ctx context.Context, token string) (Authenticated, error) {
	// The user's token rides on an oauth2 transport; apikey identifies the
	// project.
	client := &http.Client{
		Timeout: v.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   v.base,
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return Authenticated{}, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("apikey", v.anonKey)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Authenticated{}, fmt.Errorf("auth service: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Authenticated{}, ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Authenticated{}, fmt.Errorf("auth service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var u supabaseUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return Authenticated{}, fmt.Errorf("decode auth user: %w", err)
	}
	if u.ID == "" {
		return Authenticated{}, ErrInvalidToken
	}
	return Authenticated(u), nil
}
