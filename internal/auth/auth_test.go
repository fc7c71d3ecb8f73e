package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func validClaims() Claims {
	now := time.Now()
	return Claims{
		Email: "learner@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			Audience:  jwt.ClaimStrings{SupabaseAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestJWTVerifier(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, SupabaseAudience)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error: %v", err)
	}

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noSub := validClaims()
	noSub.Subject = ""
	wrongAud := validClaims()
	wrongAud.Audience = jwt.ClaimStrings{"anon"}
	noExp := validClaims()
	noExp.ExpiresAt = nil

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"valid", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims()), false},
		{"expired", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), expired), true},
		{"forged", signToken(t, jwt.SigningMethodHS256, []byte("another-secret"), validClaims()), true},
		{"wrong algorithm", signToken(t, jwt.SigningMethodHS512, []byte(testSecret), validClaims()), true},
		{"missing subject", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), noSub), true},
		{"wrong audience", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), wrongAud), true},
		{"missing expiry", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), noExp), true},
		{"garbage", "not-a-jwt", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := v.Verify(context.Background(), tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidToken) {
					t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify() error: %v", err)
			}
			if user.ID != "user-123" || user.Email != "learner@example.com" {
				t.Errorf("Verify() = %+v", user)
			}
		})
	}
}

func TestNewJWTVerifier_RequiresSecret(t *testing.T) {
	if _, err := NewJWTVerifier("", ""); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestSupabaseVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("apikey") != "anon-key" {
			t.Errorf("apikey header = %q", r.Header.Get("apikey"))
		}
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"u-1","email":"a@example.com","aud":"authenticated"}`))
		case "Bearer broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"msg":"invalid JWT"}`))
		}
	}))
	defer srv.Close()

	v, err := NewSupabaseVerifier(srv.URL+"/", "anon-key")
	if err != nil {
		t.Fatalf("NewSupabaseVerifier() error: %v", err)
	}

	user, err := v.Verify(context.Background(), "good")
	if err != nil {
		t.Fatalf("Verify(good) error: %v", err)
	}
	if user != (Authenticated{ID: "u-1", Email: "a@example.com"}) {
		t.Errorf("Verify(good) = %+v", user)
	}

	if _, err := v.Verify(context.Background(), "bad"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(bad) error = %v, want ErrInvalidToken", err)
	}

	_, err = v.Verify(context.Background(), "broken")
	if err == nil || errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(broken) error = %v, want upstream error", err)
	}
}

func TestNewSupabaseVerifier_RequiresConfig(t *testing.T) {
	if _, err := NewSupabaseVerifier("", "key"); err == nil {
		t.Error("expected error for empty url")
	}
	if _, err := NewSupabaseVerifier("https://x.supabase.co", ""); err == nil {
		t.Error("expected error for empty anon key")
	}
}

type stubVerifier struct {
	user Authenticated
	err  error
}

func (s stubVerifier) Verify(context.Context, string) (Authenticated, error) { return s.user, s.err }

func TestMiddleware(t *testing.T) {
	okVerifier := stubVerifier{user: Authenticated{ID: "u-9"}}
	failVerifier := stubVerifier{err: ErrInvalidToken}

	tests := []struct {
		name     string
		verifier Verifier
		header   string
		wantID   string
	}{
		{"no header", okVerifier, "", ""},
		{"malformed header", okVerifier, "Token abc", ""},
		{"valid token", okVerifier, "Bearer abc", "u-9"},
		{"lowercase scheme", okVerifier, "bearer abc", "u-9"},
		{"invalid token degrades", failVerifier, "Bearer abc", ""},
		{"nil verifier", nil, "Bearer abc", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Identity
			h := Middleware(tt.verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = FromContext(r.Context())
				w.WriteHeader(http.StatusNoContent)
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusNoContent {
				t.Fatalf("status = %d, request must never be rejected", rec.Code)
			}
			if tt.wantID == "" {
				if _, ok := got.(Anonymous); !ok {
					t.Errorf("identity = %#v, want Anonymous", got)
				}
				return
			}
			user, ok := got.(Authenticated)
			if !ok || user.ID != tt.wantID {
				t.Errorf("identity = %#v, want Authenticated{%s}", got, tt.wantID)
			}
		})
	}
}

func TestFromContext_DefaultsToAnonymous(t *testing.T) {
	if _, ok := FromContext(context.Background()).(Anonymous); !ok {
		t.Error("empty context should yield Anonymous")
	}
	if _, ok := UserFromContext(context.Background()); ok {
		t.Error("UserFromContext on empty context should be false")
	}
}
