package auth

import (
	"net/http"
	"strings"

	"github.com/ferro-labs/chat-relay/internal/logging"
)

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header. It returns "" when the header is absent or malformed.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// Middleware annotates every request with an Identity. A missing token, a
// nil verifier, or a failed verification all yield Anonymous; the request
// always continues.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id Identity = Anonymous{}
			if token := BearerToken(r); token != "" && v != nil {
				user, err := v.Verify(r.Context(), token)
				if err != nil {
					logging.FromContext(r.Context()).Info("token verification failed, continuing as anonymous",
						"error", err.Error(),
					)
				} else {
					id = user
				}
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
