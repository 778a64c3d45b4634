package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/sakif/snippetbox/internal/limiter"
)

type contextKey string

const principalKey contextKey = "principal"

// anonymous is the principal of a request without credentials.
var anonymous = Principal{Subject: "anonymous", Class: limiter.ClassUntrusted}

// Authenticate attaches a Principal to every request. Requests without a
// token proceed as anonymous untrusted callers; an invalid token is rejected
// rather than silently downgraded. With nil tokens every presented token is
// invalid.
func Authenticate(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := anonymous
			if tokenStr := extractToken(r); tokenStr != "" {
				if tokens == nil {
					writeError(w, http.StatusUnauthorized, "unauthorized", "token authentication is not enabled")
					return
				}
				p, err := tokens.Validate(tokenStr)
				if err != nil {
					writeError(w, http.StatusUnauthorized, "unauthorized", "valid authentication required")
					return
				}
				principal = p
			}

			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireTrusted rejects requests whose principal is not trusted.
func RequireTrusted(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if PrincipalFromContext(r.Context()).Class != limiter.ClassTrusted {
			writeError(w, http.StatusForbidden, "forbidden", "a trusted token is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PrincipalFromContext returns the caller, or the anonymous principal when
// the request did not pass through Authenticate.
func PrincipalFromContext(ctx context.Context) Principal {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return anonymous
	}
	return p
}

// extractToken reads "Authorization: Bearer <token>", falling back to the
// "token" cookie.
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if cookie, err := r.Cookie("token"); err == nil {
		return cookie.Value
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `","message":"` + message + `"}`))
}
