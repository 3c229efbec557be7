package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yourorg/condominio/internal/featureflags"
	"github.com/yourorg/condominio/internal/security/audit"
	"github.com/yourorg/condominio/internal/security/auth"
	"github.com/yourorg/condominio/internal/security/ratelimit"
)

type ClaimsContextKey struct{}

// publicPath reports whether the request is reachable without a token.
// Status polling is public so callers can follow their tracking ID, but
// only for reads: the resolve endpoint mutates state and stays behind JWT.
func publicPath(method, path string) bool {
	if path == "/healthz" || path == "/readyz" || path == "/metrics" || path == "/api/login" {
		return true
	}
	return method == http.MethodGet && strings.HasPrefix(path, "/api/provisioning/")
}

func JWTMiddleware(tm *auth.TokenManager, auditLog *audit.Logger, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPath(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				auditLog.LogDenied(r.Context(), "", "missing auth header")
				http.Error(w, `{"error":"missing auth"}`, http.StatusUnauthorized)
				return
			}

			tokenString, err := auth.ExtractToken(authHeader)
			if err != nil {
				auditLog.LogDenied(r.Context(), "", "malformed auth header")
				http.Error(w, `{"error":"invalid auth"}`, http.StatusUnauthorized)
				return
			}

			claims, err := tm.ValidateToken(tokenString)
			if err != nil {
				auditLog.LogDenied(r.Context(), "", "invalid token")
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RateLimitMiddleware(limiter *ratelimit.Limiter, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			// Credential-guessing protection, separate from the general
			// per-caller budget.
			if r.URL.Path == "/api/login" && featureflags.Enabled("strict_login_ratelimit") {
				if !limiter.AllowStrict(r.RemoteAddr, 10, time.Minute) {
					http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
					return
				}
			}

			key := r.RemoteAddr
			if c := r.Context().Value(ClaimsContextKey{}); c != nil {
				key = c.(*auth.Claims).UserID
			}

			if !limiter.Allow(key) {
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func AuditMiddleware(auditLog *audit.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actorID := ""
			if c := r.Context().Value(ClaimsContextKey{}); c != nil {
				actorID = c.(*auth.Claims).UserID
			}

			if r.Method == http.MethodPost && (r.URL.Path == "/api/users" || r.URL.Path == "/api/users/standalone") {
				auditLog.LogProvisioning(r.Context(), actorID, "", "initiated", "")
			}
			if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/resolve") {
				// This runs before mux routing, so the tracking ID comes off
				// the raw path rather than PathValue.
				trackingID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/provisioning/"), "/resolve")
				auditLog.LogResolution(r.Context(), actorID, trackingID, "initiated", "")
			}

			next.ServeHTTP(w, r)
		})
	}
}

func GetClaimsFromContext(ctx context.Context) *auth.Claims {
	if c := ctx.Value(ClaimsContextKey{}); c != nil {
		return c.(*auth.Claims)
	}
	return nil
}
