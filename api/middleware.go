package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/escrow-engine/auth"
	"github.com/warp/escrow-engine/escrow"
)

// TokenVerifier turns a bearer token into claims.
type TokenVerifier interface {
	Verify(token string) (*escrow.Claims, error)
}

// RequestObserver receives one call per finished request.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, d time.Duration)
}

// userHeader echoes the authenticated user so the outer request log can see it.
const userHeader = "X-User-Id"

// unmatchedRoute labels requests no route matched. Raw paths would make the
// metric's cardinality unbounded.
const unmatchedRoute = "unmatched"

// requestLogger logs every request with zap and reports its latency.
func requestLogger(logger *zap.Logger, observer RequestObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := unmatchedRoute
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if userID := ww.Header().Get(userHeader); userID != "" {
				fields = append(fields, zap.String("user_id", userID))
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("request failed", fields...)
			} else {
				logger.Info("request", fields...)
			}
			if observer != nil {
				observer.ObserveRequest(r.Method, route, status, elapsed)
			}
		})
	}
}

// authenticate requires a valid bearer token and stores its claims in the
// request context. Browsers cannot set headers on websocket upgrades, so a
// token query parameter is accepted there too.
func authenticate(tokens TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token", nil)
				return
			}
			claims, err := tokens.Verify(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid bearer token", nil)
				return
			}
			w.Header().Set(userHeader, string(claims.UserID))
			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if websocketUpgrade(r) {
		return r.URL.Query().Get("token")
	}
	return ""
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// requireAdmin rejects callers without the admin role.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.ClaimsFrom(r.Context()).IsAdmin() {
			writeError(w, http.StatusForbidden, "unauthorized", "admin role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
