package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mrops-br/product-catalog-api/internal/infrastructure/http/response"
)

var errForbidden = errors.New("admin role required")

// RequireAdmin gates mutating product routes. Authentication itself is an
// upstream concern: the gateway sets X-User-Role after verifying the
// caller, and optionally the deployment pins a shared admin token checked
// against the Authorization header. The core service behind this
// middleware never re-derives permissions.
func RequireAdmin(adminToken string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-User-Role") != "admin" {
				logger.WarnContext(r.Context(), "Rejected non-admin mutation",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
				)
				response.Error(w, http.StatusForbidden, errForbidden)
				return
			}

			if adminToken != "" {
				bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
				if bearer != adminToken {
					logger.WarnContext(r.Context(), "Rejected mutation with bad admin token",
						slog.String("path", r.URL.Path),
						slog.String("method", r.Method),
					)
					response.Error(w, http.StatusForbidden, errForbidden)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
