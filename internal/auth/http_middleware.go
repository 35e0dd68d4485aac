package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// RequireAuth wraps an http.Handler, enforcing the X-API-Key header (or an
// Authorization: Bearer JWT as a second credential path) when the service is
// enabled. The resolved user is attached to the request context for
// downstream handlers.
func RequireAuth(service *Service, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if service == nil || !service.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		if apiKey := strings.TrimSpace(r.Header.Get("X-API-Key")); apiKey != "" {
			user, err := service.ValidateAPIKey(apiKey)
			if err != nil {
				if logger != nil {
					logger.Warn("api key validation failed", "error", err)
				}
				http.Error(w, "invalid api key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
			return
		}

		if token := bearerToken(r.Header.Get("Authorization")); token != "" {
			user, err := service.ValidateJWT(token)
			if err != nil {
				if logger != nil {
					logger.Warn("jwt validation failed", "error", err)
				}
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
			return
		}

		http.Error(w, "missing credentials", http.StatusUnauthorized)
	})
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
