package auth

import (
	"encoding/json"
	"net/http"

	"github.com/micro-nova/streamrestore-go/internal/models"
)

const (
	apiKeyHeader     = "api-key"
	apiKeyQueryParam = "api-key"
)

// Middleware returns an http.Handler middleware that enforces authentication.
// In open mode (no keys configured), all requests pass through.
// Otherwise, checks the api-key header and then the api-key query param.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.IsOpenMode() {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(apiKeyHeader)
		if key == "" {
			key = r.URL.Query().Get(apiKeyQueryParam)
		}
		if _, ok := s.VerifyKey(key); ok {
			next.ServeHTTP(w, r)
			return
		}

		s.logger.Debugw("rejected request", "path", r.URL.Path, "remote", r.RemoteAddr, "key_given", key != "")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(models.ErrUnauthorized)
	})
}
