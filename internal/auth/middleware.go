package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/assetgate/internal/authz"
	"github.com/odyssey-erp/assetgate/internal/platform/httpx"
	"github.com/odyssey-erp/assetgate/internal/shared"
)

// Middleware rejects requests without a valid bearer token and stores the
// principal in the request context.
func Middleware(tokens *TokenManager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				httpx.RespondError(w, shared.ErrUnauthenticated)
				return
			}
			principal, err := tokens.Parse(raw)
			if err != nil {
				logger.Warn("bearer token rejected", slog.String("path", r.URL.Path), slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(authz.ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
