package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/54b3r/vortex-go/internal/logging"
)

// authMiddleware returns an HTTP middleware that enforces a single shared
// Bearer token. If apiKey is empty the middleware is a no-op and a warning
// is logged once at server startup.
//
// Protected routes must supply:
//
//	Authorization: Bearer <apiKey>
//
// WebSocket upgrades may pass the key as ?access_token=<apiKey> instead,
// since browsers cannot set headers on a WebSocket handshake.
// Failures receive 401 with a WWW-Authenticate: Bearer challenge. The
// presented token is never logged.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logging.FromContext(r.Context())

		token := bearerToken(r)
		if token == "" && websocket.IsWebSocketUpgrade(r) {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			log.Warn("auth: missing credentials",
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="vortex"`)
			writeJSONError(w, "authorization required", http.StatusUnauthorized)
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			log.Warn("auth: invalid token",
				slog.String("path", r.URL.Path),
				slog.Bool("token_present", true),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="vortex" error="invalid_token"`)
			writeJSONError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken returns the token of an "Authorization: Bearer <token>"
// header, or "" when the header is absent or uses another scheme.
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
