package auth

import (
	"encoding/json"
	"net/http"
)

// publicPaths bypass authentication even when a panel password is set.
var publicPaths = map[string]bool{
	"/health":          true,
	"/api/auth/login":  true,
	"/api/auth/status": true,
}

// Middleware enforces the panel password on every request once one has
// been set. Unset-password instances have no auth requirement at all,
// matching the original's fully-open-until-configured posture. The token
// may arrive as the X-Auth-Token header (regular API calls) or a ?token=
// query parameter (the WebSocket upgrade request can't set headers from
// a browser's native WebSocket client).
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.PasswordSet() {
			next.ServeHTTP(w, r)
			return
		}
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != "" && s.Validate(token) {
			next.ServeHTTP(w, r)
			return
		}

		writeUnauthorized(w)
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    "unauthorized",
		"message": "authentication required",
		"data":    nil,
	})
}
