package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// controlPrefixes are the endpoints that mutate gateway state. Only these
// require the admin token; cached application traffic stays open so the
// gateway remains a transparent proxy for the app itself.
var controlPrefixes = []string{
	"/sync/",
	"/queue/",
	"/travel/",
	"/policy",
	"/store/",
	"/audit",
}

// authMiddleware returns middleware that validates Bearer token
// authentication on the control endpoints. When AdminToken is empty, the
// middleware is a no-op.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AdminToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.AdminToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isControlPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w)
			return
		}

		provided := []byte(strings.TrimPrefix(auth, "Bearer "))
		if subtle.ConstantTimeCompare(provided, tokenBytes) != 1 {
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isControlPath(path string) bool {
	for _, prefix := range controlPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// unauthorizedResponse writes a 401 with a JSON body.
func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}
