package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/askdesk/askdesk/pkg/gateway/lifecycle"
)

// Health reports process liveness.
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
}

// Ready reports readiness; it flips to 503 while the process is draining so
// load balancers stop routing new sessions here.
func Ready(lc *lifecycle.Lifecycle) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if lc.IsDraining() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "draining"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
}
