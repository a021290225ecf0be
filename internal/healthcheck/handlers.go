package healthcheck

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response is the body of /healthz and /readyz.
type Response struct {
	Status string `json:"status"`
	Snapshot
}

// HealthHandler serves /healthz: 200 while poll cycles keep completing
// within twice the poll interval.
func HealthHandler(tracker *Tracker, pollInterval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := tracker.Snapshot()
		if tracker.Healthy(time.Now().UTC(), pollInterval) {
			writeJSON(w, http.StatusOK, Response{Status: "ok", Snapshot: snapshot})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, Response{Status: "stale", Snapshot: snapshot})
	}
}

// ReadyHandler serves /readyz: 200 once the first poll cycle completed.
func ReadyHandler(tracker *Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := tracker.Snapshot()
		if tracker.Ready() {
			writeJSON(w, http.StatusOK, Response{Status: "ready", Snapshot: snapshot})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, Response{Status: "not_ready", Snapshot: snapshot})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
