package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/burrowd/burrow/internal/httpserver/deps"
)

type readyzResponse struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// Readyz reports whether the gateway can actually manage services,
// which means the control connection is still up.
func Readyz(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		resp := readyzResponse{Ready: true}
		select {
		case <-d.Control.Done():
			resp.Ready = false
			resp.Reason = "control connection closed"
			if err := d.Control.Err(); err != nil {
				resp.Reason = err.Error()
			}
		default:
		}

		if !resp.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
