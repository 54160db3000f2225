package handlers

import (
	"net/http"

	"github.com/burrowd/burrow/internal/httpserver/deps"
	"github.com/burrowd/burrow/internal/logger"
)

// Reload triggers an immediate manifest publish run
func Reload(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.PublishTrigger == nil {
			d.Logger.Warn("reload requested but no manifest is configured",
				logger.String("remote_ip", r.RemoteAddr))
			writeError(w, http.StatusConflict, "no manifest configured")
			return
		}

		select {
		case d.PublishTrigger <- struct{}{}:
			d.Logger.Info("manual publish run triggered via endpoint",
				logger.String("remote_ip", r.RemoteAddr))
			w.WriteHeader(http.StatusAccepted)
			if _, err := w.Write([]byte("✅ Reload triggered successfully\n")); err != nil {
				d.Logger.Debug("failed to write response", logger.Error(err))
			}
		default:
			d.Logger.Warn("publish run already in progress",
				logger.String("remote_ip", r.RemoteAddr))
			w.WriteHeader(http.StatusTooManyRequests)
			if _, err := w.Write([]byte("⏳ Reload already in progress, please wait\n")); err != nil {
				d.Logger.Debug("failed to write response", logger.Error(err))
			}
		}
	}
}
