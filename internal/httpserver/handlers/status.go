package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/burrowd/burrow/internal/httpserver/deps"
	redisstore "github.com/burrowd/burrow/internal/store/redis"
)

type componentStatus struct {
	OK             bool   `json:"ok"`
	ServicesLoaded *int   `json:"services_loaded,omitempty"`
	LastPublish    string `json:"last_publish,omitempty"`
	LastHydrate    string `json:"last_hydrate,omitempty"`
	Mode           string `json:"mode,omitempty"`
	Version        string `json:"version,omitempty"`
	ResolvesTotal  *int64 `json:"resolves_total,omitempty"`
	Subscribers    *int   `json:"subscribers,omitempty"`
	Impact         string `json:"impact,omitempty"`
	Error          string `json:"error,omitempty"`
}

type statusResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Components map[string]componentStatus `json:"components"`
}

func Status(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		servicesCount := d.Registry.Count()

		components := map[string]componentStatus{
			"control": checkControl(d),
			"redis":   checkRedis(d),
			"registry": {
				OK:             true,
				ServicesLoaded: &servicesCount,
				LastPublish:    formatWhen(d.Registry.LastPublish()),
				LastHydrate:    formatWhen(d.Registry.LastHydrate()),
			},
			"resolver": checkResolver(d),
			"events":   checkEvents(d),
		}

		response := statusResponse{
			Status:     determineOverallStatus(components),
			Version:    d.Version,
			Uptime:     time.Since(d.StartTime).Round(time.Second).String(),
			Components: components,
		}

		writeJSON(w, http.StatusOK, response)
	}
}

func determineOverallStatus(components map[string]componentStatus) string {
	// A dead control connection means no service management at all
	if control, exists := components["control"]; exists && !control.OK {
		return "critical"
	}

	// Redis down = degraded (no persistence, no adoption after restart)
	if redis, exists := components["redis"]; exists && !redis.OK {
		return "degraded"
	}

	return "ok"
}

func checkControl(d deps.Deps) componentStatus {
	if d.Control == nil {
		return componentStatus{
			OK:     false,
			Impact: "service-management-disabled",
			Error:  "not connected",
		}
	}

	select {
	case <-d.Control.Done():
		errStr := "connection closed"
		if err := d.Control.Err(); err != nil {
			errStr = err.Error()
		}
		return componentStatus{
			OK:     false,
			Impact: "service-management-disabled",
			Error:  errStr,
		}
	default:
		return componentStatus{
			OK:      true,
			Mode:    "connected",
			Version: d.Control.ServerVersion(),
		}
	}
}

func checkEvents(d deps.Deps) componentStatus {
	if d.Events == nil {
		return componentStatus{
			OK:     false,
			Impact: "event-stream-disabled",
			Error:  "no hub configured",
		}
	}
	subscribers := d.Events.SubscriberCount()
	return componentStatus{
		OK:          true,
		Mode:        "fanout",
		Subscribers: &subscribers,
	}
}

// checkResolver reports the resolver mode and the resolve total the
// usage counters have accumulated across restarts.
func checkResolver(d deps.Deps) componentStatus {
	status := componentStatus{
		OK:   true,
		Mode: "fuzzy+usage-learning",
	}
	if d.RedisClient == nil {
		return status
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stats, err := redisstore.NewStore(d.RedisClient).GetUsageStats(ctx)
	if err != nil {
		return status
	}
	var total int64
	for _, count := range stats {
		total += count
	}
	status.ResolvesTotal = &total
	return status
}

func checkRedis(d deps.Deps) componentStatus {
	if d.RedisClient == nil {
		return componentStatus{
			OK:     false,
			Mode:   "degraded",
			Impact: "persistence-disabled",
			Error:  "client not initialized",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := d.RedisClient.Ping(ctx).Err()
	if err != nil {
		return componentStatus{
			OK:     false,
			Mode:   "degraded",
			Impact: "persistence-disabled",
			Error:  "timeout",
		}
	}

	return componentStatus{
		OK:     true,
		Mode:   "optimal",
		Impact: "persistence-enabled",
		Error:  "none",
	}
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("2006-01-02 15:04:05")
}
