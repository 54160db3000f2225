package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/burrowd/burrow/internal/domain"
	"github.com/burrowd/burrow/internal/httpserver/deps"
	"github.com/burrowd/burrow/internal/logger"
	redisstore "github.com/burrowd/burrow/internal/store/redis"
)

type resolveResponse struct {
	Query    string  `json:"query"`
	Hostname string  `json:"hostname"`
	Name     string  `json:"name,omitempty"`
	Score    float64 `json:"score,omitempty"`
	Cached   bool    `json:"cached,omitempty"`
}

// Resolve maps a free-form query onto one onion hostname.
func Resolve(d deps.Deps) http.HandlerFunc {
	store := redisstore.NewStore(d.RedisClient)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		query := strings.TrimSpace(r.URL.Query().Get("q"))

		if query == "" {
			writeError(w, http.StatusBadRequest, "missing query parameter q")
			return
		}

		d.Logger.Info("resolve request",
			logger.String("query", query))

		// Try cache first
		if handleCachedResolution(w, ctx, query, store, d) {
			return
		}

		handleResolution(w, ctx, query, store, d)
	}
}

// handleCachedResolution answers from the resolution cache, returns
// true if it handled the request.
func handleCachedResolution(w http.ResponseWriter, ctx context.Context, query string, store *redisstore.Store, d deps.Deps) bool {
	cachedHostname, err := store.GetCachedResolution(ctx, query)
	if err != nil || cachedHostname == "" {
		return false
	}

	// The cache only short-circuits the ranking; the record still has
	// to exist, be enabled and pass the backend probe.
	record, ok := d.Registry.Get(cachedHostname)
	if ok && !record.Disabled && backendHealthy(record, d) {
		d.Logger.Info("cache hit",
			logger.String("query", query),
			logger.String("hostname", cachedHostname))

		recordResolution(ctx, store, d, cachedHostname)

		writeJSON(w, http.StatusOK, resolveResponse{
			Query:    query,
			Hostname: cachedHostname,
			Name:     record.Name,
			Cached:   true,
		})
		return true
	}

	// Cache hit but record is gone, disabled or down
	d.Logger.Debug("cached resolution no longer valid, invalidating",
		logger.String("hostname", cachedHostname))
	_ = store.InvalidateCache(ctx, query)
	return false
}

// handleResolution ranks all enabled records against the query and
// answers with the best healthy one.
func handleResolution(w http.ResponseWriter, ctx context.Context, query string, store *redisstore.Store, d deps.Deps) {
	parsedQuery := domain.ParseQuery(query)

	// Address-shaped input skips ranking entirely
	if parsedQuery.IsExact() {
		record, ok := d.Registry.Get(parsedQuery.Hostname)
		if !ok || record.Disabled {
			writeError(w, http.StatusNotFound, "no such service")
			return
		}
		if !backendHealthy(record, d) {
			writeError(w, http.StatusServiceUnavailable, "backend unreachable")
			return
		}

		recordResolution(ctx, store, d, record.Hostname)

		writeJSON(w, http.StatusOK, resolveResponse{
			Query:    query,
			Hostname: record.Hostname,
			Name:     record.Name,
		})
		return
	}

	records := d.Registry.All()
	if len(records) == 0 {
		d.Logger.Warn("no services in registry")
		writeError(w, http.StatusNotFound, "no services registered")
		return
	}

	candidates := domain.RankCandidates(parsedQuery, records)
	if len(candidates) == 0 {
		d.Logger.Info("no matching services found",
			logger.String("query", query))
		writeError(w, http.StatusNotFound, "no service matches the query")
		return
	}

	best := candidates[0]
	if d.ValidateBackend {
		best = domain.ValidateCandidates(candidates, d.BackendTimeout)
		if best == nil {
			d.Logger.Warn("no healthy service found for query",
				logger.String("query", query))
			writeError(w, http.StatusServiceUnavailable, "no healthy service matches the query")
			return
		}
	}

	hostname := best.Record.Hostname
	d.Logger.Info("resolved service",
		logger.String("query", query),
		logger.String("hostname", hostname),
		logger.String("score", fmt.Sprintf("%.2f", best.TotalScore)))

	recordResolution(ctx, store, d, hostname)

	// Cache the resolution
	_ = store.CacheResolution(ctx, query, hostname, d.CacheTTL)

	writeJSON(w, http.StatusOK, resolveResponse{
		Query:    query,
		Hostname: hostname,
		Name:     best.Record.Name,
		Score:    best.TotalScore,
	})
}

func backendHealthy(record *domain.Record, d deps.Deps) bool {
	if !d.ValidateBackend {
		return true
	}
	return domain.IsBackendHealthy(record, d.BackendTimeout)
}

// recordResolution bumps the usage counters, best effort.
func recordResolution(ctx context.Context, store *redisstore.Store, d deps.Deps, hostname string) {
	_ = store.IncrementUsage(ctx, hostname)
	d.Registry.IncrementCounter(hostname)
}
