package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/burrowd/burrow/internal/httpserver/deps"
	"github.com/burrowd/burrow/internal/httpserver/handlers"
	"github.com/burrowd/burrow/internal/httpserver/mw"
)

func init() { Register(registerServices) }

func registerServices(r chi.Router, d deps.Deps) {
	guarded := r.With(mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.TrustProxy, d.Logger), mw.EnforceHost(d.AllowedHosts, d.Logger))

	guarded.Get("/services", handlers.ListServices(d))
	guarded.Get("/services/{hostname}", handlers.GetService(d))
	guarded.Delete("/services/{hostname}", handlers.DeleteService(d))

	// Creation talks to the daemon, so it gets its own rate limit
	guarded.With(mw.RateLimit(mw.RateLimitConfig{
		Burst:             d.CreateBurst,
		RefillPerIPPerMin: d.CreateRefill,
		TrustProxy:        d.TrustProxy,
	})).Post("/services", handlers.CreateService(d))
}
