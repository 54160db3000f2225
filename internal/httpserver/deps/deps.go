package deps

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/burrowd/burrow/internal/events"
	"github.com/burrowd/burrow/internal/logger"
	"github.com/burrowd/burrow/internal/onion"
	"github.com/burrowd/burrow/internal/registry"
	"github.com/burrowd/burrow/internal/torctl"
)

// Control is the control-connection surface the handlers consume.
// *torctl.Conn satisfies it.
type Control interface {
	onion.Controller
	GetInfo(ctx context.Context, key string) (string, error)
	ServerVersion() string
	Done() <-chan struct{}
	Err() error
}

type Deps struct {
	Logger          logger.Logger
	StartTime       time.Time
	Version         string
	Commit          string
	BuildDate       string
	GoVersion       string
	TimeNow         func() time.Time       // clock, time.Now in production
	AllowedHosts    []string               // Host headers allowed to access the server
	AllowedCIDRS    []string               // IPs allowed to reach the admin endpoints
	TrustProxy      bool                   // true if running behind a trusted reverse proxy
	RedisClient     *redis.Client          // Redis client connection
	Registry        *registry.Registry     // In-memory service registry
	Control         Control                // Tor control connection
	HiddenServices  *torctl.HiddenServices // Directory-backed service configuration
	Handles         *Handles               // Live ephemeral handles owned by the API
	Events          *events.Hub            // Lifecycle event fanout (nil disables /events)
	PublishTrigger  chan struct{}          // Channel to trigger a manual manifest publish (nil if manifest disabled)
	AwaitPublish    bool                   // Wait for descriptor upload on create
	PublishTimeout  time.Duration          // Bound on that wait
	CacheTTL        time.Duration          // TTL for cached resolutions
	ValidateBackend bool                   // Probe local backends during resolve
	BackendTimeout  time.Duration          // Timeout for one backend probe
	CreateBurst     int                    // Rate limit bucket size for service creation
	CreateRefill    int                    // Rate limit tokens per minute
}
