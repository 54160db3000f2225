package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr      string        // admin API bind, ex: "127.0.0.1:7070"
	ShutdownTimeout time.Duration // ex: 5s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	// Tor control port
	ControlAddr           string        // "unix:/run/tor/control" or "host:port"
	ControlAuth           string        // raw AUTHENTICATE argument, sent verbatim (empty = bare AUTHENTICATE)
	ControlConnectTimeout time.Duration // total time to retry connecting (ex: 30s)
	ControlRetryInterval  time.Duration // initial wait between retries (grows exponentially)
	ControlCommandTimeout time.Duration // default deadline for one command round-trip

	// Service manifest
	ManifestFile    string        // path to onions.yaml (optional, empty = manifest disabled)
	PublishInterval time.Duration // interval to re-ensure manifest services (default: 1h)
	PublishTimeout  time.Duration // bound on waiting for descriptor upload per service
	AwaitPublish    bool          // false => return from create as soon as the id is known

	// Janitor
	JanitorInterval time.Duration // interval to reconcile with the daemon (default: 15m)
	PurgeAfter      time.Duration // drop disabled records after this long (default: 720h)

	// Redis
	RedisAddr             string        // ex: "localhost:6379"
	RedisUser             string        // optional
	RedisPassword         string        // optional
	RedisPasswordRequired bool          // true => require password, false => allow empty password
	RedisDB               int           // Redis DB number
	RedisDT               time.Duration // Redis dial timeout (ex: 5s)
	RedisRT               time.Duration // Redis read timeout (ex: 3s)
	RedisWT               time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait          time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout      time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize         int           // Redis connection pool size
	RedisConnectTimeout   time.Duration // total time to retry connecting (ex: 30s)
	RedisRetryInterval    time.Duration // initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold    int           // warn after this many attempts

	// Resolve cache / learning
	ResolveCacheTTL time.Duration // TTL for cached name -> hostname resolutions
	ValidateBackend bool          // probe the local backend before answering a resolve
	BackendTimeout  time.Duration // timeout for one backend probe

	// Access restrictions on the admin API
	AllowedHosts []string // Host headers accepted by the API (DNS rebinding guard)
	AllowedCIDRS []string // IPs/CIDRs allowed to reach the API
	TrustProxy   bool     // true => trust X-Forwarded-For headers

	// Rate limit on service creation
	CreateBurst        int // token bucket size per client IP
	CreateRefillPerMin int // tokens added per minute
}

func Load() *Config {
	cfg := &Config{
		// Server settings
		ListenAddr:      getenv("BURROW_LISTEN_ADDR", "127.0.0.1:7070"),
		ShutdownTimeout: mustDuration("BURROW_SHUTDOWN_TIMEOUT", 5*time.Second),

		// Logging
		LogLevel:  getenv("BURROW_LOG_LEVEL", "info"),
		PrettyLog: mustBool("BURROW_PRETTY_LOG", false),

		// Tor control port
		ControlAddr:           getenv("BURROW_CONTROL_ADDR", "127.0.0.1:9051"),
		ControlAuth:           getenv("BURROW_CONTROL_AUTH", ""),
		ControlConnectTimeout: mustDuration("BURROW_CONTROL_CONNECT_TIMEOUT", 30*time.Second),
		ControlRetryInterval:  mustDuration("BURROW_CONTROL_RETRY_INTERVAL", 2*time.Second),
		ControlCommandTimeout: mustDuration("BURROW_CONTROL_COMMAND_TIMEOUT", 30*time.Second),

		// Manifest
		ManifestFile:    getenv("BURROW_MANIFEST_FILE", ""), // Optional, empty = manifest disabled
		PublishInterval: mustDuration("BURROW_PUBLISH_INTERVAL", time.Hour),
		PublishTimeout:  mustDuration("BURROW_PUBLISH_TIMEOUT", 5*time.Minute),
		AwaitPublish:    mustBool("BURROW_AWAIT_PUBLISH", true),

		// Janitor
		JanitorInterval: mustDuration("BURROW_JANITOR_INTERVAL", 15*time.Minute),
		PurgeAfter:      mustDuration("BURROW_PURGE_AFTER", 720*time.Hour),

		// Redis settings
		RedisAddr:             requireEnv("BURROW_REDIS_ADDR"),
		RedisUser:             getenv("BURROW_REDIS_USERNAME", "default"),
		RedisPasswordRequired: mustBool("BURROW_REDIS_PASSWORD_REQUIRED", true),
		RedisPassword:         getenv("BURROW_REDIS_PASSWORD", ""),
		RedisDB:               requireEnvInt("BURROW_REDIS_DB"),
		RedisDT:               mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:               mustDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:               mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:          mustDuration("REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:      mustDuration("REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:         getenvInt("REDIS_POOL_SIZE", 10),
		RedisConnectTimeout:   mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:    mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:    getenvInt("REDIS_WARN_THRESHOLD", 3),

		// Resolve cache
		ResolveCacheTTL: mustDuration("BURROW_RESOLVE_CACHE_TTL", time.Hour),
		ValidateBackend: mustBool("BURROW_VALIDATE_BACKEND", true),
		BackendTimeout:  mustDuration("BURROW_BACKEND_TIMEOUT", time.Second),

		// Access restrictions
		AllowedHosts: splitAndTrim(getenv("BURROW_ALLOWED_HOSTS", "localhost,127.0.0.1")),
		AllowedCIDRS: parseAllowedIPs(getenv("BURROW_ALLOWED_CIDRS", "127.0.0.0/8,::1/128")),
		TrustProxy:   mustBool("BURROW_TRUST_PROXY", false),

		// Rate limit
		CreateBurst:        getenvInt("BURROW_CREATE_BURST", 5),
		CreateRefillPerMin: getenvInt("BURROW_CREATE_REFILL_PER_MIN", 10),
	}

	// Validate Redis password configuration
	if cfg.RedisPasswordRequired && cfg.RedisPassword == "" {
		panic("❌ FATAL: BURROW_REDIS_PASSWORD is required when BURROW_REDIS_PASSWORD_REQUIRED=true")
	}

	if cfg.ControlAddr == "" {
		panic("❌ FATAL: BURROW_CONTROL_ADDR must not be empty")
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		if cfg.RedisPassword != "" {
			cfgCopy.RedisPassword = "***REDACTED***"
		}
		if cfg.ControlAuth != "" {
			cfgCopy.ControlAuth = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	return v
}

func requireEnvInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("❌ FATAL: Invalid integer value for %s: %s", key, v))
	}
	return i
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
