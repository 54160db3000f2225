package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/burrowd/burrow/internal/config"
	"github.com/burrowd/burrow/internal/events"
	"github.com/burrowd/burrow/internal/httpserver"
	"github.com/burrowd/burrow/internal/httpserver/deps"
	"github.com/burrowd/burrow/internal/logger"
	"github.com/burrowd/burrow/internal/redis"
	"github.com/burrowd/burrow/internal/registry"
	"github.com/burrowd/burrow/internal/scheduler"
	redisstore "github.com/burrowd/burrow/internal/store/redis"
	"github.com/burrowd/burrow/internal/torctl"
	"github.com/burrowd/burrow/internal/utils"
	"github.com/burrowd/burrow/internal/version"
)

type App struct {
	cfg         *config.Config
	logger      logger.Logger
	server      *httpserver.Server
	redisClient *goredis.Client
	ctl         *torctl.Conn
	publisher   *scheduler.ManifestPublisher
	janitor     *scheduler.Janitor
}

func New() *App {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	// Initialize Redis early - fail fast if unavailable
	loggerClient.Infof("Connecting to Redis at %s", cfg.RedisAddr)
	redisClient, err := redis.New(redis.ConnectOptions{
		Addr:           cfg.RedisAddr,
		User:           cfg.RedisUser,
		Password:       cfg.RedisPassword,
		RedisDB:        cfg.RedisDB,
		DialTimeout:    cfg.RedisDT,
		ReadTimeout:    cfg.RedisRT,
		WriteTimeout:   cfg.RedisWT,
		PoolSize:       cfg.RedisPoolSize,
		ConnectTimeout: cfg.RedisConnectTimeout,
		RetryInterval:  cfg.RedisRetryInterval,
		MaxWait:        cfg.RedisMaxWait,
		PingTimeout:    cfg.RedisPingTimeout,
		WarnThreshold:  cfg.RedisWarnThreshold,
	}, loggerClient)
	if err != nil {
		loggerClient.Errorf("Failed to connect to Redis: %v", err)
		os.Exit(1)
	}
	loggerClient.Info("Redis initialized successfully")

	store := redisstore.NewStore(redisClient)

	// Connect to the control port - fail fast, nothing works without it
	ctl, err := connectControl(cfg, loggerClient)
	if err != nil {
		loggerClient.Errorf("Failed to connect to control port: %v", err)
		os.Exit(1)
	}
	loggerClient.Info("Control connection established",
		logger.String("addr", cfg.ControlAddr),
		logger.String("tor_version", ctl.ServerVersion()))

	hiddenServices := torctl.NewHiddenServices(ctl)
	reg := registry.NewRegistry()
	hub := events.NewHub()
	handles := deps.NewHandles()

	// Re-attach whatever survived the last run before anything else
	// starts creating services
	adopter := scheduler.NewAdopter(scheduler.AdopterOptions{
		Control:      ctl,
		Configurator: hiddenServices,
		Store:        store,
		Registry:     reg,
		Events:       hub,
		Logger:       loggerClient,
	})
	if err := adopter.Adopt(context.Background()); err != nil {
		loggerClient.Warn("adoption failed, starting with an empty registry",
			logger.Error(err))
	}

	// Manifest publisher (if a manifest file is configured)
	var publisher *scheduler.ManifestPublisher
	var publishTrigger chan struct{}
	if cfg.ManifestFile != "" {
		loggerClient.Info("manifest configured, initializing publisher",
			logger.String("file", cfg.ManifestFile))
		publishTrigger = make(chan struct{}, 1)
		publisher = scheduler.NewManifestPublisher(scheduler.PublisherOptions{
			ManifestFile:   cfg.ManifestFile,
			Control:        ctl,
			Configurator:   hiddenServices,
			Store:          store,
			Registry:       reg,
			Events:         hub,
			Logger:         loggerClient,
			Interval:       cfg.PublishInterval,
			AwaitPublish:   cfg.AwaitPublish,
			PublishTimeout: cfg.PublishTimeout,
			ManualTrigger:  publishTrigger,
		})
	} else {
		loggerClient.Info("no manifest configured, services come from the API only")
	}

	janitor := scheduler.NewJanitor(scheduler.JanitorOptions{
		Control:    ctl,
		Dirs:       hiddenServices,
		Store:      store,
		Registry:   reg,
		Events:     hub,
		Logger:     loggerClient,
		Interval:   cfg.JanitorInterval,
		PurgeAfter: cfg.PurgeAfter,
	})

	// Dependencies passed to routes (extend as needed).
	d := deps.Deps{
		Logger:          loggerClient,
		StartTime:       time.Now(),
		Version:         version.Version,
		Commit:          version.Commit,
		BuildDate:       version.BuildDate,
		GoVersion:       version.GoVersion,
		TimeNow:         time.Now,
		AllowedHosts:    cfg.AllowedHosts,
		AllowedCIDRS:    cfg.AllowedCIDRS,
		TrustProxy:      cfg.TrustProxy,
		RedisClient:     redisClient,
		Registry:        reg,
		Control:         ctl,
		HiddenServices:  hiddenServices,
		Handles:         handles,
		Events:          hub,
		PublishTrigger:  publishTrigger,
		AwaitPublish:    cfg.AwaitPublish,
		PublishTimeout:  cfg.PublishTimeout,
		CacheTTL:        cfg.ResolveCacheTTL,
		ValidateBackend: cfg.ValidateBackend,
		BackendTimeout:  cfg.BackendTimeout,
		CreateBurst:     cfg.CreateBurst,
		CreateRefill:    cfg.CreateRefillPerMin,
	}

	server := httpserver.New(cfg, loggerClient, d)

	return &App{
		cfg:         cfg,
		logger:      loggerClient,
		server:      server,
		redisClient: redisClient,
		ctl:         ctl,
		publisher:   publisher,
		janitor:     janitor,
	}
}

// connectControl dials the control port, retrying with exponential
// backoff until ControlConnectTimeout runs out.
func connectControl(cfg *config.Config, log logger.Logger) (*torctl.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ControlConnectTimeout)
	defer cancel()

	log.Info("connecting to control port",
		logger.String("addr", cfg.ControlAddr),
		logger.Duration("timeout", cfg.ControlConnectTimeout))

	started := time.Now()
	wait := cfg.ControlRetryInterval

	for attempt := 1; ; attempt++ {
		ctl, err := torctl.Dial(ctx, torctl.Options{
			Addr:           cfg.ControlAddr,
			Auth:           cfg.ControlAuth,
			CommandTimeout: cfg.ControlCommandTimeout,
			Logger:         log,
		})
		if err == nil {
			if attempt > 1 {
				log.Warn("connected to control port after retry",
					logger.String("addr", cfg.ControlAddr),
					logger.Int("attempts", attempt),
					logger.Duration("elapsed", time.Since(started)))
			}
			return ctl, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("control port unavailable at %s after %d attempts (timeout: %v): %w",
				cfg.ControlAddr, attempt, cfg.ControlConnectTimeout, err)
		case <-timer.C:
			log.Warn("control connection failed, retrying",
				logger.String("addr", cfg.ControlAddr),
				logger.Int("attempt", attempt),
				logger.Duration("next_retry_in", wait),
				logger.Error(err))
			wait *= 2
		}
	}
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting Burrow v%s on %s", version.Version, a.cfg.ListenAddr)
	a.logger.Infof("Burrow %s (commit=%s, built=%s, go=%s)",
		version.Version, version.Commit, version.BuildDate, version.GoVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start manifest publisher (applies the manifest and starts
	// periodic re-publish)
	if a.publisher != nil {
		if err := a.publisher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start manifest publisher: %w", err)
		}
		a.logger.Info("manifest publisher started",
			logger.Duration("interval", a.cfg.PublishInterval))
	}

	// Start janitor
	if err := a.janitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}
	a.logger.Info("janitor started",
		logger.Duration("interval", a.cfg.JanitorInterval))

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case err := <-errCh:
		return err
	case <-a.ctl.Done():
		// Without the control connection nothing can be managed.
		// Exit and let the supervisor restart us against a live
		// daemon.
		err := a.ctl.Err()
		a.shutdown()
		if err != nil {
			return fmt.Errorf("control connection lost: %w", err)
		}
		return fmt.Errorf("control connection lost")
	}

	a.shutdown()

	a.logger.Info("✅ Burrow stopped cleanly")
	return nil
}

func (a *App) shutdown() {
	if a.publisher != nil {
		a.publisher.Stop()
	}
	a.janitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		a.logger.Warnf("failed to stop server: %v", err)
	}

	utils.CloseWithLog(a.ctl, a.logger)

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warnf("failed to close redis: %v", err)
		} else {
			a.logger.Info("✅ Redis closed cleanly")
		}
	}
}
