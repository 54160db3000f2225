package scheduler

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/burrowd/burrow/internal/domain"
	"github.com/burrowd/burrow/internal/events"
	"github.com/burrowd/burrow/internal/logger"
	"github.com/burrowd/burrow/internal/onion"
	"github.com/burrowd/burrow/internal/registry"
	redisstore "github.com/burrowd/burrow/internal/store/redis"
)

// AdopterOptions wires an Adopter.
type AdopterOptions struct {
	Control      Control
	Configurator onion.Configurator // nil skips directory re-apply
	Store        *redisstore.Store  // nil disables adoption entirely
	Registry     *registry.Registry
	Events       *events.Hub // nil disables notifications
	Logger       logger.Logger
}

// Adopter hydrates the registry from Redis on startup and re-attaches
// what the daemon kept running while this process was down: detached
// ephemeral services are claimed as is, directory-backed services get
// their configuration re-applied. Everything else that was persisted
// gets marked disabled.
type Adopter struct {
	ctl      Control
	conf     onion.Configurator
	store    *redisstore.Store
	registry *registry.Registry
	events   *events.Hub
	logger   logger.Logger
}

// NewAdopter creates a new adopter
func NewAdopter(opts AdopterOptions) *Adopter {
	return &Adopter{
		ctl:      opts.Control,
		conf:     opts.Configurator,
		store:    opts.Store,
		registry: opts.Registry,
		events:   opts.Events,
		logger:   opts.Logger,
	}
}

// Adopt loads persisted records into the registry and reconciles them
// against the daemon's detached service set. It runs once, before the
// schedulers start.
func (a *Adopter) Adopt(ctx context.Context) error {
	if a.store == nil {
		a.logger.Debug("no store configured, nothing to adopt")
		return nil
	}

	a.logger.Info("hydrating registry from redis")

	records, err := a.store.GetAllRecords(ctx)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		a.logger.Info("no persisted records found")
		return nil
	}

	a.registry.UpdateRecords(records)

	detached, err := a.detachedServiceIDs(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	adopted := 0
	reapplied := 0
	dropped := 0
	for _, record := range records {
		if record.Disabled {
			continue
		}
		if record.Kind == domain.KindFilesystem {
			// The config mirror is process-local, so a restart forgets
			// every directory; without re-applying here, the next
			// config rewrite would drop them from the daemon.
			if a.conf == nil {
				continue
			}
			if _, err := os.Stat(record.Dir); err != nil {
				// The keys are gone with the directory. Re-applying
				// would mint a fresh identity under the old hostname.
				record.Disabled = true
				record.UpdatedAt = now
				dropped++
				a.logger.Info("persisted service dir is gone",
					logger.String("service", record.Name),
					logger.String("dir", record.Dir))
				continue
			}
			if err := a.reapplyDir(ctx, record); err != nil {
				a.logger.Warn("failed to re-apply directory service",
					logger.String("service", record.Name),
					logger.String("dir", record.Dir),
					logger.Error(err))
				continue
			}
			record.AddSource(domain.SourceAdopted)
			record.LastSeenAt = now
			record.UpdatedAt = now
			reapplied++

			a.logger.Info("re-applied directory service",
				logger.String("service", record.Name),
				logger.String("hostname", record.Hostname))

			a.publishEvent(events.Event{
				Type:     events.TypeServiceAdopted,
				Hostname: record.Hostname,
				Name:     record.Name,
			})
			continue
		}

		if record.Detached && detached[record.ServiceID()] {
			record.AddSource(domain.SourceAdopted)
			record.LastSeenAt = now
			record.UpdatedAt = now
			adopted++

			a.logger.Info("adopted detached service",
				logger.String("service", record.Name),
				logger.String("hostname", record.Hostname))

			a.publishEvent(events.Event{
				Type:     events.TypeServiceAdopted,
				Hostname: record.Hostname,
				Name:     record.Name,
			})
			continue
		}

		// Non-detached services died with the old control connection,
		// and a detached one missing from the set is gone too
		record.Disabled = true
		record.UpdatedAt = now
		dropped++

		a.logger.Info("persisted service no longer runs",
			logger.String("service", record.Name),
			logger.String("hostname", record.Hostname))
	}

	if err := a.store.SaveRecordsMany(ctx, records); err != nil {
		a.logger.Warn("failed to persist adoption results",
			logger.Error(err))
	}

	a.logger.Info("adoption completed",
		logger.Int("hydrated", len(records)),
		logger.Int("adopted", adopted),
		logger.Int("reapplied", reapplied),
		logger.Int("dropped", dropped))

	return nil
}

// reapplyDir re-registers a directory-backed service with the daemon
// using the persisted declaration.
func (a *Adopter) reapplyDir(ctx context.Context, record *domain.Record) error {
	lines, err := portLines(record.Ports)
	if err != nil {
		return err
	}
	return a.conf.ApplyHiddenService(ctx, record.Dir, lines, record.Version, record.GroupReadable)
}

// detachedServiceIDs queries the daemon for the detached services it
// still runs.
func (a *Adopter) detachedServiceIDs(ctx context.Context) (map[string]bool, error) {
	payload, err := a.ctl.GetInfo(ctx, "onions/detached")
	if err != nil {
		return nil, err
	}

	detached := make(map[string]bool)
	for _, id := range strings.Fields(payload) {
		detached[id] = true
	}
	return detached, nil
}

func (a *Adopter) publishEvent(evt events.Event) {
	if a.events != nil {
		a.events.Publish(evt)
	}
}
