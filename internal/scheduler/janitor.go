package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/burrowd/burrow/internal/domain"
	"github.com/burrowd/burrow/internal/events"
	"github.com/burrowd/burrow/internal/logger"
	"github.com/burrowd/burrow/internal/onion"
	"github.com/burrowd/burrow/internal/registry"
	redisstore "github.com/burrowd/burrow/internal/store/redis"
)

const (
	// DefaultPurgeThreshold is the duration after which disabled records are deleted
	DefaultPurgeThreshold = 30 * 24 * time.Hour // 30 days
)

// Control is the control-connection surface the janitor needs: the
// onion command set plus GETINFO and GETCONF lookups.
type Control interface {
	onion.Controller
	GetInfo(ctx context.Context, key string) (string, error)
	GetConf(ctx context.Context, key string) ([]string, error)
}

// ManagedDirs reports which hidden service directories the daemon
// configuration currently carries.
type ManagedDirs interface {
	Managed() []string
}

// JanitorOptions wires a Janitor.
type JanitorOptions struct {
	Control    Control
	Dirs       ManagedDirs
	Store      *redisstore.Store // nil disables persistence
	Registry   *registry.Registry
	Events     *events.Hub // nil disables notifications
	Logger     logger.Logger
	Interval   time.Duration
	PurgeAfter time.Duration
}

// Janitor reconciles the registry against what the daemon actually
// runs: records whose service vanished get disabled, services the
// daemon runs without a record get removed, and records disabled for
// longer than the threshold get purged.
type Janitor struct {
	ctl        Control
	dirs       ManagedDirs
	store      *redisstore.Store
	registry   *registry.Registry
	events     *events.Hub
	logger     logger.Logger
	interval   time.Duration
	purgeAfter time.Duration
	stopCh     chan struct{}
}

// NewJanitor creates a new janitor
func NewJanitor(opts JanitorOptions) *Janitor {
	if opts.PurgeAfter == 0 {
		opts.PurgeAfter = DefaultPurgeThreshold
	}

	return &Janitor{
		ctl:        opts.Control,
		dirs:       opts.Dirs,
		store:      opts.Store,
		registry:   opts.Registry,
		events:     opts.Events,
		logger:     opts.Logger,
		interval:   opts.Interval,
		purgeAfter: opts.PurgeAfter,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the periodic reconcile process
func (j *Janitor) Start(ctx context.Context) error {
	// Run immediately on start
	if err := j.Reconcile(ctx); err != nil {
		j.logger.Warn("initial reconcile failed",
			logger.Error(err))
	}

	// Start periodic reconciliation
	ticker := time.NewTicker(j.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := j.Reconcile(ctx); err != nil {
					j.logger.Error("reconcile failed",
						logger.Error(err))
				}
			case <-j.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the janitor
func (j *Janitor) Stop() {
	close(j.stopCh)
}

// Reconcile compares the registry with the daemon's live service set
// and cleans up both sides.
func (j *Janitor) Reconcile(ctx context.Context) error {
	j.logger.Debug("running reconcile against daemon service set")

	live, err := j.liveServiceIDs(ctx)
	if err != nil {
		return err
	}

	managed := make(map[string]bool)
	if j.dirs != nil {
		for _, dir := range j.dirs.Managed() {
			managed[dir] = true
		}
	}
	// The local mirror only knows dirs applied on this connection; the
	// daemon's answer covers the rest.
	if dirs, err := j.ctl.GetConf(ctx, "HiddenServiceDir"); err != nil {
		j.logger.Warn("GETCONF HiddenServiceDir failed, using the local mirror only",
			logger.Error(err))
	} else {
		for _, dir := range dirs {
			if dir != "" {
				managed[dir] = true
			}
		}
	}

	now := time.Now()
	known := make(map[string]bool)

	var dirty []*domain.Record
	vanished := 0
	lingering := 0
	for _, record := range j.registry.All() {
		if record.Kind == domain.KindFilesystem {
			if j.reconcileFilesystem(record, managed, now) {
				vanished++
				dirty = append(dirty, record)
			}
			continue
		}

		id := record.ServiceID()
		known[id] = true

		switch {
		case live[id] && !record.Disabled:
			record.LastSeenAt = now
		case live[id] && record.Disabled:
			// Soft-deleted record whose removal never reached the
			// daemon: retry it
			if err := onion.Remove(ctx, j.ctl, id); err != nil {
				j.logger.Warn("failed to remove lingering service",
					logger.String("hostname", record.Hostname),
					logger.Error(err))
				continue
			}
			lingering++
			j.logger.Info("removed lingering service from daemon",
				logger.String("hostname", record.Hostname))
		case !live[id] && !record.Disabled:
			record.Disabled = true
			record.UpdatedAt = now
			vanished++
			dirty = append(dirty, record)
			j.logger.Warn("service vanished from daemon",
				logger.String("service", record.Name),
				logger.String("hostname", record.Hostname))
			j.publishEvent(events.Event{
				Type:     events.TypeServiceRemoved,
				Hostname: record.Hostname,
				Name:     record.Name,
				Detail:   "vanished from daemon",
			})
		}
	}

	// Disabled flips must survive a restart or the purge clock starts
	// over; plain last-seen touches are not worth a write.
	if j.store != nil && len(dirty) > 0 {
		if err := j.store.SaveRecordsMany(ctx, dirty); err != nil {
			j.logger.Warn("failed to persist reconcile results",
				logger.Error(err))
		}
	}

	orphans := j.removeOrphans(ctx, live, known)
	purged := j.purgeDisabled(ctx, now)

	if vanished+lingering+orphans+purged > 0 {
		j.logger.Info("reconcile completed",
			logger.Int("vanished", vanished),
			logger.Int("lingering_removed", lingering),
			logger.Int("orphans_removed", orphans),
			logger.Int("purged", purged))
	} else {
		j.logger.Debug("registry and daemon agree")
	}

	return nil
}

// reconcileFilesystem checks a directory-backed record against the
// managed configuration set and reports whether it disabled the
// record. These services never show up in GETINFO onions output.
func (j *Janitor) reconcileFilesystem(record *domain.Record, managed map[string]bool, now time.Time) bool {
	if managed[record.Dir] {
		if !record.Disabled {
			record.LastSeenAt = now
		}
		return false
	}
	if record.Disabled {
		return false
	}

	record.Disabled = true
	record.UpdatedAt = now
	j.logger.Warn("hidden service dir no longer configured",
		logger.String("service", record.Name),
		logger.String("dir", record.Dir))
	j.publishEvent(events.Event{
		Type:     events.TypeServiceRemoved,
		Hostname: record.Hostname,
		Name:     record.Name,
		Detail:   "dir no longer configured",
	})
	return true
}

// removeOrphans deletes daemon services that no record accounts for.
// Only services this connection can see end up here, so a removal
// never races another controller's ownership.
func (j *Janitor) removeOrphans(ctx context.Context, live, known map[string]bool) int {
	removed := 0
	for id := range live {
		if known[id] {
			continue
		}

		if err := onion.Remove(ctx, j.ctl, id); err != nil {
			j.logger.Warn("failed to remove orphan service",
				logger.String("service_id", id),
				logger.Error(err))
			continue
		}

		removed++
		j.logger.Info("removed orphan service from daemon",
			logger.String("service_id", id))
		j.publishEvent(events.Event{
			Type:     events.TypeServiceRemoved,
			Hostname: id + ".onion",
			Detail:   "orphan removed",
		})
	}
	return removed
}

// purgeDisabled drops records that have been disabled for longer than
// the threshold, from the registry and from Redis.
func (j *Janitor) purgeDisabled(ctx context.Context, now time.Time) int {
	purged := 0
	for _, record := range j.registry.All() {
		if !record.Disabled {
			continue
		}
		if record.UpdatedAt.IsZero() {
			continue
		}

		disabledFor := now.Sub(record.UpdatedAt)
		if disabledFor < j.purgeAfter {
			continue
		}

		j.registry.Delete(record.Hostname)

		if j.store != nil {
			if err := j.store.DeleteRecord(ctx, record.Hostname); err != nil {
				j.logger.Warn("failed to delete record from redis",
					logger.String("hostname", record.Hostname),
					logger.Error(err))
			}
			if err := j.store.InvalidateHostname(ctx, record.Hostname); err != nil {
				j.logger.Warn("failed to invalidate cached resolutions",
					logger.String("hostname", record.Hostname),
					logger.Error(err))
			}
		}

		purged++
		j.logger.Info("purged disabled record",
			logger.String("hostname", record.Hostname),
			logger.String("disabled_for", disabledFor.String()))
	}
	return purged
}

// liveServiceIDs queries the daemon for every ephemeral service id it
// currently runs, own and detached alike.
func (j *Janitor) liveServiceIDs(ctx context.Context) (map[string]bool, error) {
	live := make(map[string]bool)
	for _, key := range []string{"onions/current", "onions/detached"} {
		payload, err := j.ctl.GetInfo(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("GETINFO %s failed: %w", key, err)
		}
		for _, id := range strings.Fields(payload) {
			live[id] = true
		}
	}
	return live, nil
}

func (j *Janitor) publishEvent(evt events.Event) {
	if j.events != nil {
		j.events.Publish(evt)
	}
}
