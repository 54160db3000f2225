package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/burrowd/burrow/internal/domain"
	"github.com/burrowd/burrow/internal/events"
	"github.com/burrowd/burrow/internal/logger"
	"github.com/burrowd/burrow/internal/onion"
	"github.com/burrowd/burrow/internal/registry"
	"github.com/burrowd/burrow/internal/sources/manifest"
	redisstore "github.com/burrowd/burrow/internal/store/redis"
)

// PublisherOptions wires a ManifestPublisher.
type PublisherOptions struct {
	ManifestFile   string
	Control        onion.Controller
	Configurator   onion.Configurator
	Store          *redisstore.Store // nil disables persistence
	Registry       *registry.Registry
	Events         *events.Hub // nil disables notifications
	Logger         logger.Logger
	Interval       time.Duration
	AwaitPublish   bool          // wait for the first descriptor upload of each new service
	PublishTimeout time.Duration // bound on that wait, per service
	ManualTrigger  chan struct{}
}

// ManifestPublisher keeps the daemon's onion services in step with the
// manifest: it creates declared services that are missing and retires
// services the manifest no longer declares.
type ManifestPublisher struct {
	loader         *manifest.Loader
	mapper         *manifest.Mapper
	ctl            onion.Controller
	conf           onion.Configurator
	store          *redisstore.Store
	registry       *registry.Registry
	events         *events.Hub
	logger         logger.Logger
	interval       time.Duration
	awaitPublish   bool
	publishTimeout time.Duration
	stopCh         chan struct{}
	manualTrigger  chan struct{}

	mu      sync.Mutex
	handles map[string]*onion.EphemeralService // hostname -> live handle
}

// NewManifestPublisher creates a new manifest publisher
func NewManifestPublisher(opts PublisherOptions) *ManifestPublisher {
	return &ManifestPublisher{
		loader:         manifest.NewLoader(opts.ManifestFile),
		mapper:         manifest.NewMapper(),
		ctl:            opts.Control,
		conf:           opts.Configurator,
		store:          opts.Store,
		registry:       opts.Registry,
		events:         opts.Events,
		logger:         opts.Logger,
		interval:       opts.Interval,
		awaitPublish:   opts.AwaitPublish,
		publishTimeout: opts.PublishTimeout,
		stopCh:         make(chan struct{}),
		manualTrigger:  opts.ManualTrigger,
		handles:        make(map[string]*onion.EphemeralService),
	}
}

// Start runs an immediate publish and begins the periodic process
func (mp *ManifestPublisher) Start(ctx context.Context) error {
	// Publish immediately on start
	if err := mp.Publish(ctx); err != nil {
		return fmt.Errorf("initial publish failed: %w", err)
	}

	// Start periodic publishing
	ticker := time.NewTicker(mp.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := mp.Publish(ctx); err != nil {
					mp.logger.Error("failed to publish manifest services",
						logger.Error(err))
				}
			case <-mp.manualTrigger:
				mp.logger.Info("manual publish triggered")
				if err := mp.Publish(ctx); err != nil {
					mp.logger.Error("failed to publish manifest services",
						logger.Error(err))
				}
			case <-mp.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the publisher
func (mp *ManifestPublisher) Stop() {
	close(mp.stopCh)
}

// Publish loads the manifest and reconciles the daemon against it.
// Load and map failures fail the run; a single service failing to
// create is logged and the run continues.
func (mp *ManifestPublisher) Publish(ctx context.Context) error {
	mp.logger.Info("publishing services from manifest")

	m, err := mp.loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	definitions, err := mp.mapper.MapDefinitions(m)
	if err != nil {
		return fmt.Errorf("failed to map manifest: %w", err)
	}

	mp.logger.Info("loaded service definitions from manifest",
		logger.Int("count", len(definitions)))

	desired := make(map[string]bool, len(definitions))
	created, failed := 0, 0
	for _, definition := range definitions {
		desired[definition.Name] = true
		didCreate, err := mp.ensureService(ctx, definition)
		if err != nil {
			failed++
			mp.logger.Error("failed to ensure manifest service",
				logger.String("service", definition.Name),
				logger.Error(err))
			continue
		}
		if didCreate {
			created++
		}
	}

	// Retire services removed from the manifest
	retired := mp.retireMissing(ctx, desired)

	mp.registry.MarkPublished()

	// Persist manifest-sourced records (best effort)
	if mp.store != nil {
		manifestRecords := mp.manifestRecords()
		if len(manifestRecords) > 0 {
			if err := mp.store.SaveRecordsMany(ctx, manifestRecords); err != nil {
				mp.logger.Warn("failed to save records to redis",
					logger.Error(err))
			}
		}
		// Cached resolutions may point at services this run retired
		if created+retired > 0 {
			if err := mp.store.FlushCache(ctx); err != nil {
				mp.logger.Warn("failed to flush resolution cache",
					logger.Error(err))
			}
		}
	}

	mp.logger.Info("publish run completed",
		logger.Int("created", created),
		logger.Int("failed", failed),
		logger.Int("retired", retired))

	mp.publishEvent(events.Event{
		Type:   events.TypePublishRun,
		Detail: fmt.Sprintf("created=%d failed=%d retired=%d", created, failed, retired),
	})

	return nil
}

// ensureService creates the declared service if no live record covers
// it yet. Returns true when a new service was created.
func (mp *ManifestPublisher) ensureService(ctx context.Context, definition *manifest.Definition) (bool, error) {
	if existing := mp.findRecord(definition.Name); existing != nil {
		return false, mp.refreshExisting(ctx, existing, definition)
	}

	switch definition.Kind {
	case domain.KindEphemeral:
		return mp.createEphemeral(ctx, definition)
	case domain.KindFilesystem:
		return mp.createFilesystem(ctx, definition)
	}
	return false, fmt.Errorf("unknown kind %q", definition.Kind)
}

// findRecord returns the live manifest-sourced record for name, if any
func (mp *ManifestPublisher) findRecord(name string) *domain.Record {
	for _, record := range mp.registry.All() {
		if record.Disabled || !record.HasSource(domain.SourceManifest) {
			continue
		}
		if record.Name == name {
			return record
		}
	}
	return nil
}

// manifestRecords returns every manifest-sourced record, disabled ones
// included, so retirements persist too
func (mp *ManifestPublisher) manifestRecords() []*domain.Record {
	var records []*domain.Record
	for _, record := range mp.registry.All() {
		if record.HasSource(domain.SourceManifest) {
			records = append(records, record)
		}
	}
	return records
}

// refreshExisting stamps the record as seen and follows declaration
// changes where that is possible without changing the identity.
func (mp *ManifestPublisher) refreshExisting(ctx context.Context, record *domain.Record, definition *manifest.Definition) error {
	now := time.Now()
	record.LastSeenAt = now

	changed := !slices.Equal(record.Ports, definition.Ports)
	if record.Kind == domain.KindFilesystem {
		changed = changed ||
			record.Dir != definition.Dir ||
			record.Version != normalizeVersion(definition.Version) ||
			record.GroupReadable != definition.GroupReadable
	}
	if !changed {
		return nil
	}

	switch record.Kind {
	case domain.KindFilesystem:
		// Re-apply the declaration; the identity lives in the dir
		portLines, err := portLines(definition.Ports)
		if err != nil {
			return err
		}
		oldDir := record.Dir
		if err := mp.conf.ApplyHiddenService(ctx, definition.Dir, portLines,
			definition.Version, definition.GroupReadable); err != nil {
			return fmt.Errorf("failed to re-apply service config: %w", err)
		}
		if oldDir != definition.Dir {
			if err := mp.conf.DropHiddenService(ctx, oldDir); err != nil {
				mp.logger.Warn("failed to drop old service dir",
					logger.String("dir", oldDir),
					logger.Error(err))
			}
		}
		record.Dir = definition.Dir
		record.Ports = append([]string{}, definition.Ports...)
		record.Version = normalizeVersion(definition.Version)
		record.GroupReadable = definition.GroupReadable
		record.UpdatedAt = now
		mp.logger.Info("re-applied changed service declaration",
			logger.String("service", definition.Name),
			logger.String("dir", definition.Dir))
		return nil

	case domain.KindEphemeral:
		if definition.KeyFile == "" {
			// Recreating without a key file would change the hostname
			mp.logger.Warn("service declaration changed but has no key file; leaving the running service alone",
				logger.String("service", definition.Name),
				logger.String("hostname", record.Hostname))
			return nil
		}
		// The key file pins the identity, so recreate in place
		if err := mp.removeService(ctx, record); err != nil {
			return fmt.Errorf("failed to remove service for recreate: %w", err)
		}
		record.Disabled = true
		record.UpdatedAt = now
		_, err := mp.createEphemeral(ctx, definition)
		return err
	}
	return nil
}

// createEphemeral issues ADD_ONION for the declared service and
// registers the resulting record.
func (mp *ManifestPublisher) createEphemeral(ctx context.Context, definition *manifest.Definition) (bool, error) {
	key, err := definition.LoadKey()
	saveKeyBack := false
	if err != nil {
		// A declared but not-yet-existing key file means: generate
		// now, persist the key for the next run
		if definition.KeyFile != "" && errors.Is(err, os.ErrNotExist) {
			saveKeyBack = true
			key = ""
		} else {
			return false, err
		}
	}

	opts := onion.CreateOptions{
		Ports:      definition.Ports,
		PrivateKey: key,
		Detach:     definition.Detach,
		DiscardKey: key == "" && !saveKeyBack,
		// Register first, await after: once ADD_ONION succeeded the
		// service exists on the daemon and must be tracked even if
		// the descriptor upload then fails or times out.
		NoAwait:  true,
		Progress: mp.progressFunc(definition.Name),
	}

	svc, err := onion.CreateEphemeral(ctx, mp.ctl, opts)
	if err != nil {
		return false, err
	}

	if saveKeyBack {
		if err := os.WriteFile(definition.KeyFile, []byte(svc.PrivateKey()+"\n"), 0o600); err != nil {
			// The service runs; losing the key only costs the stable
			// identity on the next recreate
			mp.logger.Error("failed to save generated key file",
				logger.String("service", definition.Name),
				logger.String("key_file", definition.KeyFile),
				logger.Error(err))
		}
	}

	now := time.Now()
	record := &domain.Record{
		ID:         svc.Hostname(),
		Hostname:   svc.Hostname(),
		Name:       definition.Name,
		Kind:       domain.KindEphemeral,
		Ports:      append([]string{}, definition.Ports...),
		Detached:   svc.Detached(),
		Sources:    []string{domain.SourceManifest},
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	mp.registry.Add(record)

	mp.mu.Lock()
	mp.handles[record.Hostname] = svc
	mp.mu.Unlock()

	mp.logger.Info("created manifest service",
		logger.String("service", definition.Name),
		logger.String("hostname", record.Hostname),
		logger.Bool("detached", definition.Detach))

	mp.publishEvent(events.Event{
		Type:     events.TypeServiceCreated,
		Hostname: record.Hostname,
		Name:     definition.Name,
	})

	if mp.awaitPublish {
		wctx := ctx
		if mp.publishTimeout > 0 {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(ctx, mp.publishTimeout)
			defer cancel()
		}
		if err := svc.AwaitPublish(wctx); err != nil {
			// The service is already tracked; a bad upload is worth a
			// log line, not a retry storm
			if perr := svc.PublishErr(); perr != nil {
				mp.logger.Error("descriptor publish failed",
					logger.String("service", definition.Name),
					logger.String("hostname", record.Hostname),
					logger.Error(perr))
			} else {
				mp.logger.Warn("descriptor publish not confirmed",
					logger.String("service", definition.Name),
					logger.String("hostname", record.Hostname),
					logger.Error(err))
			}
		}
	}

	return true, nil
}

// createFilesystem applies the HiddenServiceDir declaration and, once
// the daemon has written the hostname file, registers the record.
func (mp *ManifestPublisher) createFilesystem(ctx context.Context, definition *manifest.Definition) (bool, error) {
	svc, err := onion.CreateFilesystem(ctx, mp.conf, onion.FilesystemOptions{
		Dir:           definition.Dir,
		Ports:         definition.Ports,
		Version:       definition.Version,
		GroupReadable: definition.GroupReadable,
	})
	if err != nil {
		return false, err
	}

	hostname, err := svc.Hostname()
	if err != nil {
		// The daemon has not written the hostname file yet. The next
		// run re-applies the config and picks the hostname up then.
		mp.logger.Info("service configured, hostname not written yet",
			logger.String("service", definition.Name),
			logger.String("dir", definition.Dir))
		return false, nil
	}

	now := time.Now()
	record := &domain.Record{
		ID:            hostname,
		Hostname:      hostname,
		Name:          definition.Name,
		Kind:          domain.KindFilesystem,
		Ports:         append([]string{}, definition.Ports...),
		Dir:           definition.Dir,
		Version:       normalizeVersion(definition.Version),
		GroupReadable: definition.GroupReadable,
		Sources:       []string{domain.SourceManifest},
		LastSeenAt:    now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	mp.registry.Add(record)

	mp.logger.Info("created manifest service",
		logger.String("service", definition.Name),
		logger.String("hostname", hostname),
		logger.String("dir", definition.Dir))

	mp.publishEvent(events.Event{
		Type:     events.TypeServiceCreated,
		Hostname: hostname,
		Name:     definition.Name,
	})

	return true, nil
}

// retireMissing disables live manifest records whose names are no
// longer declared and removes their services from the daemon.
func (mp *ManifestPublisher) retireMissing(ctx context.Context, desired map[string]bool) int {
	retired := 0
	for _, record := range mp.registry.All() {
		if record.Disabled || !record.HasSource(domain.SourceManifest) {
			continue
		}
		if desired[record.Name] {
			continue
		}

		if err := mp.removeService(ctx, record); err != nil {
			mp.logger.Error("failed to remove retired service",
				logger.String("service", record.Name),
				logger.String("hostname", record.Hostname),
				logger.Error(err))
			continue
		}

		record.Disabled = true
		record.UpdatedAt = time.Now()
		retired++

		mp.logger.Info("retired service no longer in manifest",
			logger.String("service", record.Name),
			logger.String("hostname", record.Hostname))

		mp.publishEvent(events.Event{
			Type:     events.TypeServiceRemoved,
			Hostname: record.Hostname,
			Name:     record.Name,
		})
	}
	return retired
}

// removeService takes the service off the daemon
func (mp *ManifestPublisher) removeService(ctx context.Context, record *domain.Record) error {
	if record.Kind == domain.KindFilesystem {
		return mp.conf.DropHiddenService(ctx, record.Dir)
	}

	mp.mu.Lock()
	svc := mp.handles[record.Hostname]
	delete(mp.handles, record.Hostname)
	mp.mu.Unlock()

	if svc != nil {
		return svc.Remove(ctx)
	}
	return onion.Remove(ctx, mp.ctl, record.ServiceID())
}

// progressFunc feeds descriptor upload progress into the event hub
func (mp *ManifestPublisher) progressFunc(name string) func(onion.DescriptorEvent) {
	if mp.events == nil {
		return nil
	}
	return func(ev onion.DescriptorEvent) {
		detail := ev.Action
		if ev.Reason != "" {
			detail += " " + ev.Reason
		}
		mp.events.Publish(events.Event{
			Type:     events.TypeDescriptorUpload,
			Hostname: ev.ServiceID + ".onion",
			Name:     name,
			Detail:   detail,
		})
	}
}

func (mp *ManifestPublisher) publishEvent(evt events.Event) {
	if mp.events != nil {
		mp.events.Publish(evt)
	}
}

// portLines renders ports into the torrc HiddenServicePort form
func portLines(ports []string) ([]string, error) {
	specs, err := onion.ValidatePorts(ports)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(specs))
	for _, spec := range specs {
		lines = append(lines, spec.String())
	}
	return lines, nil
}

func normalizeVersion(version int) int {
	if version == 0 {
		return 3
	}
	return version
}
