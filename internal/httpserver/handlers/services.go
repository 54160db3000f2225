package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/burrowd/burrow/internal/domain"
	"github.com/burrowd/burrow/internal/events"
	"github.com/burrowd/burrow/internal/httpserver/deps"
	"github.com/burrowd/burrow/internal/logger"
	"github.com/burrowd/burrow/internal/onion"
	redisstore "github.com/burrowd/burrow/internal/store/redis"
	"github.com/burrowd/burrow/internal/torctl"
)

// serviceResponse is the wire form of one managed service. Key
// material never appears here; it lives in daemon memory or on disk.
type serviceResponse struct {
	Hostname      string         `json:"hostname"`
	Name          string         `json:"name,omitempty"`
	Kind          string         `json:"kind"`
	Ports         []string       `json:"ports"`
	Detached      bool           `json:"detached,omitempty"`
	Dir           string         `json:"dir,omitempty"`
	Version       int            `json:"version,omitempty"`
	GroupReadable bool           `json:"group_readable,omitempty"`
	Sources       []string       `json:"sources"`
	Disabled      bool           `json:"disabled,omitempty"`
	Counter       int64          `json:"counter"`
	CreatedAt     time.Time      `json:"created_at"`
	LastSeenAt    time.Time      `json:"last_seen_at"`
	Status        string         `json:"status,omitempty"`  // publish state, where known
	Uploads       []uploadStatus `json:"uploads,omitempty"` // per directory node, live handles only
}

// uploadStatus is one directory node's view of the descriptor.
type uploadStatus struct {
	HsDir  string `json:"hsdir"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type createServiceRequest struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"` // ephemeral (default) or filesystem
	Ports      []string `json:"ports"`
	Detach     bool     `json:"detach"`
	PrivateKey string   `json:"private_key"` // tagged blob, ephemeral only
	DiscardKey bool     `json:"discard_key"` // never return the generated key
	Dir        string   `json:"dir"`         // filesystem only
	Version    int      `json:"version"`
	GroupRead  bool     `json:"group_readable"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusForError maps a create/remove failure onto an HTTP status:
// contract violations are the client's fault, daemon refusals are a
// gateway problem.
func statusForError(err error) int {
	switch {
	case errors.Is(err, onion.ErrInvalidPorts),
		errors.Is(err, onion.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		var replyErr *torctl.ReplyError
		if errors.As(err, &replyErr) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}

func toServiceResponse(record *domain.Record) serviceResponse {
	return serviceResponse{
		Hostname:      record.Hostname,
		Name:          record.Name,
		Kind:          record.Kind,
		Ports:         record.Ports,
		Detached:      record.Detached,
		Dir:           record.Dir,
		Version:       record.Version,
		GroupReadable: record.GroupReadable,
		Sources:       record.Sources,
		Disabled:      record.Disabled,
		Counter:       record.Counter,
		CreatedAt:     record.CreatedAt,
		LastSeenAt:    record.LastSeenAt,
	}
}

// ListServices returns every record in the registry, disabled ones
// included so operators can see what the janitor will purge.
func ListServices(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records := d.Registry.All()
		out := make([]serviceResponse, 0, len(records))
		for _, record := range records {
			out = append(out, toServiceResponse(record))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// GetService returns one record by hostname. When this process holds
// the service's live handle the response carries the current
// descriptor upload state, so a client that created with NoAwait can
// poll here until the service is published.
func GetService(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hostname := chi.URLParam(r, "hostname")
		record, ok := d.Registry.Get(hostname)
		if !ok {
			writeError(w, http.StatusNotFound, "no such service")
			return
		}
		resp := toServiceResponse(record)
		if svc := d.Handles.Get(hostname); svc != nil {
			resp.Status = livePublishStatus(svc)
			for _, up := range svc.Uploads() {
				resp.Uploads = append(resp.Uploads, uploadStatus{
					HsDir:  up.HsDir,
					State:  up.State.String(),
					Reason: up.Reason,
				})
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func livePublishStatus(svc *onion.EphemeralService) string {
	switch {
	case svc.PublishErr() != nil:
		return "publish_failed"
	case svc.Published():
		return "published"
	default:
		return "pending"
	}
}

// CreateService creates an onion service from a JSON declaration.
func CreateService(d deps.Deps) http.HandlerFunc {
	store := redisstore.NewStore(d.RedisClient)

	return func(w http.ResponseWriter, r *http.Request) {
		var req createServiceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
			return
		}

		switch req.Kind {
		case "", domain.KindEphemeral:
			createEphemeralService(w, r, d, store, req)
		case domain.KindFilesystem:
			createFilesystemService(w, r, d, store, req)
		default:
			writeError(w, http.StatusBadRequest, "unknown kind "+req.Kind)
		}
	}
}

func createEphemeralService(w http.ResponseWriter, r *http.Request, d deps.Deps, store *redisstore.Store, req createServiceRequest) {
	ctx := r.Context()

	// Register first, await after: after a successful ADD_ONION the
	// service exists on the daemon no matter how the upload goes.
	svc, err := onion.CreateEphemeral(ctx, d.Control, onion.CreateOptions{
		Ports:      req.Ports,
		PrivateKey: req.PrivateKey,
		DiscardKey: req.DiscardKey,
		Detach:     req.Detach,
		NoAwait:    true,
		Progress:   uploadProgress(d, req.Name),
	})
	if err != nil {
		d.Logger.Warn("service create failed",
			logger.String("name", req.Name),
			logger.Error(err))
		writeError(w, statusForError(err), err.Error())
		return
	}

	now := d.TimeNow()
	record := &domain.Record{
		ID:         svc.Hostname(),
		Hostname:   svc.Hostname(),
		Name:       req.Name,
		Kind:       domain.KindEphemeral,
		Ports:      append([]string{}, req.Ports...),
		Detached:   svc.Detached(),
		Sources:    []string{domain.SourceAPI},
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	d.Registry.Add(record)
	d.Handles.Put(record.Hostname, svc)

	if err := store.SaveRecord(ctx, record); err != nil {
		d.Logger.Warn("failed to persist record",
			logger.String("hostname", record.Hostname),
			logger.Error(err))
	}

	d.Logger.Info("created service via api",
		logger.String("hostname", record.Hostname),
		logger.String("name", record.Name),
		logger.Bool("detached", record.Detached))

	publishAPIEvent(d, events.Event{
		Type:     events.TypeServiceCreated,
		Hostname: record.Hostname,
		Name:     record.Name,
	})

	resp := toServiceResponse(record)
	resp.Status = "pending"
	if d.AwaitPublish {
		wctx, cancel := context.WithTimeout(ctx, d.PublishTimeout)
		defer cancel()
		if err := svc.AwaitPublish(wctx); err != nil {
			// Every directory rejecting the upload is a different
			// answer than the timeout running out
			resp.Status = "publish_unconfirmed"
			if svc.PublishErr() != nil {
				resp.Status = "publish_failed"
			}
			d.Logger.Warn("descriptor publish not confirmed",
				logger.String("hostname", record.Hostname),
				logger.Error(err))
		} else {
			resp.Status = "published"
		}
	}

	writeJSON(w, http.StatusCreated, resp)
}

func createFilesystemService(w http.ResponseWriter, r *http.Request, d deps.Deps, store *redisstore.Store, req createServiceRequest) {
	ctx := r.Context()

	svc, err := onion.CreateFilesystem(ctx, d.HiddenServices, onion.FilesystemOptions{
		Dir:           req.Dir,
		Ports:         req.Ports,
		Version:       req.Version,
		GroupReadable: req.GroupRead,
	})
	if err != nil {
		d.Logger.Warn("service create failed",
			logger.String("name", req.Name),
			logger.String("dir", req.Dir),
			logger.Error(err))
		writeError(w, statusForError(err), err.Error())
		return
	}

	hostname, err := waitForHostname(ctx, svc)
	if err != nil {
		// The dir is configured; the daemon just has not generated the
		// identity yet. Repeating the request is safe and picks it up.
		writeJSON(w, http.StatusAccepted, serviceResponse{
			Name:   req.Name,
			Kind:   domain.KindFilesystem,
			Ports:  req.Ports,
			Dir:    req.Dir,
			Status: "awaiting_hostname",
		})
		return
	}

	now := d.TimeNow()
	record := &domain.Record{
		ID:            hostname,
		Hostname:      hostname,
		Name:          req.Name,
		Kind:          domain.KindFilesystem,
		Ports:         append([]string{}, req.Ports...),
		Dir:           req.Dir,
		Version:       svc.Version(),
		GroupReadable: req.GroupRead,
		Sources:       []string{domain.SourceAPI},
		LastSeenAt:    now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	d.Registry.Add(record)

	if err := store.SaveRecord(ctx, record); err != nil {
		d.Logger.Warn("failed to persist record",
			logger.String("hostname", record.Hostname),
			logger.Error(err))
	}

	d.Logger.Info("created service via api",
		logger.String("hostname", hostname),
		logger.String("name", req.Name),
		logger.String("dir", req.Dir))

	publishAPIEvent(d, events.Event{
		Type:     events.TypeServiceCreated,
		Hostname: hostname,
		Name:     req.Name,
	})

	resp := toServiceResponse(record)
	resp.Status = "created"
	writeJSON(w, http.StatusCreated, resp)
}

// waitForHostname polls for the daemon-written hostname file. The
// daemon usually writes it within a second of the SETCONF.
func waitForHostname(ctx context.Context, svc *onion.FilesystemService) (string, error) {
	deadline := time.NewTimer(3 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		hostname, err := svc.Hostname()
		if err == nil {
			return hostname, nil
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return "", err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// DeleteService removes a service from the daemon and soft-deletes its
// record. The janitor purges the record later.
func DeleteService(d deps.Deps) http.HandlerFunc {
	store := redisstore.NewStore(d.RedisClient)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		hostname := chi.URLParam(r, "hostname")

		record, ok := d.Registry.Get(hostname)
		if !ok {
			writeError(w, http.StatusNotFound, "no such service")
			return
		}

		// Manifest-declared services come back on the next publish
		// run; removing them here would only fight the manifest.
		if record.HasSource(domain.SourceManifest) && !record.Disabled {
			writeError(w, http.StatusConflict, "service is declared in the manifest, remove it there")
			return
		}

		if !record.Disabled {
			if err := removeFromDaemon(ctx, d, record); err != nil {
				d.Logger.Error("failed to remove service",
					logger.String("hostname", hostname),
					logger.Error(err))
				writeError(w, statusForError(err), err.Error())
				return
			}
		}
		d.Handles.Delete(hostname)

		record.Disabled = true
		record.UpdatedAt = d.TimeNow()

		if err := store.SaveRecord(ctx, record); err != nil {
			d.Logger.Warn("failed to persist record",
				logger.String("hostname", hostname),
				logger.Error(err))
		}
		if err := store.InvalidateHostname(ctx, hostname); err != nil {
			d.Logger.Warn("failed to invalidate cached resolutions",
				logger.String("hostname", hostname),
				logger.Error(err))
		}

		d.Logger.Info("removed service via api",
			logger.String("hostname", hostname))

		publishAPIEvent(d, events.Event{
			Type:     events.TypeServiceRemoved,
			Hostname: hostname,
			Name:     record.Name,
		})

		w.WriteHeader(http.StatusNoContent)
	}
}

func removeFromDaemon(ctx context.Context, d deps.Deps, record *domain.Record) error {
	if record.Kind == domain.KindFilesystem {
		return d.HiddenServices.DropHiddenService(ctx, record.Dir)
	}
	if svc := d.Handles.Get(record.Hostname); svc != nil {
		return svc.Remove(ctx)
	}
	// Adopted or restart-surviving service, no live handle
	return onion.Remove(ctx, d.Control, record.ServiceID())
}

// uploadProgress feeds descriptor upload progress into the event hub.
func uploadProgress(d deps.Deps, name string) func(onion.DescriptorEvent) {
	if d.Events == nil {
		return nil
	}
	return func(ev onion.DescriptorEvent) {
		detail := ev.Action
		if ev.Reason != "" {
			detail += " " + ev.Reason
		}
		d.Events.Publish(events.Event{
			Type:     events.TypeDescriptorUpload,
			Hostname: ev.ServiceID + ".onion",
			Name:     name,
			Detail:   detail,
		})
	}
}

func publishAPIEvent(d deps.Deps, evt events.Event) {
	if d.Events != nil {
		d.Events.Publish(evt)
	}
}
