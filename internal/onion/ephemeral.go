package onion

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// CreateOptions configures one ephemeral service creation.
type CreateOptions struct {
	// Ports holds "<externalPort> <localAddress>:<localPort>" entries.
	Ports []string

	// PrivateKey is caller-supplied key material. Empty means the
	// daemon generates a key and returns it in the response.
	PrivateKey string

	// DiscardKey asks the daemon to never return the generated key.
	// Incompatible with PrivateKey.
	DiscardKey bool

	// Detach keeps the service alive after this control connection
	// closes.
	Detach bool

	// Progress observes every descriptor event accepted for the new
	// service. It runs on the connection's event goroutine; keep it
	// fast. Observability only, never error signaling.
	Progress func(DescriptorEvent)

	// NoAwait returns as soon as the service id is known instead of
	// waiting for the descriptor upload resolution. The event listener
	// then stays attached, feeding the upload state until Remove.
	NoAwait bool
}

// EphemeralService is an onion service whose key material lives only
// in daemon memory (and, unless discarded, in this struct).
type EphemeralService struct {
	ctl Controller

	serviceID  string
	privateKey string
	ports      []PortSpec
	detach     bool
	discardKey bool

	tracker   *UploadTracker
	unsubOnce sync.Once
	unsub     func()
}

// CreateEphemeral validates opts, issues ADD_ONION and, unless
// opts.NoAwait is set, waits until the daemon's directory uploads
// resolve. The wait has no internal timeout: bound it through ctx.
// Cancelling ctx detaches the event listener before returning.
func CreateEphemeral(ctx context.Context, ctl Controller, opts CreateOptions) (*EphemeralService, error) {
	specs, err := ValidatePorts(opts.Ports)
	if err != nil {
		return nil, err
	}

	blob, err := resolveKeyBlob(opts.PrivateKey, opts.DiscardKey)
	if err != nil {
		return nil, err
	}

	reply, err := ctl.SendCommand(ctx, addOnionCommand(blob, specs, opts.Detach, opts.DiscardKey))
	if err != nil {
		return nil, fmt.Errorf("ADD_ONION failed: %w", err)
	}

	kv := parseCreateReply(reply)
	serviceID, ok := kv["ServiceID"]
	if !ok || serviceID == "" {
		return nil, fmt.Errorf("%w: expected ADD_ONION to return a ServiceID", ErrProtocol)
	}

	svc := &EphemeralService{
		ctl:        ctl,
		serviceID:  serviceID,
		ports:      specs,
		detach:     opts.Detach,
		discardKey: opts.DiscardKey,
		tracker:    NewUploadTracker(serviceID),
	}

	switch {
	case opts.DiscardKey:
		// The daemon holds the only copy.
	case opts.PrivateKey != "":
		svc.privateKey = blob
	default:
		svc.privateKey = kv["PrivateKey"]
	}

	// The listener attaches only now that the identity is known, so the
	// tracker never needs to buffer pre-identity events.
	id := ctl.AddEventListener(EventHSDesc, func(line string) {
		ev, err := ParseDescriptorEvent(line)
		if err != nil {
			return
		}
		if svc.tracker.Observe(ev) && opts.Progress != nil {
			opts.Progress(ev)
		}
	})
	svc.unsub = func() { ctl.RemoveEventListener(EventHSDesc, id) }

	if opts.NoAwait {
		return svc, nil
	}

	if err := svc.tracker.Wait(ctx); err != nil {
		svc.stopListening()
		return nil, err
	}
	svc.stopListening()
	return svc, nil
}

// ServiceID returns the bare service identifier, no .onion suffix.
func (s *EphemeralService) ServiceID() string { return s.serviceID }

// Hostname returns the service's onion hostname.
func (s *EphemeralService) Hostname() string { return s.serviceID + ".onion" }

// PrivateKey returns the tagged key blob, or "" when it was discarded.
func (s *EphemeralService) PrivateKey() string { return s.privateKey }

// Detached reports whether the service outlives the control connection.
func (s *EphemeralService) Detached() bool { return s.detach }

// Ports returns a copy of the validated port forwards.
func (s *EphemeralService) Ports() []PortSpec {
	out := make([]PortSpec, len(s.ports))
	copy(out, s.ports)
	return out
}

// AwaitPublish blocks until the descriptor upload resolves or ctx
// ends. Safe after a NoAwait create; the event listener stays attached
// either way until Remove.
func (s *EphemeralService) AwaitPublish(ctx context.Context) error {
	return s.tracker.Wait(ctx)
}

// Uploads returns the per-directory-node upload outcomes observed so
// far.
func (s *EphemeralService) Uploads() []UploadStatus { return s.tracker.Snapshot() }

// PublishErr is nil until (and unless) the descriptor upload resolved
// as failed everywhere.
func (s *EphemeralService) PublishErr() error { return s.tracker.Err() }

// Published reports whether the descriptor upload has resolved
// successfully. False covers both a pending and a failed upload;
// PublishErr tells them apart.
func (s *EphemeralService) Published() bool {
	return s.tracker.Resolved() && s.tracker.Err() == nil
}

// Remove detaches the event listener and deletes the service from the
// daemon.
func (s *EphemeralService) Remove(ctx context.Context) error {
	s.stopListening()
	return Remove(ctx, s.ctl, s.serviceID)
}

// Remove deletes an onion service by id. The daemon must answer the
// literal OK.
func Remove(ctx context.Context, ctl Controller, serviceID string) error {
	reply, err := ctl.SendCommand(ctx, "DEL_ONION "+serviceID)
	if err != nil {
		return fmt.Errorf("DEL_ONION failed: %w", err)
	}
	if reply != "OK" {
		return fmt.Errorf("%w: unexpected DEL_ONION response %q", ErrProtocol, reply)
	}
	return nil
}

func (s *EphemeralService) stopListening() {
	if s.unsub == nil {
		return
	}
	s.unsubOnce.Do(s.unsub)
}

// addOnionCommand renders the creation command. Flag order is fixed:
// Detach before DiscardPK.
func addOnionCommand(blob string, specs []PortSpec, detach, discardKey bool) string {
	var b strings.Builder
	b.WriteString("ADD_ONION ")
	b.WriteString(blob)
	for _, spec := range specs {
		b.WriteString(" Port=")
		b.WriteString(spec.ControlString())
	}

	flags := make([]string, 0, 2)
	if detach {
		flags = append(flags, "Detach")
	}
	if discardKey {
		flags = append(flags, "DiscardPK")
	}
	if len(flags) > 0 {
		b.WriteString(" Flags=")
		b.WriteString(strings.Join(flags, ","))
	}
	return b.String()
}

// parseCreateReply splits "Key=Value" reply lines into a map. Lines
// without a separator (such as a trailing OK) are skipped.
func parseCreateReply(reply string) map[string]string {
	kv := make(map[string]string)
	for _, line := range strings.Split(reply, "\n") {
		if key, val, ok := strings.Cut(line, "="); ok {
			kv[key] = val
		}
	}
	return kv
}
