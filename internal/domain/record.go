package domain

import (
	"strings"
	"time"
)

// Record kinds.
const (
	// KindEphemeral services live in daemon memory, created over the
	// control connection.
	KindEphemeral = "ephemeral"

	// KindFilesystem services are backed by a HiddenServiceDir on
	// disk.
	KindFilesystem = "filesystem"
)

// Known record sources.
const (
	SourceManifest = "manifest"
	SourceAPI      = "api"
	SourceAdopted  = "adopted"
)

// Record represents the canonical runtime truth of one managed onion
// service.
//
// It is NOT tied to the manifest, Redis or the control connection.
// All inputs (manifest file, cache, adoption) are merged into this
// structure.
//
// A Record is considered uniquely identified by its Hostname.
type Record struct {
	// ─────────────────────────────
	// Identity (immutable)
	// ─────────────────────────────

	// ID is the canonical unique identifier.
	// It MUST be equal to Hostname.
	ID string

	// Hostname is the onion hostname of the service.
	// Example: exampleexampleexampleexampleexampleexampleexampleexa.onion
	Hostname string

	// ─────────────────────────────
	// Functional description
	// (may be overwritten by manifest reload)
	// ─────────────────────────────

	// Name is the operator-chosen label.
	// Example: blog
	Name string

	// Kind is ephemeral or filesystem.
	Kind string

	// ─────────────────────────────
	// Forwarding configuration
	// ─────────────────────────────

	// Ports holds "<externalPort> <localAddress>:<localPort>" entries.
	Ports []string

	// Detached marks an ephemeral service that outlives the control
	// connection that created it.
	Detached bool

	// Dir is the HiddenServiceDir (filesystem kind only).
	Dir string

	// Version is the descriptor layout version.
	Version int

	// GroupReadable relaxes the directory permissions so the group can
	// read the hostname file (filesystem kind only).
	GroupReadable bool

	// ─────────────────────────────
	// Provenance & observation
	// ─────────────────────────────

	// Sources indicates where this record was discovered from.
	// Example: manifest, api, adopted
	Sources []string

	// LastSeenAt is updated whenever the service is observed on the
	// daemon or re-declared by any source.
	LastSeenAt time.Time

	// ─────────────────────────────
	// Learning & persistence
	// ─────────────────────────────

	// Counter represents the number of successful resolves.
	Counter int64

	// CreatedAt is the first time the service was created or adopted.
	CreatedAt time.Time

	// UpdatedAt is updated on any mutation.
	UpdatedAt time.Time

	// LastUsedAt is updated only after a successful resolve.
	LastUsedAt time.Time

	// ─────────────────────────────
	// Liveness & cleanup
	// ─────────────────────────────

	// Disabled marks a record as soft-deleted. The janitor may purge
	// it later.
	Disabled bool
}

// ServiceID returns the hostname without its .onion suffix, the form
// the control connection uses.
func (r *Record) ServiceID() string {
	return strings.TrimSuffix(r.Hostname, ".onion")
}

// HasSource reports whether source already appears in Sources.
func (r *Record) HasSource(source string) bool {
	for _, s := range r.Sources {
		if s == source {
			return true
		}
	}
	return false
}

// AddSource appends source if it is not recorded yet.
func (r *Record) AddSource(source string) {
	if !r.HasSource(source) {
		r.Sources = append(r.Sources, source)
	}
}
