package onion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// UploadState is the progress of one directory node's copy of a
// descriptor.
type UploadState int

const (
	UploadPending UploadState = iota
	UploadSucceeded
	UploadFailed
)

func (s UploadState) String() string {
	switch s {
	case UploadPending:
		return "pending"
	case UploadSucceeded:
		return "succeeded"
	case UploadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// UploadOutcome is the terminal-or-pending result for one node.
type UploadOutcome struct {
	State  UploadState
	Reason string
}

// UploadStatus is one row of a tracker snapshot.
type UploadStatus struct {
	HsDir  string
	State  UploadState
	Reason string
}

// UploadTracker decides, from an unordered stream of per-node HS_DESC
// events, whether a freshly created service's descriptor reached the
// network. A single successful upload resolves the tracker Ok; it
// resolves Failed only once every node the daemon announced has
// definitively failed. Resolution happens exactly once and a success
// is never overturned by later failures.
//
// Each tracker belongs to exactly one service. Events for other
// services are ignored wholesale.
type UploadTracker struct {
	serviceID string

	mu       sync.Mutex
	expected []string // announced nodes, insertion order
	outcomes map[string]UploadOutcome
	resolved bool
	err      error // nil on success, ErrPublishFailed wrap otherwise

	done chan struct{}
}

// NewUploadTracker builds a tracker bound to serviceID. The expected
// node set starts empty and fills from UPLOAD announcements.
func NewUploadTracker(serviceID string) *UploadTracker {
	return &UploadTracker{
		serviceID: serviceID,
		outcomes:  make(map[string]UploadOutcome),
		done:      make(chan struct{}),
	}
}

// ServiceID returns the identity this tracker correlates events with.
func (t *UploadTracker) ServiceID() string { return t.serviceID }

// Observe feeds one event into the state machine and reports whether
// the event belonged to this tracker's service. Mismatched events
// change nothing.
func (t *UploadTracker) Observe(ev DescriptorEvent) bool {
	if ev.ServiceID != t.serviceID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Action {
	case DescActionUpload:
		if !t.isExpectedLocked(ev.HsDir) {
			t.expected = append(t.expected, ev.HsDir)
			if _, seen := t.outcomes[ev.HsDir]; !seen {
				t.outcomes[ev.HsDir] = UploadOutcome{State: UploadPending}
			}
		}
	case DescActionUploaded:
		t.outcomes[ev.HsDir] = UploadOutcome{State: UploadSucceeded}
		t.resolveLocked(nil)
	case DescActionFailed:
		t.outcomes[ev.HsDir] = UploadOutcome{State: UploadFailed, Reason: ev.Reason}
		if len(t.expected) > 0 && t.allExpectedFailedLocked() {
			t.resolveLocked(t.failureLocked())
		}
	}

	return true
}

// Done is closed when the tracker resolves, successfully or not.
func (t *UploadTracker) Done() <-chan struct{} { return t.done }

// Err is nil while unresolved and after an Ok resolution; after a
// Failed resolution it wraps ErrPublishFailed with every node's reason.
func (t *UploadTracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Resolved reports whether a resolution has been reached.
func (t *UploadTracker) Resolved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolved
}

// Wait blocks until the tracker resolves or ctx is cancelled.
func (t *UploadTracker) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the per-node outcomes: announced nodes first in
// announcement order, then any node heard from before its
// announcement, sorted by id.
func (t *UploadTracker) Snapshot() []UploadStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows := make([]UploadStatus, 0, len(t.outcomes))
	for _, hsdir := range t.expected {
		out := t.outcomes[hsdir]
		rows = append(rows, UploadStatus{HsDir: hsdir, State: out.State, Reason: out.Reason})
	}

	extras := make([]string, 0)
	for hsdir := range t.outcomes {
		if !t.isExpectedLocked(hsdir) {
			extras = append(extras, hsdir)
		}
	}
	sort.Strings(extras)
	for _, hsdir := range extras {
		out := t.outcomes[hsdir]
		rows = append(rows, UploadStatus{HsDir: hsdir, State: out.State, Reason: out.Reason})
	}

	return rows
}

func (t *UploadTracker) isExpectedLocked(hsdir string) bool {
	for _, e := range t.expected {
		if e == hsdir {
			return true
		}
	}
	return false
}

func (t *UploadTracker) allExpectedFailedLocked() bool {
	for _, hsdir := range t.expected {
		if t.outcomes[hsdir].State != UploadFailed {
			return false
		}
	}
	return true
}

func (t *UploadTracker) failureLocked() error {
	parts := make([]string, 0, len(t.expected))
	for _, hsdir := range t.expected {
		out := t.outcomes[hsdir]
		if out.Reason != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", hsdir, out.Reason))
		} else {
			parts = append(parts, hsdir)
		}
	}
	return fmt.Errorf("%w: %s", ErrPublishFailed, strings.Join(parts, ", "))
}

// resolveLocked records the first resolution and signals Done. Later
// calls are no-ops, which is what makes a success final.
func (t *UploadTracker) resolveLocked(err error) {
	if t.resolved {
		return
	}
	t.resolved = true
	t.err = err
	close(t.done)
}
