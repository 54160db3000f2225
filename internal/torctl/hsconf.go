package torctl

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Commander is the command surface HiddenServices needs from a control
// connection.
type Commander interface {
	SendCommand(ctx context.Context, cmd string) (string, error)
}

type hsEntry struct {
	portLines     []string
	version       int
	groupReadable bool
}

// HiddenServices manages the daemon's HiddenServiceDir configuration.
// The daemon reads these options positionally (a HiddenServiceDir line
// opens a block that the following HiddenServicePort lines belong to),
// so every change rewrites the full set of directories this process
// manages in one SETCONF. Directories configured outside this process
// are untouched only as long as they were never SETCONF-managed on
// this connection; mixing both styles on one option is a daemon
// limitation, not ours.
type HiddenServices struct {
	ctl Commander

	mu       sync.Mutex
	order    []string
	services map[string]hsEntry
}

// NewHiddenServices returns an empty configuration manager bound to
// ctl.
func NewHiddenServices(ctl Commander) *HiddenServices {
	return &HiddenServices{
		ctl:      ctl,
		services: make(map[string]hsEntry),
	}
}

// ApplyHiddenService adds or replaces one directory's configuration
// and pushes the full managed set to the daemon. On a rejected SETCONF
// the in-memory set rolls back so a retry starts from the previous
// state.
func (h *HiddenServices) ApplyHiddenService(ctx context.Context, dir string, portLines []string, version int, groupReadable bool) error {
	h.mu.Lock()
	prev, existed := h.services[dir]
	if !existed {
		h.order = append(h.order, dir)
	}
	h.services[dir] = hsEntry{
		portLines:     append([]string(nil), portLines...),
		version:       version,
		groupReadable: groupReadable,
	}
	cmd := h.renderLocked()
	h.mu.Unlock()

	if _, err := h.ctl.SendCommand(ctx, cmd); err != nil {
		h.mu.Lock()
		if existed {
			h.services[dir] = prev
		} else {
			delete(h.services, dir)
			h.order = removeDir(h.order, dir)
		}
		h.mu.Unlock()
		return fmt.Errorf("SETCONF failed: %w", err)
	}
	return nil
}

// DropHiddenService removes one directory from the managed set and
// pushes the remainder. Dropping the last one resets the option
// entirely.
func (h *HiddenServices) DropHiddenService(ctx context.Context, dir string) error {
	h.mu.Lock()
	prev, ok := h.services[dir]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("unknown hidden service dir %q", dir)
	}
	delete(h.services, dir)
	h.order = removeDir(h.order, dir)
	cmd := h.renderLocked()
	h.mu.Unlock()

	if _, err := h.ctl.SendCommand(ctx, cmd); err != nil {
		h.mu.Lock()
		h.services[dir] = prev
		h.order = append(h.order, dir)
		h.mu.Unlock()
		word, _, _ := strings.Cut(cmd, " ")
		return fmt.Errorf("%s failed: %w", word, err)
	}
	return nil
}

// Managed returns the managed directories in configuration order.
func (h *HiddenServices) Managed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

func (h *HiddenServices) renderLocked() string {
	if len(h.order) == 0 {
		return "RESETCONF HiddenServiceDir"
	}

	var b strings.Builder
	b.WriteString("SETCONF")
	for _, dir := range h.order {
		e := h.services[dir]
		b.WriteString(" HiddenServiceDir=")
		b.WriteString(quoteValue(dir))
		if e.version != 0 {
			fmt.Fprintf(&b, " HiddenServiceVersion=%d", e.version)
		}
		if e.groupReadable {
			b.WriteString(" HiddenServiceDirGroupReadable=1")
		}
		for _, line := range e.portLines {
			b.WriteString(" HiddenServicePort=")
			b.WriteString(quoteValue(line))
		}
	}
	return b.String()
}

func removeDir(order []string, dir string) []string {
	out := order[:0]
	for _, d := range order {
		if d != dir {
			out = append(out, d)
		}
	}
	return out
}

// quoteValue renders a QuotedString: backslashes and double quotes are
// escaped, everything else passes through.
func quoteValue(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' || s[i] == '"' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}
