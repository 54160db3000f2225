package onion

import (
	"fmt"
	"strings"
)

// HS_DESC actions this package reacts to. The daemon emits more
// (REQUESTED, RECEIVED, CREATED, ...); those parse fine and are simply
// not tracked.
const (
	DescActionUpload   = "UPLOAD"
	DescActionUploaded = "UPLOADED"
	DescActionFailed   = "FAILED"
)

// DescriptorEvent is one parsed HS_DESC status event.
type DescriptorEvent struct {
	Action    string // UPLOAD, UPLOADED, FAILED, ...
	ServiceID string // onion address the event pertains to, no .onion suffix
	AuthType  string // "UNKNOWN" unless client auth is in use
	HsDir     string // directory node the action refers to
	DescID    string // optional descriptor id
	Reason    string // REASON= value on failures
}

// ParseDescriptorEvent parses the payload of one HS_DESC event line,
// "<action> <serviceId> <authType> <hsDir> [descId] [KEY=VAL]...".
func ParseDescriptorEvent(line string) (DescriptorEvent, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return DescriptorEvent{}, fmt.Errorf("%w: malformed HS_DESC event %q", ErrProtocol, line)
	}

	ev := DescriptorEvent{
		Action:    fields[0],
		ServiceID: fields[1],
		AuthType:  fields[2],
		HsDir:     fields[3],
	}

	for _, field := range fields[4:] {
		key, val, found := strings.Cut(field, "=")
		if !found {
			// Sole positional extra is the descriptor id.
			if ev.DescID == "" {
				ev.DescID = field
			}
			continue
		}
		if key == "REASON" {
			ev.Reason = val
		}
	}

	return ev, nil
}
