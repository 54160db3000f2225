package domain

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidateBackend checks that the local target behind a record's first
// port forward accepts connections. The onion side is the daemon's
// business; this answers "is there anything listening where the
// forward points".
func ValidateBackend(record *Record, timeout time.Duration) error {
	if record == nil {
		return fmt.Errorf("no record")
	}
	if len(record.Ports) == 0 {
		return fmt.Errorf("record %s has no port forwards", record.Hostname)
	}

	_, target, ok := strings.Cut(record.Ports[0], " ")
	if !ok {
		return fmt.Errorf("malformed port entry %q", record.Ports[0])
	}

	conn, err := net.DialTimeout("tcp", target, timeout)
	if err != nil {
		return fmt.Errorf("backend %s unreachable: %w", target, err)
	}
	_ = conn.Close() // Ignore close errors in validation context
	return nil
}

// IsBackendHealthy checks if a record's backend is reachable
func IsBackendHealthy(record *Record, timeout time.Duration) bool {
	if record == nil {
		return false
	}
	return ValidateBackend(record, timeout) == nil
}

// ValidateCandidates walks ranked candidates and returns the first one
// with a reachable backend
func ValidateCandidates(candidates []*Candidate, timeout time.Duration) *Candidate {
	for _, candidate := range candidates {
		if err := ValidateBackend(candidate.Record, timeout); err == nil {
			// First healthy record wins
			return candidate
		}
	}
	return nil
}
