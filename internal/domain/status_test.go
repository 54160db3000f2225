package domain

import (
	"net"
	"testing"
	"time"
)

// liveBackend opens a real listener so validation has something to
// reach.
func liveBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

// deadBackend returns an address that was listening a moment ago and
// is not anymore.
func deadBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestValidateBackend(t *testing.T) {
	live := liveBackend(t)
	dead := deadBackend(t)

	tests := []struct {
		name       string
		record     *Record
		shouldPass bool
	}{
		{
			name:       "reachable backend",
			record:     &Record{Hostname: "a.onion", Ports: []string{"80 " + live}},
			shouldPass: true,
		},
		{
			name:       "unreachable backend",
			record:     &Record{Hostname: "b.onion", Ports: []string{"80 " + dead}},
			shouldPass: false,
		},
		{
			name:       "no port forwards",
			record:     &Record{Hostname: "c.onion"},
			shouldPass: false,
		},
		{
			name:       "malformed port entry",
			record:     &Record{Hostname: "d.onion", Ports: []string{"gibberish"}},
			shouldPass: false,
		},
		{
			name:       "nil record",
			record:     nil,
			shouldPass: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBackend(tt.record, time.Second)
			if tt.shouldPass && err != nil {
				t.Errorf("ValidateBackend() = %v, want nil", err)
			}
			if !tt.shouldPass && err == nil {
				t.Errorf("ValidateBackend() = nil, want error")
			}
		})
	}
}

func TestIsBackendHealthy(t *testing.T) {
	live := liveBackend(t)
	if !IsBackendHealthy(&Record{Ports: []string{"80 " + live}}, time.Second) {
		t.Error("IsBackendHealthy = false for a live backend")
	}
	if IsBackendHealthy(nil, time.Second) {
		t.Error("IsBackendHealthy(nil) = true")
	}
}

func TestValidateCandidates(t *testing.T) {
	live := liveBackend(t)
	dead := deadBackend(t)

	candidates := []*Candidate{
		{Record: &Record{Hostname: "dead.onion", Ports: []string{"80 " + dead}}},
		{Record: &Record{Hostname: "live.onion", Ports: []string{"80 " + live}}},
	}

	got := ValidateCandidates(candidates, time.Second)
	if got == nil || got.Record.Hostname != "live.onion" {
		t.Errorf("ValidateCandidates = %v, want the live record", got)
	}

	none := ValidateCandidates([]*Candidate{
		{Record: &Record{Hostname: "dead.onion", Ports: []string{"80 " + dead}}},
	}, time.Second)
	if none != nil {
		t.Errorf("ValidateCandidates with no healthy backend = %v, want nil", none)
	}
}
