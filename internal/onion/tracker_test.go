package onion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func descEvent(action, serviceID, hsdir, reason string) DescriptorEvent {
	ev := DescriptorEvent{
		Action:    action,
		ServiceID: serviceID,
		AuthType:  "UNKNOWN",
		HsDir:     hsdir,
		Reason:    reason,
	}
	return ev
}

func TestParseDescriptorEvent(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    DescriptorEvent
		wantErr bool
	}{
		{
			name: "upload announcement",
			line: "UPLOAD onionfakehostname UNKNOWN hsdir_0",
			want: DescriptorEvent{
				Action:    "UPLOAD",
				ServiceID: "onionfakehostname",
				AuthType:  "UNKNOWN",
				HsDir:     "hsdir_0",
			},
		},
		{
			name: "failure with reason",
			line: "FAILED 42 UNKNOWN hsdir1 REASON=UPLOAD_REJECTED",
			want: DescriptorEvent{
				Action:    "FAILED",
				ServiceID: "42",
				AuthType:  "UNKNOWN",
				HsDir:     "hsdir1",
				Reason:    "UPLOAD_REJECTED",
			},
		},
		{
			name: "uploaded with descriptor id",
			line: "UPLOADED svc UNKNOWN hsdir_2 descid123",
			want: DescriptorEvent{
				Action:    "UPLOADED",
				ServiceID: "svc",
				AuthType:  "UNKNOWN",
				HsDir:     "hsdir_2",
				DescID:    "descid123",
			},
		},
		{
			name:    "truncated line",
			line:    "UPLOAD onionfakehostname",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDescriptorEvent(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDescriptorEvent(%q) = %+v, want error", tt.line, got)
				}
				if !errors.Is(err, ErrProtocol) {
					t.Errorf("error = %v, want ErrProtocol", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDescriptorEvent(%q) unexpected error: %v", tt.line, err)
			}
			if got != tt.want {
				t.Errorf("ParseDescriptorEvent(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestTrackerSingleSuccessResolvesOk(t *testing.T) {
	tr := NewUploadTracker("svc")

	for i := 0; i < 6; i++ {
		tr.Observe(descEvent("UPLOAD", "svc", fmt.Sprintf("hsdir_%d", i), ""))
	}
	if tr.Resolved() {
		t.Fatal("tracker resolved before any terminal event")
	}

	tr.Observe(descEvent("UPLOADED", "svc", "hsdir_3", ""))

	select {
	case <-tr.Done():
	default:
		t.Fatal("Done() not signalled after a successful upload")
	}
	if err := tr.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after success", err)
	}
}

func TestTrackerSuccessIsNeverOverturned(t *testing.T) {
	tr := NewUploadTracker("svc")

	tr.Observe(descEvent("UPLOAD", "svc", "hsdir_0", ""))
	tr.Observe(descEvent("UPLOAD", "svc", "hsdir_1", ""))
	tr.Observe(descEvent("UPLOADED", "svc", "hsdir_0", ""))

	// Every announced node now fails; the resolution must not move.
	tr.Observe(descEvent("FAILED", "svc", "hsdir_0", "UPLOAD_REJECTED"))
	tr.Observe(descEvent("FAILED", "svc", "hsdir_1", "UPLOAD_REJECTED"))

	if err := tr.Err(); err != nil {
		t.Errorf("Err() = %v, want success to stand after late failures", err)
	}
}

func TestTrackerAllExpectedFailedResolvesFailed(t *testing.T) {
	tr := NewUploadTracker("svc")

	const n = 6
	for i := 0; i < n; i++ {
		tr.Observe(descEvent("UPLOAD", "svc", fmt.Sprintf("hsdir_%d", i), ""))
	}
	for i := 0; i < n-1; i++ {
		tr.Observe(descEvent("FAILED", "svc", fmt.Sprintf("hsdir_%d", i), "UPLOAD_REJECTED"))
		if tr.Resolved() {
			t.Fatalf("tracker resolved after %d of %d failures", i+1, n)
		}
	}
	tr.Observe(descEvent("FAILED", "svc", fmt.Sprintf("hsdir_%d", n-1), "UPLOAD_REJECTED"))

	if !tr.Resolved() {
		t.Fatal("tracker should resolve once every announced node failed")
	}
	err := tr.Err()
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("Err() = %v, want ErrPublishFailed", err)
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("hsdir_%d", i)
		if !strings.Contains(err.Error(), id) {
			t.Errorf("failure reasons missing %s: %q", id, err)
		}
		if strings.Count(err.Error(), id+" ") > 1 {
			t.Errorf("node %s listed more than once: %q", id, err)
		}
	}
	if !strings.Contains(err.Error(), "UPLOAD_REJECTED") {
		t.Errorf("failure reasons missing the reason code: %q", err)
	}
}

func TestTrackerFailureReasonsKeepAnnouncementOrder(t *testing.T) {
	tr := NewUploadTracker("svc")

	tr.Observe(descEvent("UPLOAD", "svc", "zeta", ""))
	tr.Observe(descEvent("UPLOAD", "svc", "alpha", ""))
	// Fail them in the opposite order to the announcements.
	tr.Observe(descEvent("FAILED", "svc", "alpha", "BAD_DESC"))
	tr.Observe(descEvent("FAILED", "svc", "zeta", "UPLOAD_REJECTED"))

	err := tr.Err()
	if err == nil {
		t.Fatal("tracker should have resolved failed")
	}
	msg := err.Error()
	if strings.Index(msg, "zeta") > strings.Index(msg, "alpha") {
		t.Errorf("reasons not in announcement order: %q", msg)
	}
}

func TestTrackerIgnoresOtherServices(t *testing.T) {
	tr := NewUploadTracker("svc")

	if tr.Observe(descEvent("UPLOAD", "other", "hsdir_0", "")) {
		t.Error("Observe() accepted an event for a different service")
	}
	tr.Observe(descEvent("UPLOADED", "other", "hsdir_0", ""))
	tr.Observe(descEvent("FAILED", "other", "hsdir_0", "BAD_DESC"))

	if tr.Resolved() {
		t.Fatal("events for a different service must not resolve the tracker")
	}
	if len(tr.Snapshot()) != 0 {
		t.Errorf("Snapshot() = %v, want no rows from foreign events", tr.Snapshot())
	}
}

func TestTrackerResolutionIsSingleShot(t *testing.T) {
	tr := NewUploadTracker("svc")

	tr.Observe(descEvent("UPLOAD", "svc", "hsdir_0", ""))
	tr.Observe(descEvent("FAILED", "svc", "hsdir_0", "UPLOAD_REJECTED"))

	first := tr.Err()
	if !errors.Is(first, ErrPublishFailed) {
		t.Fatalf("Err() = %v, want ErrPublishFailed", first)
	}

	// A late success updates the node outcome but not the resolution.
	tr.Observe(descEvent("UPLOADED", "svc", "hsdir_0", ""))
	if got := tr.Err(); !errors.Is(got, ErrPublishFailed) {
		t.Errorf("Err() changed after resolution: %v", got)
	}

	rows := tr.Snapshot()
	if len(rows) != 1 || rows[0].State != UploadSucceeded {
		t.Errorf("Snapshot() = %+v, want the late success recorded", rows)
	}
}

func TestTrackerFailureBeforeAnnouncementCounts(t *testing.T) {
	tr := NewUploadTracker("svc")

	// Failure for a node the daemon has not announced yet: recorded,
	// but no resolution while nothing is expected.
	tr.Observe(descEvent("FAILED", "svc", "hsdir_0", "UPLOAD_REJECTED"))
	if tr.Resolved() {
		t.Fatal("tracker resolved with an empty expected set")
	}

	// The announcement arrives afterwards. The all-failed check only
	// runs on FAILED events, so the tracker stays unresolved here.
	tr.Observe(descEvent("UPLOAD", "svc", "hsdir_0", ""))
	if tr.Resolved() {
		t.Fatal("an UPLOAD announcement must never resolve the tracker")
	}

	// The next failure anywhere re-evaluates and trips the condition.
	tr.Observe(descEvent("FAILED", "svc", "hsdir_1", "BAD_DESC"))
	if !tr.Resolved() {
		t.Fatal("tracker should resolve once all announced nodes have failed")
	}
	err := tr.Err()
	if !strings.Contains(err.Error(), "hsdir_0") {
		t.Errorf("reason list %q missing the announced node", err)
	}
	if strings.Contains(err.Error(), "hsdir_1") {
		t.Errorf("reason list %q should only carry announced nodes", err)
	}
}

func TestTrackerUploadKeepsTerminalOutcome(t *testing.T) {
	tr := NewUploadTracker("svc")

	tr.Observe(descEvent("FAILED", "svc", "hsdir_0", "UPLOAD_REJECTED"))
	tr.Observe(descEvent("UPLOAD", "svc", "hsdir_0", ""))

	rows := tr.Snapshot()
	if len(rows) != 1 {
		t.Fatalf("Snapshot() returned %d rows, want 1", len(rows))
	}
	if rows[0].State != UploadFailed || rows[0].Reason != "UPLOAD_REJECTED" {
		t.Errorf("Snapshot()[0] = %+v, want the earlier failure kept", rows[0])
	}
}

func TestTrackerUploadedWithoutAnnouncementResolvesOk(t *testing.T) {
	tr := NewUploadTracker("svc")
	tr.Observe(descEvent("UPLOADED", "svc", "hsdir_9", ""))
	if !tr.Resolved() {
		t.Fatal("a success must resolve even without a prior announcement")
	}
	if err := tr.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestTrackerSnapshotOrder(t *testing.T) {
	tr := NewUploadTracker("svc")
	tr.Observe(descEvent("FAILED", "svc", "stray_b", "BAD_DESC"))
	tr.Observe(descEvent("FAILED", "svc", "stray_a", "BAD_DESC"))
	tr.Observe(descEvent("UPLOAD", "svc", "announced", ""))

	rows := tr.Snapshot()
	if len(rows) != 3 {
		t.Fatalf("Snapshot() returned %d rows, want 3", len(rows))
	}
	if rows[0].HsDir != "announced" {
		t.Errorf("rows[0] = %+v, want announced nodes first", rows[0])
	}
	if rows[1].HsDir != "stray_a" || rows[2].HsDir != "stray_b" {
		t.Errorf("stray nodes not sorted: %+v", rows[1:])
	}
}

func TestTrackerWaitHonorsContext(t *testing.T) {
	tr := NewUploadTracker("svc")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := tr.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() = %v, want context.DeadlineExceeded", err)
	}
}

func TestTrackerWaitReturnsResolution(t *testing.T) {
	tr := NewUploadTracker("svc")

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.Observe(descEvent("UPLOADED", "svc", "hsdir_0", ""))
	}()

	if err := tr.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
}
