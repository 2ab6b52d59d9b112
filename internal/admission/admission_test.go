package admission

import "testing"

func TestSnapshotIdle(t *testing.T) {
	thresholds := Thresholds{
		MaxVerifierBacklog:           50,
		MaxVerifierBacklogAgeSec:     300,
		MaxOutboxPendingAgeSec:       120,
		MaxArtifactScanBacklogAgeSec: 600,
	}

	cases := []struct {
		name       string
		snap       Snapshot
		wantIdle   bool
		wantReason string
	}{
		{"all clear", Snapshot{}, false, ""},
		{"paused overrides everything", Snapshot{Paused: true, VerifierBacklogCount: 0}, true, "paused"},
		{"verifier backlog count over", Snapshot{VerifierBacklogCount: 51}, true, "verifier_backlog"},
		{"verifier backlog age over", Snapshot{VerifierBacklogAgeSec: 301}, true, "verifier_backlog"},
		{"outbox pending age over", Snapshot{OutboxPendingAgeSec: 121}, true, "outbox_backlog"},
		{"artifact scan age over", Snapshot{ArtifactScanAgeSec: 601}, true, "artifact_scan_backlog"},
		{"right at the threshold is not idle", Snapshot{VerifierBacklogCount: 50, OutboxPendingAgeSec: 120}, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			idle, reason := tc.snap.Idle(thresholds)
			if idle != tc.wantIdle {
				t.Errorf("idle = %v, want %v", idle, tc.wantIdle)
			}
			if reason != tc.wantReason {
				t.Errorf("reason = %q, want %q", reason, tc.wantReason)
			}
		})
	}
}
