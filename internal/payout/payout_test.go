package payout

import "testing"

func TestFeeSplit(t *testing.T) {
	cases := []struct {
		name                                        string
		amountCents                                 int64
		orgBps, proofworkBps                        int
		wantPlatform, wantWorkerGross, wantProofwork, wantNet int64
	}{
		{"no fees", 10000, 0, 0, 0, 10000, 0, 10000},
		{"org fee only", 10000, 1000, 0, 1000, 9000, 0, 9000},
		{"proofwork fee only", 10000, 0, 500, 0, 10000, 500, 9500},
		{"both fees", 10000, 1000, 500, 1000, 9000, 450, 8550},
		{"rounds to nearest cent", 333, 250, 100, 8, 325, 3, 322},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			platform, workerGross, proofwork, net := FeeSplit(tc.amountCents, tc.orgBps, tc.proofworkBps)
			if platform != tc.wantPlatform {
				t.Errorf("platform = %d, want %d", platform, tc.wantPlatform)
			}
			if workerGross != tc.wantWorkerGross {
				t.Errorf("workerGross = %d, want %d", workerGross, tc.wantWorkerGross)
			}
			if proofwork != tc.wantProofwork {
				t.Errorf("proofwork = %d, want %d", proofwork, tc.wantProofwork)
			}
			if net != tc.wantNet {
				t.Errorf("net = %d, want %d", net, tc.wantNet)
			}
			if platform+net+proofwork != tc.amountCents {
				t.Errorf("split %d+%d+%d does not sum to amount %d", platform, net, proofwork, tc.amountCents)
			}
		})
	}
}
