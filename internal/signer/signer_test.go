package signer

import "testing"

func TestNeedsApproval(t *testing.T) {
	cases := []struct {
		status string
		want   bool
	}{
		{StatusPending, true},
		{StatusConsensusNeeded, true},
		{StatusCreated, false},
		{StatusCompleted, false},
		{StatusFailed, false},
		{StatusRejected, false},
		{"ACTIVITY_STATUS_UNKNOWN", false},
	}
	for _, c := range cases {
		if got := NeedsApproval(c.status); got != c.want {
			t.Errorf("NeedsApproval(%s) = %v, want %v", c.status, got, c.want)
		}
	}
}
