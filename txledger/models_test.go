package txledger

import "testing"

func TestCanMove(t *testing.T) {
	legal := map[[2]AttemptState]bool{
		{AttemptReserved, AttemptPending}:        true,
		{AttemptReserved, AttemptIndeterminate}:  true,
		{AttemptReserved, AttemptRejected}:       true,
		{AttemptPending, AttemptConfirmed}:       true,
		{AttemptIndeterminate, AttemptConfirmed}: true,
		{AttemptRejected, AttemptConfirmed}:      true,
		{AttemptConfirmed, AttemptSettled}:       true,
		{AttemptPending, AttemptIndeterminate}:   true,
		{AttemptPending, AttemptRejected}:        true,
		{AttemptIndeterminate, AttemptRejected}:  true,
	}
	states := []AttemptState{AttemptReserved, AttemptPending, AttemptConfirmed, AttemptSettled, AttemptIndeterminate, AttemptRejected}

	for _, from := range states {
		for _, to := range states {
			want := legal[[2]AttemptState{from, to}]
			if got := CanMove(from, to); got != want {
				t.Fatalf("CanMove(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestUnresolved(t *testing.T) {
	for state, want := range map[AttemptState]bool{
		AttemptReserved:      true,
		AttemptPending:       true,
		AttemptConfirmed:     true,
		AttemptIndeterminate: true,
		AttemptSettled:       false,
		AttemptRejected:      false,
	} {
		if got := state.Unresolved(); got != want {
			t.Fatalf("%s.Unresolved() = %v, want %v", state, got, want)
		}
	}
}
