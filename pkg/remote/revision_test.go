package remote

import (
	"testing"

	"github.com/go-test/deep"
)

func TestAckIntervalsAddAndMerge(t *testing.T) {
	var ai ackIntervals
	ai = ai.add(20)
	ai = ai.add(18)
	if diff := deep.Equal(ai, ackIntervals{18, 18, 20, 20}); diff != nil {
		t.Fatalf("unexpected intervals: %v", diff)
	}
	// 19 bridges the two ranges.
	ai = ai.add(19)
	if diff := deep.Equal(ai, ackIntervals{18, 20}); diff != nil {
		t.Fatalf("expected a merged range: %v", diff)
	}
	// Duplicates are no-ops.
	ai = ai.add(19)
	if diff := deep.Equal(ai, ackIntervals{18, 20}); diff != nil {
		t.Fatalf("expected duplicates to be absorbed: %v", diff)
	}
	ai = ai.add(21)
	if diff := deep.Equal(ai, ackIntervals{18, 21}); diff != nil {
		t.Fatalf("expected the range to extend: %v", diff)
	}
	ai = ai.add(30)
	if diff := deep.Equal(ai, ackIntervals{18, 21, 30, 30}); diff != nil {
		t.Fatalf("expected a detached range: %v", diff)
	}
}

func TestSequentialUpdatesAdvance(t *testing.T) {
	s := &subscription{}
	for r := uint64(1); r <= 3; r++ {
		if !s.noteUpdate(r) {
			t.Fatalf("update %d treated as stale", r)
		}
	}
	if s.revision != 3 || len(s.ackRevision) != 0 {
		t.Fatalf("revision %d intervals %v", s.revision, s.ackRevision)
	}
	if s.noteUpdate(2) {
		t.Fatal("expected a replayed update to be stale")
	}
}

func TestAdjacentAckAdvances(t *testing.T) {
	s := &subscription{revision: 7}
	s.noteAck(8, []string{"1:1:x"})
	if s.revision != 8 {
		t.Fatalf("revision %d, want 8", s.revision)
	}
	if len(s.ackRevision) != 0 || s.ackRevisionByIdent != nil {
		t.Fatal("an adjacent acknowledgement must not open a gap")
	}
}

// The flow of scenario E: an acknowledgement beyond a gap, a stale
// per-identifier update, then the updates that close the gap.
func TestGapTracking(t *testing.T) {
	s := &subscription{revision: 15}

	s.noteAck(20, []string{"1:1:Y"})
	if s.revision != 15 {
		t.Fatalf("revision moved to %d on a gapped acknowledgement", s.revision)
	}
	if diff := deep.Equal(s.ackRevision, ackIntervals{20, 20}); diff != nil {
		t.Fatalf("unexpected intervals: %v", diff)
	}

	// The superseded update for Y is suppressed but still advances the
	// revision.
	if !s.staleForIdent("1:1:Y", 18) {
		t.Fatal("expected the acked identifier to suppress revision 18")
	}
	if s.staleForIdent("1:1:Z", 18) {
		t.Fatal("an unrelated identifier must not be suppressed")
	}
	if !s.noteUpdate(18) {
		t.Fatal("update 18 treated as stale")
	}
	if s.revision != 18 {
		t.Fatalf("revision %d, want 18", s.revision)
	}

	// Update 19 makes coverage continuous through the acked 20.
	if !s.noteUpdate(19) {
		t.Fatal("update 19 treated as stale")
	}
	if s.revision != 20 {
		t.Fatalf("revision %d, want 20 (1..20 fully covered)", s.revision)
	}
	if len(s.ackRevision) != 0 {
		t.Fatalf("intervals %v should be empty once the gap closes", s.ackRevision)
	}
	if s.ackRevisionByIdent != nil {
		t.Fatal("per-identifier acknowledgements must be dropped with the gap")
	}

	// The server's own fanout of revision 20 is now stale.
	if s.noteUpdate(20) {
		t.Fatal("expected the fanned-out revision 20 to be stale")
	}
}

// Invariant: after any event sequence, revision is the largest K with
// 1..K completely covered by updates and acknowledgements, and intervals
// are non-empty only while a gap remains.
func TestGapClosureInvariant(t *testing.T) {
	type event struct {
		ack      bool
		revision uint64
	}
	testCases := []struct {
		name         string
		events       []event
		wantRevision uint64
		wantGap      bool
	}{
		{
			name:         "acks fill ahead of updates",
			events:       []event{{true, 2}, {true, 3}, {false, 1}},
			wantRevision: 3,
		},
		{
			name:         "update jumps over remaining hole",
			events:       []event{{true, 3}, {true, 5}, {false, 2}},
			wantRevision: 3,
			wantGap:      true,
		},
		{
			name:         "interleaved",
			events:       []event{{false, 1}, {true, 3}, {true, 5}, {false, 2}, {false, 4}},
			wantRevision: 5,
		},
		{
			name:         "far ack stays parked",
			events:       []event{{false, 1}, {true, 10}},
			wantRevision: 1,
			wantGap:      true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := &subscription{}
			for _, e := range tc.events {
				if e.ack {
					s.noteAck(e.revision, nil)
				} else {
					s.noteUpdate(e.revision)
				}
			}
			if s.revision != tc.wantRevision {
				t.Fatalf("revision %d, want %d", s.revision, tc.wantRevision)
			}
			if gap := len(s.ackRevision) > 0; gap != tc.wantGap {
				t.Fatalf("gap %v (intervals %v), want %v", gap, s.ackRevision, tc.wantGap)
			}
		})
	}
}
