package frame

import (
	"fmt"
	"testing"

	"github.com/go-test/deep"
)

func TestHeaderRoundTrip(t *testing.T) {
	testCases := []Header{
		{Version: 1, Segment: SegmentWhole, ResourceID: 0, SequenceNr: 1, TotalLength: 0},
		{Version: 1, Segment: SegmentFirst, ResourceID: 7, SequenceNr: 42, TotalLength: 40000},
		{Version: 1, Segment: SegmentMiddle, ResourceID: 99999999, SequenceNr: 9999999999, TotalLength: 999999999999},
		{Version: 99, Segment: SegmentLast, ResourceID: 12, SequenceNr: 0, TotalLength: 34},
	}

	for i, h := range testCases {
		t.Run(fmt.Sprintf("test %d", i), func(t *testing.T) {
			buf := FormatHeader(h)
			if len(buf) != HeaderLen {
				t.Fatalf("formatted header is %d bytes, want %d", len(buf), HeaderLen)
			}
			parsed, err := ParseHeader(buf)
			if err != nil {
				t.Fatalf("parse failed: %s", err)
			}
			if diff := deep.Equal(h, parsed); diff != nil {
				t.Fatalf("header did not round-trip: %v", diff)
			}
		})
	}
}

func TestHeaderLayout(t *testing.T) {
	h := Header{Version: 1, Segment: SegmentWhole, ResourceID: 7, SequenceNr: 3, TotalLength: 12}
	got := string(FormatHeader(h))
	want := "01-000000070000000003000000000012"
	if got != want {
		t.Fatalf("formatted header %q, want %q", got, want)
	}
}

func TestParseHeaderRejectsGarbage(t *testing.T) {
	testCases := []string{
		"",
		"0",
		"x1-000000070000000003000000000012",
		"01x000000070000000003000000000012",
		"01-00000x070000000003000000000012",
		"01-0000000700000000030000000000",
	}
	for i, tc := range testCases {
		t.Run(fmt.Sprintf("test %d", i), func(t *testing.T) {
			if _, err := ParseHeader([]byte(tc)); err == nil {
				t.Fatalf("expected error parsing %q", tc)
			}
		})
	}
}

func TestAckBodyRoundTrip(t *testing.T) {
	a := ack{AckedSequenceNr: 42, ReceivedSoFar: 16000, TotalLength: 40000}
	parsed, err := parseAck(formatAck(a))
	if err != nil {
		t.Fatalf("parse failed: %s", err)
	}
	if parsed != a {
		t.Fatalf("ack did not round-trip: got %+v want %+v", parsed, a)
	}
}
