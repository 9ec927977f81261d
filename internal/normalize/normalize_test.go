package normalize

import (
	"testing"
	"time"
)

func TestParseTimestampLayouts(t *testing.T) {
	want := time.Date(2025, 9, 4, 5, 0, 0, 0, time.UTC)
	inputs := []string{
		"2025-09-04T05:00:00Z",
		"2025-09-04 05:00:00",
		"2025-09-04T05:00:00",
		"2025-09-04 05:00",
		" 2025-09-04T05:00:00.000 ",
		"2025-09-04T08:00:00+03:00",
		"1756962000",
		"1756962000000",
	}
	for _, in := range inputs {
		got, err := ParseTimestamp(in, time.UTC)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%q: expected %s, got %s", in, want, got)
		}
	}
	if _, err := ParseTimestamp("04.09.2025", time.UTC); err == nil {
		t.Fatalf("expected error for an unknown layout")
	}
	if _, err := ParseTimestamp("", time.UTC); err == nil {
		t.Fatalf("expected error for an empty value")
	}
}

func TestParseTimestampLocation(t *testing.T) {
	msk := time.FixedZone("MSK", 3*3600)
	got, err := ParseTimestamp("2025-09-04 08:00:00", msk)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !Hour(got).Equal(time.Date(2025, 9, 4, 5, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected hour bucket %s", Hour(got))
	}
}

func TestEntityID(t *testing.T) {
	cases := map[string]string{
		"12183.0":        "12183",
		" 12183 ":        "12183",
		"1.2183e4":       "12183",
		"12183.5":        "12183.5",
		"04-05-0101/010": "04-05-0101/010",
		"":               "",
	}
	for in, want := range cases {
		if got := EntityID(in); got != want {
			t.Fatalf("EntityID(%q): expected %q, got %q", in, want, got)
		}
	}
}
