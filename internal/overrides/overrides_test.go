package overrides

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"waterguard/internal/model"
)

const sample = `type,id,timestamp_start,timestamp_end,leakage
mcd,12183,2025-09-04 05:00:00,2025-09-05 05:00:00,0.35
mcd,12184.0,2025-09-04 05:00:00,2025-09-04 09:00:00,-
ctp,04-05-0101/001,2025-09-04T00:00:00,2025-09-04T06:00:00,1.2
ctp,04-05-0101/002,2025-09-04T00:00:00,2025-09-04T06:00:00,-0.5
mcd,12185,2025-09-04 05:00:00,2025-09-04 06:00:00,abc
mcd,12186,not-a-date,2025-09-04 06:00:00,0.1
mcd,12187,2025-09-04 05:00:00,2025-09-04 03:00:00,0.1
mcd,12188,2025-09-04 05:00:00,2025-09-04 07:00:00,-0.2
mcd,12189,2025-09-04 05:00:00,2025-09-04 07:00:00,NaN
mcd,12190,2025-09-04 05:00:00,2025-09-04 07:00:00,Inf
ctp,04-05-0101/003,2025-09-04 05:00:00,2025-09-04 07:00:00,nan
`

func parseSample(t *testing.T) *Set {
	t.Helper()
	set, err := Parse(strings.NewReader(sample), time.UTC, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return set
}

func TestParseSkipsMalformedRows(t *testing.T) {
	set := parseSample(t)
	if set.Len() != 4 {
		t.Fatalf("expected 4 valid records, got %d: %+v", set.Len(), set.Records())
	}
	if len(set.For(model.EntityCTP, "04-05-0101/002")) != 0 {
		t.Fatalf("negative ctp leakage must be dropped")
	}
	if recs := set.For(model.EntityBuilding, "12188"); len(recs) != 1 || recs[0].Leakage != -0.2 {
		t.Fatalf("negative building leakage must be kept, got %+v", recs)
	}
	if recs := set.For(model.EntityBuilding, "12184"); len(recs) != 1 || !recs[0].Disconnect {
		t.Fatalf("expected a disconnect record for 12184, got %+v", recs)
	}
	if len(set.For(model.EntityBuilding, "12189")) != 0 || len(set.For(model.EntityBuilding, "12190")) != 0 {
		t.Fatalf("non-finite leakage must be dropped")
	}
}

func TestParseLeakage(t *testing.T) {
	if off, _, err := ParseLeakage(" - ", model.EntityCTP); err != nil || !off {
		t.Fatalf("expected disconnect, got %v %v", off, err)
	}
	if _, v, err := ParseLeakage("-0.25", model.EntityBuilding); err != nil || v != -0.25 {
		t.Fatalf("expected -0.25, got %v %v", v, err)
	}
	for _, raw := range []string{"NaN", "Inf", "-Inf", "+Inf", "abc", ""} {
		if _, _, err := ParseLeakage(raw, model.EntityBuilding); err == nil {
			t.Fatalf("%q must be rejected", raw)
		}
	}
	if _, _, err := ParseLeakage("-1", model.EntityCTP); err == nil {
		t.Fatalf("negative ctp leakage must be rejected")
	}
}

func TestRateAtClosedInterval(t *testing.T) {
	set := parseSample(t)
	start := time.Date(2025, 9, 4, 5, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	for _, ts := range []time.Time{start, start.Add(12 * time.Hour), end} {
		off, rate := set.RateAt(model.EntityBuilding, "12183", ts)
		if off || rate != 0.35 {
			t.Fatalf("expected rate 0.35 at %s, got %v %v", ts, off, rate)
		}
	}
	if _, rate := set.RateAt(model.EntityBuilding, "12183", end.Add(time.Hour)); rate != 0 {
		t.Fatalf("expected no rate after the interval, got %v", rate)
	}
	if off, _ := set.RateAt(model.EntityBuilding, "12184", start.Add(time.Hour)); !off {
		t.Fatalf("expected disconnect")
	}
}

func TestRateAtDisconnectWins(t *testing.T) {
	start := time.Date(2025, 9, 4, 0, 0, 0, 0, time.UTC)
	set := NewSet([]Record{
		{EntityType: model.EntityBuilding, EntityID: "1", Start: start, End: start.Add(4 * time.Hour), Leakage: 2},
		{EntityType: model.EntityBuilding, EntityID: "1", Start: start.Add(time.Hour), End: start.Add(2 * time.Hour), Disconnect: true},
		{EntityType: model.EntityBuilding, EntityID: "1", Start: start, End: start.Add(4 * time.Hour), Leakage: 0.5},
	})
	if off, rate := set.RateAt(model.EntityBuilding, "1", start); off || rate != 2.5 {
		t.Fatalf("expected summed rate 2.5, got %v %v", off, rate)
	}
	if off, rate := set.RateAt(model.EntityBuilding, "1", start.Add(time.Hour)); !off || rate != 0 {
		t.Fatalf("expected disconnect to win, got %v %v", off, rate)
	}
}

func TestOverlapping(t *testing.T) {
	set := parseSample(t)
	ctp := "04-05-0101/001"
	recStart := time.Date(2025, 9, 4, 0, 0, 0, 0, time.UTC)
	recEnd := recStart.Add(6 * time.Hour)
	above := func(l float64) bool { return l > 0.5 }

	if _, ok := set.Overlapping(model.EntityCTP, ctp, recStart.Add(2*time.Hour), recStart.Add(3*time.Hour), above); !ok {
		t.Fatalf("expected overlap inside the interval")
	}
	if _, ok := set.Overlapping(model.EntityCTP, ctp, recEnd, recEnd.Add(time.Hour), above); ok {
		t.Fatalf("a window starting at the record end does not overlap")
	}
	if _, ok := set.Overlapping(model.EntityCTP, ctp, recStart.Add(-time.Hour), recStart, above); ok {
		t.Fatalf("a window ending at the record start does not overlap")
	}
	if _, ok := set.Overlapping(model.EntityCTP, ctp, recStart, recEnd, func(l float64) bool { return l > 5 }); ok {
		t.Fatalf("predicate must filter records")
	}
	if _, ok := set.Overlapping(model.EntityBuilding, "12184", recStart, recEnd, nil); ok {
		t.Fatalf("disconnect records are not leak records")
	}
}

func TestLoadMissingFile(t *testing.T) {
	set, err := Load(filepath.Join(t.TempDir(), "absent.csv"), time.UTC, nil)
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if set.Len() != 0 {
		t.Fatalf("expected empty set")
	}
}

func TestParseRequiresColumns(t *testing.T) {
	if _, err := Parse(strings.NewReader("type,id,leakage\nmcd,1,0.3\n"), time.UTC, nil); err == nil {
		t.Fatalf("expected missing column error")
	}
}
