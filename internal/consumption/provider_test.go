package consumption

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"waterguard/internal/dataset"
	"waterguard/internal/model"
	"waterguard/internal/overrides"
	"waterguard/internal/topology"
)

var day = time.Date(2025, 9, 4, 5, 0, 0, 0, time.UTC)

func testSnapshot(over []overrides.Record) *dataset.Snapshot {
	var records []dataset.Record
	for h := 0; h <= 48; h++ {
		ts := day.Add(time.Duration(h-24) * time.Hour)
		records = append(records,
			dataset.Record{Building: "12183", Timestamp: ts, Predicted: 10 + float64(h%5)},
			dataset.Record{Building: "12184", Timestamp: ts, Predicted: 4},
		)
	}
	return &dataset.Snapshot{
		Dataset:   dataset.Build(records),
		Topology:  topology.New([]topology.Entry{{CTP: "C1", Buildings: []string{"12183", "12184"}}}, nil),
		Overrides: overrides.NewSet(over),
	}
}

func testOptions() Options {
	return Options{BuildingNoise: 0.025, CTPNoise: 0.015, Seed: 42, Concurrency: 2}
}

func TestOverrideAddsLeakage(t *testing.T) {
	start, end := day, day.Add(24*time.Hour)
	rec := overrides.Record{EntityType: model.EntityBuilding, EntityID: "12183", Start: start, End: end, Leakage: 0.35}
	base := NewProvider(testSnapshot(nil), testOptions(), nil)
	leaky := NewProvider(testSnapshot([]overrides.Record{rec}), testOptions(), nil)

	want, err := base.Series(context.Background(), model.EntityBuilding, "12183", start, end)
	if err != nil {
		t.Fatalf("base series: %v", err)
	}
	got, err := leaky.Series(context.Background(), model.EntityBuilding, "12183", start, end)
	if err != nil {
		t.Fatalf("leaky series: %v", err)
	}
	if len(got) != 25 || len(got) != len(want) {
		t.Fatalf("expected 25 points, got %d and %d", len(got), len(want))
	}
	for i := range got {
		expected := math.Max(0, want[i].Real+0.35)
		if math.Abs(got[i].Real-expected) > 1e-9 {
			t.Fatalf("point %s: expected %v, got %v", got[i].Timestamp, expected, got[i].Real)
		}
		if got[i].Predicted != want[i].Predicted {
			t.Fatalf("override must not touch the prediction")
		}
	}
}

func TestDisconnectZeroesWindow(t *testing.T) {
	start, end := day.Add(2*time.Hour), day.Add(6*time.Hour)
	rec := overrides.Record{EntityType: model.EntityBuilding, EntityID: "12183", Start: start, End: end, Disconnect: true}
	p := NewProvider(testSnapshot([]overrides.Record{rec}), testOptions(), nil)

	series, err := p.Series(context.Background(), model.EntityBuilding, "12183", day, day.Add(8*time.Hour))
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	for _, pt := range series {
		inside := !pt.Timestamp.Before(start) && !pt.Timestamp.After(end)
		if inside && pt.Real != 0 {
			t.Fatalf("expected zero at %s, got %v", pt.Timestamp, pt.Real)
		}
		if !inside && pt.Real == 0 {
			t.Fatalf("unexpected zero outside the disconnect at %s", pt.Timestamp)
		}
	}
}

func TestNegativeLeakageClipped(t *testing.T) {
	rec := overrides.Record{EntityType: model.EntityBuilding, EntityID: "12184", Start: day, End: day.Add(time.Hour), Leakage: -100}
	p := NewProvider(testSnapshot([]overrides.Record{rec}), testOptions(), nil)
	series, err := p.Series(context.Background(), model.EntityBuilding, "12184", day, day.Add(time.Hour))
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	for _, pt := range series {
		if pt.Real != 0 {
			t.Fatalf("expected clipping at zero, got %v", pt.Real)
		}
	}
}

func TestSeriesDeterministic(t *testing.T) {
	p := NewProvider(testSnapshot(nil), testOptions(), nil)
	a, _ := p.Series(context.Background(), model.EntityBuilding, "12183", day, day.Add(12*time.Hour))
	b, _ := p.Series(context.Background(), model.EntityBuilding, "12183", day, day.Add(12*time.Hour))
	if len(a) == 0 {
		t.Fatalf("expected data")
	}
	noisy := false
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("series differ at %d: %+v vs %+v", i, a[i], b[i])
		}
		if a[i].Real != a[i].Predicted {
			noisy = true
		}
	}
	if !noisy {
		t.Fatalf("expected simulated noise on real values")
	}
}

func TestCTPSeriesSumsBuildings(t *testing.T) {
	opts := testOptions()
	opts.CTPNoise = 0
	p := NewProvider(testSnapshot(nil), opts, nil)
	series, err := p.Series(context.Background(), model.EntityCTP, "C1", day, day.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if len(series) != 4 {
		t.Fatalf("expected 4 points, got %d", len(series))
	}
	for i, pt := range series {
		if i > 0 && !pt.Timestamp.After(series[i-1].Timestamp) {
			t.Fatalf("series not ordered")
		}
		if pt.Real != pt.Predicted {
			t.Fatalf("without noise real should equal the summed prediction, got %+v", pt)
		}
	}
	if series[0].Predicted != 14+4 {
		t.Fatalf("expected summed prediction 18, got %v", series[0].Predicted)
	}
}

func TestCTPOverride(t *testing.T) {
	opts := testOptions()
	opts.CTPNoise = 0
	rec := overrides.Record{EntityType: model.EntityCTP, EntityID: "C1", Start: day, End: day, Leakage: 3}
	p := NewProvider(testSnapshot([]overrides.Record{rec}), opts, nil)
	series, err := p.Series(context.Background(), model.EntityCTP, "C1", day, day.Add(time.Hour))
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if series[0].Real != series[0].Predicted+3 || series[1].Real != series[1].Predicted {
		t.Fatalf("unexpected ctp override effect %+v", series)
	}
}

func TestUnknownEntities(t *testing.T) {
	p := NewProvider(testSnapshot(nil), testOptions(), nil)
	if _, err := p.Series(context.Background(), model.EntityCTP, "C404", day, day); !errors.Is(err, ErrUnknownCTP) {
		t.Fatalf("expected ErrUnknownCTP, got %v", err)
	}
	if _, err := p.Series(context.Background(), "pump", "1", day, day); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
	series, err := p.Series(context.Background(), model.EntityBuilding, "99999", day, day)
	if err != nil || !series.Empty() {
		t.Fatalf("expected an empty series for a building without data, got %v %v", series, err)
	}
}
