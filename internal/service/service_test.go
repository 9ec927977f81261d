package service

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"waterguard/internal/config"
	"waterguard/internal/dataset"
	"waterguard/internal/metrics"
	"waterguard/internal/model"
	"waterguard/internal/overrides"
	"waterguard/internal/topology"
)

var day = time.Date(2025, 9, 4, 5, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	calls  int
	alerts int
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, _ time.Time, list []model.Alert) error {
	p.calls++
	p.alerts += len(list)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

// House 2 reads zero for the whole window while its CTP still supplies water.
func testSnapshot() *dataset.Snapshot {
	var records []dataset.Record
	for h := -30; h <= 0; h++ {
		ts := day.Add(time.Duration(h) * time.Hour)
		records = append(records,
			dataset.Record{Building: "1", Timestamp: ts, Predicted: 10},
			dataset.Record{Building: "2", Timestamp: ts, Predicted: 8},
		)
	}
	return &dataset.Snapshot{
		Dataset:   dataset.Build(records),
		Topology:  topology.New([]topology.Entry{{CTP: "C1", Buildings: []string{"1", "2"}}}, nil),
		Overrides: overrides.NewSet([]overrides.Record{{EntityType: model.EntityBuilding, EntityID: "2", Start: day.Add(-30 * time.Hour), End: day, Disconnect: true}}),
	}
}

func newTestService(snap *dataset.Snapshot, pub *recordingPublisher) *Service {
	cfg := config.DefaultConfig()
	cfg.Evaluation.At = "latest"
	opts := Options{
		Config:  config.NewStaticManager(cfg),
		Data:    dataset.NewHolder(snap),
		Metrics: metrics.NewCollector(),
	}
	if pub != nil {
		opts.Publisher = pub
	}
	return New(opts)
}

func TestRunCyclePublishesOnlyNewAlerts(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newTestService(testSnapshot(), pub)

	first, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if first.ID == "" || !first.At.Equal(day) {
		t.Fatalf("unexpected cycle header %+v", first)
	}
	if len(first.Alerts) == 0 || len(first.New) != len(first.Alerts) {
		t.Fatalf("expected fresh alerts in the first cycle, got %+v", first)
	}
	second, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("cycle ids must differ")
	}
	if len(second.New) != 0 || len(second.Alerts) != len(first.Alerts) {
		t.Fatalf("identical state must not produce new alerts: %+v", second)
	}
	if pub.alerts != len(first.Alerts) {
		t.Fatalf("expected %d published alerts, got %d", len(first.Alerts), pub.alerts)
	}
	last, ok := svc.Metrics().Last()
	if !ok || last.CycleID != second.ID {
		t.Fatalf("metrics not updated: %+v", last)
	}
}

func TestRunCyclePublishFailureKeepsCycle(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := newTestService(testSnapshot(), pub)
	if _, err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("publish errors must not fail the cycle: %v", err)
	}
	if _, ok := svc.Alerts().Latest(); !ok {
		t.Fatalf("cycle not stored")
	}
}

func TestNotLoaded(t *testing.T) {
	svc := newTestService(nil, nil)
	if _, err := svc.RunCycle(context.Background()); !errors.Is(err, dataset.ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
	if _, err := svc.Evaluate(context.Background(), day, config.DefaultThresholds()); !errors.Is(err, dataset.ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
	if _, err := svc.InjectOverrides(nil); !errors.Is(err, dataset.ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
}

func TestEvaluationTime(t *testing.T) {
	svc := newTestService(testSnapshot(), nil)
	cfg := config.DefaultConfig()

	cfg.Evaluation.At = "latest"
	at, err := svc.EvaluationTime(cfg)
	if err != nil || !at.Equal(day) {
		t.Fatalf("latest: %v %v", at, err)
	}
	cfg.Evaluation.At = "2025-09-03 10:00:00"
	at, err = svc.EvaluationTime(cfg)
	if err != nil || !at.Equal(time.Date(2025, 9, 3, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("fixed: %v %v", at, err)
	}
	cfg.Evaluation.At = "now"
	at, err = svc.EvaluationTime(cfg)
	if err != nil || at.Minute() != 0 || time.Since(at) > time.Hour {
		t.Fatalf("now: %v %v", at, err)
	}
	cfg.Evaluation.At = "someday"
	if _, err := svc.EvaluationTime(cfg); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestInjectOverridesSwapsSnapshot(t *testing.T) {
	snap := testSnapshot()
	svc := newTestService(snap, nil)
	total, err := svc.InjectOverrides([]overrides.Record{{EntityType: model.EntityBuilding, EntityID: "1", Start: day, End: day, Leakage: 0.4}})
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if total != 2 || snap.Overrides.Len() != 1 {
		t.Fatalf("expected copy on write, total=%d old=%d", total, snap.Overrides.Len())
	}
	if svc.Snapshot() == snap || svc.Snapshot().Dataset != snap.Dataset {
		t.Fatalf("snapshot must be replaced while sharing the dataset")
	}
}

func TestSeriesWindow(t *testing.T) {
	svc := newTestService(testSnapshot(), nil)
	series, err := svc.Series(context.Background(), model.EntityBuilding, "1", day.Add(30*time.Minute), 5)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if len(series) != 6 || !series[5].Timestamp.Equal(day) {
		t.Fatalf("unexpected window %+v", series)
	}
}

func TestReloadPicksUpClassifier(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "consumption.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE synt_data (date TEXT, UNOM REAL, consumption REAL)`,
		`INSERT INTO synt_data VALUES ('2025-09-04 05:00:00', 1, 10)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec: %v", err)
		}
	}
	db.Close()
	topo := filepath.Join(dir, "ctp_to_unom.json")
	model := filepath.Join(dir, "leak_model.json")
	write := func(path, body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(topo, `{"C1": [1]}`)

	cfg := config.DefaultConfig()
	cfg.Data.DSN = dbPath
	cfg.Data.TopologyPath = topo
	cfg.Data.OverridesPath = ""
	cfg.Data.ClassifierPath = model
	svc := New(Options{Config: config.NewStaticManager(cfg)})
	if svc.classifier.Load().Classifier != nil {
		t.Fatalf("no classifier expected before the model file exists")
	}

	write(model, `{"weights": [`+strings.TrimSuffix(strings.Repeat("0,", 16), ",")+`], "bias": 0}`)
	if _, err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	loaded := svc.classifier.Load().Classifier
	if loaded == nil {
		t.Fatalf("reload should load the model file")
	}
	if svc.Snapshot().Dataset.Size() != 1 {
		t.Fatalf("unexpected dataset size %d", svc.Snapshot().Dataset.Size())
	}

	write(model, `{"weights": [1, 2]}`)
	if _, err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if svc.classifier.Load().Classifier != loaded {
		t.Fatalf("a broken model file must keep the previous classifier")
	}
}
