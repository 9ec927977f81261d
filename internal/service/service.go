// Package service wires the dataset snapshot, the rule engine and the
// alert outputs into the operations exposed by the CLI and the API.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"waterguard/internal/alerts"
	"waterguard/internal/classifier"
	"waterguard/internal/config"
	"waterguard/internal/consumption"
	"waterguard/internal/dataset"
	"waterguard/internal/engine"
	"waterguard/internal/metrics"
	"waterguard/internal/model"
	"waterguard/internal/normalize"
	"waterguard/internal/overrides"
	"waterguard/internal/publish"
)

type Service struct {
	cfg        *config.Manager
	data       *dataset.Holder
	classifier atomic.Pointer[leakModel]
	engine     *engine.Engine
	alerts     *alerts.Store
	metrics    *metrics.Collector
	publisher  publish.Publisher
	logger     *slog.Logger

	// serializes snapshot writers; readers go through the holder
	mu sync.Mutex
}

// leakModel wraps the current classifier; a nil Classifier disables the ML path.
type leakModel struct {
	classifier.Classifier
}

type Options struct {
	Config     *config.Manager
	Data       *dataset.Holder
	Classifier classifier.Classifier
	Alerts     *alerts.Store
	Metrics    *metrics.Collector
	Publisher  publish.Publisher
	Logger     *slog.Logger
}

func New(opts Options) *Service {
	s := &Service{
		cfg:       opts.Config,
		data:      opts.Data,
		engine:    engine.NewEngine(opts.Logger),
		alerts:    opts.Alerts,
		metrics:   opts.Metrics,
		publisher: opts.Publisher,
		logger:    opts.Logger,
	}
	s.classifier.Store(&leakModel{opts.Classifier})
	if s.cfg == nil {
		s.cfg = config.NewStaticManager(nil)
	}
	if s.data == nil {
		s.data = dataset.NewHolder(nil)
	}
	if s.alerts == nil {
		s.alerts = alerts.NewStore(0)
	}
	if s.publisher == nil {
		s.publisher = publish.Noop{}
	}
	return s
}

// LoadClassifier returns nil when path is empty or the model cannot be
// read; small-leak detection then relies on injected records only.
func LoadClassifier(path string, logger *slog.Logger) classifier.Classifier {
	if path == "" {
		return nil
	}
	m, err := classifier.Load(path)
	if err != nil {
		if logger != nil {
			logger.Warn("leak classifier unavailable", "path", path, "err", err)
		}
		return nil
	}
	if logger != nil {
		logger.Info("leak classifier loaded", "path", path)
	}
	return m
}

func (s *Service) Config() *config.Manager { return s.cfg }

func (s *Service) Alerts() *alerts.Store { return s.alerts }

func (s *Service) Metrics() *metrics.Collector { return s.metrics }

func (s *Service) Snapshot() *dataset.Snapshot { return s.data.Get() }

// EvaluationTime resolves the configured evaluation instant: a fixed
// timestamp, "latest" for the last hour in the dataset, or the current hour.
func (s *Service) EvaluationTime(cfg *config.Config) (time.Time, error) {
	raw := strings.TrimSpace(cfg.Evaluation.At)
	switch strings.ToLower(raw) {
	case "", "now":
		return normalize.Hour(time.Now()), nil
	case "latest":
		snap := s.data.Get()
		if snap == nil {
			return time.Time{}, dataset.ErrNotLoaded
		}
		_, last := snap.Dataset.Bounds()
		if last.IsZero() {
			return normalize.Hour(time.Now()), nil
		}
		return last, nil
	default:
		return normalize.ParseTimestamp(raw, time.UTC)
	}
}

func (s *Service) inputs(snap *dataset.Snapshot, cfg *config.Config) engine.Inputs {
	return engine.Inputs{
		Topology:   snap.Topology,
		Series:     consumption.NewProvider(snap, consumption.OptionsFrom(cfg), s.logger),
		Overrides:  snap.Overrides,
		Directory:  snap.Directory,
		Classifier: s.classifier.Load().Classifier,
	}
}

// Evaluate runs one pass against the current snapshot with th instead of the
// configured thresholds. Nothing is stored or published.
func (s *Service) Evaluate(ctx context.Context, at time.Time, th config.Thresholds) (*engine.Report, error) {
	snap := s.data.Get()
	if snap == nil {
		return nil, dataset.ErrNotLoaded
	}
	cfg := s.cfg.Get()
	set := engine.SettingsFrom(cfg)
	set.Thresholds = th
	return s.engine.Run(ctx, s.inputs(snap, cfg), set, at)
}

// RunCycle evaluates with the current configuration snapshot, records the
// cycle, publishes the alerts that are new since the previous cycle and
// updates metrics.
func (s *Service) RunCycle(ctx context.Context) (alerts.Cycle, error) {
	cfg := s.cfg.Get()
	snap := s.data.Get()
	if snap == nil {
		s.metrics.CycleFailed()
		return alerts.Cycle{}, dataset.ErrNotLoaded
	}
	at, err := s.EvaluationTime(cfg)
	if err != nil {
		s.metrics.CycleFailed()
		return alerts.Cycle{}, fmt.Errorf("evaluation time: %w", err)
	}
	id := uuid.NewString()
	started := time.Now()
	report, err := s.engine.Run(ctx, s.inputs(snap, cfg), engine.SettingsFrom(cfg), at)
	if err != nil {
		s.metrics.CycleFailed()
		return alerts.Cycle{}, err
	}
	cycle := s.alerts.Add(alerts.Cycle{
		ID:       id,
		At:       at,
		Finished: time.Now().UTC(),
		Alerts:   report.Alerts,
	})
	if err := s.publisher.Publish(ctx, id, at, cycle.New); err != nil {
		s.metrics.Published("error", len(cycle.New))
	} else {
		s.metrics.Published("ok", len(cycle.New))
	}
	elapsed := time.Since(started)
	s.record(cycle, report, elapsed)
	if s.logger != nil {
		s.logger.Info("evaluation cycle finished",
			"cycle_id", id,
			"at", at,
			"alerts", len(cycle.Alerts),
			"new", len(cycle.New),
			"resolved", len(cycle.Resolved),
			"failures", len(report.Failures),
			"took", elapsed,
		)
	}
	return cycle, nil
}

func (s *Service) record(cycle alerts.Cycle, report *engine.Report, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	active := make(map[metrics.Key]int)
	byRule := make(map[string]int)
	for _, a := range cycle.Alerts {
		rule := engine.RuleName(a.Kind)
		active[metrics.Key{Rule: rule, Severity: string(a.Severity)}]++
		byRule[rule]++
	}
	newByRule := make(map[string]int)
	for _, a := range cycle.New {
		newByRule[engine.RuleName(a.Kind)]++
	}
	failures := make(map[string]int)
	for _, f := range report.Failures {
		failures[f.Rule]++
	}
	s.metrics.RecordCycle(metrics.Summary{
		CycleID:   cycle.ID,
		At:        cycle.At,
		Finished:  cycle.Finished,
		Duration:  elapsed.String(),
		Alerts:    len(cycle.Alerts),
		New:       len(cycle.New),
		Failures:  len(report.Failures),
		Buildings: report.Buildings,
		CTPs:      report.CTPs,
		ByRule:    byRule,
	}, elapsed, active, newByRule, failures)
}

// Series returns one entity's consumption over [end-hours, end].
func (s *Service) Series(ctx context.Context, entity model.EntityType, id string, end time.Time, hours int) (model.Series, error) {
	snap := s.data.Get()
	if snap == nil {
		return nil, dataset.ErrNotLoaded
	}
	if hours <= 0 {
		hours = 24
	}
	end = normalize.Hour(end)
	p := consumption.NewProvider(snap, consumption.OptionsFrom(s.cfg.Get()), s.logger)
	return p.Series(ctx, entity, id, end.Add(-time.Duration(hours)*time.Hour), end)
}

// InjectOverrides adds records to the live override set. The snapshot is
// copied and swapped; cycles already running keep the set they started with.
func (s *Service) InjectOverrides(records []overrides.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.data.Get()
	if snap == nil {
		return 0, dataset.ErrNotLoaded
	}
	next := *snap
	next.Overrides = overrides.NewSet(append(snap.Overrides.Records(), records...))
	s.data.Swap(&next)
	if s.logger != nil {
		s.logger.Info("overrides injected", "records", len(records), "total", next.Overrides.Len())
	}
	return next.Overrides.Len(), nil
}

// Reload rebuilds the whole snapshot from the configured sources and reloads
// the leak classifier. A model file that fails to load keeps the previous one.
func (s *Service) Reload(ctx context.Context) (*dataset.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg.Get().Data
	snap, err := dataset.LoadSnapshot(ctx, cfg, s.logger)
	if err != nil {
		return nil, err
	}
	s.data.Swap(snap)
	if c := LoadClassifier(cfg.ClassifierPath, s.logger); c != nil {
		s.classifier.Store(&leakModel{c})
	}
	return snap, nil
}

func (s *Service) Close() error {
	return s.publisher.Close()
}
