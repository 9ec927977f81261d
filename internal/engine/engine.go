package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"waterguard/internal/classifier"
	"waterguard/internal/config"
	"waterguard/internal/model"
	"waterguard/internal/overrides"
	"waterguard/internal/topology"
)

// Inputs are the collaborators of one evaluation pass.
type Inputs struct {
	Topology   *topology.Topology
	Series     SeriesSource
	Overrides  *overrides.Set
	Directory  *topology.Directory
	Classifier classifier.Classifier
}

type Settings struct {
	Thresholds  config.Thresholds
	Limits      config.Limits
	Concurrency int
}

func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		Thresholds:  cfg.Thresholds,
		Limits:      cfg.Limits,
		Concurrency: cfg.Evaluation.Concurrency,
	}
}

// Failure is a rule or entity that could not be evaluated.
type Failure struct {
	EntityType model.EntityType `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Rule       string           `json:"rule"`
	Err        string           `json:"error"`
}

type Report struct {
	At          time.Time               `json:"at"`
	Alerts      []model.Alert           `json:"alerts"`
	Candidates  []model.Candidate       `json:"candidates"`
	Diagnostics []Diagnostic            `json:"diagnostics,omitempty"`
	Failures    []Failure               `json:"failures,omitempty"`
	Buildings   int                     `json:"buildings"`
	CTPs        int                     `json:"ctps"`
	Duration    time.Duration           `json:"duration"`
	ByKind      map[model.AlertKind]int `json:"by_kind"`
}

type Engine struct {
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Evaluate runs every rule for the state at time at and returns the alerts
// in deterministic order. The only error is the context's.
func (e *Engine) Evaluate(ctx context.Context, in Inputs, set Settings, at time.Time) ([]model.Alert, error) {
	report, err := e.Run(ctx, in, set, at)
	return report.Alerts, err
}

type outcome struct {
	candidate model.Candidate
	fired     bool
	failures  []Failure
}

// Run is Evaluate with the candidates, diagnostics and failures kept.
func (e *Engine) Run(ctx context.Context, in Inputs, set Settings, at time.Time) (*Report, error) {
	started := time.Now()
	env := &Env{
		Topology:   in.Topology,
		Series:     in.Series,
		Overrides:  in.Overrides,
		Classifier: in.Classifier,
		Thresholds: set.Thresholds,
		Limits:     set.Limits,
		At:         at,
		diag:       &diagnostics{},
	}
	limit := set.Concurrency
	if limit <= 0 {
		limit = config.MaxParallelism()
	}

	ctps := in.Topology.CTPs()
	stations := make([]Reading, len(ctps))
	stationFailures := make([][]Failure, len(ctps))
	e.fanOut(ctx, limit, len(ctps), func(i int) {
		r, err := e.guardReading(ctx, env, model.EntityCTP, ctps[i])
		stations[i] = r
		if err != nil {
			stationFailures[i] = []Failure{e.fail(model.EntityCTP, ctps[i], "ctp_reading", err)}
		}
	})

	type job struct {
		ctp      int
		building string
	}
	var jobs []job
	for i, ctp := range ctps {
		for _, b := range in.Topology.Sample(ctp, set.Limits.BuildingsPerCTP) {
			jobs = append(jobs, job{ctp: i, building: b})
		}
	}
	houses := make([]outcome, len(jobs))
	e.fanOut(ctx, limit, len(jobs), func(i int) {
		houses[i] = e.evaluateBuilding(ctx, env, jobs[i].building, stations[jobs[i].ctp])
	})

	ctpOut := make([][]outcome, len(ctps))
	e.fanOut(ctx, limit, len(ctps), func(i int) {
		ctpOut[i] = e.evaluateCTP(ctx, env, stations[i])
	})

	report := &Report{
		At:        at,
		Alerts:    []model.Alert{},
		Buildings: len(jobs),
		CTPs:      len(ctps),
		ByKind:    make(map[model.AlertKind]int),
	}
	for _, f := range stationFailures {
		report.Failures = append(report.Failures, f...)
	}
	collect := func(o outcome) {
		report.Failures = append(report.Failures, o.failures...)
		if !o.fired {
			return
		}
		report.Candidates = append(report.Candidates, o.candidate)
		report.Alerts = append(report.Alerts, Render(o.candidate, in.Directory))
		report.ByKind[o.candidate.Kind]++
	}
	for _, o := range houses {
		collect(o)
	}
	for _, list := range ctpOut {
		for _, o := range list {
			collect(o)
		}
	}
	report.Diagnostics = env.diag.sorted()
	report.Duration = time.Since(started)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// fanOut calls fn for 0..n-1 with at most limit running at once. Work not
// yet started when ctx ends is skipped.
func (e *Engine) fanOut(ctx context.Context, limit, n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) evaluateBuilding(ctx context.Context, env *Env, building string, station Reading) outcome {
	house, err := e.guardReading(ctx, env, model.EntityBuilding, building)
	if err != nil {
		return outcome{failures: []Failure{e.fail(model.EntityBuilding, building, "house_reading", err)}}
	}
	s := Subject{House: house, CTP: station}
	var out outcome
	for _, rule := range BuildingRules {
		c, ok, err := guard(func() (model.Candidate, bool, error) { return rule.Eval(ctx, env, s) })
		if err != nil {
			out.failures = append(out.failures, e.fail(model.EntityBuilding, building, RuleName(rule.Kind), err))
			continue
		}
		if ok {
			out.candidate, out.fired = c, true
			return out
		}
	}
	return out
}

func (e *Engine) evaluateCTP(ctx context.Context, env *Env, station Reading) []outcome {
	out := make([]outcome, 0, len(CTPRules))
	for _, rule := range CTPRules {
		c, ok, err := guard(func() (model.Candidate, bool, error) { return rule.Eval(ctx, env, station) })
		if err != nil {
			out = append(out, outcome{failures: []Failure{e.fail(model.EntityCTP, station.ID, RuleName(rule.Kind), err)}})
			continue
		}
		if ok {
			out = append(out, outcome{candidate: c, fired: true})
		}
	}
	return out
}

func (e *Engine) guardReading(ctx context.Context, env *Env, entity model.EntityType, id string) (r Reading, err error) {
	defer func() {
		if p := recover(); p != nil {
			r, err = Reading{ID: id}, fmt.Errorf("panic: %v", p)
		}
	}()
	return env.latest(ctx, entity, id)
}

func guard(fn func() (model.Candidate, bool, error)) (c model.Candidate, ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			c, ok, err = model.Candidate{}, false, fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

func (e *Engine) fail(entity model.EntityType, id, rule string, err error) Failure {
	if e.logger != nil {
		e.logger.Warn("rule evaluation failed",
			"entity_type", entity,
			"entity_id", id,
			"rule", rule,
			"err", err,
		)
	}
	return Failure{EntityType: entity, EntityID: id, Rule: rule, Err: err.Error()}
}

func (d *diagnostics) sorted() []Diagnostic {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append([]Diagnostic(nil), d.items...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
