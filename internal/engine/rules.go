package engine

import (
	"context"
	"sync"
	"time"

	"waterguard/internal/classifier"
	"waterguard/internal/config"
	"waterguard/internal/model"
	"waterguard/internal/overrides"
	"waterguard/internal/topology"
)

// SeriesSource returns the points of one entity with start <= ts <= end.
type SeriesSource interface {
	Series(ctx context.Context, entity model.EntityType, id string, start, end time.Time) (model.Series, error)
}

// Env is everything a rule may read. It is shared, read-only, by all rules
// of one evaluation pass.
type Env struct {
	Topology   *topology.Topology
	Series     SeriesSource
	Overrides  *overrides.Set
	Classifier classifier.Classifier
	Thresholds config.Thresholds
	Limits     config.Limits
	At         time.Time

	diag *diagnostics
}

// Reading is the latest point of an entity inside the event window.
type Reading struct {
	ID    string
	Point model.ConsumptionPoint
	OK    bool
}

// Subject is a building plus the CTP reading shared by its rules.
type Subject struct {
	House Reading
	CTP   Reading
}

type BuildingRule struct {
	Kind model.AlertKind
	Eval func(ctx context.Context, env *Env, s Subject) (model.Candidate, bool, error)
}

type CTPRule struct {
	Kind model.AlertKind
	Eval func(ctx context.Context, env *Env, ctp Reading) (model.Candidate, bool, error)
}

// BuildingRules run in this order; the first hit wins.
var BuildingRules = []BuildingRule{
	{model.KindFullOutage, FullOutage},
	{model.KindBuildingOff, BuildingOff},
	{model.KindSegmentBreak, SegmentBreak},
	{model.KindSegmentLeak, SegmentLeak},
	{model.KindSmallLeak, SmallLeak},
	{model.KindWaterDeficit, WaterDeficit},
}

// CTPRules are independent of each other and of the building rules.
var CTPRules = []CTPRule{
	{model.KindCavitation, Cavitation},
	{model.KindCTPLeak, CTPLeak},
}

func (env *Env) window() (time.Time, time.Time) {
	return env.At.Add(-env.Thresholds.EventWindow()), env.At
}

func (env *Env) latest(ctx context.Context, entity model.EntityType, id string) (Reading, error) {
	start, end := env.window()
	series, err := env.Series.Series(ctx, entity, id, start, end)
	if err != nil {
		return Reading{ID: id}, err
	}
	p, ok := series.Latest()
	return Reading{ID: id, Point: p, OK: ok}, nil
}

// siblings returns the sampled sibling ids and the readings of those that
// have data.
func (env *Env) siblings(ctx context.Context, s Subject) (int, []Reading, error) {
	ids := env.Topology.Siblings(s.CTP.ID, s.House.ID, env.Limits.SiblingSample)
	out := make([]Reading, 0, len(ids))
	for _, id := range ids {
		r, err := env.latest(ctx, model.EntityBuilding, id)
		if err != nil {
			return 0, nil, err
		}
		if r.OK {
			out = append(out, r)
		}
	}
	return len(ids), out, nil
}

// buildingTotal sums the latest real value of the first limit buildings of ctp.
func (env *Env) buildingTotal(ctx context.Context, ctp string, limit int) (float64, int, error) {
	var total float64
	var count int
	for _, id := range env.Topology.Sample(ctp, limit) {
		r, err := env.latest(ctx, model.EntityBuilding, id)
		if err != nil {
			return 0, 0, err
		}
		if r.OK {
			total += r.Point.Real
			count++
		}
	}
	return total, count, nil
}

func (env *Env) candidate(kind model.AlertKind, entity model.EntityType, id, ctp string, metrics map[string]float64) model.Candidate {
	return model.Candidate{
		Kind:       kind,
		EntityType: entity,
		EntityID:   id,
		CTPID:      ctp,
		Timestamp:  env.At,
		Metrics:    metrics,
	}
}

func none() (model.Candidate, bool, error) {
	return model.Candidate{}, false, nil
}

// FullOutage: building, CTP and every sampled sibling read zero.
func FullOutage(ctx context.Context, env *Env, s Subject) (model.Candidate, bool, error) {
	t := env.Thresholds
	if !s.House.OK || !isZero(t, s.House.Point.Real) {
		return none()
	}
	if !s.CTP.OK || !isZero(t, s.CTP.Point.Real) {
		return none()
	}
	sampled, readings, err := env.siblings(ctx, s)
	if err != nil || sampled == 0 {
		return model.Candidate{}, false, err
	}
	for _, r := range readings {
		if !isZero(t, r.Point.Real) {
			return none()
		}
	}
	return env.candidate(model.KindFullOutage, model.EntityBuilding, s.House.ID, s.CTP.ID, map[string]float64{
		"house_consumption": s.House.Point.Real,
		"ctp_consumption":   s.CTP.Point.Real,
		"siblings_checked":  float64(len(readings)),
	}), true, nil
}

func activeSiblings(t config.Thresholds, readings []Reading) int {
	n := 0
	for _, r := range readings {
		if !isZero(t, r.Point.Real) {
			n++
		}
	}
	return n
}

// BuildingOff: the building reads zero while its CTP and at least one
// sibling still draw water.
func BuildingOff(ctx context.Context, env *Env, s Subject) (model.Candidate, bool, error) {
	t := env.Thresholds
	if !s.House.OK || !isZero(t, s.House.Point.Real) {
		return none()
	}
	if !s.CTP.OK || isZero(t, s.CTP.Point.Real) {
		return none()
	}
	sampled, readings, err := env.siblings(ctx, s)
	if err != nil || sampled == 0 {
		return model.Candidate{}, false, err
	}
	active := activeSiblings(t, readings)
	if active == 0 {
		return none()
	}
	return env.candidate(model.KindBuildingOff, model.EntityBuilding, s.House.ID, s.CTP.ID, map[string]float64{
		"house_consumption": s.House.Point.Real,
		"ctp_consumption":   s.CTP.Point.Real,
		"siblings_active":   float64(active),
	}), true, nil
}

// SegmentBreak: the building reads zero, the CTP does not, and no sampled
// sibling draws water either.
func SegmentBreak(ctx context.Context, env *Env, s Subject) (model.Candidate, bool, error) {
	t := env.Thresholds
	if !s.House.OK || !isZero(t, s.House.Point.Real) {
		return none()
	}
	if !s.CTP.OK || isZero(t, s.CTP.Point.Real) {
		return none()
	}
	_, readings, err := env.siblings(ctx, s)
	if err != nil {
		return model.Candidate{}, false, err
	}
	if activeSiblings(t, readings) > 0 {
		return none()
	}
	return env.candidate(model.KindSegmentBreak, model.EntityBuilding, s.House.ID, s.CTP.ID, map[string]float64{
		"house_consumption": s.House.Point.Real,
		"ctp_consumption":   s.CTP.Point.Real,
		"siblings_checked":  float64(len(readings)),
	}), true, nil
}

// SegmentLeak: the building draws far above prediction (or carries an
// injected leak), the CTP output is accounted for by its buildings, and at
// least one sibling tracks its own prediction.
func SegmentLeak(ctx context.Context, env *Env, s Subject) (model.Candidate, bool, error) {
	t := env.Thresholds
	if !s.House.OK {
		return none()
	}
	house := s.House.Point
	byPattern := leakLevel(t, house.Real, house.Predicted)
	start, end := env.window()
	rec, byOverride := env.Overrides.Overlapping(model.EntityBuilding, s.House.ID, start, end, func(l float64) bool {
		return l > t.MinLeakage
	})
	if !byPattern && !byOverride {
		return none()
	}
	if !s.CTP.OK {
		return none()
	}
	total, _, err := env.buildingTotal(ctx, s.CTP.ID, env.Limits.AggregateSample)
	if err != nil {
		return model.Candidate{}, false, err
	}
	if !approxEqual(t, s.CTP.Point.Real, total) {
		return none()
	}
	_, readings, err := env.siblings(ctx, s)
	if err != nil {
		return model.Candidate{}, false, err
	}
	normal := 0
	for _, r := range readings {
		if approxEqual(t, r.Point.Real, r.Point.Predicted) {
			normal++
		}
	}
	if normal == 0 {
		return none()
	}
	metrics := map[string]float64{
		"house_consumption":        house.Real,
		"house_predicted":          house.Predicted,
		"ctp_consumption":          s.CTP.Point.Real,
		"total_houses_consumption": total,
		"other_houses_normal":      float64(normal),
		"consumption_ratio":        ratio(house.Real, house.Predicted),
		"much_higher":              boolMetric(muchHigher(t, house.Real, house.Predicted)),
	}
	if byOverride {
		metrics["override_leakage"] = rec.Leakage
	}
	return env.candidate(model.KindSegmentLeak, model.EntityBuilding, s.House.ID, s.CTP.ID, metrics), true, nil
}

// DetectionMethod tells which path flagged a small leak.
type DetectionMethod string

const (
	MethodML       DetectionMethod = "ml_model"
	MethodOverride DetectionMethod = "excedents_data"
)

type LeakDetection struct {
	Method      DetectionMethod
	Probability float64
	Points      int
	Leakage     float64
}

// DetectSmallLeak tries the classifier first and falls back to injected
// small-leak records. Classifier problems are recorded as diagnostics.
func DetectSmallLeak(ctx context.Context, env *Env, building string) (LeakDetection, bool, error) {
	t := env.Thresholds
	if env.Classifier != nil {
		history, err := env.Series.Series(ctx, model.EntityBuilding, building, env.At.Add(-t.LeakHistoryWindow()), env.At)
		if err != nil {
			return LeakDetection{}, false, err
		}
		p, err := env.Classifier.PredictLeakProbability(history)
		switch {
		case err != nil:
			env.note(model.KindSmallLeak, model.EntityBuilding, building, err.Error())
		case p > t.SmallLeakageML && p < t.SmallLeakageMLCeiling && len(history) >= classifier.Window:
			return LeakDetection{Method: MethodML, Probability: p, Points: len(history)}, true, nil
		}
	}
	start, end := env.window()
	rec, ok := env.Overrides.Overlapping(model.EntityBuilding, building, start, end, func(l float64) bool {
		return l >= t.SmallLeakageOverride && l < t.MinLeakage
	})
	if ok {
		return LeakDetection{Method: MethodOverride, Leakage: rec.Leakage}, true, nil
	}
	return LeakDetection{}, false, nil
}

func SmallLeak(ctx context.Context, env *Env, s Subject) (model.Candidate, bool, error) {
	d, ok, err := DetectSmallLeak(ctx, env, s.House.ID)
	if err != nil || !ok {
		return model.Candidate{}, false, err
	}
	c := env.candidate(model.KindSmallLeak, model.EntityBuilding, s.House.ID, s.CTP.ID, map[string]float64{
		"leakage_probability": d.Probability,
		"data_points":         float64(d.Points),
		"threshold":           env.Thresholds.SmallLeakageML,
	})
	c.Notes = map[string]string{"detection_method": string(d.Method)}
	switch d.Method {
	case MethodML:
		c.Notes["confidence"] = classifier.Confidence(d.Probability)
	case MethodOverride:
		c.Metrics["override_leakage"] = d.Leakage
	}
	return c, true, nil
}

// WaterDeficit: a nonzero reading below predicted times the deficit ratio.
func WaterDeficit(_ context.Context, env *Env, s Subject) (model.Candidate, bool, error) {
	t := env.Thresholds
	if !s.House.OK {
		return none()
	}
	house := s.House.Point
	if isZero(t, house.Real) || house.Predicted <= 0 {
		return none()
	}
	if house.Real >= house.Predicted*t.WaterDeficitRatio {
		return none()
	}
	return env.candidate(model.KindWaterDeficit, model.EntityBuilding, s.House.ID, s.CTP.ID, map[string]float64{
		"house_consumption": house.Real,
		"house_predicted":   house.Predicted,
		"deficit_ratio":     house.Real / house.Predicted,
	}), true, nil
}

// Cavitation compares the current CTP draw with the trailing maximum
// prediction scaled by the cavitation multiplier.
func Cavitation(ctx context.Context, env *Env, ctp Reading) (model.Candidate, bool, error) {
	t := env.Thresholds
	series, err := env.Series.Series(ctx, model.EntityCTP, ctp.ID, env.At.Add(-t.CavitationWindow()), env.At)
	if err != nil {
		return model.Candidate{}, false, err
	}
	current, ok := series.Latest()
	if !ok {
		return none()
	}
	maxPredicted := series.MaxPredicted()
	if maxPredicted <= 0 {
		return none()
	}
	threshold := maxPredicted * t.PumpCavitationMultiplier
	if current.Real <= threshold {
		return none()
	}
	return env.candidate(model.KindCavitation, model.EntityCTP, ctp.ID, ctp.ID, map[string]float64{
		"ctp_consumption":   current.Real,
		"max_predicted_24h": maxPredicted,
		"dynamic_threshold": threshold,
		"multiplier":        t.PumpCavitationMultiplier,
	}), true, nil
}

// CTPLeak: the CTP delivers noticeably more than its sampled buildings
// consume, or an injected CTP leak overlaps the window.
func CTPLeak(ctx context.Context, env *Env, ctp Reading) (model.Candidate, bool, error) {
	t := env.Thresholds
	start, end := env.window()
	rec, byOverride := env.Overrides.Overlapping(model.EntityCTP, ctp.ID, start, end, func(l float64) bool {
		return l > t.MinLeakage
	})
	if !ctp.OK {
		return none()
	}
	total, count, err := env.buildingTotal(ctx, ctp.ID, env.Limits.CTPLeakSample)
	if err != nil || count == 0 {
		return model.Candidate{}, false, err
	}
	byVolume := ctp.Point.Real > total*t.CTPLeakRatio
	if !byVolume && !byOverride {
		return none()
	}
	metrics := map[string]float64{
		"ctp_consumption":          ctp.Point.Real,
		"total_houses_consumption": total,
		"house_count":              float64(count),
		"consumption_difference":   ctp.Point.Real - total,
	}
	if byOverride {
		metrics["override_leakage"] = rec.Leakage
	}
	return env.candidate(model.KindCTPLeak, model.EntityCTP, ctp.ID, ctp.ID, metrics), true, nil
}

// Diagnostic is evaluation metadata that never becomes an alert.
type Diagnostic struct {
	Kind       model.AlertKind  `json:"alert_kind"`
	EntityType model.EntityType `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Note       string           `json:"note"`
}

type diagnostics struct {
	mu    sync.Mutex
	items []Diagnostic
}

func (env *Env) note(kind model.AlertKind, entity model.EntityType, id, msg string) {
	if env.diag == nil {
		return
	}
	env.diag.mu.Lock()
	env.diag.items = append(env.diag.items, Diagnostic{Kind: kind, EntityType: entity, EntityID: id, Note: msg})
	env.diag.mu.Unlock()
}
