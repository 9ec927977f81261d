package model

import (
	"fmt"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
)

type EntityType string

const (
	EntityBuilding EntityType = "house"
	EntityCTP      EntityType = "ctp"
)

// ParseEntityType accepts the spellings used by the data exports
// ("mcd", "house", "building", "ctp").
func ParseEntityType(raw string) (EntityType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "mcd", "house", "building":
		return EntityBuilding, nil
	case "ctp":
		return EntityCTP, nil
	default:
		return "", fmt.Errorf("unknown entity type %q", raw)
	}
}

type Severity string

const (
	SeverityHigh   Severity = "High"
	SeverityMedium Severity = "Medium"
	SeverityLow    Severity = "Low"
)

// AlertKind numbers the fault categories 1..8.
type AlertKind int

const (
	KindFullOutage   AlertKind = 1
	KindBuildingOff  AlertKind = 2
	KindSegmentBreak AlertKind = 3
	KindSegmentLeak  AlertKind = 4
	KindSmallLeak    AlertKind = 5
	KindCavitation   AlertKind = 6
	KindWaterDeficit AlertKind = 7
	KindCTPLeak      AlertKind = 8
)

type ConsumptionPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Predicted float64   `json:"predicted"`
	Real      float64   `json:"real"`
}

// Series is ordered by Timestamp, one point per hour bucket.
type Series []ConsumptionPoint

func (s Series) Empty() bool { return len(s) == 0 }

func (s Series) Latest() (ConsumptionPoint, bool) {
	if len(s) == 0 {
		return ConsumptionPoint{}, false
	}
	return s[len(s)-1], true
}

func (s Series) Tail(n int) Series {
	if n <= 0 || n >= len(s) {
		return s
	}
	return s[len(s)-n:]
}

func (s Series) PredictedValues() []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[i] = p.Predicted
	}
	return out
}

func (s Series) RealValues() []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[i] = p.Real
	}
	return out
}

func (s Series) MaxPredicted() float64 {
	if len(s) == 0 {
		return 0
	}
	return floats.Max(s.PredictedValues())
}

// Candidate is what a rule evaluator emits before message rendering.
type Candidate struct {
	Kind       AlertKind          `json:"alert_kind"`
	EntityType EntityType         `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	CTPID      string             `json:"ctp_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Metrics    map[string]float64 `json:"metrics"`
	Notes      map[string]string  `json:"notes,omitempty"`
}

type Alert struct {
	Kind             AlertKind  `json:"alert_kind"`
	EntityType       EntityType `json:"entity_type"`
	EntityID         string     `json:"entity_id"`
	Message          string     `json:"message"`
	DispatcherAction string     `json:"dispatcher_action"`
	Severity         Severity   `json:"severity"`
}

// Key identifies an alert across cycles for diffing.
func (a Alert) Key() string {
	return string(a.EntityType) + "|" + a.EntityID + "|" + a.Message
}
