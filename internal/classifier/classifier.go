// Package classifier scores recent building history for small leaks with a
// pretrained logistic model over robust-scaled features.
package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"

	"waterguard/internal/model"
)

// Window is the number of hourly points the model consumes.
const Window = 8

var ErrInsufficientData = errors.New("insufficient data for leak classifier")

// Classifier returns the probability that a small leak is present.
type Classifier interface {
	PredictLeakProbability(points model.Series) (float64, error)
}

type ScalerParams struct {
	Center []float64 `json:"center"`
	Scale  []float64 `json:"scale"`
}

// Apply computes (x - center) / scale; a zero scale only centers.
func (p ScalerParams) Apply(features []float64) []float64 {
	if len(p.Center) != len(features) || len(p.Scale) != len(features) {
		return features
	}
	out := make([]float64, len(features))
	for i, v := range features {
		if p.Scale[i] != 0 {
			out[i] = (v - p.Center[i]) / p.Scale[i]
		} else {
			out[i] = v - p.Center[i]
		}
	}
	return out
}

type Params struct {
	Weights []float64    `json:"weights"`
	Bias    float64      `json:"bias"`
	Scaler  ScalerParams `json:"scaler"`
}

type Logistic struct {
	params Params
}

func NewLogistic(p Params) (*Logistic, error) {
	if len(p.Weights) != 2*Window {
		return nil, fmt.Errorf("expected %d weights, got %d", 2*Window, len(p.Weights))
	}
	if n := len(p.Scaler.Center); n != 0 && (n != len(p.Weights) || len(p.Scaler.Scale) != n) {
		return nil, errors.New("scaler dimensions do not match weights")
	}
	return &Logistic{params: p}, nil
}

func Load(path string) (*Logistic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse classifier params: %w", err)
	}
	return NewLogistic(p)
}

// Features lays out the last Window predicted values followed by the last
// Window real values.
func Features(points model.Series) ([]float64, error) {
	if len(points) < Window {
		return nil, fmt.Errorf("%w: %d points, need %d", ErrInsufficientData, len(points), Window)
	}
	tail := points.Tail(Window)
	return append(tail.PredictedValues(), tail.RealValues()...), nil
}

func (l *Logistic) PredictLeakProbability(points model.Series) (float64, error) {
	features, err := Features(points)
	if err != nil {
		return 0, err
	}
	x := l.params.Scaler.Apply(features)
	return sigmoid(floats.Dot(l.params.Weights, x) + l.params.Bias), nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// Confidence buckets a probability the way dispatch reports expect.
func Confidence(p float64) string {
	switch {
	case p > 0.8:
		return "high"
	case p > 0.6:
		return "medium"
	default:
		return "low"
	}
}
