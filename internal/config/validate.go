package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type ValidationError struct {
	Field string
	Rule  string
	Param string
	Value any
}

func (e *ValidationError) Error() string {
	var cond string
	switch e.Rule {
	case "gte":
		cond = "must be >= " + e.Param
	case "lte":
		cond = "must be <= " + e.Param
	case "gt":
		cond = "must be > " + e.Param
	case "lt":
		cond = "must be < " + e.Param
	case "oneof":
		cond = "must be one of [" + e.Param + "]"
	case "required":
		cond = "is required"
	default:
		cond = e.Param
	}
	return fmt.Sprintf("%s %s, got %v", e.Field, cond, e.Value)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidConfig
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := validateStruct(cfg); err != nil {
		return err
	}
	if err := cfg.Thresholds.check(); err != nil {
		return err
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Publish.Enabled && (len(cfg.Publish.Brokers) == 0 || cfg.Publish.Topic == "") {
		return errors.New("publish requires brokers and topic when enabled")
	}
	return nil
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return &ValidationError{Field: ns, Rule: fe.Tag(), Param: fe.Param(), Value: fe.Value()}
}

func (t Thresholds) check() error {
	if t.SmallLeakageML >= t.SmallLeakageMLCeiling {
		return &ValidationError{
			Field: "thresholds.small_leakage_threshold",
			Rule:  "lt",
			Param: fmt.Sprintf("small_leakage_ml_ceiling (%v)", t.SmallLeakageMLCeiling),
			Value: t.SmallLeakageML,
		}
	}
	return nil
}

// Validate checks a standalone thresholds snapshot.
func (t Thresholds) Validate() error {
	if err := validateStruct(thresholdsEnvelope{Thresholds: t}); err != nil {
		return err
	}
	return t.check()
}

type thresholdsEnvelope struct {
	Thresholds Thresholds `yaml:"thresholds"`
}

// ThresholdPatch carries a partial update; nil fields keep the current value.
type ThresholdPatch struct {
	ConsumptionTolerance      *float64 `json:"consumption_tolerance,omitempty"`
	ZeroConsumption           *float64 `json:"zero_consumption_threshold,omitempty"`
	HighConsumptionMultiplier *float64 `json:"high_consumption_multiplier,omitempty"`
	EventDurationHours        *int     `json:"event_duration_threshold,omitempty"`
	LeakDetectionRatio        *float64 `json:"leak_detection_threshold,omitempty"`
	MinConsumptionForLeak     *float64 `json:"min_consumption_for_leak,omitempty"`
	MinLeakage                *float64 `json:"min_leakage_threshold,omitempty"`
	SmallLeakageOverride      *float64 `json:"small_leakage_excedents_threshold,omitempty"`
	WaterDeficitRatio         *float64 `json:"water_deficit_threshold,omitempty"`
	SmallLeakageML            *float64 `json:"small_leakage_threshold,omitempty"`
	SmallLeakageMLCeiling     *float64 `json:"small_leakage_ml_ceiling,omitempty"`
	PumpCavitationMultiplier  *float64 `json:"pump_cavitation_multiplier,omitempty"`
	PumpCavitationLookback    *int     `json:"pump_cavitation_lookback_hours,omitempty"`
	CTPLeakRatio              *float64 `json:"ctp_leak_ratio,omitempty"`
	LeakHistoryHours          *int     `json:"leak_history_hours,omitempty"`
}

func (p ThresholdPatch) Empty() bool {
	return p == ThresholdPatch{}
}

// Apply returns a new validated snapshot; t itself is never modified.
func (t Thresholds) Apply(p ThresholdPatch) (Thresholds, error) {
	next := t
	setFloat(&next.ConsumptionTolerance, p.ConsumptionTolerance)
	setFloat(&next.ZeroConsumption, p.ZeroConsumption)
	setFloat(&next.HighConsumptionMultiplier, p.HighConsumptionMultiplier)
	setInt(&next.EventDurationHours, p.EventDurationHours)
	setFloat(&next.LeakDetectionRatio, p.LeakDetectionRatio)
	setFloat(&next.MinConsumptionForLeak, p.MinConsumptionForLeak)
	setFloat(&next.MinLeakage, p.MinLeakage)
	setFloat(&next.SmallLeakageOverride, p.SmallLeakageOverride)
	setFloat(&next.WaterDeficitRatio, p.WaterDeficitRatio)
	setFloat(&next.SmallLeakageML, p.SmallLeakageML)
	setFloat(&next.SmallLeakageMLCeiling, p.SmallLeakageMLCeiling)
	setFloat(&next.PumpCavitationMultiplier, p.PumpCavitationMultiplier)
	setInt(&next.PumpCavitationLookback, p.PumpCavitationLookback)
	setFloat(&next.CTPLeakRatio, p.CTPLeakRatio)
	setInt(&next.LeakHistoryHours, p.LeakHistoryHours)
	if err := next.Validate(); err != nil {
		return t, err
	}
	return next, nil
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
