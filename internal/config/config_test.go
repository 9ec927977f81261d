package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("log_level: debug\nthresholds:\n  event_duration_threshold: 3\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug, got %q", cfg.LogLevel)
	}
	if cfg.Thresholds.EventDurationHours != 3 {
		t.Fatalf("expected duration 3, got %d", cfg.Thresholds.EventDurationHours)
	}
	if cfg.Thresholds.PumpCavitationMultiplier != 1.5 || cfg.Thresholds.LeakDetectionRatio != 1.2 {
		t.Fatalf("unset thresholds must keep defaults: %+v", cfg.Thresholds)
	}
	if cfg.Data.Table != "synt_data" || cfg.Evaluation.Schedule != "@every 5m" {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Data, cfg.Evaluation)
	}
	if cfg.Limits != DefaultLimits() {
		t.Fatalf("unexpected limits %+v", cfg.Limits)
	}
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"api": {"enabled": true, "addr": ":9000"}, "thresholds": {"water_deficit_threshold": 0.4}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.API.Addr != ":9000" || cfg.Thresholds.WaterDeficitRatio != 0.4 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestValidateRanges(t *testing.T) {
	cases := map[string]string{
		"cavitation":   "thresholds:\n  pump_cavitation_multiplier: 2.5\n",
		"deficit":      "thresholds:\n  water_deficit_threshold: 1\n",
		"duration":     "thresholds:\n  event_duration_threshold: 0\n",
		"small leak":   "thresholds:\n  small_leakage_excedents_threshold: 0.05\n",
		"ml ceiling":   "thresholds:\n  small_leakage_threshold: 0.8\n",
		"driver":       "data:\n  driver: mysql\n",
		"publish":      "publish:\n  enabled: true\n  brokers: []\n",
		"api addr":     "api:\n  enabled: true\n  addr: \"\"\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	_, err := Parse([]byte(cases["cavitation"]))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "thresholds.pump_cavitation_multiplier" {
		t.Fatalf("unexpected validation error %#v", err)
	}
}

func TestApplyKeepsOriginal(t *testing.T) {
	base := DefaultThresholds()
	hours := 4
	next, err := base.Apply(ThresholdPatch{EventDurationHours: &hours})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.EventDurationHours != 4 || base.EventDurationHours != 1 {
		t.Fatalf("apply must copy: base=%d next=%d", base.EventDurationHours, next.EventDurationHours)
	}

	ratio := 0.99
	got, err := base.Apply(ThresholdPatch{WaterDeficitRatio: &ratio, EventDurationHours: &hours})
	if err != nil {
		t.Fatalf("0.99 is a valid deficit ratio: %v", err)
	}
	if got.WaterDeficitRatio != 0.99 {
		t.Fatalf("unexpected ratio %v", got.WaterDeficitRatio)
	}

	tooHigh := 2.1
	kept, err := base.Apply(ThresholdPatch{PumpCavitationMultiplier: &tooHigh})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if kept != base {
		t.Fatalf("failed apply must return the original snapshot")
	}
}

func TestUpdateThresholdsStatic(t *testing.T) {
	m := NewStaticManager(nil)
	before := m.Get()
	ratio := 1.5
	th, err := m.UpdateThresholds(ThresholdPatch{LeakDetectionRatio: &ratio})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if th.LeakDetectionRatio != 1.5 || m.Get().Thresholds.LeakDetectionRatio != 1.5 {
		t.Fatalf("update not visible")
	}
	if before.Thresholds.LeakDetectionRatio != 1.2 {
		t.Fatalf("previous snapshot must stay untouched")
	}
	if !(ThresholdPatch{}).Empty() {
		t.Fatalf("zero patch should be empty")
	}
}

func TestManagerPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waterguard.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	hours := 6
	if _, err := m.UpdateThresholds(ThresholdPatch{EventDurationHours: &hours}); err != nil {
		t.Fatalf("update: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.Thresholds.EventDurationHours != 6 {
		t.Fatalf("update not persisted, got %d", reloaded.Thresholds.EventDurationHours)
	}
	needs, err := m.NeedsReload()
	if err != nil || needs {
		t.Fatalf("own write must not trigger a reload: %v %v", needs, err)
	}
}
