package config

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	LogFormat  string           `json:"log_format" yaml:"log_format"`
	Data       DataConfig       `json:"data" yaml:"data"`
	Thresholds Thresholds       `json:"thresholds" yaml:"thresholds"`
	Limits     Limits           `json:"limits" yaml:"limits"`
	Evaluation EvaluationConfig `json:"evaluation" yaml:"evaluation"`
	API        APIConfig        `json:"api" yaml:"api"`
	Publish    PublishConfig    `json:"publish" yaml:"publish"`
}

type DataConfig struct {
	Driver         string            `json:"driver" yaml:"driver" validate:"oneof=sqlite postgres postgresql"`
	DSN            string            `json:"dsn" yaml:"dsn"`
	Table          string            `json:"table" yaml:"table"`
	TopologyPath   string            `json:"topology_path" yaml:"topology_path"`
	OverridesPath  string            `json:"overrides_path" yaml:"overrides_path"`
	AddressesPath  string            `json:"addresses_path" yaml:"addresses_path"`
	ClassifierPath string            `json:"classifier_path" yaml:"classifier_path"`
	CTPNames       map[string]string `json:"ctp_names" yaml:"ctp_names"`
	BuildingNoise  float64           `json:"building_noise" yaml:"building_noise" validate:"gte=0,lte=1"`
	CTPNoise       float64           `json:"ctp_noise" yaml:"ctp_noise" validate:"gte=0,lte=1"`
	Seed           uint64            `json:"seed" yaml:"seed"`
}

// Thresholds is the numeric decision surface of the rule set. A value is
// treated as an immutable snapshot: updates go through Apply.
type Thresholds struct {
	ConsumptionTolerance      float64 `json:"consumption_tolerance" yaml:"consumption_tolerance" validate:"gte=0,lte=1"`
	ZeroConsumption           float64 `json:"zero_consumption_threshold" yaml:"zero_consumption_threshold" validate:"gte=0,lte=10"`
	HighConsumptionMultiplier float64 `json:"high_consumption_multiplier" yaml:"high_consumption_multiplier" validate:"gte=1,lte=5"`
	EventDurationHours        int     `json:"event_duration_threshold" yaml:"event_duration_threshold" validate:"gte=1,lte=168"`
	LeakDetectionRatio        float64 `json:"leak_detection_threshold" yaml:"leak_detection_threshold" validate:"gte=1,lte=5"`
	MinConsumptionForLeak     float64 `json:"min_consumption_for_leak" yaml:"min_consumption_for_leak" validate:"gte=0,lte=1000"`
	MinLeakage                float64 `json:"min_leakage_threshold" yaml:"min_leakage_threshold" validate:"gte=0,lte=100"`
	SmallLeakageOverride      float64 `json:"small_leakage_excedents_threshold" yaml:"small_leakage_excedents_threshold" validate:"gte=0.1,lte=5"`
	WaterDeficitRatio         float64 `json:"water_deficit_threshold" yaml:"water_deficit_threshold" validate:"gt=0,lt=1"`
	SmallLeakageML            float64 `json:"small_leakage_threshold" yaml:"small_leakage_threshold" validate:"gte=0,lte=1"`
	SmallLeakageMLCeiling     float64 `json:"small_leakage_ml_ceiling" yaml:"small_leakage_ml_ceiling" validate:"gte=0,lte=1"`
	PumpCavitationMultiplier  float64 `json:"pump_cavitation_multiplier" yaml:"pump_cavitation_multiplier" validate:"gte=1.4,lte=2"`
	PumpCavitationLookback    int     `json:"pump_cavitation_lookback_hours" yaml:"pump_cavitation_lookback_hours" validate:"gte=1,lte=168"`
	CTPLeakRatio              float64 `json:"ctp_leak_ratio" yaml:"ctp_leak_ratio" validate:"gte=1,lte=5"`
	LeakHistoryHours          int     `json:"leak_history_hours" yaml:"leak_history_hours" validate:"gte=8,lte=168"`
}

func (t Thresholds) EventWindow() time.Duration {
	return time.Duration(t.EventDurationHours) * time.Hour
}

func (t Thresholds) CavitationWindow() time.Duration {
	return time.Duration(t.PumpCavitationLookback) * time.Hour
}

func (t Thresholds) LeakHistoryWindow() time.Duration {
	return time.Duration(t.LeakHistoryHours) * time.Hour
}

// Limits caps how many entities a single rule samples. Zero disables the cap.
type Limits struct {
	SiblingSample   int `json:"sibling_sample" yaml:"sibling_sample" validate:"gte=0"`
	AggregateSample int `json:"aggregate_sample" yaml:"aggregate_sample" validate:"gte=0"`
	CTPLeakSample   int `json:"ctp_leak_sample" yaml:"ctp_leak_sample" validate:"gte=0"`
	BuildingsPerCTP int `json:"buildings_per_ctp" yaml:"buildings_per_ctp" validate:"gte=0"`
}

type EvaluationConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Schedule    string `json:"schedule" yaml:"schedule"`
	Concurrency int    `json:"concurrency" yaml:"concurrency" validate:"gte=1,lte=1024"`
	At          string `json:"at" yaml:"at"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type PublishConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		ConsumptionTolerance:      0.05,
		ZeroConsumption:           0.1,
		HighConsumptionMultiplier: 1.3,
		EventDurationHours:        1,
		LeakDetectionRatio:        1.2,
		MinConsumptionForLeak:     5.0,
		MinLeakage:                0.5,
		SmallLeakageOverride:      0.3,
		WaterDeficitRatio:         0.5,
		SmallLeakageML:            0.5,
		SmallLeakageMLCeiling:     0.7,
		PumpCavitationMultiplier:  1.5,
		PumpCavitationLookback:    24,
		CTPLeakRatio:              1.1,
		LeakHistoryHours:          8,
	}
}

func DefaultLimits() Limits {
	return Limits{SiblingSample: 5, AggregateSample: 10, CTPLeakSample: 15, BuildingsPerCTP: 20}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Data: DataConfig{
			Driver:        "sqlite",
			DSN:           "file:data/hak2025.db?mode=ro",
			Table:         "synt_data",
			TopologyPath:  "data/ctp_to_unom.json",
			OverridesPath: "data/excedents.csv",
			BuildingNoise: 0.025,
			CTPNoise:      0.015,
			Seed:          42,
		},
		Thresholds: DefaultThresholds(),
		Limits:     DefaultLimits(),
		Evaluation: EvaluationConfig{
			Enabled:     true,
			Schedule:    "@every 5m",
			Concurrency: MaxParallelism(),
		},
		API:     APIConfig{Enabled: true, Addr: ":5001"},
		Publish: PublishConfig{Enabled: false, Topic: "waterguard.alerts"},
	}
}

// MaxParallelism is the smaller of GOMAXPROCS and the CPU count.
func MaxParallelism() int {
	maxProcs := runtime.GOMAXPROCS(0)
	numCPU := runtime.NumCPU()
	if maxProcs < numCPU {
		return maxProcs
	}
	return numCPU
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Data.Driver == "" {
		cfg.Data.Driver = "sqlite"
	}
	if cfg.Data.Table == "" {
		cfg.Data.Table = "synt_data"
	}
	if cfg.Evaluation.Concurrency <= 0 {
		cfg.Evaluation.Concurrency = MaxParallelism()
	}
	if cfg.Evaluation.Schedule == "" {
		cfg.Evaluation.Schedule = "@every 5m"
	}
	if cfg.Publish.Topic == "" {
		cfg.Publish.Topic = "waterguard.alerts"
	}
}

type Manager struct {
	path    string
	cfg     atomic.Pointer[Config]
	mu      sync.Mutex
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if info, err := os.Stat(path); err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves cfg without a backing file; updates stay in memory.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if cfg := m.cfg.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

// UpdateThresholds applies patch to the current snapshot and swaps in the
// result. The previous snapshot stays untouched for cycles still using it.
func (m *Manager) UpdateThresholds(patch ThresholdPatch) (Thresholds, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.Get()
	next, err := current.Thresholds.Apply(patch)
	if err != nil {
		return current.Thresholds, err
	}
	cfg := *current
	cfg.Thresholds = next
	if err := m.storeLocked(&cfg); err != nil {
		return current.Thresholds, err
	}
	return next, nil
}

func (m *Manager) storeLocked(cfg *Config) error {
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
