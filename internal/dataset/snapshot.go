package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"waterguard/internal/config"
	"waterguard/internal/overrides"
	"waterguard/internal/topology"
)

// ErrNotLoaded is returned by readers asked to work before any snapshot has
// been published.
var ErrNotLoaded = errors.New("consumption data not loaded")

// Snapshot is the read-only state shared by every evaluation in a cycle.
type Snapshot struct {
	Dataset   *Dataset
	Topology  *topology.Topology
	Overrides *overrides.Set
	Directory *topology.Directory
	LoadedAt  time.Time
}

// Holder publishes snapshots; reloads replace the pointer, never the contents.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

func NewHolder(s *Snapshot) *Holder {
	h := &Holder{}
	if s != nil {
		h.current.Store(s)
	}
	return h
}

func (h *Holder) Get() *Snapshot {
	return h.current.Load()
}

func (h *Holder) Swap(s *Snapshot) *Snapshot {
	return h.current.Swap(s)
}

// Files lists the local files a snapshot is built from: the sqlite database,
// topology, overrides, addresses and the classifier model. Empty entries
// are omitted.
func Files(cfg config.DataConfig) []string {
	var out []string
	if driver := strings.ToLower(cfg.Driver); driver == "" || driver == "sqlite" {
		out = append(out, sqliteFile(cfg.DSN))
	}
	out = append(out, cfg.TopologyPath, cfg.OverridesPath, cfg.AddressesPath, cfg.ClassifierPath)
	files := out[:0]
	for _, p := range out {
		if p != "" {
			files = append(files, p)
		}
	}
	return files
}

// LoadSnapshot reads the dataset, topology, overrides and address directory
// described by cfg.
func LoadSnapshot(ctx context.Context, cfg config.DataConfig, logger *slog.Logger) (*Snapshot, error) {
	topo, err := topology.Load(cfg.TopologyPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load topology: %w", err)
	}
	var over *overrides.Set
	if cfg.OverridesPath != "" {
		over, err = overrides.Load(cfg.OverridesPath, time.UTC, logger)
		if err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	} else {
		over = overrides.NewSet(nil)
	}
	src, err := NewSource(cfg)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	start := time.Now()
	records, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load %s dataset: %w", cfg.Driver, err)
	}
	ds := Build(records)
	if logger != nil {
		first, last := ds.Bounds()
		logger.Info("dataset loaded",
			"driver", cfg.Driver,
			"buildings", ds.Buildings(),
			"points", ds.Size(),
			"first", first,
			"last", last,
			"took", time.Since(start))
	}
	return &Snapshot{
		Dataset:   ds,
		Topology:  topo,
		Overrides: over,
		Directory: topology.LoadDirectory(cfg.AddressesPath, cfg.CTPNames, logger),
		LoadedAt:  time.Now().UTC(),
	}, nil
}
