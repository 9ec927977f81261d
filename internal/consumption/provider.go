// Package consumption turns the predicted dataset into paired
// predicted/real series, simulating measurement noise and applying
// injected anomalies.
package consumption

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"waterguard/internal/config"
	"waterguard/internal/dataset"
	"waterguard/internal/model"
	"waterguard/internal/overrides"
	"waterguard/internal/topology"
)

var (
	ErrUnknownCTP    = errors.New("unknown ctp")
	ErrUnknownEntity = errors.New("unknown entity type")
)

type Options struct {
	BuildingNoise float64
	CTPNoise      float64
	Seed          uint64
	Concurrency   int
}

func OptionsFrom(cfg *config.Config) Options {
	return Options{
		BuildingNoise: cfg.Data.BuildingNoise,
		CTPNoise:      cfg.Data.CTPNoise,
		Seed:          cfg.Data.Seed,
		Concurrency:   cfg.Evaluation.Concurrency,
	}
}

// Provider is safe for concurrent use; it only reads its snapshot.
type Provider struct {
	data   *dataset.Dataset
	topo   *topology.Topology
	over   *overrides.Set
	opts   Options
	logger *slog.Logger
}

func NewProvider(snap *dataset.Snapshot, opts Options, logger *slog.Logger) *Provider {
	if opts.Concurrency <= 0 {
		opts.Concurrency = config.MaxParallelism()
	}
	p := &Provider{opts: opts, logger: logger}
	if snap != nil {
		p.data = snap.Dataset
		p.topo = snap.Topology
		p.over = snap.Overrides
	}
	return p
}

// Series returns the hourly points of one entity with start <= ts <= end.
// An entity without data yields an empty series and no error.
func (p *Provider) Series(ctx context.Context, entity model.EntityType, id string, start, end time.Time) (model.Series, error) {
	switch entity {
	case model.EntityBuilding:
		return p.building(id, start, end, p.opts.BuildingNoise), nil
	case model.EntityCTP:
		return p.ctp(ctx, id, start, end)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
}

func (p *Provider) building(id string, start, end time.Time, noiseLevel float64) model.Series {
	pts := p.data.Range(id, start, end)
	if len(pts) == 0 {
		return nil
	}
	out := make(model.Series, len(pts))
	for i, pt := range pts {
		measured := pt.Predicted + p.noise(id, pt.Timestamp, pt.Predicted*noiseLevel)
		if off, rate := p.over.RateAt(model.EntityBuilding, id, pt.Timestamp); off {
			measured = 0
		} else {
			measured += rate
		}
		out[i] = model.ConsumptionPoint{Timestamp: pt.Timestamp, Predicted: pt.Predicted, Real: clip(measured)}
	}
	return out
}

func (p *Provider) ctp(ctx context.Context, id string, start, end time.Time) (model.Series, error) {
	if !p.topo.HasCTP(id) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCTP, id)
	}
	buildings := p.topo.Buildings(id)
	parts := make([]model.Series, len(buildings))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i, b := range buildings {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			parts[i] = p.building(b, start, end, p.opts.CTPNoise)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := sumByTimestamp(parts)
	if len(out) == 0 && p.logger != nil {
		p.logger.Debug("no consumption data for ctp", "ctp", id, "start", start, "end", end)
	}
	for i := range out {
		if off, rate := p.over.RateAt(model.EntityCTP, id, out[i].Timestamp); off {
			out[i].Real = 0
		} else {
			out[i].Real = clip(out[i].Real + rate)
		}
	}
	return out, nil
}

func sumByTimestamp(parts []model.Series) model.Series {
	totals := make(map[time.Time]*model.ConsumptionPoint)
	for _, s := range parts {
		for _, pt := range s {
			acc, ok := totals[pt.Timestamp]
			if !ok {
				acc = &model.ConsumptionPoint{Timestamp: pt.Timestamp}
				totals[pt.Timestamp] = acc
			}
			acc.Predicted += pt.Predicted
			acc.Real += pt.Real
		}
	}
	out := make(model.Series, 0, len(totals))
	for _, acc := range totals {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// noise draws a gaussian sample with the given standard deviation. The
// draw depends only on (seed, entity, hour) so repeated queries agree.
func (p *Provider) noise(id string, ts time.Time, stddev float64) float64 {
	if stddev <= 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(id))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(ts.Unix()))
	h.Write(buf[:])
	r := rand.New(rand.NewPCG(p.opts.Seed, h.Sum64()))
	return r.NormFloat64() * stddev
}

func clip(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}
