// Package scheduler drives periodic evaluation cycles and reloads the
// dataset snapshot when its input files change.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"waterguard/internal/alerts"
)

// Runner executes one evaluation cycle.
type Runner interface {
	RunCycle(ctx context.Context) (alerts.Cycle, error)
}

type Scheduler struct {
	runner   Runner
	schedule string
	logger   *slog.Logger

	cron *cron.Cron
	// a tick that fires while a cycle is still running is skipped
	running sync.Mutex
}

func New(runner Runner, schedule string, logger *slog.Logger) *Scheduler {
	if schedule == "" {
		schedule = "@every 5m"
	}
	return &Scheduler{runner: runner, schedule: schedule, logger: logger}
}

// Start runs one cycle immediately, then on every schedule tick until ctx
// ends. It returns once the first cycle has finished.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.runner == nil {
		return errors.New("scheduler: nil runner")
	}
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.tick(ctx) }); err != nil {
		return err
	}
	s.cron = c
	s.tick(ctx)
	c.Start()
	if s.logger != nil {
		s.logger.Info("evaluation scheduler started", "schedule", s.schedule)
	}
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		if s.logger != nil {
			s.logger.Info("evaluation scheduler stopped")
		}
	}()
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !s.running.TryLock() {
		if s.logger != nil {
			s.logger.Warn("evaluation cycle still running, tick skipped")
		}
		return
	}
	defer s.running.Unlock()
	if _, err := s.runner.RunCycle(ctx); err != nil && s.logger != nil {
		s.logger.Error("evaluation cycle failed", "err", err)
	}
}

// WatchFiles polls the modification time of paths and calls onChange once
// per poll in which any of them changed. Missing files are ignored until
// they appear.
func WatchFiles(ctx context.Context, paths []string, interval time.Duration, onChange func(context.Context) error, logger *slog.Logger) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	seen := make(map[string]time.Time, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if info, err := os.Stat(p); err == nil {
			seen[p] = info.ModTime()
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		changed := ""
		for _, p := range paths {
			if p == "" {
				continue
			}
			info, err := os.Stat(p)
			if err != nil {
				continue
			}
			if info.ModTime().After(seen[p]) {
				seen[p] = info.ModTime()
				changed = p
			}
		}
		if changed == "" {
			continue
		}
		if logger != nil {
			logger.Info("data file changed, reloading", "path", changed)
		}
		if err := onChange(ctx); err != nil && logger != nil {
			logger.Warn("reload failed", "path", changed, "err", err)
		}
	}
}
