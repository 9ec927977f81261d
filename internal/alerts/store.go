// Package alerts keeps recent evaluation cycles and diffs their alert lists.
package alerts

import (
	"sync"
	"time"

	"waterguard/internal/model"
)

// Cycle is the outcome of one scheduled evaluation.
type Cycle struct {
	ID       string        `json:"cycle_id"`
	At       time.Time     `json:"at"`
	Finished time.Time     `json:"finished"`
	Alerts   []model.Alert `json:"alerts"`
	New      []model.Alert `json:"new"`
	Resolved []model.Alert `json:"resolved"`
}

// Store is a bounded ring of cycles, newest last.
type Store struct {
	mu    sync.RWMutex
	buf   []Cycle
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 100
	}
	return &Store{limit: limit}
}

// Add records c and fills its New and Resolved lists against the previous cycle.
func (s *Store) Add(c Cycle) Cycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev []model.Alert
	if n := len(s.buf); n > 0 {
		prev = s.buf[n-1].Alerts
	}
	d := Compare(prev, c.Alerts)
	c.New, c.Resolved = d.New, d.Resolved
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, c)
		return c
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = c
	return c
}

func (s *Store) Latest() (Cycle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.buf) == 0 {
		return Cycle{}, false
	}
	return s.buf[len(s.buf)-1], true
}

func (s *Store) List(limit int) []Cycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]Cycle, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []Cycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Cycle, 0)
	for _, c := range s.buf {
		if !c.At.Before(ts) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
