// Package dataset holds the in-memory predicted consumption table and the
// snapshot of everything an evaluation cycle reads.
package dataset

import (
	"sort"
	"time"

	"waterguard/internal/normalize"
)

type Point struct {
	Timestamp time.Time
	Predicted float64
}

// Dataset is immutable after Build; concurrent readers need no locking.
type Dataset struct {
	byBuilding map[string][]Point
	first      time.Time
	last       time.Time
	size       int
}

// Build groups records per building, buckets timestamps to the hour and
// sorts each series. Duplicate hours keep the last value seen.
func Build(records []Record) *Dataset {
	d := &Dataset{byBuilding: make(map[string][]Point)}
	index := make(map[string]map[time.Time]int)
	for _, r := range records {
		ts := normalize.Hour(r.Timestamp)
		seen := index[r.Building]
		if seen == nil {
			seen = make(map[time.Time]int)
			index[r.Building] = seen
		}
		if i, ok := seen[ts]; ok {
			d.byBuilding[r.Building][i].Predicted = r.Predicted
			continue
		}
		seen[ts] = len(d.byBuilding[r.Building])
		d.byBuilding[r.Building] = append(d.byBuilding[r.Building], Point{Timestamp: ts, Predicted: r.Predicted})
	}
	for _, pts := range d.byBuilding {
		sort.Slice(pts, func(i, j int) bool { return pts[i].Timestamp.Before(pts[j].Timestamp) })
		d.size += len(pts)
		if d.first.IsZero() || pts[0].Timestamp.Before(d.first) {
			d.first = pts[0].Timestamp
		}
		if end := pts[len(pts)-1].Timestamp; end.After(d.last) {
			d.last = end
		}
	}
	return d
}

// Range returns the points of building with start <= ts <= end. The
// returned slice must not be modified.
func (d *Dataset) Range(building string, start, end time.Time) []Point {
	if d == nil || end.Before(start) {
		return nil
	}
	pts := d.byBuilding[building]
	lo := sort.Search(len(pts), func(i int) bool { return !pts[i].Timestamp.Before(start) })
	hi := sort.Search(len(pts), func(i int) bool { return pts[i].Timestamp.After(end) })
	if lo >= hi {
		return nil
	}
	return pts[lo:hi:hi]
}

func (d *Dataset) Has(building string) bool {
	if d == nil {
		return false
	}
	_, ok := d.byBuilding[building]
	return ok
}

func (d *Dataset) Buildings() int {
	if d == nil {
		return 0
	}
	return len(d.byBuilding)
}

func (d *Dataset) Size() int {
	if d == nil {
		return 0
	}
	return d.size
}

// Bounds returns the first and last hour present in the dataset.
func (d *Dataset) Bounds() (time.Time, time.Time) {
	if d == nil {
		return time.Time{}, time.Time{}
	}
	return d.first, d.last
}
