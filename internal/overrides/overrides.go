// Package overrides loads injected consumption anomalies ("excedents") and
// answers point and window queries against them.
package overrides

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"waterguard/internal/model"
	"waterguard/internal/normalize"
)

// DisconnectMarker in the leakage column forces real consumption to zero.
const DisconnectMarker = "-"

type Record struct {
	EntityType model.EntityType `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Start      time.Time        `json:"timestamp_start"`
	End        time.Time        `json:"timestamp_end"`
	Disconnect bool             `json:"disconnect"`
	Leakage    float64          `json:"leakage"`
}

// Active reports whether ts falls in [Start, End]. Both hour buckets at the
// interval edges carry the anomaly.
func (r Record) Active(ts time.Time) bool {
	return !ts.Before(r.Start) && !ts.After(r.End)
}

// Overlaps reports whether [start, end] intersects the record interval.
func (r Record) Overlaps(start, end time.Time) bool {
	return !(end.Before(r.Start) || end.Equal(r.Start) || !start.Before(r.End))
}

type key struct {
	entity model.EntityType
	id     string
}

// Set is immutable once built.
type Set struct {
	records []Record
	byKey   map[key][]Record
}

func NewSet(records []Record) *Set {
	s := &Set{byKey: make(map[key][]Record)}
	for _, r := range records {
		s.records = append(s.records, r)
		k := key{r.EntityType, r.EntityID}
		s.byKey[k] = append(s.byKey[k], r)
	}
	return s
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.records)
}

func (s *Set) Records() []Record {
	if s == nil {
		return nil
	}
	return append([]Record(nil), s.records...)
}

func (s *Set) For(entity model.EntityType, id string) []Record {
	if s == nil {
		return nil
	}
	return s.byKey[key{entity, id}]
}

// RateAt sums the leakage of every record active at ts. A disconnect wins
// over any numeric rate.
func (s *Set) RateAt(entity model.EntityType, id string, ts time.Time) (disconnect bool, rate float64) {
	for _, r := range s.For(entity, id) {
		if !r.Active(ts) {
			continue
		}
		if r.Disconnect {
			disconnect = true
			continue
		}
		rate += r.Leakage
	}
	if disconnect {
		return true, 0
	}
	return false, rate
}

// Overlapping returns the first numeric record overlapping [start, end]
// whose leakage satisfies match.
func (s *Set) Overlapping(entity model.EntityType, id string, start, end time.Time, match func(leakage float64) bool) (Record, bool) {
	for _, r := range s.For(entity, id) {
		if r.Disconnect || !r.Overlaps(start, end) {
			continue
		}
		if match == nil || match(r.Leakage) {
			return r, true
		}
	}
	return Record{}, false
}

// Load reads the overrides CSV. A missing file yields an empty set.
func Load(path string, loc *time.Location, logger *slog.Logger) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if logger != nil {
				logger.Warn("overrides file not found, no anomalies injected", "path", path)
			}
			return NewSet(nil), nil
		}
		return nil, err
	}
	defer f.Close()
	set, err := Parse(f, loc, logger)
	if err != nil {
		return nil, fmt.Errorf("overrides %s: %w", path, err)
	}
	if logger != nil {
		logger.Info("overrides loaded", "path", path, "records", set.Len())
	}
	return set, nil
}

// Parse reads rows of type,id,timestamp_start,timestamp_end,leakage. Rows
// that cannot be interpreted are skipped with a warning.
func Parse(r io.Reader, loc *time.Location, logger *slog.Logger) (*Set, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err == io.EOF {
		return NewSet(nil), nil
	}
	if err != nil {
		return nil, err
	}
	cols, err := columns(header)
	if err != nil {
		return nil, err
	}
	var records []Record
	row := 1
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			warn(logger, row, "unreadable row", err)
			continue
		}
		rec, err := parseRow(fields, cols, loc)
		if err != nil {
			warn(logger, row, "malformed override", err)
			continue
		}
		records = append(records, rec)
	}
	return NewSet(records), nil
}

var requiredColumns = []string{"type", "id", "timestamp_start", "timestamp_end", "leakage"}

func columns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	return cols, nil
}

func parseRow(fields []string, cols map[string]int, loc *time.Location) (Record, error) {
	get := func(name string) string {
		i := cols[name]
		if i >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[i])
	}
	var rec Record
	entity, err := model.ParseEntityType(get("type"))
	if err != nil {
		return rec, err
	}
	rec.EntityType = entity
	rec.EntityID = normalize.EntityID(get("id"))
	if rec.EntityID == "" {
		return rec, errors.New("empty id")
	}
	if rec.Start, err = normalize.ParseTimestamp(get("timestamp_start"), loc); err != nil {
		return rec, err
	}
	if rec.End, err = normalize.ParseTimestamp(get("timestamp_end"), loc); err != nil {
		return rec, err
	}
	if !rec.End.After(rec.Start) {
		return rec, fmt.Errorf("interval end %s not after start %s", rec.End, rec.Start)
	}
	if rec.Disconnect, rec.Leakage, err = ParseLeakage(get("leakage"), entity); err != nil {
		return rec, err
	}
	return rec, nil
}

// ParseLeakage reads a leakage cell: the disconnect marker or a finite
// number. Negative values are accepted for buildings only.
func ParseLeakage(raw string, entity model.EntityType) (disconnect bool, leakage float64, err error) {
	raw = strings.TrimSpace(raw)
	if raw == DisconnectMarker {
		return true, 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return false, 0, fmt.Errorf("leakage %q is neither a number nor %q", raw, DisconnectMarker)
	}
	if v < 0 && entity == model.EntityCTP {
		return false, 0, fmt.Errorf("negative leakage %v is only valid for buildings", v)
	}
	return false, v, nil
}

func warn(logger *slog.Logger, row int, msg string, err error) {
	if logger != nil {
		logger.Warn(msg, "row", row, "err", err)
	}
}
