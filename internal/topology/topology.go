// Package topology holds the read-only CTP -> building wiring and the
// human-readable names used when rendering alerts.
package topology

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"waterguard/internal/normalize"
)

type Entry struct {
	CTP       string
	Buildings []string
}

// Topology preserves the order in which CTPs and their buildings were declared.
type Topology struct {
	ctps  []string
	byCTP map[string][]string
	owner map[string]string
}

// New builds a topology from entries. Repeated buildings inside a CTP are
// dropped; a building already owned by another CTP is skipped and reported.
func New(entries []Entry, logger *slog.Logger) *Topology {
	t := &Topology{
		byCTP: make(map[string][]string, len(entries)),
		owner: make(map[string]string),
	}
	for _, e := range entries {
		if e.CTP == "" {
			continue
		}
		if _, dup := t.byCTP[e.CTP]; !dup {
			t.ctps = append(t.ctps, e.CTP)
		}
		list := t.byCTP[e.CTP]
		for _, b := range e.Buildings {
			b = normalize.EntityID(b)
			if b == "" {
				continue
			}
			if owner, ok := t.owner[b]; ok {
				if owner != e.CTP && logger != nil {
					logger.Warn("building assigned to more than one ctp, keeping first",
						"building", b, "ctp", owner, "ignored_ctp", e.CTP)
				}
				continue
			}
			t.owner[b] = e.CTP
			list = append(list, b)
		}
		t.byCTP[e.CTP] = list
	}
	return t
}

func (t *Topology) CTPs() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.ctps...)
}

func (t *Topology) Buildings(ctp string) []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.byCTP[ctp]...)
}

func (t *Topology) HasCTP(ctp string) bool {
	if t == nil {
		return false
	}
	_, ok := t.byCTP[ctp]
	return ok
}

func (t *Topology) CTPOf(building string) (string, bool) {
	if t == nil {
		return "", false
	}
	ctp, ok := t.owner[building]
	return ctp, ok
}

// Sample returns the first limit buildings of ctp, all of them when limit is 0.
func (t *Topology) Sample(ctp string, limit int) []string {
	return truncate(t.Buildings(ctp), limit)
}

// Siblings returns up to limit buildings of ctp other than building.
func (t *Topology) Siblings(ctp, building string, limit int) []string {
	all := t.Buildings(ctp)
	out := make([]string, 0, len(all))
	for _, b := range all {
		if b != building {
			out = append(out, b)
		}
	}
	return truncate(out, limit)
}

func (t *Topology) BuildingCount() int {
	if t == nil {
		return 0
	}
	return len(t.owner)
}

func truncate(list []string, limit int) []string {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

// Load reads a JSON (or YAML) mapping of CTP id to building ids. The yaml
// node tree is used so that declaration order survives decoding.
func Load(path string, logger *slog.Logger) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	entries, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("topology %s: %w", path, err)
	}
	t := New(entries, logger)
	if logger != nil {
		logger.Info("topology loaded", "path", path, "ctps", len(t.ctps), "buildings", t.BuildingCount())
	}
	return t, nil
}

func Parse(data []byte) ([]Entry, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 {
		return nil, nil
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("expected a mapping of ctp id to building list")
	}
	entries := make([]Entry, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		if val.Kind != yaml.SequenceNode {
			return nil, fmt.Errorf("ctp %q: expected a list of buildings", key.Value)
		}
		e := Entry{CTP: key.Value, Buildings: make([]string, 0, len(val.Content))}
		for _, item := range val.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("ctp %q: building ids must be scalars", key.Value)
			}
			e.Buildings = append(e.Buildings, item.Value)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
