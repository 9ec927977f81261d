package alerts

import "waterguard/internal/model"

type Changes struct {
	New      []model.Alert `json:"new"`
	Resolved []model.Alert `json:"resolved"`
}

// Compare matches alerts by entity and message. Order follows the input lists.
func Compare(prev, next []model.Alert) Changes {
	before := keys(prev)
	after := keys(next)
	ch := Changes{New: []model.Alert{}, Resolved: []model.Alert{}}
	for _, a := range next {
		if _, ok := before[a.Key()]; !ok {
			ch.New = append(ch.New, a)
		}
	}
	for _, a := range prev {
		if _, ok := after[a.Key()]; !ok {
			ch.Resolved = append(ch.Resolved, a)
		}
	}
	return ch
}

// Diff returns the alerts of next that were absent from prev.
func Diff(prev, next []model.Alert) []model.Alert {
	return Compare(prev, next).New
}

func keys(list []model.Alert) map[string]struct{} {
	out := make(map[string]struct{}, len(list))
	for _, a := range list {
		out[a.Key()] = struct{}{}
	}
	return out
}
