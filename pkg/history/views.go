package history

import (
	"fmt"
	"sort"
)

// RecentGroups is how many operation groups ViewRecent shows.
const RecentGroups = 5

// View selects which operation groups a report shows.
type View string

const (
	ViewLatest View = "latest"
	ViewRecent View = "recent"
	ViewAll    View = "all"
)

// ParseView validates a view name. The empty string selects ViewLatest.
func ParseView(s string) (View, error) {
	switch View(s) {
	case "", ViewLatest:
		return ViewLatest, nil
	case ViewRecent:
		return ViewRecent, nil
	case ViewAll:
		return ViewAll, nil
	default:
		return "", fmt.Errorf("unknown history view %q (must be latest, recent or all)", s)
	}
}

// View returns the operation groups selected by v, newest first.
func (s *Store) View(v View) []Group {
	switch v {
	case ViewRecent:
		return s.Recent(RecentGroups)
	case ViewAll:
		return s.Groups()
	default:
		return s.Recent(1)
	}
}

// InstanceSummary aggregates the entries of one instance.
type InstanceSummary struct {
	InstanceID string  `json:"instanceId"`
	Method     string  `json:"method"`
	Queries    int     `json:"queries"`
	Total      float64 `json:"total"`
	Query      float64 `json:"query"`
	Rendering  float64 `json:"rendering"`
	Networking float64 `json:"networking"`
	IOCount    int64   `json:"ioCount"`

	// TotalQuantile is set by ByInstanceQuantile.
	TotalQuantile float64 `json:"totalQuantile,omitempty"`
}

func (a *InstanceSummary) add(e Entry) {
	a.Queries++
	a.Total += e.Performance.Total
	a.Query += e.Performance.Query
	a.Rendering += e.Performance.Rendering
	a.Networking += e.Performance.Networking
	a.IOCount += e.Performance.IOCount
}

func summarize(entries []Entry) []InstanceSummary {
	pos := make(map[string]int)
	var out []InstanceSummary
	for _, e := range entries {
		i, ok := pos[e.InstanceID]
		if !ok {
			i = len(out)
			pos[e.InstanceID] = i
			out = append(out, InstanceSummary{InstanceID: e.InstanceID, Method: e.Method})
		}
		out[i].add(e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// ByInstance aggregates the whole log per instance, ordered by instance id.
func (s *Store) ByInstance() []InstanceSummary {
	return summarize(s.All())
}

// TotalTime sums the total time of the group's entries.
func (g Group) TotalTime() float64 {
	var sum float64
	for _, e := range g.Entries {
		sum += e.Performance.Total
	}
	return sum
}

// TotalIO sums the IO count of the group's entries.
func (g Group) TotalIO() int64 {
	var sum int64
	for _, e := range g.Entries {
		sum += e.Performance.IOCount
	}
	return sum
}

// ByInstance aggregates the group's entries per instance.
func (g Group) ByInstance() []InstanceSummary {
	return summarize(g.Entries)
}
