package history

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// ParseQuantile parses a quantile level in p-notation (p95) or decimal
// notation (0.95).
func ParseQuantile(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty quantile")
	}

	if strings.HasPrefix(strings.ToLower(s), "p") {
		percentile, err := strconv.ParseFloat(s[1:], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid p-notation %q: %w", s, err)
		}
		if percentile < 0 || percentile > 100 {
			return 0, fmt.Errorf("percentile %v out of range [0, 100]", percentile)
		}
		return percentile / 100.0, nil
	}

	q, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantile %q: %w", s, err)
	}
	if q < 0 || q > 1 {
		return 0, fmt.Errorf("quantile %v out of range [0, 1]", q)
	}
	return q, nil
}

// FormatQuantile formats a quantile level as p-notation.
func FormatQuantile(q float64) string {
	percentile := q * 100
	if percentile == math.Trunc(percentile) {
		return fmt.Sprintf("p%d", int(percentile))
	}
	return fmt.Sprintf("p%.1f", percentile)
}

// quantile returns the q-quantile of values by linear interpolation
// between closest ranks. values is sorted in place.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	slices.Sort(values)
	pos := q * float64(len(values)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return values[lo]
	}
	return values[lo] + (values[hi]-values[lo])*(pos-float64(lo))
}

// ByInstanceQuantile is ByInstance with TotalQuantile set to the q-quantile
// of each instance's total time.
func (s *Store) ByInstanceQuantile(q float64) []InstanceSummary {
	entries := s.All()
	totals := make(map[string][]float64)
	for _, e := range entries {
		totals[e.InstanceID] = append(totals[e.InstanceID], e.Performance.Total)
	}

	out := summarize(entries)
	for i := range out {
		out[i].TotalQuantile = quantile(totals[out[i].InstanceID], q)
	}
	return out
}
