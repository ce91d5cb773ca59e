// Package backend provides vizbench data source connectors that execute
// parameterized visualization queries and normalize the answers into a
// common QueryResult structure.
//
// Each backend implements the Client interface. Available backends:
//   - MiddlewareClient: talks to the visualization middleware REST API
//   - PrometheusBackend: serves queries from a Prometheus query_range API
//   - VictoriaMetrics: PrometheusBackend, against a VictoriaMetrics server
//
// Backends only fetch and shape data. Rendering, scoring and history
// bookkeeping belong to the upper layers.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// ErrCancelled is returned when a request was aborted by its context.
// It wraps context.Canceled so callers may test either value with errors.Is.
var ErrCancelled = fmt.Errorf("backend request cancelled: %w", context.Canceled)

// Point is a single (timestamp, value) sample. Timestamps are epoch milliseconds.
type Point struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// TimeRange is a closed interval of epoch milliseconds.
type TimeRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Valid reports whether the range is non-empty.
func (r TimeRange) Valid() bool { return r.To > r.From }

// Clamp restricts r to bounds. The returned flags report which side moved.
func (r TimeRange) Clamp(bounds TimeRange) (TimeRange, bool, bool) {
	out := r
	var fromClamped, toClamped bool
	if out.From < bounds.From {
		out.From = bounds.From
		fromClamped = true
	}
	if out.To > bounds.To {
		out.To = bounds.To
		toClamped = true
	}
	return out, fromClamped, toClamped
}

// Measure is a queryable column of a dataset.
type Measure struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Metadata describes a dataset: its measures and the time span it covers.
type Metadata struct {
	Schema           string    `json:"schema"`
	Table            string    `json:"table"`
	Measures         []Measure `json:"measures"`
	TimeRange        TimeRange `json:"timeRange"`
	SamplingInterval int64     `json:"samplingInterval,omitempty"`
}

// MeasureByName returns the measure with the given name.
func (m *Metadata) MeasureByName(name string) (Measure, bool) {
	for _, ms := range m.Measures {
		if ms.Name == name {
			return ms, true
		}
	}
	return Measure{}, false
}

// QueryRequest is the value object sent to a backend for a single fetch.
// It is built fresh per fetch and never mutated afterwards.
type QueryRequest struct {
	// MethodKey identifies the method instance, e.g. "M4-1700000000000".
	MethodKey  string         `json:"methodKey"`
	InitParams map[string]any `json:"initParams,omitempty"`
	Measures   []int          `json:"measures"`
	From       int64          `json:"from"`
	To         int64          `json:"to"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Schema     string         `json:"schema"`
	Table      string         `json:"table"`
	Params     map[string]any `json:"params,omitempty"`
}

// Validate checks the request shape before it is sent.
func (q QueryRequest) Validate() error {
	if q.MethodKey == "" {
		return errors.New("method key is required")
	}
	if len(q.Measures) == 0 {
		return errors.New("at least one measure is required")
	}
	if q.To <= q.From {
		return fmt.Errorf("invalid time range [%d, %d]", q.From, q.To)
	}
	if q.Width <= 0 || q.Height <= 0 {
		return fmt.Errorf("invalid canvas %dx%d", q.Width, q.Height)
	}
	return nil
}

// QueryResult is the normalized backend answer.
type QueryResult struct {
	// Data maps a measure id to its (downsampled) series.
	Data      map[int][]Point `json:"data"`
	TimeRange TimeRange       `json:"timeRange"`
	// QueryTime is the backend-reported execution time in seconds.
	QueryTime float64 `json:"queryTime"`
	IOCount   int64   `json:"ioCount"`
}

// Series returns the series for a measure id, or nil.
func (r *QueryResult) Series(measureID int) []Point {
	if r == nil {
		return nil
	}
	return r.Data[measureID]
}

// ParamSpec describes one tunable parameter of a method.
type ParamSpec struct {
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type"`
	Default     any      `json:"default"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Step        *float64 `json:"step,omitempty"`
}

// MethodConfig describes a method's init and query parameters.
type MethodConfig struct {
	Description string               `json:"description,omitempty"`
	InitParams  map[string]ParamSpec `json:"initParams"`
	QueryParams map[string]ParamSpec `json:"queryParams"`
}

// Catalog maps a method name to its configuration.
type Catalog map[string]MethodConfig

// Client is the interface all vizbench backends implement.
//
// Every call is synchronous and must respect context cancellation; a request
// aborted by its context returns an error matching ErrCancelled.
type Client interface {
	// GetMetadata describes a dataset.
	GetMetadata(ctx context.Context, datasource, schema, table string) (*Metadata, error)

	// GetData executes a visualization query. A nil result with a nil error
	// means the backend had no content for the request.
	GetData(ctx context.Context, datasource string, req QueryRequest) (*QueryResult, error)

	// GetMethodConfigurations returns the method catalog.
	GetMethodConfigurations(ctx context.Context) (Catalog, error)

	// ClearCache drops any server-side cache for the datasource.
	ClearCache(ctx context.Context, datasource string) error

	// Name returns a short identifier, e.g. "middleware" or "prometheus".
	Name() string
}

// wrapCtxErr converts a transport error caused by context cancellation into
// ErrCancelled. Deadline errors are left untouched.
func wrapCtxErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return err
}
