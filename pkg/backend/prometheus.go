package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PrometheusBackend serves visualization queries from a Prometheus-compatible
// /api/v1/query_range API (Prometheus, VictoriaMetrics, Thanos ...).
//
// Every measure is a configured PromQL/MetricsQL expression. The query step is
// derived from the requested pixel width so one sample lands in each column.
// Two methods are understood:
//
//	step  one query_range sample per pixel column
//	M4    oversampled query reduced to first/min/max/last per pixel column
//
// If multiple series are returned for a measure, values at the same timestamp
// are SUMMED.
type PrometheusBackend struct {
	// ServerURL is the base URL, e.g. http://prometheus.monitoring.svc:9090
	ServerURL string
	// Measures lists the expressions in measure-id order.
	Measures []MeasureQuery
	// Retention bounds the dataset time range to [now-Retention, now].
	Retention time.Duration
	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client

	flavor string
	now    func() time.Time
}

// MeasureQuery binds a measure name to the expression that produces it.
type MeasureQuery struct {
	Name  string
	Query string
}

const defaultOversample = 4

func (p *PrometheusBackend) Name() string {
	if p.flavor != "" {
		return p.flavor
	}
	return "prometheus"
}

func (p *PrometheusBackend) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// GetMetadata implements Client. schema and table are informational only.
func (p *PrometheusBackend) GetMetadata(ctx context.Context, datasource, schema, table string) (*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapCtxErr(ctx, err)
	}
	if len(p.Measures) == 0 {
		return nil, errors.New("prometheus backend: no measures configured")
	}
	retention := p.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	now := p.clock().UTC().Truncate(time.Second)

	md := &Metadata{
		Schema: schema,
		Table:  table,
		TimeRange: TimeRange{
			From: now.Add(-retention).UnixMilli(),
			To:   now.UnixMilli(),
		},
	}
	for i, m := range p.Measures {
		md.Measures = append(md.Measures, Measure{ID: i, Name: m.Name})
	}
	return md, nil
}

// GetMethodConfigurations implements Client with a static catalog.
func (p *PrometheusBackend) GetMethodConfigurations(ctx context.Context) (Catalog, error) {
	minOversample, maxOversample, stepOversample := 1.0, 32.0, 1.0
	return Catalog{
		"step": {
			Description: "One query_range sample per pixel column",
			InitParams:  map[string]ParamSpec{},
			QueryParams: map[string]ParamSpec{},
		},
		"M4": {
			Description: "First, min, max and last value per pixel column",
			InitParams:  map[string]ParamSpec{},
			QueryParams: map[string]ParamSpec{
				"oversample": {
					Label:       "Oversample",
					Description: "Samples fetched per pixel column before reduction",
					Type:        "number",
					Default:     float64(defaultOversample),
					Min:         &minOversample,
					Max:         &maxOversample,
					Step:        &stepOversample,
				},
			},
		},
	}, nil
}

// ClearCache implements Client. Prometheus has no client-visible cache.
func (p *PrometheusBackend) ClearCache(ctx context.Context, datasource string) error {
	return nil
}

// GetData implements Client.
func (p *PrometheusBackend) GetData(ctx context.Context, datasource string, req QueryRequest) (*QueryResult, error) {
	if p.ServerURL == "" {
		return nil, errors.New("prometheus backend: ServerURL is required")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	method := MethodOf(req.MethodKey)
	oversample := 1
	if method == "M4" {
		oversample = defaultOversample
		if v, ok := req.Params["oversample"].(float64); ok && v >= 1 {
			oversample = int(v)
		}
	}

	columns := req.Width * oversample
	stepMs := (req.To - req.From) / int64(columns)
	if stepMs < 1000 {
		stepMs = 1000
	}

	start := time.Now()
	result := &QueryResult{
		Data:      make(map[int][]Point, len(req.Measures)),
		TimeRange: TimeRange{From: req.From, To: req.To},
	}

	for _, id := range req.Measures {
		if id < 0 || id >= len(p.Measures) {
			return nil, fmt.Errorf("unknown measure id %d", id)
		}
		points, err := p.queryRange(ctx, p.Measures[id].Query, req.From, req.To, stepMs)
		if err != nil {
			return nil, fmt.Errorf("measure %d: %w", id, err)
		}
		result.IOCount += int64(len(points))
		if method == "M4" {
			points = M4(points, result.TimeRange, req.Width)
		}
		result.Data[id] = points
	}

	result.QueryTime = time.Since(start).Seconds()
	return result, nil
}

func (p *PrometheusBackend) queryRange(ctx context.Context, query string, fromMs, toMs, stepMs int64) ([]Point, error) {
	u, err := url.Parse(p.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/query_range"

	q := u.Query()
	q.Set("query", query)
	q.Set("start", formatSeconds(fromMs))
	q.Set("end", formatSeconds(toMs))
	q.Set("step", formatSeconds(stepMs))
	u.RawQuery = q.Encode()

	cli := p.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := cli.Do(req)
	if err != nil {
		return nil, wrapCtxErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", p.Name(), resp.StatusCode)
	}

	var pr PrometheusRangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, wrapCtxErr(ctx, fmt.Errorf("decode %s response: %w", p.Name(), err))
	}
	if pr.Status != "success" {
		return nil, fmt.Errorf("%s status: %s", p.Name(), pr.Status)
	}

	return AggregateRangeResult(pr.Data.Result)
}

func formatSeconds(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', -1, 64)
}

// PrometheusRangeResponse represents the response from Prometheus (and compatible systems).
type PrometheusRangeResponse struct {
	Status string              `json:"status"`
	Data   PrometheusRangeData `json:"data"`
}

// PrometheusRangeData contains the result data from a range query.
type PrometheusRangeData struct {
	ResultType string                 `json:"resultType"`
	Result     []PrometheusRangeSerie `json:"result"`
}

// PrometheusRangeSerie represents a single time series in the result.
type PrometheusRangeSerie struct {
	Metric map[string]string `json:"metric"`
	// Values is an array of [ <unix_time_float>, "<value_string>" ]
	Values [][]any `json:"values"`
}

// AggregateRangeResult merges multiple series into one, summing values at the
// same timestamp. The result is sorted by timestamp (epoch milliseconds).
func AggregateRangeResult(series []PrometheusRangeSerie) ([]Point, error) {
	acc := make(map[int64]float64)
	for _, s := range series {
		for _, pair := range s.Values {
			if len(pair) != 2 {
				return nil, fmt.Errorf("invalid value pair length: %d", len(pair))
			}

			var tsMs int64
			switch v := pair[0].(type) {
			case float64:
				tsMs = int64(math.Round(v * 1000))
			case json.Number:
				f, _ := v.Float64()
				tsMs = int64(math.Round(f * 1000))
			default:
				return nil, fmt.Errorf("unexpected timestamp type %T", v)
			}

			var val float64
			switch vv := pair[1].(type) {
			case string:
				f, err := strconv.ParseFloat(vv, 64)
				if err != nil {
					return nil, fmt.Errorf("parse value: %w", err)
				}
				val = f
			case float64:
				val = vv
			case json.Number:
				f, _ := vv.Float64()
				val = f
			default:
				return nil, fmt.Errorf("unexpected value type %T", vv)
			}
			acc[tsMs] += val
		}
	}

	points := make([]Point, 0, len(acc))
	for ts, v := range acc {
		points = append(points, Point{Timestamp: ts, Value: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })
	return points, nil
}

// MethodOf extracts the method name from an instance key such as
// "M4-1700000000000" or "M4-reference".
func MethodOf(key string) string {
	if i := strings.LastIndex(key, "-"); i > 0 {
		return key[:i]
	}
	return key
}
