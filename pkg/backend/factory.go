package backend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// New creates a backend based on kind and a generic configuration map.
// This is the central extension point for adding new backend types.
//
// Supported kinds:
//   - "middleware": visualization middleware REST API
//   - "prometheus": Prometheus query_range API
//   - "victoriametrics": VictoriaMetrics Prometheus-compatible API
//
// httpClient may be nil. Returns error if kind is unknown or required fields are missing.
func New(kind string, config map[string]string, httpClient *http.Client) (Client, error) {
	switch kind {
	case "middleware", "":
		return newMiddleware(config, httpClient)
	case "prometheus":
		return newRangeBackend("prometheus", "http://localhost:9090", config, httpClient)
	case "victoriametrics":
		return newRangeBackend("victoria-metrics", "http://localhost:8428", config, httpClient)
	default:
		return nil, fmt.Errorf("unknown backend kind: %s (must be middleware, prometheus, or victoriametrics)", kind)
	}
}

// newMiddleware creates a middleware client from generic config.
func newMiddleware(config map[string]string, httpClient *http.Client) (Client, error) {
	url := config["url"]
	if url == "" {
		url = "http://localhost:8080"
	}

	c := NewMiddlewareClient(url, httpClient)
	if v := config["measuresPath"]; v != "" {
		c.MeasuresPath = v
	}
	if v := config["fromPath"]; v != "" {
		c.FromPath = v
	}
	if v := config["toPath"]; v != "" {
		c.ToPath = v
	}
	if v := config["samplingIntervalPath"]; v != "" {
		c.SamplingIntervalPath = v
	}

	if headersJSON := config["headers"]; headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &c.Headers); err != nil {
			return nil, fmt.Errorf("invalid 'headers' JSON: %w", err)
		}
	}

	return c, nil
}

// newRangeBackend creates a Prometheus-compatible backend from generic config.
//
// Measures are given either as "queries" (JSON object name → expression) or
// as a single "query" with an optional "measure" name.
func newRangeBackend(flavor, defaultURL string, config map[string]string, httpClient *http.Client) (Client, error) {
	url := config["url"]
	if url == "" {
		url = defaultURL
	}

	var measures []MeasureQuery
	if queriesJSON := config["queries"]; queriesJSON != "" {
		var ordered []MeasureQuery
		if err := json.Unmarshal([]byte(queriesJSON), &ordered); err != nil {
			return nil, fmt.Errorf("invalid 'queries' JSON (want [{\"Name\":..,\"Query\":..}]): %w", err)
		}
		measures = ordered
	} else if q := config["query"]; q != "" {
		name := config["measure"]
		if name == "" {
			name = "value"
		}
		measures = []MeasureQuery{{Name: name, Query: q}}
	}
	if len(measures) == 0 {
		return nil, fmt.Errorf("%s backend requires 'query' or 'queries' config", flavor)
	}
	for i, m := range measures {
		if strings.TrimSpace(m.Query) == "" {
			return nil, fmt.Errorf("%s backend: measure %d has an empty query", flavor, i)
		}
	}

	retention := 24 * time.Hour
	if v := config["retention"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid 'retention': %w", err)
		}
		retention = d
	}

	return &PrometheusBackend{
		ServerURL:  url,
		Measures:   measures,
		Retention:  retention,
		HTTPClient: httpClient,
		flavor:     flavor,
	}, nil
}
