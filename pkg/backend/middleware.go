package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// MiddlewareClient talks to the visualization middleware REST API.
//
// Endpoints used (relative to BaseURL):
//   - GET  /api/data/{datasource}/dataset/{schema}/{table}
//   - POST /api/data/{datasource}/query
//   - POST /api/data/{datasource}/clear_cache
//   - GET  /api/method-configurations
//
// Dataset metadata is extracted with gjson paths so that middleware builds
// with a different metadata layout can be used without code changes.
type MiddlewareClient struct {
	// BaseURL is the middleware root, e.g. http://localhost:8080
	BaseURL string

	// Headers are sent with every request (e.g. Authorization).
	Headers map[string]string

	// MeasuresPath points at the measure list. Elements may be plain strings
	// (id = position) or objects with "id" and "name" fields. Default: "header".
	MeasuresPath string

	// FromPath and ToPath point at the dataset bounds. Values may be epoch
	// milliseconds or RFC3339 strings. Defaults: "timeRange.from", "timeRange.to".
	FromPath string
	ToPath   string

	// SamplingIntervalPath points at the sampling interval in milliseconds.
	SamplingIntervalPath string

	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client
}

// NewMiddlewareClient returns a client with default metadata paths.
func NewMiddlewareClient(baseURL string, httpClient *http.Client) *MiddlewareClient {
	return &MiddlewareClient{
		BaseURL:              strings.TrimRight(baseURL, "/"),
		MeasuresPath:         "header",
		FromPath:             "timeRange.from",
		ToPath:               "timeRange.to",
		SamplingIntervalPath: "samplingInterval",
		HTTPClient:           httpClient,
	}
}

func (m *MiddlewareClient) Name() string { return "middleware" }

type queryEnvelope struct {
	Query queryBody `json:"query"`
}

type methodConfigBody struct {
	Key    string         `json:"key"`
	Params map[string]any `json:"params"`
}

type queryBody struct {
	MethodConfig methodConfigBody `json:"methodConfig"`
	From         int64            `json:"from"`
	To           int64            `json:"to"`
	Measures     []int            `json:"measures"`
	Width        int              `json:"width"`
	Height       int              `json:"height"`
	Schema       string           `json:"schema"`
	Table        string           `json:"table"`
	Params       map[string]any   `json:"params"`
}

type queryResponse struct {
	Message      string       `json:"message"`
	QueryResults *QueryResult `json:"queryResults"`
}

// GetData implements Client.
func (m *MiddlewareClient) GetData(ctx context.Context, datasource string, req QueryRequest) (*QueryResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	body := queryEnvelope{Query: queryBody{
		MethodConfig: methodConfigBody{Key: req.MethodKey, Params: nonNil(req.InitParams)},
		From:         req.From,
		To:           req.To,
		Measures:     req.Measures,
		Width:        req.Width,
		Height:       req.Height,
		Schema:       req.Schema,
		Table:        req.Table,
		Params:       nonNil(req.Params),
	}}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	resp, err := m.do(ctx, http.MethodPost, m.endpoint("api", "data", datasource, "query"), payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapCtxErr(ctx, fmt.Errorf("read response: %w", err))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var qr queryResponse
	if err := json.Unmarshal(raw, &qr); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	if qr.QueryResults == nil {
		return nil, nil
	}
	if qr.QueryResults.Data == nil {
		qr.QueryResults.Data = map[int][]Point{}
	}
	return qr.QueryResults, nil
}

// GetMetadata implements Client.
func (m *MiddlewareClient) GetMetadata(ctx context.Context, datasource, schema, table string) (*Metadata, error) {
	resp, err := m.do(ctx, http.MethodGet, m.endpoint("api", "data", datasource, "dataset", schema, table), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapCtxErr(ctx, fmt.Errorf("read response: %w", err))
	}

	md, err := m.parseMetadata(raw)
	if err != nil {
		return nil, err
	}
	md.Schema = schema
	md.Table = table
	return md, nil
}

func (m *MiddlewareClient) parseMetadata(raw []byte) (*Metadata, error) {
	measuresPath := m.MeasuresPath
	if measuresPath == "" {
		measuresPath = "header"
	}
	fromPath := m.FromPath
	if fromPath == "" {
		fromPath = "timeRange.from"
	}
	toPath := m.ToPath
	if toPath == "" {
		toPath = "timeRange.to"
	}

	measures := gjson.GetBytes(raw, measuresPath)
	if !measures.Exists() {
		return nil, fmt.Errorf("measures path %q not found in metadata", measuresPath)
	}

	md := &Metadata{}
	for i, item := range measures.Array() {
		if item.IsObject() {
			name := item.Get("name").String()
			id := i
			if v := item.Get("id"); v.Exists() {
				id = int(v.Int())
			}
			md.Measures = append(md.Measures, Measure{ID: id, Name: name})
			continue
		}
		md.Measures = append(md.Measures, Measure{ID: i, Name: item.String()})
	}

	from, err := parseEpochMillis(gjson.GetBytes(raw, fromPath))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fromPath, err)
	}
	to, err := parseEpochMillis(gjson.GetBytes(raw, toPath))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", toPath, err)
	}
	md.TimeRange = TimeRange{From: from, To: to}

	if m.SamplingIntervalPath != "" {
		if v := gjson.GetBytes(raw, m.SamplingIntervalPath); v.Exists() && v.Type == gjson.Number {
			md.SamplingInterval = v.Int()
		}
	}

	return md, nil
}

// parseEpochMillis accepts epoch milliseconds or an RFC3339 timestamp.
func parseEpochMillis(v gjson.Result) (int64, error) {
	if !v.Exists() {
		return 0, errors.New("value not found")
	}
	switch v.Type {
	case gjson.Number:
		return v.Int(), nil
	case gjson.String:
		ts, err := time.Parse(time.RFC3339, v.String())
		if err != nil {
			return 0, err
		}
		return ts.UnixMilli(), nil
	default:
		return 0, fmt.Errorf("unsupported timestamp type %s", v.Type)
	}
}

// GetMethodConfigurations implements Client.
func (m *MiddlewareClient) GetMethodConfigurations(ctx context.Context) (Catalog, error) {
	resp, err := m.do(ctx, http.MethodGet, m.endpoint("api", "method-configurations"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var catalog Catalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, wrapCtxErr(ctx, fmt.Errorf("decode method configurations: %w", err))
	}
	return catalog, nil
}

// ClearCache implements Client.
func (m *MiddlewareClient) ClearCache(ctx context.Context, datasource string) error {
	resp, err := m.do(ctx, http.MethodPost, m.endpoint("api", "data", datasource, "clear_cache"), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	return nil
}

func (m *MiddlewareClient) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return m.BaseURL + "/" + strings.Join(escaped, "/")
}

func (m *MiddlewareClient) do(ctx context.Context, method, target string, payload []byte) (*http.Response, error) {
	if m.BaseURL == "" {
		return nil, errors.New("middleware client: BaseURL is required")
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range m.Headers {
		req.Header.Set(k, v)
	}

	cli := m.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 30 * time.Second}
	}

	resp, err := cli.Do(req)
	if err != nil {
		return nil, wrapCtxErr(ctx, fmt.Errorf("http request: %w", err))
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
