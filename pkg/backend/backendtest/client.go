// Package backendtest provides an in-memory backend.Client for tests.
package backendtest

import (
	"context"
	"math"
	"sync"

	"github.com/HatiCode/vizbench/pkg/backend"
)

// Call records one GetData invocation.
type Call struct {
	Datasource string
	Request    backend.QueryRequest
}

// Client is a scriptable backend.Client. The zero value answers every query
// with Series and reports no metadata.
type Client struct {
	Meta    *backend.Metadata
	Methods backend.Catalog

	// Data answers GetData. Nil answers with Series(req).
	Data func(ctx context.Context, req backend.QueryRequest) (*backend.QueryResult, error)

	mu     sync.Mutex
	calls  []Call
	clears int
}

var _ backend.Client = (*Client)(nil)

func (c *Client) Name() string { return "fake" }

func (c *Client) GetMetadata(ctx context.Context, datasource, schema, table string) (*backend.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.ErrCancelled
	}
	if c.Meta == nil {
		return nil, nil
	}
	m := *c.Meta
	m.Schema, m.Table = schema, table
	return &m, nil
}

func (c *Client) GetData(ctx context.Context, datasource string, req backend.QueryRequest) (*backend.QueryResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Datasource: datasource, Request: req})
	c.mu.Unlock()

	if c.Data != nil {
		return c.Data(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, backend.ErrCancelled
	}
	return Series(req), nil
}

func (c *Client) GetMethodConfigurations(ctx context.Context) (backend.Catalog, error) {
	return c.Methods, nil
}

func (c *Client) ClearCache(ctx context.Context, datasource string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	return nil
}

// Calls returns every GetData call so far.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// Clears returns how many times ClearCache was called.
func (c *Client) Clears() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

// Series builds a deterministic result with one sine wave per requested
// measure and one point per pixel column.
func Series(req backend.QueryRequest) *backend.QueryResult {
	n := max(req.Width, 2)
	span := req.To - req.From
	res := &backend.QueryResult{
		Data:      make(map[int][]backend.Point, len(req.Measures)),
		TimeRange: backend.TimeRange{From: req.From, To: req.To},
		QueryTime: 0.01,
		IOCount:   int64(n * len(req.Measures)),
	}
	for _, id := range req.Measures {
		pts := make([]backend.Point, n)
		for i := range pts {
			pts[i] = backend.Point{
				Timestamp: req.From + span*int64(i)/int64(n-1),
				Value:     float64(id+1) * math.Sin(float64(i)/float64(n)*4*math.Pi),
			}
		}
		res.Data[id] = pts
	}
	return res
}
