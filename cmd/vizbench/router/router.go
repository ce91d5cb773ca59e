// Package router configures the HTTP API of the vizbench service.
//
// Routes configured:
//   - GET  /api/session - Session state: dataset, range, measures, selection, instances
//   - PUT  /api/session/{range,measures,selection,canvas,dataset} - Change session inputs
//   - POST /api/session/instances - Create a method instance
//   - DELETE /api/session/instances/{id} - Remove a method instance
//   - PUT  /api/session/instances/{id}/params - Merge query parameters
//   - PUT  /api/session/quality - Toggle quality scoring
//   - POST /api/session/flush - Run the pending operation now
//   - GET  /api/results, /api/scores, /api/methods - Latest results, SSIM scores, method catalog
//   - GET  /api/history?view=latest|recent|all, /api/history/summary?quantile=p95&scope=session|previous, /api/history/export
//   - GET  /api/charts/{id} - PNG chart of an instance's latest result
//   - POST /api/cache/clear - Clear the backend cache
//   - GET  /events - Websocket stream of session events
//   - GET  /healthz, /metrics
//
// Input changes are debounced by the session, so PUT handlers answer 202
// Accepted before the resulting operation runs.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/vizbench/pkg/backend"
	"github.com/HatiCode/vizbench/pkg/history"
	"github.com/HatiCode/vizbench/pkg/httpx"
	"github.com/HatiCode/vizbench/pkg/methods"
	"github.com/HatiCode/vizbench/pkg/orchestrator"
)

const (
	apiTimeout    = 60 * time.Second
	backendWindow = 30 * time.Second
)

// ChartSource holds the latest PNG chart of each instance.
type ChartSource interface {
	Chart(instanceID string) ([]byte, bool)
	Forget(instanceID string)
	Reset()
}

// Options wires the router to the running service.
type Options struct {
	Session *orchestrator.Session
	// Charts is optional; without it /api/charts answers 404.
	Charts ChartSource
	// Events serves /events; nil disables the route.
	Events http.Handler
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Ready reports backend health for /healthz.
	Ready func() error
	// Previous holds the entries of earlier runs read from the history
	// database. It backs /api/history/summary?scope=previous.
	Previous *history.Store
	Logger   *slog.Logger
}

type api struct {
	session  *orchestrator.Session
	charts   ChartSource
	previous *history.Store
	logger   *slog.Logger
}

// SetupRoutes builds the chi router.
func SetupRoutes(opts Options) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{session: opts.Session, charts: opts.Charts, previous: opts.Previous, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httpx.LoggingMiddleware(logger))
	r.Use(httpx.RecoveryMiddleware(logger))

	r.Get("/healthz", httpx.HealthHandlerWithCheck(opts.Ready))

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if opts.Events != nil {
		r.Handle("/events", opts.Events)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(apiTimeout))

		r.Route("/session", func(r chi.Router) {
			r.Get("/", a.getSession)
			r.Put("/range", a.putRange)
			r.Put("/measures", a.putMeasures)
			r.Put("/selection", a.putSelection)
			r.Put("/canvas", a.putCanvas)
			r.Put("/dataset", a.putDataset)
			r.Put("/quality", a.putQuality)
			r.Post("/flush", a.flush)

			r.Post("/instances", a.addInstance)
			r.Delete("/instances/{id}", a.removeInstance)
			r.Put("/instances/{id}/params", a.putParams)
		})

		r.Get("/results", a.getResults)
		r.Get("/scores", a.getScores)
		r.Get("/methods", a.getMethods)
		r.Get("/charts/{id}", a.getChart)
		r.Post("/cache/clear", a.clearCache)

		r.Get("/history", a.getHistory)
		r.Get("/history/summary", a.getHistorySummary)
		r.Get("/history/export", a.exportHistory)
	})

	return r
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRange),
		errors.Is(err, orchestrator.ErrInvalidCanvas),
		errors.Is(err, orchestrator.ErrUnknownMeasure),
		errors.Is(err, methods.ErrInvalidParam),
		errors.Is(err, methods.ErrUnknownMethod):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrUnknownInstance):
		return http.StatusNotFound
	case errors.Is(err, methods.ErrDuplicateInstance),
		errors.Is(err, orchestrator.ErrNoMetadata):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	httpx.WriteError(w, status, err)
}

func (a *api) accepted(w http.ResponseWriter) {
	a.writeJSON(w, http.StatusAccepted, map[string]bool{"pending": a.session.Pending()})
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	if err := httpx.WriteJSON(w, status, v); err != nil {
		a.logger.Error("failed to write response", "error", err)
	}
}

type datasetView struct {
	Schema   string            `json:"schema"`
	Table    string            `json:"table"`
	Metadata *backend.Metadata `json:"metadata,omitempty"`
}

type instanceView struct {
	methods.Instance
	Label       string         `json:"label"`
	Reference   bool           `json:"reference"`
	Selected    bool           `json:"selected"`
	State       string         `json:"state"`
	QueryParams map[string]any `json:"queryParams"`
}

type sessionView struct {
	Dataset     datasetView         `json:"dataset"`
	TimeRange   backend.TimeRange   `json:"timeRange"`
	Measures    []int               `json:"measures"`
	Selection   []string            `json:"selection"`
	Canvas      orchestrator.Canvas `json:"canvas"`
	Instances   []instanceView      `json:"instances"`
	Quality     bool                `json:"quality"`
	OperationID string              `json:"operationId,omitempty"`
	Pending     bool                `json:"pending"`
	InFlight    int                 `json:"inFlight"`
	LastError   string              `json:"lastError,omitempty"`
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	s := a.session
	schema, table := s.Dataset()
	selection := s.Selection()
	selected := make(map[string]bool, len(selection))
	for _, id := range selection {
		selected[id] = true
	}

	reg := s.Registry()
	insts := s.Instances()
	views := make([]instanceView, 0, len(insts))
	for _, inst := range insts {
		views = append(views, instanceView{
			Instance:    inst,
			Label:       reg.Label(inst.ID),
			Reference:   reg.IsReference(inst.ID),
			Selected:    selected[inst.ID],
			State:       s.State(inst.ID).String(),
			QueryParams: reg.QueryParams(inst.ID),
		})
	}

	view := sessionView{
		Dataset:     datasetView{Schema: schema, Table: table, Metadata: s.Metadata()},
		TimeRange:   s.TimeRange(),
		Measures:    s.Measures(),
		Selection:   selection,
		Canvas:      s.Canvas(),
		Instances:   views,
		Quality:     s.QualityEnabled(),
		OperationID: s.OperationID(),
		Pending:     s.Pending(),
		InFlight:    s.InFlight(),
	}
	if err := s.LastError(); err != nil {
		view.LastError = err.Error()
	}
	a.writeJSON(w, http.StatusOK, view)
}

func (a *api) putRange(w http.ResponseWriter, r *http.Request) {
	var tr backend.TimeRange
	if err := httpx.DecodeJSON(r, &tr); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.session.SetTimeRange(tr); err != nil {
		a.fail(w, r, err)
		return
	}
	a.accepted(w)
}

type measuresBody struct {
	IDs   []int    `json:"ids,omitempty"`
	Names []string `json:"names,omitempty"`
}

func (a *api) putMeasures(w http.ResponseWriter, r *http.Request) {
	var body measuresBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	var err error
	if len(body.Names) > 0 {
		err = a.session.SetMeasuresByName(body.Names)
	} else {
		err = a.session.SetMeasures(body.IDs)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.accepted(w)
}

func (a *api) putSelection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Instances []string `json:"instances"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.session.SetSelection(body.Instances); err != nil {
		a.fail(w, r, err)
		return
	}
	a.accepted(w)
}

func (a *api) putCanvas(w http.ResponseWriter, r *http.Request) {
	var c orchestrator.Canvas
	if err := httpx.DecodeJSON(r, &c); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.session.SetCanvas(c); err != nil {
		a.fail(w, r, err)
		return
	}
	a.accepted(w)
}

func (a *api) putDataset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Schema string `json:"schema"`
		Table  string `json:"table"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if body.Schema == "" || body.Table == "" {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "schema and table are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), backendWindow)
	defer cancel()

	if err := a.session.SetDataset(ctx, body.Schema, body.Table); err != nil {
		a.fail(w, r, err)
		return
	}
	if a.charts != nil {
		a.charts.Reset()
	}
	a.writeJSON(w, http.StatusOK, datasetView{Schema: body.Schema, Table: body.Table, Metadata: a.session.Metadata()})
}

func (a *api) putQuality(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), backendWindow)
	defer cancel()

	if err := a.session.EnableQuality(ctx, body.Enabled); err != nil {
		a.fail(w, r, err)
		return
	}
	a.getScores(w, r)
}

func (a *api) flush(w http.ResponseWriter, r *http.Request) {
	if err := a.session.Flush(); err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"operationId": a.session.OperationID()})
}

type addInstanceBody struct {
	Method     string         `json:"method"`
	InitParams map[string]any `json:"initParams,omitempty"`
}

func (a *api) addInstance(w http.ResponseWriter, r *http.Request) {
	var body addInstanceBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	inst, err := a.session.AddInstance(body.Method, body.InitParams)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, instanceView{
		Instance:    inst,
		Label:       a.session.Registry().Label(inst.ID),
		Selected:    true,
		State:       a.session.State(inst.ID).String(),
		QueryParams: a.session.Registry().QueryParams(inst.ID),
	})
}

func (a *api) removeInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.session.RemoveInstance(id); err != nil {
		a.fail(w, r, err)
		return
	}
	if a.charts != nil {
		a.charts.Forget(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) putParams(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if err := httpx.DecodeJSON(r, &params); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.session.SetQueryParams(chi.URLParam(r, "id"), params); err != nil {
		a.fail(w, r, err)
		return
	}
	a.accepted(w)
}

func (a *api) getResults(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"timeRange": a.session.TimeRange(),
		"measures":  a.session.Measures(),
		"results":   a.session.Results(),
		"states":    a.session.States(),
	})
}

func (a *api) getScores(w http.ResponseWriter, r *http.Request) {
	scores, stale := a.session.Scores()
	a.writeJSON(w, http.StatusOK, map[string]any{
		"enabled": a.session.QualityEnabled(),
		"stale":   stale,
		"scores":  scores,
	})
}

func (a *api) getMethods(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.session.Registry().Catalog())
}

func (a *api) getChart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if a.charts == nil {
		httpx.WriteErrorMessage(w, http.StatusNotFound, "charts are not enabled")
		return
	}
	png, ok := a.charts.Chart(id)
	if !ok {
		httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("no chart for instance %q", id))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(png); err != nil {
		a.logger.Error("failed to write chart", "instance_id", id, "error", err)
	}
}

func (a *api) clearCache(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), backendWindow)
	defer cancel()

	if err := a.session.ClearCache(ctx); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type groupView struct {
	OperationID string                    `json:"operationId"`
	TotalTime   float64                   `json:"totalTime"`
	TotalIO     int64                     `json:"totalIO"`
	Instances   []history.InstanceSummary `json:"instances"`
	Entries     []history.Entry           `json:"entries"`
}

func (a *api) getHistory(w http.ResponseWriter, r *http.Request) {
	view, err := history.ParseView(r.URL.Query().Get("view"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	groups := a.session.History().View(view)
	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupView{
			OperationID: g.OperationID,
			TotalTime:   g.TotalTime(),
			TotalIO:     g.TotalIO(),
			Instances:   g.ByInstance(),
			Entries:     g.Entries,
		})
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *api) getHistorySummary(w http.ResponseWriter, r *http.Request) {
	var store *history.Store
	switch scope := r.URL.Query().Get("scope"); scope {
	case "", "session":
		store = a.session.History()
	case "previous":
		if a.previous == nil {
			httpx.WriteError(w, http.StatusNotFound, errors.New("no history database configured"))
			return
		}
		store = a.previous
	default:
		httpx.WriteError(w, http.StatusBadRequest, fmt.Errorf("unknown history scope %q", scope))
		return
	}

	raw := r.URL.Query().Get("quantile")
	if raw == "" {
		a.writeJSON(w, http.StatusOK, store.ByInstance())
		return
	}
	q, err := history.ParseQuantile(raw)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("X-Quantile", history.FormatQuantile(q))
	a.writeJSON(w, http.StatusOK, store.ByInstanceQuantile(q))
}

func (a *api) exportHistory(w http.ResponseWriter, r *http.Request) {
	store := a.session.History()
	switch r.URL.Query().Get("compress") {
	case "":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="history.csv"`)
		if err := store.Export(w); err != nil {
			a.logger.Error("history export failed", "error", err)
		}
	case "zstd":
		w.Header().Set("Content-Type", "application/zstd")
		w.Header().Set("Content-Disposition", `attachment; filename="history.csv.zst"`)
		if err := store.ExportCompressed(w); err != nil {
			a.logger.Error("history export failed", "error", err)
		}
	default:
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "compress must be empty or zstd")
	}
}
