package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/HatiCode/vizbench/pkg/backend"
	"github.com/HatiCode/vizbench/pkg/baseline"
	"github.com/HatiCode/vizbench/pkg/fetch"
	"github.com/HatiCode/vizbench/pkg/history"
	"github.com/HatiCode/vizbench/pkg/methods"
	"github.com/HatiCode/vizbench/pkg/scoring"
)

// requestSize returns the width and height sent to the backend: the canvas
// minus margins, with the height split across measures and instances.
func (s *Session) requestSize(c Canvas, measures, selected int) (int, int) {
	m := s.margins
	width := max(c.Width-m.Left-m.Right, 1)
	height := max(c.Height/max(measures, 1)/max(selected, 1)-m.Top-m.Bottom, 1)
	return width, height
}

// runOperation fetches every selected instance in selection order under a
// fresh operation id, renders the results and refreshes quality scores.
func (s *Session) runOperation(ctx context.Context) error {
	start := time.Now()
	opID := uuid.NewString()

	s.mu.Lock()
	meta := s.metadata
	if meta == nil {
		s.mu.Unlock()
		return ErrNoMetadata
	}
	s.operationID = opID
	selection := slices.Clone(s.selection)
	measures := slices.Clone(s.measures)
	canvas := s.canvas
	requested := s.timeRange
	schema, table := s.schema, s.table
	renderer := s.renderer
	s.mu.Unlock()

	if len(selection) == 0 || len(measures) == 0 {
		s.logger.Debug("nothing to fetch",
			"operation_id", opID,
			"instances", len(selection),
			"measures", len(measures),
		)
		return nil
	}

	width, height := s.requestSize(canvas, len(measures), len(selection))
	s.publish(Event{Type: EventOperationStarted, OperationID: opID, Data: selection})

	var (
		errs    []error
		settled []string
		tr      = requested
	)
	for _, id := range selection {
		if ctx.Err() != nil {
			s.logger.Debug("operation superseded", "operation_id", opID)
			break
		}
		if !s.selected(id) {
			s.logger.Debug("skipping deselected instance", "operation_id", opID, "instance_id", id)
			continue
		}
		inst, ok := s.registry.Get(id)
		if !ok {
			continue
		}

		tr = s.clamp(opID, requested, meta.TimeRange)
		req := backend.QueryRequest{
			MethodKey:  id,
			InitParams: inst.InitParams,
			Measures:   measures,
			From:       tr.From,
			To:         tr.To,
			Width:      width,
			Height:     height,
			Schema:     schema,
			Table:      table,
			Params:     s.registry.QueryParams(id),
		}

		res, err := s.fetchInstance(ctx, opID, inst, req)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res != nil {
			settled = append(settled, id)
		}
	}

	if len(settled) > 0 && renderer != nil {
		s.ReportRendering(opID, s.render(renderer, settled, measures, canvas, tr))
	}

	if s.QualityEnabled() && ctx.Err() == nil {
		if err := s.refreshQuality(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	elapsed := time.Since(start)
	if m := s.metricsSink(); m != nil {
		m.RecordOperation(elapsed, len(errs))
		m.SetHistorySize(s.history.Len())
	}

	s.logger.Info("operation finished",
		"operation_id", opID,
		"instances", len(selection),
		"settled", len(settled),
		"failed", len(errs),
		"duration_ms", elapsed.Milliseconds(),
	)
	s.publish(Event{
		Type:        EventOperationFinished,
		OperationID: opID,
		Data:        map[string]int{"settled": len(settled), "failed": len(errs)},
	})
	return errors.Join(errs...)
}

// clamp restricts the requested window to the dataset bounds. When either
// side moves the visible range is updated to match, without scheduling a
// new operation.
func (s *Session) clamp(opID string, requested, bounds backend.TimeRange) backend.TimeRange {
	tr, fromClamped, toClamped := requested.Clamp(bounds)
	if !fromClamped && !toClamped {
		return tr
	}
	if !tr.Valid() {
		tr = bounds
	}

	s.mu.Lock()
	s.timeRange = tr
	s.mu.Unlock()

	s.logger.Debug("time range clamped to dataset bounds",
		"operation_id", opID,
		"requested_from", requested.From,
		"requested_to", requested.To,
		"from", tr.From,
		"to", tr.To,
	)
	s.publish(Event{Type: EventTimeRange, OperationID: opID, Data: tr})
	return tr
}

// fetchInstance runs one exclusive fetch. Cancellation, empty answers and
// results arriving after the instance left the selection return a nil
// result and a nil error.
func (s *Session) fetchInstance(ctx context.Context, opID string, inst methods.Instance, req backend.QueryRequest) (*backend.QueryResult, error) {
	id := inst.ID
	s.setState(id, StateFetching)

	start := time.Now()
	kept := false
	res, ok, err := fetch.Run(s.fetches, ctx, id,
		func(ctx context.Context) (*backend.QueryResult, error) {
			return s.client.GetData(ctx, s.cfg.Datasource, req)
		},
		func(res *backend.QueryResult) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if !slices.Contains(s.selection, id) {
				return
			}
			kept = true
			if res != nil {
				s.results[id] = res
				s.markChangedLocked()
			}
		},
	)
	ok = ok && kept
	latency := time.Since(start)
	m := s.metricsSink()

	switch {
	case err != nil:
		s.setState(id, StateFailed)
		if m != nil {
			m.RecordFetch(id, "error", latency)
		}
		err = fmt.Errorf("fetching %s: %w", id, err)
		s.logger.Error("fetch failed",
			"operation_id", opID,
			"instance_id", id,
			"error", err,
		)
		s.publish(Event{Type: EventNotification, OperationID: opID, InstanceID: id, Message: err.Error()})
		return nil, err

	case !ok:
		s.setState(id, StateCancelled)
		if m != nil {
			m.RecordFetch(id, "cancelled", latency)
		}
		s.logger.Debug("fetch cancelled", "operation_id", opID, "instance_id", id)
		return nil, nil

	case res == nil:
		s.setState(id, StateSettled)
		if m != nil {
			m.RecordFetch(id, "empty", latency)
		}
		s.logger.Debug("backend returned no content", "operation_id", opID, "instance_id", id)
		return nil, nil
	}

	total := durationMs(latency)
	query := res.QueryTime * 1000
	perf := history.Performance{
		Total:      total,
		Query:      query,
		Networking: total - query,
		IOCount:    res.IOCount,
	}
	s.history.Append(history.Entry{
		Query:       req,
		InstanceID:  id,
		Method:      inst.Method,
		Results:     res,
		Performance: perf,
		OperationID: opID,
	})
	s.setState(id, StateSettled)
	if m != nil {
		m.RecordFetch(id, "ok", latency)
	}

	s.logger.Debug("fetch settled",
		"operation_id", opID,
		"instance_id", id,
		"duration_ms", latency.Milliseconds(),
		"io_count", res.IOCount,
	)
	s.publish(Event{Type: EventResult, OperationID: opID, InstanceID: id, Data: perf})
	return res, nil
}

// render times the renderer for each settled instance.
func (s *Session) render(r Renderer, ids []string, measures []int, c Canvas, tr backend.TimeRange) map[string]time.Duration {
	out := make(map[string]time.Duration, len(ids))
	for _, id := range ids {
		res := s.Result(id)
		if res == nil {
			continue
		}
		start := time.Now()
		if err := r.Render(id, res, measures, c, tr); err != nil {
			s.logger.Warn("render failed", "instance_id", id, "error", err)
			continue
		}
		out[id] = time.Since(start)
	}
	return out
}

// refreshQuality ensures the reference baseline for the current view and
// rescores every selected instance against it.
func (s *Session) refreshQuality(ctx context.Context) error {
	ref := s.registry.Reference()
	if ref == "" {
		return nil
	}
	inst, ok := s.registry.Get(ref)
	if !ok {
		return nil
	}

	s.mu.RLock()
	meta := s.metadata
	measures := slices.Clone(s.measures)
	selection := slices.Clone(s.selection)
	canvas := s.canvas
	tr := s.timeRange
	schema, table := s.schema, s.table
	results := maps.Clone(s.results)
	version := s.version
	s.mu.RUnlock()

	if meta == nil || len(measures) == 0 {
		return nil
	}
	tr, _, _ = tr.Clamp(meta.TimeRange)

	width, height := s.requestSize(canvas, len(measures), len(selection))
	b, err := s.baselines.Ensure(ctx, baseline.Request{
		Datasource: s.cfg.Datasource,
		InstanceID: ref,
		InitParams: inst.InitParams,
		Params:     s.registry.QueryParams(ref),
		Schema:     schema,
		Table:      table,
		From:       tr.From,
		To:         tr.To,
		Measures:   measures,
		Width:      width,
		Height:     height,
	})
	if err != nil {
		err = fmt.Errorf("reference baseline: %w", err)
		s.logger.Error("reference fetch failed", "instance_id", ref, "error", err)
		s.publish(Event{Type: EventNotification, InstanceID: ref, Message: err.Error()})
		return err
	}
	if b == nil {
		return nil
	}

	scores := s.scorer.ScoreAll(scoring.Input{
		Instances: selection,
		Skip:      ref,
		Results:   results,
		Baseline:  b,
		Measures:  measures,
		Width:     canvas.Width,
		Height:    canvas.Height / len(measures),
	})

	s.mu.Lock()
	if !s.quality {
		s.mu.Unlock()
		return nil
	}
	s.scores = scores
	s.scoresStale = s.version != version
	s.mu.Unlock()

	if m := s.metricsSink(); m != nil {
		for id, byMeasure := range scores {
			for idx, v := range byMeasure {
				m.RecordScore(id, idx, v)
			}
		}
	}
	s.publish(Event{Type: EventScores, Data: scores})
	return nil
}
