// Package scenario replays a scripted sequence of interactions against a
// session so benchmark runs can be repeated without a client.
//
// A scenario file looks like:
//
//	dataset:
//	  schema: public
//	  table: intel_lab
//	canvas: {width: 1000, height: 600}
//	measures: [temp, humidity]
//	quality: true
//	instances:
//	  - method: MinMaxCache
//	    initParams: {aggFactor: 4}
//	    queryParams: {accuracy: 0.9}
//	steps:
//	  - name: first hour
//	    range: {from: 1078012800000, to: 1078016400000}
//	  - pan: 0.5
//	  - zoom: 2
//	  - wait: 500ms
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HatiCode/vizbench/pkg/backend"
	"github.com/HatiCode/vizbench/pkg/orchestrator"
	"github.com/HatiCode/vizbench/pkg/scoring"
)

// Dataset names the table to load before the first step.
type Dataset struct {
	Schema string `yaml:"schema"`
	Table  string `yaml:"table"`
}

// Instance is a method instance created before the first step.
type Instance struct {
	Method      string         `yaml:"method"`
	InitParams  map[string]any `yaml:"initParams"`
	QueryParams map[string]any `yaml:"queryParams"`
}

// Step is one interaction. Exactly one of Range, Pan, Zoom or Wait is set.
type Step struct {
	Name  string             `yaml:"name"`
	Range *backend.TimeRange `yaml:"range"`
	// Pan shifts the visible window by a fraction of its width.
	Pan *float64 `yaml:"pan"`
	// Zoom scales the window around its center; 2 halves the width.
	Zoom *float64      `yaml:"zoom"`
	Wait time.Duration `yaml:"wait"`
}

func (s Step) label(i int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("step %d", i+1)
}

// Scenario is a parsed scenario file.
type Scenario struct {
	Dataset   *Dataset             `yaml:"dataset"`
	Canvas    *orchestrator.Canvas `yaml:"canvas"`
	Measures  []string             `yaml:"measures"`
	Instances []Instance           `yaml:"instances"`
	Quality   bool                 `yaml:"quality"`
	Steps     []Step               `yaml:"steps"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario YAML: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks the scenario shape.
func (sc *Scenario) Validate() error {
	if sc.Dataset != nil && (sc.Dataset.Schema == "" || sc.Dataset.Table == "") {
		return errors.New("dataset requires schema and table")
	}
	if len(sc.Measures) == 0 {
		return errors.New("scenario must select at least one measure")
	}
	for i, inst := range sc.Instances {
		if inst.Method == "" {
			return fmt.Errorf("instance %d: method is required", i+1)
		}
	}
	if len(sc.Steps) == 0 {
		return errors.New("scenario has no steps")
	}
	for i, st := range sc.Steps {
		actions := 0
		if st.Range != nil {
			actions++
			if !st.Range.Valid() {
				return fmt.Errorf("%s: invalid range [%d, %d]", st.label(i), st.Range.From, st.Range.To)
			}
		}
		if st.Pan != nil {
			actions++
		}
		if st.Zoom != nil {
			actions++
			if *st.Zoom <= 0 {
				return fmt.Errorf("%s: zoom factor must be positive", st.label(i))
			}
		}
		if st.Wait != 0 {
			actions++
			if st.Wait < 0 {
				return fmt.Errorf("%s: wait must be positive", st.label(i))
			}
		}
		if actions != 1 {
			return fmt.Errorf("%s: exactly one of range, pan, zoom or wait is required", st.label(i))
		}
	}
	return nil
}

// StepResult is the outcome of one replayed step.
type StepResult struct {
	Step        string            `json:"step"`
	OperationID string            `json:"operationId,omitempty"`
	TimeRange   backend.TimeRange `json:"timeRange"`
	Duration    time.Duration     `json:"duration"`
	Scores      scoring.Scores    `json:"scores,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Report lists the step outcomes in replay order. The first entry is the
// setup operation.
type Report struct {
	Steps []StepResult `json:"steps"`
}

// Replay applies the scenario to s, flushing the debounced operation after
// each step. Failed operations do not stop the replay; their errors are
// joined into the returned error. A cancelled ctx stops the replay.
func Replay(ctx context.Context, s *orchestrator.Session, sc *Scenario, logger *slog.Logger) (*Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := setup(ctx, s, sc, logger); err != nil {
		return nil, err
	}

	report := &Report{}
	var errs []error

	record := func(name string, start time.Time, ran bool) {
		res := StepResult{Step: name, TimeRange: s.TimeRange(), Duration: time.Since(start)}
		if ran {
			res.OperationID = s.OperationID()
			if err := s.LastError(); err != nil {
				res.Error = err.Error()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			if sc.Quality {
				res.Scores, _ = s.Scores()
			}
		}
		report.Steps = append(report.Steps, res)
		logger.Info("scenario step finished",
			"step", name,
			"operation_id", res.OperationID,
			"from", res.TimeRange.From,
			"to", res.TimeRange.To,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}

	start := time.Now()
	flush(s)
	record("setup", start, true)

	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		name := st.label(i)
		start := time.Now()

		if st.Wait > 0 {
			select {
			case <-time.After(st.Wait):
			case <-ctx.Done():
				return report, ctx.Err()
			}
			record(name, start, false)
			continue
		}

		if err := s.SetTimeRange(next(s.TimeRange(), st)); err != nil {
			return report, fmt.Errorf("%s: %w", name, err)
		}
		flush(s)
		record(name, start, true)
	}

	return report, errors.Join(errs...)
}

// flush runs the pending operation. Its error is read back through
// LastError so a step without a pending operation reports the last one.
func flush(s *orchestrator.Session) {
	_ = s.Flush()
}

func setup(ctx context.Context, s *orchestrator.Session, sc *Scenario, logger *slog.Logger) error {
	if sc.Dataset != nil {
		if err := s.SetDataset(ctx, sc.Dataset.Schema, sc.Dataset.Table); err != nil {
			return fmt.Errorf("loading scenario dataset: %w", err)
		}
	}
	if sc.Canvas != nil {
		if err := s.SetCanvas(*sc.Canvas); err != nil {
			return fmt.Errorf("setting scenario canvas: %w", err)
		}
	}
	if err := s.SetMeasuresByName(sc.Measures); err != nil {
		return fmt.Errorf("selecting scenario measures: %w", err)
	}
	for _, spec := range sc.Instances {
		inst, err := s.AddInstance(spec.Method, spec.InitParams)
		if err != nil {
			return fmt.Errorf("creating %s instance: %w", spec.Method, err)
		}
		if len(spec.QueryParams) > 0 {
			if err := s.SetQueryParams(inst.ID, spec.QueryParams); err != nil {
				return fmt.Errorf("setting query params of %s: %w", inst.ID, err)
			}
		}
	}
	if sc.Quality {
		if err := s.EnableQuality(ctx, true); err != nil {
			return fmt.Errorf("enabling quality scoring: %w", err)
		}
	}
	logger.Info("scenario ready",
		"measures", len(sc.Measures),
		"instances", len(s.Selection()),
		"steps", len(sc.Steps),
	)
	return nil
}

// next returns the window a step asks for. Pan and zoom work on the
// current window; the session clamps the result to the dataset bounds.
func next(cur backend.TimeRange, st Step) backend.TimeRange {
	width := cur.To - cur.From
	switch {
	case st.Range != nil:
		return *st.Range
	case st.Pan != nil:
		shift := int64(float64(width) * *st.Pan)
		return backend.TimeRange{From: cur.From + shift, To: cur.To + shift}
	case st.Zoom != nil:
		center := cur.From + width/2
		half := max(int64(float64(width) / *st.Zoom / 2), 1)
		return backend.TimeRange{From: center - half, To: center + half}
	default:
		return cur
	}
}
