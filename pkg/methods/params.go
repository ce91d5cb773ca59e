package methods

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/HatiCode/vizbench/pkg/backend"
)

// Defaults returns every parameter's default value.
func Defaults(specs map[string]backend.ParamSpec) map[string]any {
	out := make(map[string]any, len(specs))
	for k, spec := range specs {
		out[k] = spec.Default
	}
	return out
}

// Normalize validates params against specs and returns a new map with
// numeric parameters converted to float64. Missing parameters take their
// default. Parameters without a spec are kept unchanged.
func Normalize(specs map[string]backend.ParamSpec, params map[string]any) (map[string]any, error) {
	out := Defaults(specs)
	for k, v := range params {
		spec, ok := specs[k]
		if !ok || spec.Type != "number" {
			out[k] = v
			continue
		}
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParam, k, err)
		}
		if spec.Min != nil && f < *spec.Min {
			return nil, fmt.Errorf("%w: %s=%g below minimum %g", ErrInvalidParam, k, f, *spec.Min)
		}
		if spec.Max != nil && f > *spec.Max {
			return nil, fmt.Errorf("%w: %s=%g above maximum %g", ErrInvalidParam, k, f, *spec.Max)
		}
		out[k] = f
	}
	for k, spec := range specs {
		if spec.Type != "number" {
			continue
		}
		if f, err := toFloat(out[k]); err == nil {
			out[k] = f
		}
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, err
		}
	case string:
		var err error
		if f, err = strconv.ParseFloat(n, 64); err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %v", v)
	}
	return f, nil
}
