package methods

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/HatiCode/vizbench/pkg/backend"
)

func ptr(f float64) *float64 { return &f }

func testCatalog() backend.Catalog {
	return backend.Catalog{
		"M4": {
			Description: "min/max/first/last per pixel column",
			QueryParams: map[string]backend.ParamSpec{},
		},
		"MinMaxCache": {
			InitParams: map[string]backend.ParamSpec{
				"aggFactor": {Label: "Aggregation factor", Type: "number", Default: 4.0, Min: ptr(1), Max: ptr(16)},
				"mode":      {Label: "Mode", Type: "string", Default: "fast"},
			},
			QueryParams: map[string]backend.ParamSpec{
				"accuracy": {Label: "Accuracy", Type: "number", Default: 0.95, Min: ptr(0), Max: ptr(1), Step: ptr(0.01)},
			},
		},
	}
}

func fixedClock(r *Registry, t time.Time) {
	r.now = func() time.Time { return t }
}

func TestRegistry_Add(t *testing.T) {
	r := NewRegistry(testCatalog())
	now := time.UnixMilli(1700000000000)
	fixedClock(r, now)

	inst, err := r.Add("MinMaxCache", map[string]any{"aggFactor": 8})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if inst.ID != "MinMaxCache-1700000000000" {
		t.Errorf("ID = %q", inst.ID)
	}
	if inst.InitParams["aggFactor"] != 8.0 {
		t.Errorf("aggFactor = %v (%T), want float64 8", inst.InitParams["aggFactor"], inst.InitParams["aggFactor"])
	}
	if inst.InitParams["mode"] != "fast" {
		t.Errorf("mode default not applied: %v", inst.InitParams)
	}
	if qp := r.QueryParams(inst.ID); qp["accuracy"] != 0.95 {
		t.Errorf("query param defaults = %v", qp)
	}
}

func TestRegistry_Add_IDCollision(t *testing.T) {
	r := NewRegistry(testCatalog())
	fixedClock(r, time.UnixMilli(1000))

	a, err := r.Add("MinMaxCache", map[string]any{"aggFactor": 2})
	if err != nil {
		t.Fatalf("Add a: %v", err)
	}
	b, err := r.Add("MinMaxCache", map[string]any{"aggFactor": 3})
	if err != nil {
		t.Fatalf("Add b: %v", err)
	}
	if a.ID == b.ID {
		t.Fatalf("ids collide: %s", a.ID)
	}
	if b.ID != "MinMaxCache-1001" {
		t.Errorf("bumped id = %s, want MinMaxCache-1001", b.ID)
	}
}

func TestRegistry_Add_Errors(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		params  map[string]any
		wantErr error
	}{
		{"unknown method", "Nope", nil, ErrUnknownMethod},
		{"below min", "MinMaxCache", map[string]any{"aggFactor": 0}, ErrInvalidParam},
		{"above max", "MinMaxCache", map[string]any{"aggFactor": 17}, ErrInvalidParam},
		{"not a number", "MinMaxCache", map[string]any{"aggFactor": "lots"}, ErrInvalidParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(testCatalog())
			_, err := r.Add(tt.method, tt.params)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if len(r.List()) != 0 {
				t.Error("failed Add must not register an instance")
			}
		})
	}
}

func TestRegistry_Add_Duplicate(t *testing.T) {
	r := NewRegistry(testCatalog())
	if _, err := r.Add("MinMaxCache", map[string]any{"aggFactor": 4}); err != nil {
		t.Fatalf("first Add: %v", err)
	}

	// Explicit defaults equal the implicit ones.
	_, err := r.Add("MinMaxCache", map[string]any{"aggFactor": "4", "mode": "fast"})
	if !errors.Is(err, ErrDuplicateInstance) {
		t.Errorf("err = %v, want ErrDuplicateInstance", err)
	}
	if _, err := r.Add("MinMaxCache", map[string]any{"aggFactor": 5}); err != nil {
		t.Errorf("different params must be accepted: %v", err)
	}
}

func TestRegistry_Reference(t *testing.T) {
	r := NewRegistry(testCatalog())
	ref := r.AddReference(DefaultReferenceMethod)

	if ref.ID != "M4-reference" {
		t.Errorf("reference id = %s", ref.ID)
	}
	if again := r.AddReference(DefaultReferenceMethod); again.ID != ref.ID || len(r.List()) != 1 {
		t.Error("AddReference must be idempotent")
	}
	if !r.IsReference("M4-reference") || r.IsReference("M4-1") {
		t.Error("IsReference mismatch")
	}

	// A regular M4 instance is not a duplicate of the reference.
	if _, err := r.Add("M4", nil); err != nil {
		t.Errorf("Add M4 alongside reference: %v", err)
	}

	r.Remove(ref.ID)
	if r.Reference() != "" {
		t.Error("removing the reference must clear it")
	}
}

func TestRegistry_RemoveAndList(t *testing.T) {
	r := NewRegistry(testCatalog())
	fixedClock(r, time.UnixMilli(10))
	a, _ := r.Add("MinMaxCache", map[string]any{"aggFactor": 2})
	b, _ := r.Add("M4", nil)

	if !r.Remove(a.ID) {
		t.Fatal("Remove returned false")
	}
	if r.Remove(a.ID) {
		t.Error("second Remove should return false")
	}
	list := r.List()
	if len(list) != 1 || list[0].ID != b.ID {
		t.Errorf("List = %+v", list)
	}
	if r.QueryParams(a.ID) != nil {
		t.Error("query params must be dropped with the instance")
	}
}

func TestRegistry_SetQueryParams(t *testing.T) {
	r := NewRegistry(testCatalog())
	inst, _ := r.Add("MinMaxCache", nil)

	if err := r.SetQueryParams(inst.ID, map[string]any{"accuracy": 0.5}); err != nil {
		t.Fatalf("SetQueryParams: %v", err)
	}
	if got := r.QueryParams(inst.ID)["accuracy"]; got != 0.5 {
		t.Errorf("accuracy = %v", got)
	}

	if err := r.SetQueryParams(inst.ID, map[string]any{"accuracy": 2}); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("err = %v, want ErrInvalidParam", err)
	}
	if got := r.QueryParams(inst.ID)["accuracy"]; got != 0.5 {
		t.Errorf("rejected update must not apply, accuracy = %v", got)
	}

	if err := r.SetQueryParams("missing", nil); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("err = %v, want ErrUnknownInstance", err)
	}
}

func TestRegistry_QueryParamsIsCopy(t *testing.T) {
	r := NewRegistry(testCatalog())
	inst, _ := r.Add("MinMaxCache", nil)

	qp := r.QueryParams(inst.ID)
	qp["accuracy"] = 0.1
	if r.QueryParams(inst.ID)["accuracy"] != 0.95 {
		t.Error("QueryParams must return a copy")
	}
}

func TestRegistry_Label(t *testing.T) {
	r := NewRegistry(testCatalog())
	fixedClock(r, time.UnixMilli(10))
	ref := r.AddReference("M4")
	m4, _ := r.Add("M4", nil)
	c1, _ := r.Add("MinMaxCache", map[string]any{"aggFactor": 2})

	if got := r.Label(m4.ID); got != "M4" {
		t.Errorf("label without init params = %q", got)
	}
	if got := r.Label(c1.ID); got != "MinMaxCache" {
		t.Errorf("single instance label = %q", got)
	}

	c2, _ := r.Add("MinMaxCache", map[string]any{"aggFactor": 3})
	if got := r.Label(c1.ID); got != "MinMaxCache-1" {
		t.Errorf("first of two = %q", got)
	}
	if got := r.Label(c2.ID); got != "MinMaxCache-2" {
		t.Errorf("second of two = %q", got)
	}
	if got := r.Label(ref.ID); !strings.Contains(got, "reference") {
		t.Errorf("reference label = %q", got)
	}
	if got := r.Label("ghost"); got != "ghost" {
		t.Errorf("unknown label = %q", got)
	}
}

func TestNormalize_KeepsUnknownKeys(t *testing.T) {
	out, err := Normalize(testCatalog()["MinMaxCache"].QueryParams, map[string]any{"extra": true})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out["extra"] != true || out["accuracy"] != 0.95 {
		t.Errorf("Normalize = %v", out)
	}
}
