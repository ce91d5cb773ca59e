// Package methods tracks the configured method instances of a session.
//
// An instance is a method from the backend catalog plus a fixed set of
// init parameters. Each instance also carries mutable query parameters.
// One instance is the reference: the method every other instance is
// compared against.
package methods

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"sync"
	"time"

	"github.com/HatiCode/vizbench/pkg/backend"
)

// DefaultReferenceMethod is the method used as the quality reference.
const DefaultReferenceMethod = "M4"

var (
	ErrDuplicateInstance = errors.New("an instance with these init parameters already exists")
	ErrUnknownMethod     = errors.New("unknown method")
	ErrInvalidParam      = errors.New("invalid parameter")
	ErrUnknownInstance   = errors.New("unknown instance")
)

// ReferenceID returns the id of the reference instance for a method.
func ReferenceID(method string) string {
	return method + "-reference"
}

// Instance is a configured method instance. It is immutable once created.
type Instance struct {
	ID         string         `json:"id"`
	Method     string         `json:"method"`
	InitParams map[string]any `json:"initParams"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Registry holds the instances of a session in creation order.
// It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	catalog     backend.Catalog
	instances   []Instance
	queryParams map[string]map[string]any
	reference   string
	now         func() time.Time
}

// NewRegistry creates an empty registry over catalog.
func NewRegistry(catalog backend.Catalog) *Registry {
	return &Registry{
		catalog:     catalog,
		queryParams: make(map[string]map[string]any),
		now:         time.Now,
	}
}

// SetCatalog replaces the method catalog. Existing instances are kept.
func (r *Registry) SetCatalog(c backend.Catalog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalog = c
}

// Catalog returns the method catalog.
func (r *Registry) Catalog() backend.Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalog
}

// Add creates an instance of method. Missing init parameters take their
// defaults and the instance's query parameters start from the catalog
// defaults. The id is "<method>-<unix millis>"; a colliding id is bumped to
// the next free millisecond.
func (r *Registry) Add(method string, initParams map[string]any) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.catalog[method]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	params, err := Normalize(cfg.InitParams, initParams)
	if err != nil {
		return Instance{}, err
	}

	for _, inst := range r.instances {
		if inst.Method == method && inst.ID != r.reference && reflect.DeepEqual(inst.InitParams, params) {
			return Instance{}, fmt.Errorf("%w: %s", ErrDuplicateInstance, inst.ID)
		}
	}

	now := r.now()
	ms := now.UnixMilli()
	id := fmt.Sprintf("%s-%d", method, ms)
	for r.indexOf(id) >= 0 {
		ms++
		id = fmt.Sprintf("%s-%d", method, ms)
	}

	inst := Instance{ID: id, Method: method, InitParams: params, CreatedAt: now}
	r.instances = append(r.instances, inst)
	r.queryParams[id] = Defaults(cfg.QueryParams)
	return inst, nil
}

// AddReference creates the reference instance for method, or returns it if
// it already exists. The method does not need to be in the catalog.
func (r *Registry) AddReference(method string) Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ReferenceID(method)
	if i := r.indexOf(id); i >= 0 {
		return r.instances[i]
	}

	cfg := r.catalog[method]
	inst := Instance{
		ID:         id,
		Method:     method,
		InitParams: Defaults(cfg.InitParams),
		CreatedAt:  r.now(),
	}
	r.instances = append(r.instances, inst)
	r.queryParams[id] = Defaults(cfg.QueryParams)
	r.reference = id
	return inst
}

// Reference returns the reference instance id, or "" when none was added.
func (r *Registry) Reference() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reference
}

// IsReference reports whether id is the reference instance.
func (r *Registry) IsReference(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return id != "" && id == r.reference
}

// Remove deletes an instance and its query parameters.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return false
	}
	r.instances = append(r.instances[:i], r.instances[i+1:]...)
	delete(r.queryParams, id)
	if id == r.reference {
		r.reference = ""
	}
	return true
}

// Get returns an instance by id.
func (r *Registry) Get(id string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexOf(id); i >= 0 {
		return r.instances[i], true
	}
	return Instance{}, false
}

// List returns every instance in creation order.
func (r *Registry) List() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, len(r.instances))
	copy(out, r.instances)
	return out
}

// QueryParams returns a copy of an instance's query parameters.
func (r *Registry) QueryParams(id string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.queryParams[id])
}

// SetQueryParams merges params into an instance's query parameters after
// validating them against the method's catalog entry.
func (r *Registry) SetQueryParams(id string, params map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	specs := r.catalog[r.instances[i].Method].QueryParams

	merged := maps.Clone(r.queryParams[id])
	if merged == nil {
		merged = make(map[string]any)
	}
	maps.Copy(merged, params)
	normalized, err := Normalize(specs, merged)
	if err != nil {
		return err
	}
	r.queryParams[id] = normalized
	return nil
}

// Label returns a display name for an instance: the method alone when the
// method has no init parameters or a single instance, "<method>-N" otherwise.
func (r *Registry) Label(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.indexOf(id)
	if i < 0 {
		return id
	}
	inst := r.instances[i]
	if id == r.reference {
		return inst.Method + " (reference)"
	}
	if len(r.catalog[inst.Method].InitParams) == 0 {
		return inst.Method
	}

	n, pos := 0, 0
	for _, other := range r.instances {
		if other.Method != inst.Method || other.ID == r.reference {
			continue
		}
		n++
		if other.ID == id {
			pos = n
		}
	}
	if n == 1 {
		return inst.Method
	}
	return fmt.Sprintf("%s-%d", inst.Method, pos)
}

func (r *Registry) indexOf(id string) int {
	for i, inst := range r.instances {
		if inst.ID == id {
			return i
		}
	}
	return -1
}
