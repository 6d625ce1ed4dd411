package serverfn

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// Registration pairs a descriptor with the handler that serves it.
type Registration struct {
	Desc    *Descriptor
	Handler http.Handler
}

// Registry is the dispatch table mapping paths to registered functions.
// Registration happens during setup; lookups are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byPath  map[string]*Registration
	ordered []*Registration
}

// NewRegistry returns an empty dispatch table.
func NewRegistry() *Registry {
	return &Registry{byPath: make(map[string]*Registration)}
}

// add validates and records a registration. Registration errors are
// programming errors, so it panics rather than returning them; this keeps
// the generic helpers usable in top-level var initializers.
func (r *Registry) add(reg *Registration) {
	d := reg.Desc
	if err := ValidatePath(d.Path); err != nil {
		panic(fmt.Sprintf("serverfn: register %q: %v", d.Name, err))
	}
	if d.Name == "" {
		d.Name = nameFromPath(d.Path)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byPath[d.Path]; ok {
		panic(fmt.Sprintf("serverfn: register %q: path %q already bound to %q",
			d.Name, d.Path, prev.Desc.Name))
	}
	r.byPath[d.Path] = reg
	r.ordered = append(r.ordered, reg)
}

// Resolve looks up the registration for a path. The second result reports
// whether the path is bound at all; the error distinguishes a bound path
// invoked with the wrong HTTP method.
func (r *Registry) Resolve(path, method string) (*Registration, bool, error) {
	r.mu.RLock()
	reg, ok := r.byPath[path]
	r.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !reg.Desc.methodAllowed(method) {
		return nil, true, fmt.Errorf("method %s not allowed for %s function %q",
			method, reg.Desc.Transport, reg.Desc.Name)
	}
	return reg, true, nil
}

// All returns every registration sorted by path.
func (r *Registry) All() []*Registration {
	r.mu.RLock()
	out := make([]*Registration, len(r.ordered))
	copy(out, r.ordered)
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Desc.Path < out[j].Desc.Path
	})
	return out
}

// Describe returns a copy of every registered descriptor sorted by path,
// for introspection and tooling.
func (r *Registry) Describe() []Descriptor {
	regs := r.All()
	out := make([]Descriptor, 0, len(regs))
	for _, reg := range regs {
		out = append(out, *reg.Desc)
	}
	return out
}

// Mount attaches every registration to mux using method-qualified
// patterns. Parameterless RPC functions are additionally reachable
// via GET.
func (r *Registry) Mount(mux *http.ServeMux) {
	for _, reg := range r.All() {
		d := reg.Desc
		switch d.Transport {
		case TransportRPC:
			mux.Handle("POST "+d.Path, reg.Handler)
			if len(d.Params) == 0 {
				mux.Handle("GET "+d.Path, reg.Handler)
			}
		default:
			mux.Handle("GET "+d.Path, reg.Handler)
		}
	}
}
