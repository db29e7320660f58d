// Package routes holds the exact-match static route table consulted before
// any request reaches the build middleware.
package routes

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrDuplicateRoute is matched by every *DuplicateRouteError.
	ErrDuplicateRoute = errors.New("duplicate route")
	ErrInvalidRoute   = errors.New("invalid route")
	ErrRegistryFrozen = errors.New("route registry is frozen")
)

// DuplicateRouteError is returned when a path is registered twice.
// The first registration stays in place.
type DuplicateRouteError struct {
	Path     string
	Existing string
	Rejected string
}

func (e *DuplicateRouteError) Error() string {
	return fmt.Sprintf("route %q already maps to %s (rejected %s)", e.Path, e.Existing, e.Rejected)
}

func (e *DuplicateRouteError) Unwrap() error { return ErrDuplicateRoute }

// Route binds a URL path to a file on disk.
type Route struct {
	Path   string
	Target string
}

// Registry maps URL paths to files. It is filled during startup and frozen
// once the server starts accepting connections; lookups after that take no lock.
type Registry struct {
	mu     sync.Mutex
	routes map[string]string
	frozen atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]string)}
}

// Register adds a route. Paths must start with "/" and match exactly.
func (r *Registry) Register(path, target string) error {
	if path == "" || !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: path %q must start with /", ErrInvalidRoute, path)
	}
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("%w: empty target for %q", ErrInvalidRoute, path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("register %q: %w", path, ErrRegistryFrozen)
	}
	if existing, ok := r.routes[path]; ok {
		return &DuplicateRouteError{Path: path, Existing: existing, Rejected: target}
	}
	r.routes[path] = target
	return nil
}

// MustRegister is Register for static tables known at compile time.
func (r *Registry) MustRegister(path, target string) {
	if err := r.Register(path, target); err != nil {
		panic(err)
	}
}

// Freeze ends the registration phase. Calling it more than once is harmless.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Lookup returns the target registered for exactly path.
func (r *Registry) Lookup(path string) (string, bool) {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	target, ok := r.routes[path]
	return target, ok
}

// Routes returns a sorted copy of the table.
func (r *Registry) Routes() []Route {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Route, 0, len(r.routes))
	for p, t := range r.routes {
		out = append(out, Route{Path: p, Target: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}
