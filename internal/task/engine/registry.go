package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"eden/internal/task"
	"eden/internal/task/scheduler"
)

// Handler executes one task. A nil error completes the task; any other error
// is a failure handed to the retry policy. Handlers must be idempotent:
// delivery is at-least-once.
type Handler interface {
	Handle(ctx context.Context, t task.Task) error
}

type HandlerFunc func(ctx context.Context, t task.Task) error

func (f HandlerFunc) Handle(ctx context.Context, t task.Task) error { return f(ctx, t) }

// Typed decodes the payload into P before calling fn. A payload that does not
// decode counts as a handler failure.
func Typed[P any](fn func(ctx context.Context, t task.Task, p P) error) Handler {
	return HandlerFunc(func(ctx context.Context, t task.Task) error {
		var p P
		if err := t.Payload.Decode(&p); err != nil {
			return fmt.Errorf("decode %s payload: %w", t.Kind(), err)
		}
		return fn(ctx, t, p)
	})
}

// Registration binds a payload kind to its handler.
type Registration struct {
	Kind    string
	Handler Handler
	// Schedule is the default recurrence for periodic tasks of this kind.
	Schedule string
	// Temporary kinds do not survive a restart: their tasks are deleted when
	// the worker starts.
	Temporary bool
}

type RegisterOption func(*Registration)

func WithSchedule(spec string) RegisterOption {
	return func(r *Registration) { r.Schedule = strings.TrimSpace(spec) }
}

func Temporary() RegisterOption {
	return func(r *Registration) { r.Temporary = true }
}

// Registry maps payload kinds to handlers. Safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Registration{}}
}

func (r *Registry) Register(kind string, h Handler, opts ...RegisterOption) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("register: empty kind")
	}
	if h == nil {
		return fmt.Errorf("register %s: nil handler", kind)
	}
	reg := Registration{Kind: kind, Handler: h}
	for _, opt := range opts {
		opt(&reg)
	}
	if reg.Schedule != "" {
		if _, err := scheduler.Compile(reg.Schedule); err != nil {
			return fmt.Errorf("register %s: %w", kind, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[kind]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, kind)
	}
	r.m[kind] = reg
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(kind string, h Handler, opts ...RegisterOption) {
	if err := r.Register(kind, h, opts...); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(kind string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.m[kind]
	return reg, ok
}

// ScheduleFor implements scheduler.KindSchedules.
func (r *Registry) ScheduleFor(kind string) (string, bool) {
	reg, ok := r.Lookup(kind)
	if !ok || reg.Schedule == "" {
		return "", false
	}
	return reg.Schedule, true
}

// Kinds returns every registered kind, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// TemporaryKinds returns the kinds registered with Temporary, sorted.
func (r *Registry) TemporaryKinds() []string {
	r.mu.RLock()
	var out []string
	for k, reg := range r.m {
		if reg.Temporary {
			out = append(out, k)
		}
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}
