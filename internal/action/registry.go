// Package action maps job action types to the handlers that perform them.
package action

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"jobclock/internal/job"
)

var ErrHandlerNotFound = errors.New("no handler registered for action type")

// Request is what a handler receives for one attempt.
type Request struct {
	JobID       string
	ExecutionID string
	OwnerID     string
	Attempt     int // 0 for the first attempt
	Action      job.ActionSpec
}

// Param returns a parameter by key.
func (r Request) Param(key string) (any, bool) {
	v, ok := r.Action.Parameters[key]
	return v, ok
}

// StringParam returns a string parameter or def.
func (r Request) StringParam(key, def string) string {
	if v, ok := r.Action.Parameters[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Handler performs one action. The returned value is stored as the
// execution result and must be JSON-encodable.
type Handler interface {
	Handle(ctx context.Context, req Request) (any, error)
}

type HandlerFunc func(ctx context.Context, req Request) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (any, error) { return f(ctx, req) }

// Registry is a typed handler table filled at composition time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[job.ActionType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[job.ActionType]Handler{}}
}

func (r *Registry) Register(t job.ActionType, h Handler) error {
	if !t.Valid() {
		return fmt.Errorf("register handler: unknown action type %q", t)
	}
	if h == nil {
		return fmt.Errorf("register handler %s: nil handler", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[t]; ok {
		return fmt.Errorf("register handler %s: already registered", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) MustRegister(t job.ActionType, h Handler) {
	if err := r.Register(t, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(t job.ActionType) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, t)
	}
	return h, nil
}

func (r *Registry) Types() []job.ActionType {
	r.mu.RLock()
	out := make([]job.ActionType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out
}

// Unhandled lists the action types with no registered handler, in
// declaration order. Jobs of these types fail with HANDLER_NOT_FOUND.
func (r *Registry) Unhandled() []job.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []job.ActionType
	for _, t := range job.ActionTypes() {
		if _, ok := r.handlers[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}
