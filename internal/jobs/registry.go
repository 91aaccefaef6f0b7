package jobs

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps automation types to their handlers.
//
// Register is last-write-wins and intended for startup composition only;
// Resolve is called by the engine on every dispatch.
type Registry struct {
	mu       sync.RWMutex
	handlers map[AutomationType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[AutomationType]Handler{}}
}

// Register binds a handler to an automation type. Re-registering an
// existing type overwrites the previous handler.
func (r *Registry) Register(t AutomationType, h Handler) {
	if t == "" || h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[t] = h
	r.mu.Unlock()
}

// Resolve returns the handler bound to t, or ErrUnknownType.
func (r *Registry) Resolve(t AutomationType) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return h, nil
}

// Known reports whether t has a registered handler.
func (r *Registry) Known(t AutomationType) bool {
	r.mu.RLock()
	_, ok := r.handlers[t]
	r.mu.RUnlock()
	return ok
}

// Types returns the registered automation types, sorted for stable output.
func (r *Registry) Types() []AutomationType {
	r.mu.RLock()
	out := make([]AutomationType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
