// Package actions defines the executor contract for timed features and a
// registry the scheduler and the command worker look executors up in.
package actions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Executor performs one feature's action against the session. It reports
// whether anything was actually done; side effects are its own concern.
type Executor[S any] interface {
	Execute(ctx context.Context, session S) (performed bool, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc[S any] func(ctx context.Context, session S) (bool, error)

func (f ExecutorFunc[S]) Execute(ctx context.Context, session S) (bool, error) { return f(ctx, session) }

// Registry maps feature names to executors. Names are case-insensitive.
type Registry[S any] struct {
	mu    sync.RWMutex
	execs map[string]Executor[S]
}

func NewRegistry[S any]() *Registry[S] {
	return &Registry[S]{execs: map[string]Executor[S]{}}
}

func (r *Registry[S]) Register(name string, e Executor[S]) error {
	key := normalize(name)
	if key == "" {
		return fmt.Errorf("executor name required")
	}
	if e == nil {
		return fmt.Errorf("executor %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.execs[key]; dup {
		return fmt.Errorf("executor %q already registered", name)
	}
	r.execs[key] = e
	return nil
}

func (r *Registry[S]) Get(name string) (Executor[S], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.execs[normalize(name)]
	return e, ok
}

func (r *Registry[S]) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.execs))
	for k := range r.execs {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }
