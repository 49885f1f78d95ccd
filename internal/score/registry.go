package score

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type ScorerFactory func(ctx context.Context, model string) (Scorer, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ScorerFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ScorerFactory)}
}

func (r *Registry) Register(name string, f ScorerFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Scorer, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown scoring provider: %s", name)
	}
	return f(ctx, model)
}
