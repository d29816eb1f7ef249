package ratelimit

import (
	"strings"
	"sync"
)

// Registry holds one limiter per provider so every handle in the process
// shares the same bucket and permits.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	configs  map[string]Config
}

// NewRegistry creates an empty registry. Limiters are created lazily with
// DefaultsFor unless Configure set an override first.
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		configs:  make(map[string]Config),
	}
}

// Configure sets the configuration used when the limiter for provider is
// first created. It has no effect on an already-created limiter.
func (r *Registry) Configure(provider string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[strings.ToLower(provider)] = cfg
}

// For returns the shared limiter for a provider, creating it on first use.
func (r *Registry) For(provider string) *Limiter {
	key := strings.ToLower(provider)

	r.mu.RLock()
	l, ok := r.limiters[key]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	cfg, ok := r.configs[key]
	if !ok {
		cfg = DefaultsFor(key)
	}
	l = New(cfg)
	r.limiters[key] = l
	return l
}

// Close closes every limiter in the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.limiters {
		l.Close()
	}
}
