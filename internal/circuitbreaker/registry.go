package circuitbreaker

import "sync"

// One breaker per destination host, created on first use with a shared config.
// A Registry with a nil config hands out no breakers.
type Registry struct {
	mu       sync.Mutex
	cfg      *Config
	breakers map[string]*CircuitBreaker
}

func NewRegistry(cfg *Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Returns the breaker for key, or nil when the registry is disabled
func (r *Registry) Get(key string) *CircuitBreaker {
	if r == nil || r.cfg == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[key]
	if !ok {
		cfg := *r.cfg
		cfg.Name = key
		cb = New(cfg)
		r.breakers[key] = cb
	}
	return cb
}

// Snapshot of every breaker that is not closed
func (r *Registry) Tripped() map[string]State {
	out := make(map[string]State)
	if r == nil {
		return out
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for key, cb := range r.breakers {
		if s := cb.State(); s != StateClosed {
			out[key] = s
		}
	}
	return out
}

// Closes the breaker for key; false when none exists
func (r *Registry) Reset(key string) bool {
	if r == nil {
		return false
	}

	r.mu.Lock()
	cb, ok := r.breakers[key]
	r.mu.Unlock()

	if !ok {
		return false
	}
	cb.Reset()
	return true
}
