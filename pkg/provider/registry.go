package provider

import "sync"

// Registry holds the registered providers and resolves submitted URLs
// against them.
//
// Resolution order is registration order; the first provider whose Matches
// returns true wins. Adding a new backend means registering it here -
// nothing in the scheduler changes.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a provider to the resolution list.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
}

// Resolve returns the first provider matching rawURL.
//
// Returns an *Error wrapping ErrUnsupported when nothing matches; the
// caller surfaces that synchronously and never creates a job.
func (r *Registry) Resolve(rawURL string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.Matches(rawURL) {
			return p, nil
		}
	}
	return nil, &Error{Op: "Resolve", Provider: "registry", Key: rawURL, Err: ErrUnsupported}
}

// Close closes all registered providers, keeping the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, p := range r.providers {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.providers = nil
	return first
}
