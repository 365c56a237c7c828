// Package registry tracks the live OS process behind each tunnel.
//
// Presence of a key means the manager intends that process to be running.
// Callers remove a key before signalling the process, so an exit callback that
// finds its key gone can tell a requested stop from a crash.
package registry

import (
	"sort"
	"sync"
)

// Handle is the view of a spawned process the registry needs.
type Handle interface {
	Pid() int
	// Alive is a non-blocking liveness check.
	Alive() bool
	// Terminate sends a graceful termination signal.
	Terminate() error
	// Done is closed once the process has exited and its exit callback returned.
	Done() <-chan struct{}
}

// Registry is a mutex-guarded map from tunnel key to process handle.
type Registry struct {
	mu      sync.Mutex
	handles map[string]Handle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Register records h under key, replacing any previous handle. The replaced
// handle is returned so the caller can decide what to do with it.
func (r *Registry) Register(key string, h Handle) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.handles[key]
	r.handles[key] = h
	return prev, ok
}

// Unregister removes and returns the handle for key.
func (r *Registry) Unregister(key string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key]
	if ok {
		delete(r.handles, key)
	}
	return h, ok
}

// UnregisterIf removes key only while it still maps to h.
func (r *Registry) UnregisterIf(key string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[key]; ok && cur == h {
		delete(r.handles, key)
		return true
	}
	return false
}

// Lookup returns the handle registered for key.
func (r *Registry) Lookup(key string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key]
	return h, ok
}

// IsAlive reports whether key has a registered handle whose process is alive.
func (r *Registry) IsAlive(key string) bool {
	h, ok := r.Lookup(key)
	if !ok {
		return false
	}
	return h.Alive()
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
