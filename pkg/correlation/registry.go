// Package correlation tracks exchanges waiting for a deferred response.
package correlation

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/http-transport/pkg/envelope"
)

const logPrefix = "correlation:registry"

// Resolver completes a waiting exchange and reports whether the waiter accepted
// the response. It is invoked at most once.
type Resolver func(resp *envelope.Response) bool

type entry struct {
	resolve Resolver
}

// Registry maps request ids to single-use resolvers.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register stores resolver under id. An existing entry is overwritten.
// The returned cancel func removes the entry only if it is still the one
// registered here, and reports whether it did.
func (r *Registry) Register(id string, resolver Resolver) (cancel func() bool) {
	e := &entry{resolve: resolver}

	r.mu.Lock()
	_, existed := r.entries[id]
	r.entries[id] = e
	r.mu.Unlock()

	if existed {
		slog.Warn(fmt.Sprintf("%s - request id %s re-registered, previous waiter dropped", logPrefix, id))
	}

	return func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.entries[id]; ok && cur == e {
			delete(r.entries, id)
			return true
		}
		return false
	}
}

// Take removes and returns the resolver stored under id.
func (r *Registry) Take(id string) (Resolver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	return e.resolve, true
}

// Remove purges id and reports whether it was still registered.
func (r *Registry) Remove(id string) bool {
	_, ok := r.Take(id)
	return ok
}

// Inject resolves the exchange registered under resp.RequestID.
// Unknown or already settled ids are ignored; the return value reports whether a waiter accepted the response.
func (r *Registry) Inject(resp *envelope.Response) bool {
	if resp == nil || resp.RequestID == "" {
		return false
	}
	resolver, ok := r.Take(resp.RequestID)
	if !ok {
		slog.Debug(fmt.Sprintf("%s - no waiter for request id %s, dropping response", logPrefix, resp.RequestID))
		return false
	}
	return resolver(resp)
}

// Len returns the number of waiting exchanges.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
