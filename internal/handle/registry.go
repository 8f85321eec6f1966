// Package handle gives remote nodes a stable, revalidatable identity.
//
// A Handle is an opaque string standing in for one node on the other side of
// the controller/host boundary. The registry enforces one live handle per
// node and invalidates entries lazily: a disconnected node is evicted the
// next time its handle is resolved, not by a background sweep.
package handle

import (
	"sync"

	"github.com/google/uuid"
)

// Handle is an opaque identifier for one remote node.
type Handle string

// Node is anything the registry can hand out handles for. Implementations
// must be comparable (the reverse index is keyed by node identity) and must
// report whether the node is still connected to its owning document.
type Node interface {
	Connected() bool
}

// Registry is a bidirectional handle/node mapping. Each execution side owns
// its own registry; handles are never valid across independent registries.
type Registry struct {
	mu       sync.Mutex
	byHandle map[Handle]Node
	byNode   map[Node]Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byHandle: make(map[Handle]Node),
		byNode:   make(map[Node]Handle),
	}
}

// GetOrCreate returns the node's existing handle, or mints a new one. The
// reverse index guarantees at most one live handle per node.
func (r *Registry) GetOrCreate(n Node) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byNode[n]; ok {
		return h
	}
	h := Handle(uuid.NewString())
	r.byHandle[h] = n
	r.byNode[n] = h
	return h
}

// Resolve returns the node for a handle. A node that has disconnected since
// registration is evicted and (nil, false) is returned.
func (r *Registry) Resolve(h Handle) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byHandle[h]
	if !ok {
		return nil, false
	}
	if !n.Connected() {
		delete(r.byHandle, h)
		delete(r.byNode, n)
		return nil, false
	}
	return n, true
}

// Unregister removes a handle and its node. Idempotent.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.byHandle[h]; ok {
		delete(r.byHandle, h)
		delete(r.byNode, n)
	}
}

// UnregisterNode removes a node and its handle. Idempotent.
func (r *Registry) UnregisterNode(n Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byNode[n]; ok {
		delete(r.byHandle, h)
		delete(r.byNode, n)
	}
}

// SweepDisconnected evicts every entry whose node is no longer connected and
// returns the number evicted. Never required for correctness, only for
// bounding memory between lookups.
func (r *Registry) SweepDisconnected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for h, n := range r.byHandle {
		if !n.Connected() {
			delete(r.byHandle, h)
			delete(r.byNode, n)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHandle)
}

// ConvertToHandles walks v depth-first and replaces every Node with its
// handle, registering nodes as needed. Slices and string-keyed maps are
// rebuilt; all other values pass through untouched.
func (r *Registry) ConvertToHandles(v any) any {
	switch val := v.(type) {
	case Node:
		return r.GetOrCreate(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.ConvertToHandles(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = r.ConvertToHandles(item)
		}
		return out
	default:
		return v
	}
}

// ConvertFromHandles is the inverse walk: Handle values are resolved back to
// nodes. A stale or unknown handle converts to nil.
func (r *Registry) ConvertFromHandles(v any) any {
	switch val := v.(type) {
	case Handle:
		n, ok := r.Resolve(val)
		if !ok {
			return nil
		}
		return n
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.ConvertFromHandles(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = r.ConvertFromHandles(item)
		}
		return out
	default:
		return v
	}
}
