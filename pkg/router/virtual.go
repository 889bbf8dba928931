package router

import (
	"sync"

	"github.com/ouni3233/alljoyn-core/pkg/endpoint"
)

// VirtualRegistry tracks the virtual endpoints standing in for remote
// unique names and the bus-to-bus routes that can reach each of them.
type VirtualRegistry struct {
	mu     sync.Mutex
	byName map[string]*endpoint.VirtualEndpoint
}

// NewVirtualRegistry creates an empty registry.
func NewVirtualRegistry() *VirtualRegistry {
	return &VirtualRegistry{byName: make(map[string]*endpoint.VirtualEndpoint)}
}

// Add records that uniqueName is reachable over b2b. It returns the
// virtual endpoint and whether it was newly created.
func (r *VirtualRegistry) Add(uniqueName string, b2b *endpoint.StreamEndpoint) (*endpoint.VirtualEndpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vep, ok := r.byName[uniqueName]; ok {
		vep.AddRoute(b2b)
		return vep, false
	}
	vep := endpoint.NewVirtual(uniqueName, b2b)
	r.byName[uniqueName] = vep
	return vep, true
}

// Remove drops the b2b route from uniqueName's virtual endpoint. It
// reports whether the endpoint became unreachable and was deleted.
func (r *VirtualRegistry) Remove(uniqueName string, b2b *endpoint.StreamEndpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	vep, ok := r.byName[uniqueName]
	if !ok {
		return false
	}
	if vep.RemoveRoute(b2b) {
		return false
	}
	delete(r.byName, uniqueName)
	return true
}

// Get returns the virtual endpoint for uniqueName.
func (r *VirtualRegistry) Get(uniqueName string) (*endpoint.VirtualEndpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vep, ok := r.byName[uniqueName]
	return vep, ok
}

// DropEndpoint strips b2b from every virtual endpoint and returns the
// unique names that became unreachable.
func (r *VirtualRegistry) DropEndpoint(b2b *endpoint.StreamEndpoint) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var gone []string
	for name, vep := range r.byName {
		if !vep.HasRoute(b2b) {
			continue
		}
		if !vep.RemoveRoute(b2b) {
			delete(r.byName, name)
			gone = append(gone, name)
		}
	}
	return gone
}

// Names returns every registered remote unique name.
func (r *VirtualRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}
