package endpoint

import (
	"sync"

	"github.com/ouni3233/alljoyn-core/pkg/message"
)

// VirtualEndpoint stands in for a unique name that lives on a remote
// daemon. Messages addressed to it are forwarded over one of the
// bus-to-bus endpoints that can reach the remote daemon; forwarding
// rotates round-robin across the routes.
type VirtualEndpoint struct {
	uniqueName string

	mu     sync.Mutex
	routes []*StreamEndpoint
	next   int
}

// NewVirtual constructs a virtual endpoint for the remote unique name
// with an initial bus-to-bus route.
func NewVirtual(uniqueName string, route *StreamEndpoint) *VirtualEndpoint {
	return &VirtualEndpoint{
		uniqueName: uniqueName,
		routes:     []*StreamEndpoint{route},
	}
}

// UniqueName returns the remote unique name the endpoint represents.
func (v *VirtualEndpoint) UniqueName() string { return v.uniqueName }

// Kind returns KindVirtual.
func (v *VirtualEndpoint) Kind() Kind { return KindVirtual }

// AllowRemote reports true; virtual endpoints exist only for remote
// traffic.
func (v *VirtualEndpoint) AllowRemote() bool { return true }

// AddRoute registers an additional bus-to-bus route. Adding a route that
// is already present is a no-op.
func (v *VirtualEndpoint) AddRoute(route *StreamEndpoint) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range v.routes {
		if r == route {
			return
		}
	}
	v.routes = append(v.routes, route)
}

// RemoveRoute drops a bus-to-bus route and reports whether any routes
// remain. An endpoint with no routes is unreachable and should be
// unregistered.
func (v *VirtualEndpoint) RemoveRoute(route *StreamEndpoint) (remaining bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, r := range v.routes {
		if r == route {
			v.routes = append(v.routes[:i], v.routes[i+1:]...)
			break
		}
	}
	if v.next >= len(v.routes) {
		v.next = 0
	}
	return len(v.routes) > 0
}

// HasRoute reports whether the given bus-to-bus endpoint is one of the
// endpoint's routes.
func (v *VirtualEndpoint) HasRoute(route *StreamEndpoint) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range v.routes {
		if r == route {
			return true
		}
	}
	return false
}

// Routes returns a snapshot of the current routes.
func (v *VirtualEndpoint) Routes() []*StreamEndpoint {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*StreamEndpoint, len(v.routes))
	copy(out, v.routes)
	return out
}

// Enqueue forwards the message over the next route in round-robin order.
// Routes whose queues are full are skipped; ErrQueueFull is returned only
// when every route is saturated.
func (v *VirtualEndpoint) Enqueue(m *message.Message) error {
	v.mu.Lock()
	routes := make([]*StreamEndpoint, len(v.routes))
	copy(routes, v.routes)
	start := v.next
	if len(v.routes) > 0 {
		v.next = (v.next + 1) % len(v.routes)
	}
	v.mu.Unlock()

	if len(routes) == 0 {
		return ErrClosed
	}

	var lastErr error
	for i := 0; i < len(routes); i++ {
		r := routes[(start+i)%len(routes)]
		if err := r.Enqueue(m); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// Close detaches all routes. The underlying bus-to-bus endpoints are not
// closed; they may carry other virtual endpoints.
func (v *VirtualEndpoint) Close() error {
	v.mu.Lock()
	v.routes = nil
	v.next = 0
	v.mu.Unlock()
	return nil
}
