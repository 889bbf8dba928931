// Package router delivers bus messages between endpoints: unicast
// resolution through the name table, broadcast fan-out to local
// endpoints, and forwarding over bus-to-bus links to remote daemons.
package router

import (
	"sync"
	"sync/atomic"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/ouni3233/alljoyn-core/pkg/endpoint"
	"github.com/ouni3233/alljoyn-core/pkg/message"
	"github.com/ouni3233/alljoyn-core/pkg/nametable"
)

var log = logging.MustGetLogger("router")

// BusName is the well-known name the daemon itself answers on.
const BusName = "org.alljoyn.Bus"

// LocalDaemonName is the unique name reserved for the daemon's own
// control endpoint.
const LocalDaemonName = ":0.0"

// OverloadFunc is invoked when a bus-to-bus endpoint hits its consecutive
// overflow limit. The callback must not block.
type OverloadFunc func(ep *endpoint.StreamEndpoint)

// Router moves messages between the endpoints registered in the name
// table. It also owns the virtual endpoint registry and the set of
// bus-to-bus links.
type Router struct {
	table   *nametable.Table
	virtual *VirtualRegistry
	alloc   NameAllocator

	mu  sync.RWMutex
	b2b map[string]*endpoint.StreamEndpoint

	serial     uint32
	onOverload OverloadFunc
}

// New creates a Router over the given name table.
func New(table *nametable.Table) *Router {
	return &Router{
		table:   table,
		virtual: NewVirtualRegistry(),
		b2b:     make(map[string]*endpoint.StreamEndpoint),
	}
}

// Table returns the router's name table.
func (r *Router) Table() *nametable.Table { return r.table }

// SetOverloadFunc installs the bus-to-bus overload callback.
func (r *Router) SetOverloadFunc(fn OverloadFunc) { r.onOverload = fn }

// AllocUniqueName hands out a fresh local unique name.
func (r *Router) AllocUniqueName() string { return r.alloc.Next() }

// NextSerial returns a serial for a daemon-originated message.
func (r *Router) NextSerial() uint32 {
	return atomic.AddUint32(&r.serial, 1)
}

// RegisterEndpoint adds an endpoint to the name table. Bus-to-bus
// endpoints are additionally tracked for broadcast forwarding.
func (r *Router) RegisterEndpoint(ep endpoint.Endpoint) error {
	if err := r.table.AddUniqueName(ep); err != nil {
		return err
	}
	if sep, ok := ep.(*endpoint.StreamEndpoint); ok && sep.Kind() == endpoint.KindBus2Bus {
		r.mu.Lock()
		r.b2b[sep.UniqueName()] = sep
		r.mu.Unlock()
	}
	return nil
}

// UnregisterEndpoint removes an endpoint from the name table. For a
// bus-to-bus endpoint every remote name routed over it is torn down as
// well; the unique names that became unreachable are returned.
func (r *Router) UnregisterEndpoint(ep endpoint.Endpoint) []string {
	var gone []string
	if sep, ok := ep.(*endpoint.StreamEndpoint); ok && sep.Kind() == endpoint.KindBus2Bus {
		r.mu.Lock()
		delete(r.b2b, sep.UniqueName())
		r.mu.Unlock()
		gone = r.virtual.DropEndpoint(sep)
		for _, name := range gone {
			r.table.RemoveUniqueName(name)
		}
	}
	r.table.RemoveUniqueName(ep.UniqueName())
	return gone
}

// RegisterRemoteName makes the remote unique name routable over the
// bus-to-bus endpoint. It reports whether the name is newly reachable.
func (r *Router) RegisterRemoteName(uniqueName string, b2b *endpoint.StreamEndpoint) bool {
	vep, created := r.virtual.Add(uniqueName, b2b)
	if !created {
		return false
	}
	if err := r.table.AddUniqueName(vep); err != nil {
		log.Warnf("remote name %s: %v", uniqueName, err)
		r.virtual.Remove(uniqueName, b2b)
		return false
	}
	return true
}

// UnregisterRemoteName drops the bus-to-bus route for the remote unique
// name. It reports whether the name became unreachable.
func (r *Router) UnregisterRemoteName(uniqueName string, b2b *endpoint.StreamEndpoint) bool {
	if !r.virtual.Remove(uniqueName, b2b) {
		return false
	}
	r.table.RemoveUniqueName(uniqueName)
	return true
}

// RemoteNames returns every remote unique name currently routable.
func (r *Router) RemoteNames() []string { return r.virtual.Names() }

// Bus2BusEndpoints returns a snapshot of the bus-to-bus endpoints.
func (r *Router) Bus2BusEndpoints() []*endpoint.StreamEndpoint {
	r.mu.RLock()
	out := make([]*endpoint.StreamEndpoint, 0, len(r.b2b))
	for _, ep := range r.b2b {
		out = append(out, ep)
	}
	r.mu.RUnlock()
	return out
}

// Route delivers one message on behalf of src. A nil src marks a
// daemon-originated message. Routing failures for method calls expecting
// a reply are answered with an error reply to src.
func (r *Router) Route(src endpoint.Endpoint, m *message.Message) {
	if src != nil && src.Kind() == endpoint.KindLocal {
		m.Fields.Sender = src.UniqueName()
	}

	if m.Expired() {
		log.Debugf("dropping expired %s serial(%d) for %q", m.Type, m.Serial, m.Fields.Destination)
		r.replyError(src, m, message.ErrorTTLExpired, "message expired before delivery")
		return
	}

	if m.IsBroadcastSignal() {
		r.broadcast(src, m)
		return
	}
	r.unicast(src, m)
}

func (r *Router) unicast(src endpoint.Endpoint, m *message.Message) {
	dest, ok := r.table.FindEndpoint(m.Fields.Destination)
	if !ok {
		log.Debugf("no destination %q for %s serial(%d)", m.Fields.Destination, m.Type, m.Serial)
		r.replyError(src, m, message.ErrorRoutingNoDestination, "name has no owner: "+m.Fields.Destination)
		return
	}

	if remoteOrigin(src) && !dest.AllowRemote() {
		r.replyError(src, m, message.ErrorBusNotAllowed, "destination does not accept remote messages")
		return
	}

	if err := dest.Enqueue(m); err != nil {
		r.enqueueFailed(src, dest, m, err)
	}
}

func (r *Router) enqueueFailed(src, dest endpoint.Endpoint, m *message.Message, err error) {
	log.Debugf("enqueue to %s failed: %v", dest.UniqueName(), err)

	switch dest.Kind() {
	case endpoint.KindLocal:
		r.replyError(src, m, message.ErrorTTLExpired, "destination queue full")
	case endpoint.KindBus2Bus, endpoint.KindVirtual:
		r.replyError(src, m, message.ErrorBusNotAllowed, "remote link congested")
		r.checkOverload(dest)
	}
}

func (r *Router) checkOverload(dest endpoint.Endpoint) {
	sep, ok := dest.(*endpoint.StreamEndpoint)
	if !ok {
		vep, isVirtual := dest.(*endpoint.VirtualEndpoint)
		if !isVirtual {
			return
		}
		for _, route := range vep.Routes() {
			r.checkOverload(route)
		}
		return
	}
	if sep.Overloaded() && r.onOverload != nil {
		log.Warnf("bus-to-bus endpoint %s overloaded, tearing down", sep.UniqueName())
		r.onOverload(sep)
	}
}

// broadcast fans a signal out to every local endpoint other than the
// sender, then forwards it once over each bus-to-bus link when the
// signal originated locally and allows remote delivery.
func (r *Router) broadcast(src endpoint.Endpoint, m *message.Message) {
	remote := remoteOrigin(src)

	r.table.WalkEndpoints(func(ep endpoint.Endpoint) {
		if ep == src || ep.Kind() != endpoint.KindLocal {
			return
		}
		if remote && !ep.AllowRemote() {
			return
		}
		if err := ep.Enqueue(m); err != nil {
			log.Debugf("broadcast to %s dropped: %v", ep.UniqueName(), err)
		}
	})

	if remote || m.Flags&message.FlagAllowRemote == 0 {
		return
	}
	for _, b2b := range r.Bus2BusEndpoints() {
		if b2b == src {
			continue
		}
		if err := b2b.Enqueue(m); err != nil {
			log.Debugf("broadcast forward to %s dropped: %v", b2b.UniqueName(), err)
			r.checkOverload(b2b)
		}
	}
}

// replyError answers a failed method call with an error reply delivered
// straight back to src. Replies are suppressed for signals, for calls
// not expecting a reply, and for daemon-originated messages.
func (r *Router) replyError(src endpoint.Endpoint, m *message.Message, name, description string) {
	if src == nil || m.Type != message.TypeMethodCall || m.Flags&message.FlagNoReplyExpected != 0 {
		return
	}
	reply := message.NewErrorReply(m, r.NextSerial(), name, description)
	reply.Fields.Sender = BusName
	if reply.Fields.Destination == "" {
		reply.Fields.Destination = src.UniqueName()
	}
	if err := src.Enqueue(reply); err != nil {
		log.Debugf("error reply to %s dropped: %v", src.UniqueName(), err)
	}
}

// remoteOrigin reports whether the message entered this daemon over a
// bus-to-bus link.
func remoteOrigin(src endpoint.Endpoint) bool {
	return src != nil && src.Kind() == endpoint.KindBus2Bus
}
