// Package busobj implements the daemon's control objects: the bus
// management object handling connect, advertise and discovery requests
// plus the federation signals exchanged between daemons, and the name
// service object handling name ownership requests. It also hosts the
// reaper that expires cached remote advertisements.
package busobj

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/ouni3233/alljoyn-core/pkg/endpoint"
	"github.com/ouni3233/alljoyn-core/pkg/message"
	"github.com/ouni3233/alljoyn-core/pkg/nametable"
	"github.com/ouni3233/alljoyn-core/pkg/router"
	"github.com/ouni3233/alljoyn-core/pkg/transport"
)

var log = logging.MustGetLogger("busobj")

// Bus management object identity.
const (
	ObjectPath    = "/org/alljoyn/Bus"
	InterfaceName = "org.alljoyn.Bus"
)

// Signal members.
const (
	SigFoundAdvertisedName = "FoundAdvertisedName"
	SigLostAdvertisedName  = "LostAdvertisedName"
	SigExchangeNames       = "ExchangeNames"
	SigNameChanged         = "NameChanged"
)

// Connect reply codes.
const (
	ConnectReplySuccess     uint32 = 1
	ConnectReplyAlready     uint32 = 2
	ConnectReplyInvalidSpec uint32 = 3
	ConnectReplyNoTransport uint32 = 4
	ConnectReplyFailed      uint32 = 5
)

// Disconnect reply codes.
const (
	DisconnectReplySuccess    uint32 = 1
	DisconnectReplyNoConn     uint32 = 2
	DisconnectReplyNotAllowed uint32 = 3
)

// AdvertiseName reply codes.
const (
	AdvertiseReplySuccess     uint32 = 1
	AdvertiseReplyAlready     uint32 = 2
	AdvertiseReplyNoTransport uint32 = 3
	AdvertiseReplyFailed      uint32 = 4
)

// FindName reply codes.
const (
	FindReplySuccess uint32 = 1
	FindReplyAlready uint32 = 2
	FindReplyFailed  uint32 = 3
)

// Cancel reply codes, shared by the cancel variants.
const (
	CancelReplySuccess  uint32 = 1
	CancelReplyNotFound uint32 = 2
)

// Connector establishes and tears down bus-to-bus links on behalf of the
// control object.
type Connector interface {
	// ConnectBus dials the normalized spec, authenticates, registers and
	// starts the resulting bus-to-bus endpoint.
	ConnectBus(ctx context.Context, spec string) (*endpoint.StreamEndpoint, error)

	// DisconnectBus closes the bus-to-bus endpoint dialed for the
	// normalized spec.
	DisconnectBus(spec string)
}

// Obj is the bus management control object.
type Obj struct {
	guid       string
	rtr        *router.Router
	transports *transport.Manager
	connector  Connector
	clk        clock.Clock

	// Lock order when nesting: discoverMu -> advertiseMu -> connectMu.
	discoverMu  sync.Mutex
	discovers   *multiset
	advs        *nameMap
	advertiseMu sync.Mutex
	advertises  *multiset
	connectMu   sync.Mutex
	connects    *multiset
}

// New creates the control object. clk may be nil for the wall clock.
func New(guid string, rtr *router.Router, transports *transport.Manager, connector Connector, clk clock.Clock) *Obj {
	if clk == nil {
		clk = clock.New()
	}
	o := &Obj{
		guid:       guid,
		rtr:        rtr,
		transports: transports,
		connector:  connector,
		clk:        clk,
		discovers:  newMultiset(),
		advs:       newNameMap(),
		advertises: newMultiset(),
		connects:   newMultiset(),
	}
	rtr.Table().AddListener(o.onNameOwnerChanged)
	return o
}

// NameMapSize returns the number of cached remote advertisement names.
func (o *Obj) NameMapSize() int {
	o.discoverMu.Lock()
	defer o.discoverMu.Unlock()
	return o.advs.size()
}

// HandleMessage processes a message addressed to the control object or a
// federation signal from a bus-to-bus peer. It reports whether the
// message was consumed.
func (o *Obj) HandleMessage(src *endpoint.StreamEndpoint, m *message.Message) bool {
	switch m.Type {
	case message.TypeMethodCall:
		if m.Fields.Destination != router.BusName || m.Fields.Interface != InterfaceName {
			return false
		}
		o.handleMethodCall(src, m)
		return true
	case message.TypeSignal:
		if m.Fields.Interface != InterfaceName || src.Kind() != endpoint.KindBus2Bus {
			return false
		}
		switch m.Fields.Member {
		case SigExchangeNames:
			o.handleExchangeNames(src, m)
			return true
		case SigNameChanged:
			o.handleNameChanged(src, m)
			return true
		}
	}
	return false
}

func (o *Obj) handleMethodCall(src *endpoint.StreamEndpoint, m *message.Message) {
	caller := src.UniqueName()

	var code uint32
	switch m.Fields.Member {
	case "Connect":
		spec, ok := m.ArgString(0)
		if !ok {
			o.replyInvalidArgs(src, m)
			return
		}
		code = o.connect(caller, spec)
	case "Disconnect":
		spec, ok := m.ArgString(0)
		if !ok {
			o.replyInvalidArgs(src, m)
			return
		}
		code = o.disconnect(caller, spec)
	case "AdvertiseName":
		name, ok := m.ArgString(0)
		if !ok {
			o.replyInvalidArgs(src, m)
			return
		}
		code = o.advertiseName(caller, name)
	case "CancelAdvertiseName":
		name, ok := m.ArgString(0)
		if !ok {
			o.replyInvalidArgs(src, m)
			return
		}
		code = o.cancelAdvertiseName(caller, name)
	case "FindName":
		prefix, ok := m.ArgString(0)
		if !ok {
			o.replyInvalidArgs(src, m)
			return
		}
		code = o.findName(caller, prefix)
	case "CancelFindName":
		prefix, ok := m.ArgString(0)
		if !ok {
			o.replyInvalidArgs(src, m)
			return
		}
		code = o.cancelFindName(caller, prefix)
	case "ListAdvertisedNames":
		o.advertiseMu.Lock()
		names := o.advertises.keys()
		o.advertiseMu.Unlock()
		o.reply(src, message.NewMethodReply(m, o.rtr.NextSerial(), names))
		return
	default:
		o.reply(src, message.NewErrorReply(m, o.rtr.NextSerial(), message.ErrorInvalidArgs,
			"unknown method "+m.Fields.Member))
		return
	}

	o.reply(src, message.NewMethodReply(m, o.rtr.NextSerial(), code))
}

func (o *Obj) reply(src *endpoint.StreamEndpoint, reply *message.Message) {
	reply.Fields.Sender = router.BusName
	if err := src.Enqueue(reply); err != nil {
		log.Debugf("reply to %s dropped: %v", src.UniqueName(), err)
	}
}

func (o *Obj) replyInvalidArgs(src *endpoint.StreamEndpoint, m *message.Message) {
	o.reply(src, message.NewErrorReply(m, o.rtr.NextSerial(), message.ErrorInvalidArgs,
		"bad arguments to "+m.Fields.Member))
}

// connect opens, or joins, a bus-to-bus link to the daemon named by
// rawSpec.
func (o *Obj) connect(caller, rawSpec string) uint32 {
	spec, err := transport.ParseSpec(rawSpec)
	if err != nil {
		return ConnectReplyInvalidSpec
	}
	norm := spec.Normalize()

	o.connectMu.Lock()
	if o.connects.hasKey(norm) {
		o.connects.add(norm, caller)
		o.connectMu.Unlock()
		return ConnectReplyAlready
	}
	o.connectMu.Unlock()

	ep, err := o.connector.ConnectBus(context.Background(), norm)
	if err != nil {
		if errors.Is(err, transport.ErrNoTransport) {
			return ConnectReplyNoTransport
		}
		log.Warnf("connect %s: %v", norm, err)
		return ConnectReplyFailed
	}

	o.connectMu.Lock()
	o.connects.add(norm, caller)
	o.connectMu.Unlock()

	o.SendExchangeNames(ep)
	return ConnectReplySuccess
}

// disconnect withdraws the caller's claim on a link, closing it when the
// last claimant leaves. A caller may disconnect only a spec it opened.
func (o *Obj) disconnect(caller, rawSpec string) uint32 {
	spec, err := transport.ParseSpec(rawSpec)
	if err != nil {
		return DisconnectReplyNoConn
	}
	norm := spec.Normalize()

	o.connectMu.Lock()
	if !o.connects.hasKey(norm) {
		o.connectMu.Unlock()
		return DisconnectReplyNoConn
	}
	if !o.connects.contains(norm, caller) {
		o.connectMu.Unlock()
		return DisconnectReplyNotAllowed
	}
	_, emptied := o.connects.remove(norm, caller)
	o.connectMu.Unlock()

	if emptied {
		o.connector.DisconnectBus(norm)
	}
	return DisconnectReplySuccess
}

// advertiseName begins advertising name on behalf of the caller, who
// must own it.
func (o *Obj) advertiseName(caller, name string) uint32 {
	if o.rtr.Table().Owner(name) != caller {
		return AdvertiseReplyFailed
	}

	o.advertiseMu.Lock()
	if o.advertises.contains(name, caller) {
		o.advertiseMu.Unlock()
		return AdvertiseReplyAlready
	}
	first := o.advertises.add(name, caller)
	o.advertiseMu.Unlock()

	if first && !o.transports.EnableAdvertisement(name) {
		o.advertiseMu.Lock()
		o.advertises.remove(name, caller)
		o.advertiseMu.Unlock()
		return AdvertiseReplyNoTransport
	}
	return AdvertiseReplySuccess
}

func (o *Obj) cancelAdvertiseName(caller, name string) uint32 {
	o.advertiseMu.Lock()
	found, emptied := o.advertises.remove(name, caller)
	o.advertiseMu.Unlock()

	if !found {
		return CancelReplyNotFound
	}
	if emptied {
		o.transports.DisableAdvertisement(name)
	}
	return CancelReplySuccess
}

// findName subscribes the caller to advertisements matching prefix and
// replays currently cached matches.
func (o *Obj) findName(caller, prefix string) uint32 {
	o.discoverMu.Lock()
	if o.discovers.contains(prefix, caller) {
		o.discoverMu.Unlock()
		return FindReplyAlready
	}
	first := o.discovers.add(prefix, caller)
	replay := o.advs.liveMatching(prefix, o.clk.Now())
	o.discoverMu.Unlock()

	if first && !o.transports.EnableDiscovery(prefix) {
		o.discoverMu.Lock()
		o.discovers.remove(prefix, caller)
		o.discoverMu.Unlock()
		return FindReplyFailed
	}

	for _, f := range replay {
		o.emitFound(caller, f.name, prefix, f.guid, f.busAddr)
	}
	return FindReplySuccess
}

func (o *Obj) cancelFindName(caller, prefix string) uint32 {
	o.discoverMu.Lock()
	found, emptied := o.discovers.remove(prefix, caller)
	o.discoverMu.Unlock()

	if !found {
		return CancelReplyNotFound
	}
	if emptied {
		o.transports.DisableDiscovery(prefix)
	}
	return CancelReplySuccess
}

func (o *Obj) emitFound(dest, name, prefix, guid, busAddr string) {
	sig := message.NewSignal(o.rtr.NextSerial(), ObjectPath, InterfaceName, SigFoundAdvertisedName,
		name, guid, prefix, busAddr)
	sig.Fields.Sender = router.BusName
	sig.Fields.Destination = dest
	o.rtr.Route(nil, sig)
}

func (o *Obj) emitLost(dest, name, prefix, guid, busAddr string) {
	sig := message.NewSignal(o.rtr.NextSerial(), ObjectPath, InterfaceName, SigLostAdvertisedName,
		name, guid, prefix, busAddr)
	sig.Fields.Sender = router.BusName
	sig.Fields.Destination = dest
	o.rtr.Route(nil, sig)
}

// SendExchangeNames tells a bus-to-bus peer about every local endpoint
// and the aliases it owns.
func (o *Obj) SendExchangeNames(b2b *endpoint.StreamEndpoint) {
	table := o.rtr.Table()

	var entries []interface{}
	table.WalkEndpoints(func(ep endpoint.Endpoint) {
		if ep.Kind() != endpoint.KindLocal {
			return
		}
		unique := ep.UniqueName()
		entries = append(entries, []interface{}{unique, table.AliasesOf(unique)})
	})

	sig := message.NewSignal(o.rtr.NextSerial(), ObjectPath, InterfaceName, SigExchangeNames, entries)
	sig.Fields.Sender = router.BusName
	sig.Fields.Destination = b2b.PeerName()
	if err := b2b.Enqueue(sig); err != nil {
		log.Warnf("exchange names to %s: %v", b2b.UniqueName(), err)
	}
}

// handleExchangeNames imports a peer daemon's name set, creating virtual
// endpoints routed through the receiving link. A claimed alias that is
// already held locally stays local and the inverse transfer is sent
// back.
func (o *Obj) handleExchangeNames(src *endpoint.StreamEndpoint, m *message.Message) {
	entries, ok := decodeNameList(m, 0)
	if !ok {
		log.Warnf("malformed ExchangeNames from %s", src.UniqueName())
		return
	}

	table := o.rtr.Table()
	for _, e := range entries {
		o.rtr.RegisterRemoteName(e.unique, src)
		for _, alias := range e.aliases {
			code, err := table.RequestName(alias, e.unique, nametable.FlagDoNotQueue)
			if err != nil {
				log.Warnf("remote alias %s for %s: %v", alias, e.unique, err)
				continue
			}
			if code == nametable.RequestExists {
				// Local owner wins; tell the peer who holds it.
				o.sendNameChanged(src, alias, e.unique, table.Owner(alias))
			}
		}
	}
}

// handleNameChanged applies a peer daemon's alias transfer.
func (o *Obj) handleNameChanged(src *endpoint.StreamEndpoint, m *message.Message) {
	alias, ok1 := m.ArgString(0)
	oldOwner, ok2 := m.ArgString(1)
	newOwner, ok3 := m.ArgString(2)
	if !ok1 || !ok2 || !ok3 {
		log.Warnf("malformed NameChanged from %s", src.UniqueName())
		return
	}

	table := o.rtr.Table()
	if newOwner != "" {
		o.rtr.RegisterRemoteName(newOwner, src)
		if _, err := table.RequestName(alias, newOwner, nametable.FlagDoNotQueue); err != nil {
			log.Warnf("apply NameChanged %s -> %s: %v", alias, newOwner, err)
		}
	} else if oldOwner != "" {
		table.ReleaseName(alias, oldOwner)
	}

	// A remote name that lost its last alias and is only reachable over
	// this link has nothing left to route.
	if oldOwner != "" && oldOwner != newOwner {
		if ep, ok := table.FindEndpoint(oldOwner); ok && ep.Kind() == endpoint.KindVirtual {
			if len(table.AliasesOf(oldOwner)) == 0 {
				o.rtr.UnregisterRemoteName(oldOwner, src)
			}
		}
	}
}

func (o *Obj) sendNameChanged(b2b *endpoint.StreamEndpoint, alias, oldOwner, newOwner string) {
	sig := message.NewSignal(o.rtr.NextSerial(), ObjectPath, InterfaceName, SigNameChanged,
		alias, oldOwner, newOwner)
	sig.Fields.Sender = router.BusName
	sig.Fields.Destination = b2b.PeerName()
	if err := b2b.Enqueue(sig); err != nil {
		log.Debugf("NameChanged to %s dropped: %v", b2b.UniqueName(), err)
	}
}

// onNameOwnerChanged observes local name table transfers: it broadcasts
// the change to local endpoints and, for aliases involving a local
// owner, forwards a NameChanged to remote-capable bus-to-bus peers.
func (o *Obj) onNameOwnerChanged(alias, oldOwner, newOwner string) {
	sig := message.NewSignal(o.rtr.NextSerial(), DBusObjectPath, DBusInterfaceName, SigNameOwnerChanged,
		alias, oldOwner, newOwner)
	sig.Fields.Sender = router.BusName
	o.rtr.Route(nil, sig)

	if nametable.IsUniqueName(alias) || !o.localOwnerInvolved(oldOwner, newOwner) {
		return
	}
	for _, b2b := range o.rtr.Bus2BusEndpoints() {
		if !b2b.AllowRemote() {
			continue
		}
		o.sendNameChanged(b2b, alias, oldOwner, newOwner)
	}
}

func (o *Obj) localOwnerInvolved(owners ...string) bool {
	table := o.rtr.Table()
	for _, owner := range owners {
		if owner == "" {
			continue
		}
		if ep, ok := table.FindEndpoint(owner); ok && ep.Kind() == endpoint.KindLocal {
			return true
		}
	}
	return false
}

// HandleFoundEvent records a discovery observation and notifies matching
// subscribers.
func (o *Obj) HandleFoundEvent(ev transport.FoundEvent) {
	type emit struct {
		dest, name, prefix string
		lost               bool
	}
	var emits []emit

	o.discoverMu.Lock()
	now := o.clk.Now()
	for _, name := range ev.Names {
		if ev.TTL == 0 {
			if !o.advs.removeGUID(name, ev.GUID) {
				continue
			}
			for _, prefix := range o.discovers.keys() {
				if !matchesPrefix(name, prefix) {
					continue
				}
				for _, dest := range o.discovers.membersOf(prefix) {
					emits = append(emits, emit{dest, name, prefix, true})
				}
			}
			continue
		}
		o.advs.upsert(name, ev.GUID, ev.BusAddr, now, ev.TTL)
		for _, prefix := range o.discovers.keys() {
			if !matchesPrefix(name, prefix) {
				continue
			}
			for _, dest := range o.discovers.membersOf(prefix) {
				emits = append(emits, emit{dest, name, prefix, false})
			}
		}
	}
	o.discoverMu.Unlock()

	for _, e := range emits {
		if e.lost {
			o.emitLost(e.dest, e.name, e.prefix, ev.GUID, ev.BusAddr)
		} else {
			o.emitFound(e.dest, e.name, e.prefix, ev.GUID, ev.BusAddr)
		}
	}
}

// Bus2BusClosed tears down the state tied to a lost bus-to-bus link:
// virtual endpoints routed only through it, connect map claims on its
// spec, and cached advertisements from its daemon with no alternate
// advertiser.
func (o *Obj) Bus2BusClosed(ep *endpoint.StreamEndpoint) {
	o.rtr.UnregisterEndpoint(ep)

	if addr := ep.BusAddr(); addr != "" {
		o.connectMu.Lock()
		o.connects.drop(addr)
		o.connectMu.Unlock()
	}

	guid := ep.PeerGUID()
	if guid == "" {
		return
	}

	type emit struct {
		dest, prefix string
		ln           lostName
	}
	var emits []emit

	o.discoverMu.Lock()
	for _, ln := range o.advs.dropGUID(guid) {
		for _, prefix := range o.discovers.keys() {
			if !matchesPrefix(ln.name, prefix) {
				continue
			}
			for _, dest := range o.discovers.membersOf(prefix) {
				emits = append(emits, emit{dest, prefix, ln})
			}
		}
	}
	o.discoverMu.Unlock()

	for _, e := range emits {
		o.emitLost(e.dest, e.ln.name, e.prefix, e.ln.guid, e.ln.busAddr)
	}
}

// LocalEndpointClosed drops the advertise, discover and connect claims
// of a departed local endpoint and unregisters its unique name.
func (o *Obj) LocalEndpointClosed(ep *endpoint.StreamEndpoint) {
	caller := ep.UniqueName()

	o.discoverMu.Lock()
	stopFinding := o.discovers.removeMember(caller)
	o.discoverMu.Unlock()
	for _, prefix := range stopFinding {
		o.transports.DisableDiscovery(prefix)
	}

	o.advertiseMu.Lock()
	stopAdvertising := o.advertises.removeMember(caller)
	o.advertiseMu.Unlock()
	for _, name := range stopAdvertising {
		o.transports.DisableAdvertisement(name)
	}

	o.connectMu.Lock()
	closeSpecs := o.connects.removeMember(caller)
	o.connectMu.Unlock()
	for _, spec := range closeSpecs {
		o.connector.DisconnectBus(spec)
	}

	o.rtr.UnregisterEndpoint(ep)
}

func matchesPrefix(name, prefix string) bool {
	return len(name) >= len(prefix) && name[:len(prefix)] == prefix
}

type nameListEntry struct {
	unique  string
	aliases []string
}

// decodeNameList decodes the ExchangeNames payload: a list of
// (uniqueName, aliases) pairs.
func decodeNameList(m *message.Message, i int) ([]nameListEntry, bool) {
	if i >= len(m.Args) {
		return nil, false
	}
	raw, ok := m.Args[i].([]interface{})
	if !ok {
		if m.Args[i] == nil {
			return nil, true
		}
		return nil, false
	}

	entries := make([]nameListEntry, 0, len(raw))
	for _, item := range raw {
		pair, ok := item.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, false
		}
		unique, ok := pair[0].(string)
		if !ok {
			return nil, false
		}
		aliases, ok := toStringSlice(pair[1])
		if !ok {
			return nil, false
		}
		entries = append(entries, nameListEntry{unique: unique, aliases: aliases})
	}
	return entries, true
}

func toStringSlice(v interface{}) ([]string, bool) {
	switch vv := v.(type) {
	case nil:
		return nil, true
	case []string:
		return vv, true
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
