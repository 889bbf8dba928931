package busobj

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouni3233/alljoyn-core/pkg/endpoint"
	"github.com/ouni3233/alljoyn-core/pkg/message"
	"github.com/ouni3233/alljoyn-core/pkg/nametable"
	"github.com/ouni3233/alljoyn-core/pkg/router"
	"github.com/ouni3233/alljoyn-core/pkg/transport"
)

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			stdlog.Fatal(err)
		}
		logging.SetLevel(lvl)
	} else {
		logging.Disable()
	}

	os.Exit(m.Run())
}

type recordingTransport struct {
	mu           sync.Mutex
	advertised   []string
	unadvertised []string
	discovered   []string
	undiscovered []string
}

func (r *recordingTransport) Proto() string { return "tcp" }

func (r *recordingTransport) Connect(context.Context, transport.Spec) (io.ReadWriteCloser, error) {
	return nil, errors.New("not dialed in tests")
}

func (r *recordingTransport) Listen(transport.Spec, transport.AcceptFunc) error { return nil }

func (r *recordingTransport) EnableAdvertisement(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertised = append(r.advertised, name)
	return nil
}

func (r *recordingTransport) DisableAdvertisement(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unadvertised = append(r.unadvertised, name)
	return nil
}

func (r *recordingTransport) EnableDiscovery(prefix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered = append(r.discovered, prefix)
	return nil
}

func (r *recordingTransport) DisableDiscovery(prefix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.undiscovered = append(r.undiscovered, prefix)
	return nil
}

func (r *recordingTransport) Stop() error { return nil }

type fakeConnector struct {
	mu      sync.Mutex
	ep      *endpoint.StreamEndpoint
	err     error
	dialed  []string
	dropped []string
}

func (c *fakeConnector) ConnectBus(_ context.Context, spec string) (*endpoint.StreamEndpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.dialed = append(c.dialed, spec)
	return c.ep, nil
}

func (c *fakeConnector) DisconnectBus(spec string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = append(c.dropped, spec)
}

type harness struct {
	rtr  *router.Router
	obj  *Obj
	tr   *recordingTransport
	conn *fakeConnector
	clk  *clock.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rtr := router.New(nametable.New())
	tr := &recordingTransport{}
	tm := transport.NewManager()
	tm.Register(tr)
	conn := &fakeConnector{}
	clk := clock.NewMock()
	return &harness{
		rtr:  rtr,
		obj:  New("guid-local", rtr, tm, conn, clk),
		tr:   tr,
		conn: conn,
		clk:  clk,
	}
}

// newB2BEP registers a started bus-to-bus endpoint; traffic enqueued to
// it can be read from the returned conn.
func (h *harness) newB2BEP(t *testing.T, name, busAddr string) (*endpoint.StreamEndpoint, net.Conn) {
	t.Helper()
	conn, remote := net.Pipe()
	ep := endpoint.NewBus2Bus(conn, &endpoint.AuthResult{
		UniqueName:  name,
		PeerName:    ":0.0",
		PeerGUID:    "guid-remote",
		AllowRemote: true,
	}, busAddr)
	require.NoError(t, h.rtr.RegisterEndpoint(ep))
	ep.Start(func(_ *endpoint.StreamEndpoint, _ *message.Message) {}, nil)
	t.Cleanup(func() {
		ep.Close() // nolint: errcheck
		remote.Close()
	})
	return ep, remote
}

// readMatching reads frames until one satisfies the predicate, skipping
// unrelated broadcasts.
func readMatching(t *testing.T, remote net.Conn, match func(*message.Message) bool) *message.Message {
	t.Helper()
	require.NoError(t, remote.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		m, err := message.ReadFrom(remote)
		require.NoError(t, err)
		if match(m) {
			return m
		}
	}
}

func callBus(t *testing.T, o *Obj, src *endpoint.StreamEndpoint, remote net.Conn, member string, args ...interface{}) *message.Message {
	t.Helper()
	m := message.NewMethodCall(1, router.BusName, ObjectPath, InterfaceName, member, args...)
	require.True(t, o.HandleMessage(src, m))
	return readMatching(t, remote, func(m *message.Message) bool {
		return m.Type != message.TypeSignal
	})
}

func exchangeNamesSignal(entries ...interface{}) *message.Message {
	sig := message.NewSignal(1, ObjectPath, InterfaceName, SigExchangeNames, []interface{}(entries))
	sig.Fields.Sender = ":0.0"
	return sig
}

func TestAdvertiseNameLifecycle(t *testing.T) {
	h := newHarness(t)
	ep, remote := newLocalEP(t, h.rtr, ":1.0")
	_, err := h.rtr.Table().RequestName("org.example.app", ":1.0", 0)
	require.NoError(t, err)

	reply := callBus(t, h.obj, ep, remote, "AdvertiseName", "org.example.app")
	assert.Equal(t, AdvertiseReplySuccess, replyCode(t, reply))
	assert.Equal(t, []string{"org.example.app"}, h.tr.advertised)

	reply = callBus(t, h.obj, ep, remote, "AdvertiseName", "org.example.app")
	assert.Equal(t, AdvertiseReplyAlready, replyCode(t, reply))

	reply = callBus(t, h.obj, ep, remote, "AdvertiseName", "org.example.unowned")
	assert.Equal(t, AdvertiseReplyFailed, replyCode(t, reply), "caller must own the name")

	reply = callBus(t, h.obj, ep, remote, "ListAdvertisedNames")
	names, ok := reply.ArgStringSlice(0)
	require.True(t, ok)
	assert.Equal(t, []string{"org.example.app"}, names)

	reply = callBus(t, h.obj, ep, remote, "CancelAdvertiseName", "org.example.app")
	assert.Equal(t, CancelReplySuccess, replyCode(t, reply))
	assert.Equal(t, []string{"org.example.app"}, h.tr.unadvertised)

	reply = callBus(t, h.obj, ep, remote, "CancelAdvertiseName", "org.example.app")
	assert.Equal(t, CancelReplyNotFound, replyCode(t, reply))
}

func TestConnectDisconnect(t *testing.T) {
	h := newHarness(t)
	b2b, _ := h.newB2BEP(t, ":1.8", "tcp:addr=10.0.0.9,port=9955")
	h.conn.ep = b2b

	ep, remote := newLocalEP(t, h.rtr, ":1.0")
	other, otherRemote := newLocalEP(t, h.rtr, ":1.1")

	reply := callBus(t, h.obj, ep, remote, "Connect", "tcp:port=9955,addr=10.0.0.9")
	assert.Equal(t, ConnectReplySuccess, replyCode(t, reply))
	assert.Equal(t, []string{"tcp:addr=10.0.0.9,port=9955"}, h.conn.dialed)

	reply = callBus(t, h.obj, ep, remote, "Connect", "tcp:addr=10.0.0.9,port=9955")
	assert.Equal(t, ConnectReplyAlready, replyCode(t, reply))
	assert.Len(t, h.conn.dialed, 1, "existing link is joined, not redialed")

	reply = callBus(t, h.obj, other, otherRemote, "Disconnect", "tcp:addr=10.0.0.9,port=9955")
	assert.Equal(t, DisconnectReplyNotAllowed, replyCode(t, reply))

	reply = callBus(t, h.obj, ep, remote, "Disconnect", "tcp:addr=10.0.0.9,port=9955")
	assert.Equal(t, DisconnectReplySuccess, replyCode(t, reply))
	assert.Empty(t, h.conn.dropped, "one claim remains")

	reply = callBus(t, h.obj, ep, remote, "Disconnect", "tcp:addr=10.0.0.9,port=9955")
	assert.Equal(t, DisconnectReplySuccess, replyCode(t, reply))
	assert.Equal(t, []string{"tcp:addr=10.0.0.9,port=9955"}, h.conn.dropped)

	reply = callBus(t, h.obj, ep, remote, "Disconnect", "tcp:addr=10.0.0.9,port=9955")
	assert.Equal(t, DisconnectReplyNoConn, replyCode(t, reply))
}

func TestConnectFailures(t *testing.T) {
	h := newHarness(t)
	ep, remote := newLocalEP(t, h.rtr, ":1.0")

	reply := callBus(t, h.obj, ep, remote, "Connect", "not-a-spec")
	assert.Equal(t, ConnectReplyInvalidSpec, replyCode(t, reply))

	h.conn.err = fmt.Errorf("dial: %w", transport.ErrNoTransport)
	reply = callBus(t, h.obj, ep, remote, "Connect", "bluetooth:addr=1")
	assert.Equal(t, ConnectReplyNoTransport, replyCode(t, reply))

	h.conn.err = errors.New("connection refused")
	reply = callBus(t, h.obj, ep, remote, "Connect", "tcp:addr=10.0.0.9")
	assert.Equal(t, ConnectReplyFailed, replyCode(t, reply))
}

func TestExchangeNamesImport(t *testing.T) {
	h := newHarness(t)
	b2b, _ := h.newB2BEP(t, ":1.8", "")

	sig := exchangeNamesSignal([]interface{}{":2.0", []interface{}{"com.example.svc"}})
	require.True(t, h.obj.HandleMessage(b2b, sig))

	ep, ok := h.rtr.Table().FindEndpoint(":2.0")
	require.True(t, ok)
	assert.Equal(t, endpoint.KindVirtual, ep.Kind())
	assert.Equal(t, ":2.0", h.rtr.Table().Owner("com.example.svc"))
}

func TestExchangeNamesLocalOwnerWins(t *testing.T) {
	h := newHarness(t)
	newLocalEP(t, h.rtr, ":1.0")
	_, err := h.rtr.Table().RequestName("com.example.svc", ":1.0", 0)
	require.NoError(t, err)

	b2b, b2bRemote := h.newB2BEP(t, ":1.8", "")
	sig := exchangeNamesSignal([]interface{}{":2.0", []interface{}{"com.example.svc"}})
	require.True(t, h.obj.HandleMessage(b2b, sig))

	assert.Equal(t, ":1.0", h.rtr.Table().Owner("com.example.svc"), "local owner keeps the alias")

	// The peer is told who actually holds the name.
	m := readMatching(t, b2bRemote, func(m *message.Message) bool {
		return m.Fields.Member == SigNameChanged
	})
	alias, _ := m.ArgString(0)
	oldOwner, _ := m.ArgString(1)
	newOwner, _ := m.ArgString(2)
	assert.Equal(t, "com.example.svc", alias)
	assert.Equal(t, ":2.0", oldOwner)
	assert.Equal(t, ":1.0", newOwner)
}

func TestSendExchangeNames(t *testing.T) {
	h := newHarness(t)
	newLocalEP(t, h.rtr, ":1.0")
	_, err := h.rtr.Table().RequestName("com.example.svc", ":1.0", 0)
	require.NoError(t, err)

	b2b, b2bRemote := h.newB2BEP(t, ":1.8", "")
	h.obj.SendExchangeNames(b2b)

	m := readMatching(t, b2bRemote, func(m *message.Message) bool {
		return m.Fields.Member == SigExchangeNames
	})
	assert.Equal(t, ":0.0", m.Fields.Destination)
	entries, ok := decodeNameList(m, 0)
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, ":1.0", entries[0].unique)
	assert.Equal(t, []string{"com.example.svc"}, entries[0].aliases)
}

func TestNameChangedSignal(t *testing.T) {
	h := newHarness(t)
	b2b, _ := h.newB2BEP(t, ":1.8", "")

	transfer := message.NewSignal(1, ObjectPath, InterfaceName, SigNameChanged,
		"com.example.svc", "", ":2.0")
	require.True(t, h.obj.HandleMessage(b2b, transfer))
	assert.Equal(t, ":2.0", h.rtr.Table().Owner("com.example.svc"))

	release := message.NewSignal(2, ObjectPath, InterfaceName, SigNameChanged,
		"com.example.svc", ":2.0", "")
	require.True(t, h.obj.HandleMessage(b2b, release))
	assert.Equal(t, "", h.rtr.Table().Owner("com.example.svc"))

	// The remote name lost its only alias and is unreachable now.
	_, ok := h.rtr.Table().FindEndpoint(":2.0")
	assert.False(t, ok)
}

func TestFindNameAndFoundEvents(t *testing.T) {
	h := newHarness(t)
	ep, remote := newLocalEP(t, h.rtr, ":1.0")

	reply := callBus(t, h.obj, ep, remote, "FindName", "org.example")
	assert.Equal(t, FindReplySuccess, replyCode(t, reply))
	assert.Equal(t, []string{"org.example"}, h.tr.discovered)

	reply = callBus(t, h.obj, ep, remote, "FindName", "org.example")
	assert.Equal(t, FindReplyAlready, replyCode(t, reply))

	h.obj.HandleFoundEvent(transport.FoundEvent{
		BusAddr: "tcp:addr=10.0.0.9,port=9955",
		GUID:    "guid-remote",
		Names:   []string{"org.example.app", "com.unrelated"},
		TTL:     10 * time.Second,
	})
	assert.Equal(t, 2, h.obj.NameMapSize(), "all names are cached")

	m := readMatching(t, remote, func(m *message.Message) bool {
		return m.Fields.Member == SigFoundAdvertisedName
	})
	name, _ := m.ArgString(0)
	guid, _ := m.ArgString(1)
	prefix, _ := m.ArgString(2)
	busAddr, _ := m.ArgString(3)
	assert.Equal(t, "org.example.app", name)
	assert.Equal(t, "guid-remote", guid)
	assert.Equal(t, "org.example", prefix)
	assert.Equal(t, "tcp:addr=10.0.0.9,port=9955", busAddr)

	// Zero TTL withdraws the advertisement.
	h.obj.HandleFoundEvent(transport.FoundEvent{
		BusAddr: "tcp:addr=10.0.0.9,port=9955",
		GUID:    "guid-remote",
		Names:   []string{"org.example.app"},
	})
	m = readMatching(t, remote, func(m *message.Message) bool {
		return m.Fields.Member == SigLostAdvertisedName
	})
	name, _ = m.ArgString(0)
	assert.Equal(t, "org.example.app", name)
	assert.Equal(t, 1, h.obj.NameMapSize())

	reply = callBus(t, h.obj, ep, remote, "CancelFindName", "org.example")
	assert.Equal(t, CancelReplySuccess, replyCode(t, reply))
	assert.Equal(t, []string{"org.example"}, h.tr.undiscovered)

	reply = callBus(t, h.obj, ep, remote, "CancelFindName", "org.example")
	assert.Equal(t, CancelReplyNotFound, replyCode(t, reply))
}

func TestFindNameReplaysCache(t *testing.T) {
	h := newHarness(t)
	h.obj.HandleFoundEvent(transport.FoundEvent{
		BusAddr: "tcp:addr=10.0.0.9,port=9955",
		GUID:    "guid-remote",
		Names:   []string{"org.example.app"},
		TTL:     10 * time.Second,
	})

	ep, remote := newLocalEP(t, h.rtr, ":1.0")
	reply := callBus(t, h.obj, ep, remote, "FindName", "org.example")
	assert.Equal(t, FindReplySuccess, replyCode(t, reply))

	m := readMatching(t, remote, func(m *message.Message) bool {
		return m.Fields.Member == SigFoundAdvertisedName
	})
	name, _ := m.ArgString(0)
	assert.Equal(t, "org.example.app", name)
}

func TestBus2BusClosed(t *testing.T) {
	h := newHarness(t)
	ep, remote := newLocalEP(t, h.rtr, ":1.0")
	callBus(t, h.obj, ep, remote, "FindName", "org.example")

	b2b, _ := h.newB2BEP(t, ":1.8", "tcp:addr=10.0.0.9,port=9955")
	require.True(t, h.rtr.RegisterRemoteName(":2.0", b2b))
	h.obj.HandleFoundEvent(transport.FoundEvent{
		BusAddr: "tcp:addr=10.0.0.9,port=9955",
		GUID:    "guid-remote",
		Names:   []string{"org.example.app"},
		TTL:     10 * time.Second,
	})
	readMatching(t, remote, func(m *message.Message) bool {
		return m.Fields.Member == SigFoundAdvertisedName
	})

	h.obj.Bus2BusClosed(b2b)

	m := readMatching(t, remote, func(m *message.Message) bool {
		return m.Fields.Member == SigLostAdvertisedName
	})
	name, _ := m.ArgString(0)
	assert.Equal(t, "org.example.app", name)

	_, ok := h.rtr.Table().FindEndpoint(":2.0")
	assert.False(t, ok, "remote names routed over the link are gone")
	assert.Equal(t, 0, h.obj.NameMapSize())
}

func TestLocalEndpointClosed(t *testing.T) {
	h := newHarness(t)
	b2b, _ := h.newB2BEP(t, ":1.8", "tcp:addr=10.0.0.9,port=9955")
	h.conn.ep = b2b

	ep, remote := newLocalEP(t, h.rtr, ":1.0")
	_, err := h.rtr.Table().RequestName("org.example.app", ":1.0", 0)
	require.NoError(t, err)

	callBus(t, h.obj, ep, remote, "AdvertiseName", "org.example.app")
	callBus(t, h.obj, ep, remote, "FindName", "org.example")
	callBus(t, h.obj, ep, remote, "Connect", "tcp:addr=10.0.0.9,port=9955")

	h.obj.LocalEndpointClosed(ep)

	assert.Equal(t, []string{"org.example.app"}, h.tr.unadvertised)
	assert.Equal(t, []string{"org.example"}, h.tr.undiscovered)
	assert.Equal(t, []string{"tcp:addr=10.0.0.9,port=9955"}, h.conn.dropped)
	_, ok := h.rtr.Table().FindEndpoint(":1.0")
	assert.False(t, ok)
}

func TestHandleMessageGating(t *testing.T) {
	h := newHarness(t)
	ep, _ := newLocalEP(t, h.rtr, ":1.0")

	assert.False(t, h.obj.HandleMessage(ep,
		message.NewMethodCall(1, ":1.9", ObjectPath, InterfaceName, "Connect", "tcp:addr=1")))
	assert.False(t, h.obj.HandleMessage(ep,
		message.NewMethodCall(1, router.BusName, ObjectPath, "org.other", "Connect", "tcp:addr=1")))

	// Federation signals are only honored from bus-to-bus peers.
	assert.False(t, h.obj.HandleMessage(ep,
		message.NewSignal(1, ObjectPath, InterfaceName, SigExchangeNames)))
}

func TestUnknownBusMethod(t *testing.T) {
	h := newHarness(t)
	ep, remote := newLocalEP(t, h.rtr, ":1.0")

	reply := callBus(t, h.obj, ep, remote, "BindSessionPort")
	assert.Equal(t, message.TypeError, reply.Type)
}
