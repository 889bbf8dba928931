// Package endpoint implements the bus endpoint kinds: local client
// endpoints, bus-to-bus endpoints between daemons, and virtual endpoints
// standing in for remote unique names. It also drives the authenticated
// handshake that every stream endpoint completes before routing begins.
package endpoint

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/ouni3233/alljoyn-core/pkg/message"
)

var log = logging.MustGetLogger("endpoint")

// Kind discriminates the endpoint variants.
type Kind int

// Endpoint kinds.
const (
	// KindLocal is a locally attached client.
	KindLocal Kind = iota
	// KindBus2Bus is a peer daemon link.
	KindBus2Bus
	// KindVirtual is a local stand-in for a remote unique name.
	KindVirtual
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindBus2Bus:
		return "bus2bus"
	case KindVirtual:
		return "virtual"
	}
	return "unknown"
}

var (
	// ErrQueueFull occurs when an endpoint's bounded outbound queue is
	// full.
	ErrQueueFull = errors.New("endpoint queue full")

	// ErrClosed occurs when enqueueing to a stopped endpoint.
	ErrClosed = errors.New("endpoint closed")
)

// DefaultQueueLen is the default outbound queue bound per endpoint.
const DefaultQueueLen = 64

// overflowLimit is the consecutive-overflow count after which a bus-to-bus
// endpoint is considered overloaded and torn down.
const overflowLimit = 16

// Endpoint is a sink for bus messages addressed to a unique name.
type Endpoint interface {
	// UniqueName returns the unique name this daemon uses for the
	// endpoint.
	UniqueName() string

	// Kind returns the endpoint variant.
	Kind() Kind

	// AllowRemote reports whether the endpoint accepts messages that
	// originated on a remote daemon.
	AllowRemote() bool

	// Enqueue appends a message to the endpoint's bounded outbound
	// queue. It never blocks; ErrQueueFull is returned when the queue
	// is full.
	Enqueue(m *message.Message) error

	// Close tears the endpoint down.
	Close() error
}

// Handler consumes one inbound message read from an endpoint's stream.
type Handler func(ep *StreamEndpoint, m *message.Message)

// CloseFunc is invoked once when an endpoint's read side terminates.
type CloseFunc func(ep *StreamEndpoint, err error)

// StreamEndpoint is a local or bus-to-bus endpoint backed by a byte
// stream. It runs one read goroutine and one write goroutine; the write
// side drains a bounded queue and re-checks message TTLs at dequeue.
type StreamEndpoint struct {
	kind        Kind
	stream      io.ReadWriteCloser
	uniqueName  string
	peerName    string
	peerGUID    string
	peerVersion uint32
	allowRemote bool
	acceptor    bool
	busAddr     string

	outCh     chan *message.Message
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	overflow int32
}

// NewLocal constructs a local client endpoint from an authenticated
// stream.
func NewLocal(stream io.ReadWriteCloser, res *AuthResult) *StreamEndpoint {
	return newStreamEndpoint(KindLocal, stream, res, "")
}

// NewBus2Bus constructs a bus-to-bus endpoint from an authenticated
// stream. busAddr is the normalized connect spec of the peer daemon.
func NewBus2Bus(stream io.ReadWriteCloser, res *AuthResult, busAddr string) *StreamEndpoint {
	return newStreamEndpoint(KindBus2Bus, stream, res, busAddr)
}

func newStreamEndpoint(kind Kind, stream io.ReadWriteCloser, res *AuthResult, busAddr string) *StreamEndpoint {
	return &StreamEndpoint{
		kind:        kind,
		stream:      stream,
		uniqueName:  res.UniqueName,
		peerName:    res.PeerName,
		peerGUID:    res.PeerGUID,
		peerVersion: res.PeerProtocolVersion,
		allowRemote: res.AllowRemote,
		acceptor:    res.Acceptor,
		busAddr:     busAddr,
		outCh:       make(chan *message.Message, DefaultQueueLen),
		done:        make(chan struct{}),
	}
}

// UniqueName returns the unique name this daemon uses for the endpoint.
func (ep *StreamEndpoint) UniqueName() string { return ep.uniqueName }

// PeerName returns the name the peer reported during the handshake.
func (ep *StreamEndpoint) PeerName() string { return ep.peerName }

// PeerGUID returns the peer daemon's GUID, empty for local clients.
func (ep *StreamEndpoint) PeerGUID() string { return ep.peerGUID }

// PeerProtocolVersion returns the protocol version the peer reported.
func (ep *StreamEndpoint) PeerProtocolVersion() uint32 { return ep.peerVersion }

// Kind returns the endpoint variant.
func (ep *StreamEndpoint) Kind() Kind { return ep.kind }

// AllowRemote reports whether the endpoint accepts remotely originated
// messages.
func (ep *StreamEndpoint) AllowRemote() bool { return ep.allowRemote }

// Acceptor reports whether the local side accepted the connection.
func (ep *StreamEndpoint) Acceptor() bool { return ep.acceptor }

// BusAddr returns the normalized connect spec for bus-to-bus endpoints.
func (ep *StreamEndpoint) BusAddr() string { return ep.busAddr }

// Start spawns the endpoint's read and write goroutines. handler receives
// every inbound message; closeCB fires once when the read loop exits.
func (ep *StreamEndpoint) Start(handler Handler, closeCB CloseFunc) {
	ep.wg.Add(2)
	go ep.readLoop(handler, closeCB)
	go ep.writeLoop()
}

// Enqueue appends a message to the outbound queue without blocking.
func (ep *StreamEndpoint) Enqueue(m *message.Message) error {
	select {
	case <-ep.done:
		return ErrClosed
	default:
	}

	select {
	case ep.outCh <- m:
		atomic.StoreInt32(&ep.overflow, 0)
		return nil
	default:
		atomic.AddInt32(&ep.overflow, 1)
		return ErrQueueFull
	}
}

// Overloaded reports whether the endpoint has hit its consecutive
// overflow limit. Repeated overflow on bus-to-bus endpoints escalates to
// teardown.
func (ep *StreamEndpoint) Overloaded() bool {
	return atomic.LoadInt32(&ep.overflow) >= overflowLimit
}

// Close stops the endpoint and closes the underlying stream.
func (ep *StreamEndpoint) Close() error {
	ep.closeOnce.Do(func() {
		close(ep.done)
		if err := ep.stream.Close(); err != nil {
			log.Debugf("[%s] stream close: %v", ep.uniqueName, err)
		}
	})
	return nil
}

// Wait blocks until both endpoint goroutines have exited.
func (ep *StreamEndpoint) Wait() {
	ep.wg.Wait()
}

func (ep *StreamEndpoint) readLoop(handler Handler, closeCB CloseFunc) {
	defer ep.wg.Done()

	var err error
	for {
		var m *message.Message
		m, err = message.ReadFrom(ep.stream)
		if err != nil {
			break
		}
		handler(ep, m)
	}

	if err == io.EOF {
		err = nil
	}
	ep.Close() // nolint: errcheck
	if closeCB != nil {
		closeCB(ep, err)
	}
}

func (ep *StreamEndpoint) writeLoop() {
	defer ep.wg.Done()

	for {
		select {
		case <-ep.done:
			return
		case m := <-ep.outCh:
			if m.Expired() {
				log.Debugf("[%s] dropping expired %s serial(%d)", ep.uniqueName, m.Type, m.Serial)
				continue
			}
			if _, err := m.WriteTo(ep.stream); err != nil {
				log.Debugf("[%s] write failed: %v", ep.uniqueName, err)
				ep.Close() // nolint: errcheck
				return
			}
		}
	}
}
