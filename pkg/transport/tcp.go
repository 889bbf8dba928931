package transport

import (
	"context"
	"io"
	"net"
	"sync"
)

// TCPTransport serves "tcp:addr=host,port=N" specs. Advertisement and
// discovery ride the UDP beacon name service when one is attached.
type TCPTransport struct {
	ns *NameService

	mu        sync.Mutex
	listeners []net.Listener
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTCPTransport constructs the TCP transport. ns may be nil, in which
// case the transport carries no discovery.
func NewTCPTransport(ns *NameService) *TCPTransport {
	return &TCPTransport{
		ns:   ns,
		done: make(chan struct{}),
	}
}

// Proto returns "tcp".
func (t *TCPTransport) Proto() string { return "tcp" }

func (t *TCPTransport) hostPort(spec Spec) string {
	return net.JoinHostPort(spec.Param("addr", "0.0.0.0"), spec.Param("port", "9955"))
}

// Connect dials the daemon named by spec.
func (t *TCPTransport) Connect(ctx context.Context, spec Spec) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.hostPort(spec))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Listen binds the listen spec and serves accepted connections until
// Stop.
func (t *TCPTransport) Listen(spec Spec, accept AcceptFunc) error {
	ln, err := net.Listen("tcp", t.hostPort(spec))
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, ln)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln, accept)
	return nil
}

func (t *TCPTransport) acceptLoop(ln net.Listener, accept AcceptFunc) {
	defer t.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.done:
			default:
				log.Warnf("tcp accept: %v", err)
			}
			return
		}
		accept(conn)
	}
}

// EnableAdvertisement advertises the name over the beacon service.
func (t *TCPTransport) EnableAdvertisement(name string) error {
	if t.ns == nil {
		return ErrNoDiscovery
	}
	t.ns.Advertise(name)
	return nil
}

// DisableAdvertisement withdraws the name.
func (t *TCPTransport) DisableAdvertisement(name string) error {
	if t.ns == nil {
		return ErrNoDiscovery
	}
	t.ns.CancelAdvertise(name)
	return nil
}

// EnableDiscovery subscribes the beacon service to the prefix.
func (t *TCPTransport) EnableDiscovery(prefix string) error {
	if t.ns == nil {
		return ErrNoDiscovery
	}
	t.ns.Discover(prefix)
	return nil
}

// DisableDiscovery drops the prefix subscription.
func (t *TCPTransport) DisableDiscovery(prefix string) error {
	if t.ns == nil {
		return ErrNoDiscovery
	}
	t.ns.CancelDiscover(prefix)
	return nil
}

// Stop closes every listener and the beacon service.
func (t *TCPTransport) Stop() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		for _, ln := range t.listeners {
			ln.Close() // nolint: errcheck
		}
		t.listeners = nil
		t.mu.Unlock()
		if t.ns != nil {
			t.ns.Stop() // nolint: errcheck
		}
	})
	t.wg.Wait()
	return nil
}
