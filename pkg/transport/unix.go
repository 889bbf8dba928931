package transport

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
)

// UnixTransport serves "unix:path=/run/bus.sock" specs for locally
// attached clients. It carries no discovery.
type UnixTransport struct {
	mu        sync.Mutex
	listeners []net.Listener
	paths     []string
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewUnixTransport constructs the local-domain socket transport.
func NewUnixTransport() *UnixTransport {
	return &UnixTransport{done: make(chan struct{})}
}

// Proto returns "unix".
func (t *UnixTransport) Proto() string { return "unix" }

// Connect dials the socket path named by spec.
func (t *UnixTransport) Connect(ctx context.Context, spec Spec) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", spec.Param("path", ""))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Listen binds the socket path and serves accepted connections until
// Stop.
func (t *UnixTransport) Listen(spec Spec, accept AcceptFunc) error {
	path := spec.Param("path", "")
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, ln)
	t.paths = append(t.paths, path)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln, accept)
	return nil
}

func (t *UnixTransport) acceptLoop(ln net.Listener, accept AcceptFunc) {
	defer t.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.done:
			default:
				log.Warnf("unix accept: %v", err)
			}
			return
		}
		accept(conn)
	}
}

// EnableAdvertisement reports ErrNoDiscovery.
func (t *UnixTransport) EnableAdvertisement(string) error { return ErrNoDiscovery }

// DisableAdvertisement reports ErrNoDiscovery.
func (t *UnixTransport) DisableAdvertisement(string) error { return ErrNoDiscovery }

// EnableDiscovery reports ErrNoDiscovery.
func (t *UnixTransport) EnableDiscovery(string) error { return ErrNoDiscovery }

// DisableDiscovery reports ErrNoDiscovery.
func (t *UnixTransport) DisableDiscovery(string) error { return ErrNoDiscovery }

// Stop closes every listener and unlinks the socket paths.
func (t *UnixTransport) Stop() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		for _, ln := range t.listeners {
			ln.Close() // nolint: errcheck
		}
		for _, path := range t.paths {
			os.Remove(path) // nolint: errcheck
		}
		t.listeners = nil
		t.paths = nil
		t.mu.Unlock()
	})
	t.wg.Wait()
	return nil
}
