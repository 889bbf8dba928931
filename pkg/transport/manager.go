package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Manager is the registry of transports, the fan-in point for their
// listeners, and the fan-out point for advertisement and discovery
// requests.
type Manager struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{transports: make(map[string]Transport)}
}

// Register adds a transport. A transport already registered for the same
// protocol is replaced.
func (m *Manager) Register(t Transport) {
	m.mu.Lock()
	m.transports[t.Proto()] = t
	m.mu.Unlock()
}

// Get returns the transport serving the protocol.
func (m *Manager) Get(proto string) (Transport, bool) {
	m.mu.RLock()
	t, ok := m.transports[proto]
	m.mu.RUnlock()
	return t, ok
}

// Connect parses and normalizes rawSpec, dials through the matching
// transport, and returns the stream plus the normalized spec.
func (m *Manager) Connect(ctx context.Context, rawSpec string) (io.ReadWriteCloser, string, error) {
	spec, err := ParseSpec(rawSpec)
	if err != nil {
		return nil, "", err
	}
	t, ok := m.Get(spec.Proto)
	if !ok {
		return nil, spec.Normalize(), fmt.Errorf("%w: %s", ErrNoTransport, spec.Proto)
	}
	stream, err := t.Connect(ctx, spec)
	if err != nil {
		return nil, spec.Normalize(), err
	}
	return stream, spec.Normalize(), nil
}

// Listen binds every listen spec on its transport, delivering accepted
// streams to accept. Each listener runs until Stop.
func (m *Manager) Listen(specs []string, accept AcceptFunc) error {
	for _, raw := range specs {
		spec, err := ParseSpec(raw)
		if err != nil {
			return err
		}
		t, ok := m.Get(spec.Proto)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoTransport, spec.Proto)
		}
		if err := t.Listen(spec, accept); err != nil {
			return err
		}
		log.Infof("listening on %s", spec.Normalize())
	}
	return nil
}

// EnableAdvertisement begins advertising the name on every transport
// that carries discovery. It reports whether any transport accepted it.
func (m *Manager) EnableAdvertisement(name string) bool {
	return m.eachDiscovery(func(t Transport) error { return t.EnableAdvertisement(name) })
}

// DisableAdvertisement withdraws the name everywhere.
func (m *Manager) DisableAdvertisement(name string) bool {
	return m.eachDiscovery(func(t Transport) error { return t.DisableAdvertisement(name) })
}

// EnableDiscovery starts discovery for the prefix on every transport
// that carries it.
func (m *Manager) EnableDiscovery(prefix string) bool {
	return m.eachDiscovery(func(t Transport) error { return t.EnableDiscovery(prefix) })
}

// DisableDiscovery stops discovery for the prefix everywhere.
func (m *Manager) DisableDiscovery(prefix string) bool {
	return m.eachDiscovery(func(t Transport) error { return t.DisableDiscovery(prefix) })
}

func (m *Manager) eachDiscovery(fn func(t Transport) error) bool {
	m.mu.RLock()
	ts := make([]Transport, 0, len(m.transports))
	for _, t := range m.transports {
		ts = append(ts, t)
	}
	m.mu.RUnlock()

	any := false
	for _, t := range ts {
		if err := fn(t); err != nil {
			if err != ErrNoDiscovery {
				log.Warnf("%s discovery: %v", t.Proto(), err)
			}
			continue
		}
		any = true
	}
	return any
}

// Stop stops every transport.
func (m *Manager) Stop() {
	m.mu.Lock()
	ts := make([]Transport, 0, len(m.transports))
	for _, t := range m.transports {
		ts = append(ts, t)
	}
	m.mu.Unlock()

	for _, t := range ts {
		if err := t.Stop(); err != nil {
			log.Warnf("%s stop: %v", t.Proto(), err)
		}
	}
}
