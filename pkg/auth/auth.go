// Package auth manages the authentication mechanisms available to the
// endpoint handshake and drives individual mechanism exchanges.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/ouni3233/alljoyn-core/pkg/keystore"
)

var log = logging.MustGetLogger("auth")

var (
	// ErrInvalidAuthMechanism occurs when a mechanism name is not
	// registered.
	ErrInvalidAuthMechanism = errors.New("invalid authentication mechanism")

	// ErrAuthFailed occurs when a mechanism exchange ends in rejection.
	ErrAuthFailed = errors.New("authentication failed")
)

// Status is the progress state of a mechanism exchange.
type Status int

// Mechanism exchange states.
const (
	// StatusContinue indicates more rounds are required.
	StatusContinue Status = iota
	// StatusOK indicates the exchange completed successfully.
	StatusOK
	// StatusFail indicates the peer's response was rejected.
	StatusFail
)

// Listener provides callouts for mechanisms that need credentials or
// user interaction.
type Listener interface {
	// Credentials returns secret material for the named mechanism.
	Credentials(mechanism string) ([]byte, bool)
}

// Mechanism drives one side of a single authentication exchange. A
// mechanism instance is used for exactly one handshake.
type Mechanism interface {
	// Name returns the mechanism's registered name.
	Name() string

	// InitialResponse returns the initiator's first payload. It may be
	// empty. Only called on the initiating side.
	InitialResponse() ([]byte, error)

	// Challenge consumes the peer's payload and produces the next local
	// payload. The exchange ends when both sides have observed StatusOK.
	Challenge(in []byte) (out []byte, status Status, err error)
}

// Factory instantiates a mechanism for one handshake. The initiator flag
// selects which side of the exchange the instance drives.
type Factory func(ks *keystore.Store, listener Listener, initiator bool) (Mechanism, error)

// Manager is the registry of named authentication mechanism factories.
// Registration is not expected to race with authentication once the daemon
// is serving.
type Manager struct {
	mu        sync.RWMutex
	factories map[string]Factory
	ks        *keystore.Store
}

// NewManager creates a Manager bound to the given key store.
func NewManager(ks *keystore.Store) *Manager {
	return &Manager{
		factories: make(map[string]Factory),
		ks:        ks,
	}
}

// RegisterMechanism associates a factory with a mechanism name.
func (m *Manager) RegisterMechanism(name string, factory Factory) {
	m.mu.Lock()
	m.factories[name] = factory
	m.mu.Unlock()
}

// UnregisterMechanism removes a mechanism factory.
func (m *Manager) UnregisterMechanism(name string) {
	m.mu.Lock()
	delete(m.factories, name)
	m.mu.Unlock()
}

// FilterMechanisms retains only the mechanisms whose name appears as a
// space-separated token in list and returns the retained count.
func (m *Manager) FilterMechanisms(list string) int {
	keep := make(map[string]struct{})
	for _, tok := range strings.Fields(list) {
		keep[tok] = struct{}{}
	}

	m.mu.Lock()
	for name := range m.factories {
		if _, ok := keep[name]; !ok {
			delete(m.factories, name)
		}
	}
	n := len(m.factories)
	m.mu.Unlock()
	return n
}

// CheckNames verifies that every space-separated token in list names a
// registered mechanism.
func (m *Manager) CheckNames(list string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tok := range strings.Fields(list) {
		if _, ok := m.factories[tok]; !ok {
			log.Errorf("Unknown authentication mechanism %s", tok)
			return fmt.Errorf("%w: %s", ErrInvalidAuthMechanism, tok)
		}
	}
	return nil
}

// Names returns the registered mechanism names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.factories))
	for name := range m.factories {
		names = append(names, name)
	}
	m.mu.RUnlock()
	return names
}

// GetMechanism instantiates the named mechanism via its stored factory,
// passing the key store and listener.
func (m *Manager) GetMechanism(name string, listener Listener, initiator bool) (Mechanism, error) {
	m.mu.RLock()
	factory, ok := m.factories[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAuthMechanism, name)
	}
	return factory(m.ks, listener, initiator)
}

// RegisterDefaults registers every built-in mechanism.
func (m *Manager) RegisterDefaults() {
	m.RegisterMechanism(MechAnonymous, NewAnonymous)
	m.RegisterMechanism(MechSignV1, NewSignV1)
	m.RegisterMechanism(MechNoiseXX, NewNoiseXX)
}
