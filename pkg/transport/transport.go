// Package transport maintains the daemon's listeners and outbound
// connections and carries name advertisement and discovery between
// daemons. Transports yield raw byte streams; authentication and routing
// happen above them.
package transport

import (
	"context"
	"io"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
)

var log = logging.MustGetLogger("transport")

// Transport establishes streams for one protocol.
type Transport interface {
	// Proto returns the spec protocol the transport serves.
	Proto() string

	// Connect dials the remote daemon named by spec and returns the raw
	// stream.
	Connect(ctx context.Context, spec Spec) (io.ReadWriteCloser, error)

	// Listen binds the listen spec and delivers every accepted stream to
	// accept until the transport is stopped.
	Listen(spec Spec, accept AcceptFunc) error

	// EnableAdvertisement starts advertising the well-known name, if the
	// transport carries discovery.
	EnableAdvertisement(name string) error

	// DisableAdvertisement withdraws the name. Explicit withdrawal is
	// announced to peers as a zero-TTL event.
	DisableAdvertisement(name string) error

	// EnableDiscovery subscribes to advertisements matching prefix.
	EnableDiscovery(prefix string) error

	// DisableDiscovery drops the prefix subscription.
	DisableDiscovery(prefix string) error

	// Stop closes listeners and discovery state.
	Stop() error
}

// AcceptFunc receives an accepted inbound stream.
type AcceptFunc func(stream io.ReadWriteCloser)

// FoundEvent is a discovery observation: a remote daemon advertising
// names, or withdrawing them when TTL is zero.
type FoundEvent struct {
	BusAddr string
	GUID    string
	Names   []string
	TTL     time.Duration
}

// EventFunc consumes discovery observations.
type EventFunc func(ev FoundEvent)
