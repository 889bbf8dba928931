package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameServiceDefaults(t *testing.T) {
	ns := NewNameService(NameServiceConfig{GUID: "guid-1"}, nil)
	assert.Equal(t, DefaultBeaconAddr, ns.cfg.Addr)
	assert.Equal(t, DefaultBeaconInterval, ns.cfg.Interval)
	assert.Equal(t, DefaultAdvertiseTTL, ns.cfg.TTL)
}

func TestNameServiceInterested(t *testing.T) {
	ns := NewNameService(NameServiceConfig{GUID: "guid-1"}, nil)

	assert.False(t, ns.interested([]string{"org.example.app"}), "no subscriptions yet")

	ns.Discover("org.example")
	assert.True(t, ns.interested([]string{"org.example.app"}))
	assert.True(t, ns.interested([]string{"com.other", "org.example.app"}))
	assert.False(t, ns.interested([]string{"com.other"}))

	ns.CancelDiscover("org.example")
	assert.False(t, ns.interested([]string{"org.example.app"}))
}

func TestNameServiceAdvertiseBookkeeping(t *testing.T) {
	ns := NewNameService(NameServiceConfig{GUID: "guid-1"}, nil)

	// Without a bound socket beacons are silently skipped, only the
	// advertised set changes.
	ns.Advertise("org.example.app")
	ns.Advertise("org.example.other")
	ns.mu.Lock()
	assert.Len(t, ns.advertised, 2)
	ns.mu.Unlock()

	ns.CancelAdvertise("org.example.app")
	ns.mu.Lock()
	_, ok := ns.advertised["org.example.app"]
	ns.mu.Unlock()
	assert.False(t, ok)
}
