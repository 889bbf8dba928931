package transport

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// DefaultBeaconAddr is the UDP broadcast address beacons are exchanged
// on.
const DefaultBeaconAddr = "255.255.255.255:9956"

// DefaultBeaconInterval is the period between advertisement beacons.
const DefaultBeaconInterval = 10 * time.Second

// DefaultAdvertiseTTL is the liveness window carried in beacons.
const DefaultAdvertiseTTL = 30 * time.Second

// beacon is the wire form of one advertisement datagram. TTL is in
// seconds; zero withdraws the carried names.
type beacon struct {
	GUID    string   `cbor:"1,keyasint"`
	BusAddr string   `cbor:"2,keyasint"`
	Names   []string `cbor:"3,keyasint"`
	TTL     uint32   `cbor:"4,keyasint"`
}

// NameServiceConfig parameterizes the beacon name service.
type NameServiceConfig struct {
	// GUID identifies this daemon; beacons carrying it are ignored.
	GUID string

	// BusAddr is the normalized connect spec peers should dial.
	BusAddr string

	// Addr is the UDP broadcast address. Empty means DefaultBeaconAddr.
	Addr string

	// Interval is the beacon period. Zero means DefaultBeaconInterval.
	Interval time.Duration

	// TTL is the advertised liveness window. Zero means
	// DefaultAdvertiseTTL.
	TTL time.Duration
}

// NameService advertises well-known names over periodic UDP beacons and
// surfaces the beacons of other daemons as discovery events.
type NameService struct {
	cfg   NameServiceConfig
	event EventFunc

	conn  *net.UDPConn
	bcast *net.UDPAddr

	mu         sync.Mutex
	advertised map[string]struct{}
	prefixes   map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewNameService constructs a NameService delivering discovery events to
// event.
func NewNameService(cfg NameServiceConfig, event EventFunc) *NameService {
	if cfg.Addr == "" {
		cfg.Addr = DefaultBeaconAddr
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultBeaconInterval
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultAdvertiseTTL
	}
	return &NameService{
		cfg:        cfg,
		event:      event,
		advertised: make(map[string]struct{}),
		prefixes:   make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// Start binds the beacon socket and spawns the receive and advertise
// loops.
func (ns *NameService) Start() error {
	bcast, err := net.ResolveUDPAddr("udp4", ns.cfg.Addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: bcast.Port})
	if err != nil {
		return err
	}
	ns.conn = conn
	ns.bcast = bcast

	ns.wg.Add(2)
	go ns.recvLoop()
	go ns.advertiseLoop()
	return nil
}

// Stop shuts the service down and waits for its loops.
func (ns *NameService) Stop() error {
	ns.closeOnce.Do(func() {
		close(ns.done)
		if ns.conn != nil {
			ns.conn.Close() // nolint: errcheck
		}
	})
	ns.wg.Wait()
	return nil
}

// Advertise adds a name to the beacon payload.
func (ns *NameService) Advertise(name string) {
	ns.mu.Lock()
	ns.advertised[name] = struct{}{}
	ns.mu.Unlock()
	ns.sendBeacon([]string{name}, ns.cfg.TTL)
}

// CancelAdvertise withdraws a name, announcing the withdrawal with a
// zero-TTL beacon.
func (ns *NameService) CancelAdvertise(name string) {
	ns.mu.Lock()
	delete(ns.advertised, name)
	ns.mu.Unlock()
	ns.sendBeacon([]string{name}, 0)
}

// Discover subscribes to names matching prefix.
func (ns *NameService) Discover(prefix string) {
	ns.mu.Lock()
	ns.prefixes[prefix] = struct{}{}
	ns.mu.Unlock()
}

// CancelDiscover drops the prefix subscription.
func (ns *NameService) CancelDiscover(prefix string) {
	ns.mu.Lock()
	delete(ns.prefixes, prefix)
	ns.mu.Unlock()
}

func (ns *NameService) advertiseLoop() {
	defer ns.wg.Done()

	ticker := time.NewTicker(ns.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ns.done:
			return
		case <-ticker.C:
			ns.mu.Lock()
			names := make([]string, 0, len(ns.advertised))
			for name := range ns.advertised {
				names = append(names, name)
			}
			ns.mu.Unlock()
			if len(names) == 0 {
				continue
			}
			sort.Strings(names)
			ns.sendBeacon(names, ns.cfg.TTL)
		}
	}
}

func (ns *NameService) sendBeacon(names []string, ttl time.Duration) {
	if ns.conn == nil {
		return
	}
	b := beacon{
		GUID:    ns.cfg.GUID,
		BusAddr: ns.cfg.BusAddr,
		Names:   names,
		TTL:     uint32(ttl / time.Second),
	}
	data, err := cbor.Marshal(b)
	if err != nil {
		log.Warnf("beacon encode: %v", err)
		return
	}
	if _, err := ns.conn.WriteToUDP(data, ns.bcast); err != nil {
		log.Debugf("beacon send: %v", err)
	}
}

func (ns *NameService) recvLoop() {
	defer ns.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		n, _, err := ns.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ns.done:
				return
			default:
			}
			log.Debugf("beacon read: %v", err)
			return
		}

		var b beacon
		if err := cbor.Unmarshal(buf[:n], &b); err != nil {
			log.Debugf("beacon decode: %v", err)
			continue
		}
		if b.GUID == ns.cfg.GUID || len(b.Names) == 0 {
			continue
		}
		// Zero-TTL withdrawals always pass so cached entries can
		// expire early.
		if b.TTL != 0 && !ns.interested(b.Names) {
			continue
		}
		ns.event(FoundEvent{
			BusAddr: b.BusAddr,
			GUID:    b.GUID,
			Names:   b.Names,
			TTL:     time.Duration(b.TTL) * time.Second,
		})
	}
}

// interested reports whether any beacon name matches a discovery prefix.
func (ns *NameService) interested(names []string) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if len(ns.prefixes) == 0 {
		return false
	}
	for _, name := range names {
		for prefix := range ns.prefixes {
			if strings.HasPrefix(name, prefix) {
				return true
			}
		}
	}
	return false
}
