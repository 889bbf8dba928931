// Package daemon assembles the bus: key store, authentication,
// transports, router, control objects and the reaper, and runs them
// until shutdown.
package daemon

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/ouni3233/alljoyn-core/pkg/auth"
	"github.com/ouni3233/alljoyn-core/pkg/busobj"
	"github.com/ouni3233/alljoyn-core/pkg/endpoint"
	"github.com/ouni3233/alljoyn-core/pkg/keystore"
	"github.com/ouni3233/alljoyn-core/pkg/message"
	"github.com/ouni3233/alljoyn-core/pkg/nametable"
	"github.com/ouni3233/alljoyn-core/pkg/router"
	"github.com/ouni3233/alljoyn-core/pkg/transport"
)

var log = logging.MustGetLogger("daemon")

// ErrAlreadyServing occurs when Serve is called twice.
var ErrAlreadyServing = errors.New("daemon already serving")

// Daemon is one running bus instance.
type Daemon struct {
	cfg  *Config
	guid string

	ks         *keystore.Store
	mechanisms *auth.Manager
	rtr        *router.Router
	transports *transport.Manager
	ns         *transport.NameService
	obj        *busobj.Obj
	dbus       *busobj.DBusObj
	metrics    *Metrics
	promReg    *prometheus.Registry

	mu      sync.Mutex
	serving bool
	b2b     map[string]*endpoint.StreamEndpoint
	eps     map[*endpoint.StreamEndpoint]struct{}

	reaperCancel context.CancelFunc
	reaperWG     sync.WaitGroup
	httpSrv      *http.Server
}

// New assembles a Daemon from the config.
func New(cfg *Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:  cfg,
		guid: uuid.New().String(),
		b2b:  make(map[string]*endpoint.StreamEndpoint),
		eps:  make(map[*endpoint.StreamEndpoint]struct{}),
	}

	ks, err := keystore.Open(cfg.KeyStorePath)
	if err != nil {
		return nil, errors.Wrap(err, "open key store")
	}
	d.ks = ks

	d.mechanisms = auth.NewManager(ks)
	d.mechanisms.RegisterDefaults()
	if err := d.mechanisms.CheckNames(cfg.AuthMechanisms); err != nil {
		ks.Close() // nolint: errcheck
		return nil, err
	}
	if n := d.mechanisms.FilterMechanisms(cfg.AuthMechanisms); n == 0 {
		ks.Close() // nolint: errcheck
		return nil, errors.New("no usable authentication mechanisms")
	}

	d.rtr = router.New(nametable.New())
	d.rtr.SetOverloadFunc(func(ep *endpoint.StreamEndpoint) {
		go d.closeBus2Bus(ep)
	})

	d.transports = transport.NewManager()
	if cfg.BusAddr != "" {
		d.ns = transport.NewNameService(transport.NameServiceConfig{
			GUID:     d.guid,
			BusAddr:  cfg.BusAddr,
			Addr:     cfg.Beacon.Addr,
			Interval: time.Duration(cfg.Beacon.Interval),
			TTL:      time.Duration(cfg.Beacon.TTL),
		}, d.onFoundEvent)
	}
	d.transports.Register(transport.NewTCPTransport(d.ns))
	d.transports.Register(transport.NewUnixTransport())

	d.obj = busobj.New(d.guid, d.rtr, d.transports, d, clock.New())
	d.dbus = busobj.NewDBusObj(d.rtr)
	d.promReg = prometheus.NewRegistry()
	d.metrics = NewMetrics(d.promReg, func() float64 {
		return float64(d.obj.NameMapSize())
	})
	return d, nil
}

// GUID returns the daemon's process GUID.
func (d *Daemon) GUID() string { return d.guid }

// Router returns the daemon's router.
func (d *Daemon) Router() *router.Router { return d.rtr }

// Addresses returns the configured listen specs.
func (d *Daemon) Addresses() []string { return d.cfg.Listen }

// Serve binds the listeners, starts discovery and the reaper, and
// returns. The daemon runs until Close.
func (d *Daemon) Serve() error {
	d.mu.Lock()
	if d.serving {
		d.mu.Unlock()
		return ErrAlreadyServing
	}
	d.serving = true
	d.mu.Unlock()

	if err := d.transports.Listen(d.cfg.Listen, d.acceptStream); err != nil {
		return errors.Wrap(err, "bind listeners")
	}
	if d.ns != nil {
		if err := d.ns.Start(); err != nil {
			return errors.Wrap(err, "start name service")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.reaperCancel = cancel
	d.reaperWG.Add(1)
	go func() {
		defer d.reaperWG.Done()
		busobj.NewReaper(d.obj).Run(ctx)
	}()

	if d.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(d.promReg, promhttp.HandlerOpts{}))
		d.httpSrv = &http.Server{Addr: d.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := d.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warnf("metrics server: %v", err)
			}
		}()
	}

	log.Infof("bus %s serving on %v", d.guid, d.cfg.Listen)
	return nil
}

// acceptStream authenticates one inbound stream and registers the
// resulting endpoint.
func (d *Daemon) acceptStream(stream io.ReadWriteCloser) {
	go func() {
		res, err := endpoint.Authenticate(stream, endpoint.AuthConfig{
			Mechanisms:   d.mechanisms,
			GUID:         d.guid,
			AssignedName: d.rtr.AllocUniqueName(),
			AllowRemote:  d.cfg.AllowRemote,
			Acceptor:     true,
			Timeout:      time.Duration(d.cfg.AuthTimeout),
		})
		if err != nil {
			log.Warnf("handshake failed: %v", err)
			stream.Close() // nolint: errcheck
			return
		}

		var ep *endpoint.StreamEndpoint
		if res.BusToBus {
			ep = endpoint.NewBus2Bus(stream, res, "")
		} else {
			ep = endpoint.NewLocal(stream, res)
		}
		if err := d.startEndpoint(ep); err != nil {
			log.Warnf("register %s: %v", ep.UniqueName(), err)
			ep.Close() // nolint: errcheck
			return
		}
		if res.BusToBus {
			d.obj.SendExchangeNames(ep)
		}
	}()
}

func (d *Daemon) startEndpoint(ep *endpoint.StreamEndpoint) error {
	if err := d.rtr.RegisterEndpoint(ep); err != nil {
		return err
	}
	d.mu.Lock()
	d.eps[ep] = struct{}{}
	if ep.Kind() == endpoint.KindBus2Bus && ep.BusAddr() != "" {
		d.b2b[ep.BusAddr()] = ep
	}
	d.mu.Unlock()
	d.metrics.Endpoints.Inc()

	ep.Start(d.onMessage, d.onEndpointClosed)
	log.Infof("%s endpoint %s attached", ep.Kind(), ep.UniqueName())
	return nil
}

func (d *Daemon) onMessage(ep *endpoint.StreamEndpoint, m *message.Message) {
	d.metrics.MessagesRouted.Inc()

	if d.obj.HandleMessage(ep, m) {
		return
	}
	if ep.Kind() == endpoint.KindLocal && d.dbus.HandleMessage(ep, m) {
		return
	}
	d.rtr.Route(ep, m)
}

func (d *Daemon) onEndpointClosed(ep *endpoint.StreamEndpoint, err error) {
	if err != nil {
		log.Warnf("endpoint %s: %v", ep.UniqueName(), err)
	}

	d.mu.Lock()
	if _, tracked := d.eps[ep]; !tracked {
		d.mu.Unlock()
		return
	}
	delete(d.eps, ep)
	if ep.Kind() == endpoint.KindBus2Bus && ep.BusAddr() != "" {
		delete(d.b2b, ep.BusAddr())
	}
	d.mu.Unlock()
	d.metrics.Endpoints.Dec()

	if ep.Kind() == endpoint.KindBus2Bus {
		d.obj.Bus2BusClosed(ep)
	} else {
		d.obj.LocalEndpointClosed(ep)
	}
	log.Infof("%s endpoint %s detached", ep.Kind(), ep.UniqueName())
}

// ConnectBus dials a peer daemon at the normalized spec, authenticates
// as the initiator and registers the bus-to-bus endpoint.
func (d *Daemon) ConnectBus(ctx context.Context, spec string) (*endpoint.StreamEndpoint, error) {
	stream, norm, err := d.transports.Connect(ctx, spec)
	if err != nil {
		return nil, err
	}

	res, err := endpoint.Authenticate(stream, endpoint.AuthConfig{
		Mechanisms:   d.mechanisms,
		GUID:         d.guid,
		AssignedName: d.rtr.AllocUniqueName(),
		BusToBus:     true,
		AllowRemote:  true,
		Timeout:      time.Duration(d.cfg.AuthTimeout),
	})
	if err != nil {
		stream.Close() // nolint: errcheck
		return nil, err
	}

	ep := endpoint.NewBus2Bus(stream, res, norm)
	if err := d.startEndpoint(ep); err != nil {
		ep.Close() // nolint: errcheck
		return nil, err
	}
	return ep, nil
}

// DisconnectBus closes the bus-to-bus endpoint dialed for the
// normalized spec.
func (d *Daemon) DisconnectBus(spec string) {
	d.mu.Lock()
	ep := d.b2b[spec]
	d.mu.Unlock()
	if ep != nil {
		d.closeBus2Bus(ep)
	}
}

func (d *Daemon) onFoundEvent(ev transport.FoundEvent) {
	d.obj.HandleFoundEvent(ev)
}

func (d *Daemon) closeBus2Bus(ep *endpoint.StreamEndpoint) {
	ep.Close() // nolint: errcheck
	ep.Wait()
}

// Close shuts the daemon down: listeners first, then endpoints with a
// bounded drain deadline, then the reaper and auxiliary servers.
func (d *Daemon) Close() error {
	d.transports.Stop()

	d.mu.Lock()
	eps := make([]*endpoint.StreamEndpoint, 0, len(d.eps))
	for ep := range d.eps {
		eps = append(eps, ep)
	}
	d.mu.Unlock()

	deadline := time.After(time.Duration(d.cfg.ShutdownTimeout))
	done := make(chan struct{})
	go func() {
		for _, ep := range eps {
			ep.Close() // nolint: errcheck
			ep.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-deadline:
		log.Warn("shutdown drain deadline hit")
	}

	if d.reaperCancel != nil {
		d.reaperCancel()
		d.reaperWG.Wait()
	}
	if d.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		d.httpSrv.Shutdown(ctx) // nolint: errcheck
		cancel()
	}
	return d.ks.Close()
}
