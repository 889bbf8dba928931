package daemon

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/ouni3233/alljoyn-core/pkg/auth"
)

// Version is the daemon release version.
const Version = "0.1.0"

// Bus types.
const (
	BusTypeSession = "session"
	BusTypeSystem  = "system"
)

// Default timeouts.
const (
	DefaultAuthTimeout     = 20 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Duration is a time.Duration that marshals as a string like "30s".
type Duration time.Duration

// MarshalJSON renders the duration in time.Duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// BeaconFields configures the UDP advertisement beacon.
type BeaconFields struct {
	Addr     string   `json:"addr"`
	Interval Duration `json:"interval"`
	TTL      Duration `json:"ttl"`
}

// Config defines configuration parameters for a Daemon.
type Config struct {
	Version string `json:"version"`
	BusType string `json:"bus_type"`

	// Listen holds the listen specs the daemon binds.
	Listen []string `json:"listen"`

	// BusAddr is the normalized connect spec peers should dial; it is
	// carried in advertisement beacons. Empty disables the beacon.
	BusAddr string `json:"bus_addr"`

	// AuthMechanisms is the space-separated list of enabled mechanisms.
	AuthMechanisms string `json:"auth_mechanisms"`

	// AllowRemote grants local endpoints remotely originated messages by
	// default.
	AllowRemote bool `json:"allow_remote"`

	KeyStorePath string `json:"keystore_path"`
	PidFile      string `json:"pidfile"`
	User         string `json:"user"`
	Fork         bool   `json:"fork"`

	AuthTimeout     Duration `json:"auth_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`

	Beacon BeaconFields `json:"beacon"`

	// MetricsAddr exposes prometheus metrics when non-empty.
	MetricsAddr string `json:"metrics_addr"`
}

// DefaultConfig returns a session bus configuration with every optional
// subsystem disabled.
func DefaultConfig() *Config {
	return &Config{
		BusType:         BusTypeSession,
		AuthMechanisms:  auth.MechAnonymous,
		AuthTimeout:     Duration(DefaultAuthTimeout),
		ShutdownTimeout: Duration(DefaultShutdownTimeout),
	}
}

// ParseConfig reads and validates a JSON config file.
func ParseConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close() // nolint: errcheck

	conf := DefaultConfig()
	if err := json.NewDecoder(f).Decode(conf); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks the config invariants.
func (c *Config) Validate() error {
	if c.BusType != BusTypeSession && c.BusType != BusTypeSystem {
		return errors.Errorf("unknown bus type %q", c.BusType)
	}
	if len(c.Listen) == 0 {
		return errors.New("no listen specs configured")
	}
	if c.AuthMechanisms == "" {
		return errors.New("no authentication mechanisms configured")
	}
	if c.KeyStorePath == "" {
		c.KeyStorePath = "bus-keystore.db"
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = Duration(DefaultAuthTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	return nil
}
