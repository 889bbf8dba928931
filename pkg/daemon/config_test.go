package daemon

import (
	"encoding/json"
	stdlog "log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouni3233/alljoyn-core/pkg/auth"
)

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			stdlog.Fatal(err)
		}
		logging.SetLevel(lvl)
	} else {
		logging.Disable()
	}

	os.Exit(m.Run())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestParseConfig(t *testing.T) {
	path := writeConfig(t, `{
		"bus_type": "system",
		"listen": ["unix:path=/tmp/bus.sock", "tcp:addr=0.0.0.0,port=9955"],
		"bus_addr": "tcp:addr=10.0.0.1,port=9955",
		"auth_mechanisms": "SIGN_V1 NOISE_XX",
		"allow_remote": true,
		"keystore_path": "/var/lib/bus/keys.db",
		"auth_timeout": "45s",
		"beacon": {"addr": "255.255.255.255:9956", "interval": "5s", "ttl": "15s"}
	}`)

	conf, err := ParseConfig(path)
	require.NoError(t, err)
	assert.Equal(t, BusTypeSystem, conf.BusType)
	assert.Len(t, conf.Listen, 2)
	assert.Equal(t, "tcp:addr=10.0.0.1,port=9955", conf.BusAddr)
	assert.Equal(t, "SIGN_V1 NOISE_XX", conf.AuthMechanisms)
	assert.True(t, conf.AllowRemote)
	assert.Equal(t, "/var/lib/bus/keys.db", conf.KeyStorePath)
	assert.Equal(t, 45*time.Second, time.Duration(conf.AuthTimeout))
	assert.Equal(t, DefaultShutdownTimeout, time.Duration(conf.ShutdownTimeout), "defaults survive decoding")
	assert.Equal(t, 5*time.Second, time.Duration(conf.Beacon.Interval))
}

func TestParseConfigErrors(t *testing.T) {
	_, err := ParseConfig(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)

	_, err = ParseConfig(writeConfig(t, "{not json"))
	assert.Error(t, err)

	_, err = ParseConfig(writeConfig(t, `{"bus_type": "session"}`))
	assert.Error(t, err, "no listen specs")
}

func TestValidate(t *testing.T) {
	conf := DefaultConfig()
	conf.Listen = []string{"unix:path=/tmp/bus.sock"}
	require.NoError(t, conf.Validate())
	assert.Equal(t, "bus-keystore.db", conf.KeyStorePath)
	assert.Equal(t, DefaultAuthTimeout, time.Duration(conf.AuthTimeout))

	conf.BusType = "mesh"
	assert.Error(t, conf.Validate())
	conf.BusType = BusTypeSession

	conf.AuthMechanisms = ""
	assert.Error(t, conf.Validate())
}

func TestDefaultConfig(t *testing.T) {
	conf := DefaultConfig()
	assert.Equal(t, BusTypeSession, conf.BusType)
	assert.Equal(t, auth.MechAnonymous, conf.AuthMechanisms)
	assert.False(t, conf.AllowRemote)
}

func TestDurationJSON(t *testing.T) {
	data, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"250ms"`), &d))
	assert.Equal(t, 250*time.Millisecond, time.Duration(d))

	require.NoError(t, json.Unmarshal([]byte(`1000000000`), &d))
	assert.Equal(t, time.Second, time.Duration(d))

	assert.Error(t, json.Unmarshal([]byte(`"fast"`), &d))
}
