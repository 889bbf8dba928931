package transport

import (
	stdlog "log"
	"os"
	"testing"

	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec("tcp:addr=10.0.0.1,port=9955")
	require.NoError(t, err)
	assert.Equal(t, "tcp", spec.Proto)
	assert.Equal(t, map[string]string{"addr": "10.0.0.1", "port": "9955"}, spec.Params)

	spec, err = ParseSpec("unix:")
	require.NoError(t, err)
	assert.Equal(t, "unix", spec.Proto)
	assert.Empty(t, spec.Params)
}

func TestParseSpecRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"tcp",
		":addr=1",
		"tcp:addr",
		"tcp:=1",
		"tcp:addr=1,addr=2",
	} {
		_, err := ParseSpec(raw)
		assert.ErrorIs(t, err, ErrInvalidSpec, raw)
	}
}

func TestNormalize(t *testing.T) {
	spec, err := ParseSpec("tcp:port=9955,addr=10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "tcp:addr=10.0.0.1,port=9955", spec.Normalize())

	spec, err = ParseSpec("unix:")
	require.NoError(t, err)
	assert.Equal(t, "unix:", spec.Normalize())
}

func TestNormalizeIsCanonical(t *testing.T) {
	a, err := ParseSpec("tcp:addr=10.0.0.1,port=9955")
	require.NoError(t, err)
	b, err := ParseSpec("tcp:port=9955,addr=10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, a.Normalize(), b.Normalize())
}

func TestParam(t *testing.T) {
	spec, err := ParseSpec("tcp:addr=10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", spec.Param("addr", "0.0.0.0"))
	assert.Equal(t, "9955", spec.Param("port", "9955"))
}
