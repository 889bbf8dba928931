package endpoint

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouni3233/alljoyn-core/pkg/auth"
	"github.com/ouni3233/alljoyn-core/pkg/keystore"
)

func newManager(t *testing.T, mechanisms string) *auth.Manager {
	t.Helper()
	ks, err := keystore.Open(filepath.Join(t.TempDir(), "keystore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() }) // nolint: errcheck

	m := auth.NewManager(ks)
	m.RegisterDefaults()
	require.NoError(t, m.CheckNames(mechanisms))
	m.FilterMechanisms(mechanisms)
	return m
}

type handshakeOutcome struct {
	res *AuthResult
	err error
}

func runBothSides(initCfg, accCfg AuthConfig) (init, acc handshakeOutcome) {
	initStream, accStream := net.Pipe()
	defer initStream.Close()
	defer accStream.Close()

	accCh := make(chan handshakeOutcome, 1)
	go func() {
		res, err := Authenticate(accStream, accCfg)
		accCh <- handshakeOutcome{res, err}
	}()

	res, err := Authenticate(initStream, initCfg)
	return handshakeOutcome{res, err}, <-accCh
}

func TestAuthenticateAnonymous(t *testing.T) {
	init, acc := runBothSides(
		AuthConfig{Mechanisms: newManager(t, auth.MechAnonymous), GUID: "guid-client"},
		AuthConfig{
			Mechanisms:   newManager(t, auth.MechAnonymous),
			GUID:         "guid-daemon",
			AssignedName: ":1.0",
			Acceptor:     true,
		},
	)

	require.NoError(t, init.err)
	require.NoError(t, acc.err)

	assert.Equal(t, ":1.0", init.res.UniqueName)
	assert.Equal(t, ":1.0", acc.res.UniqueName)
	assert.Equal(t, "guid-daemon", init.res.PeerGUID)
	assert.Equal(t, "guid-client", acc.res.PeerGUID)
	assert.Equal(t, auth.MechAnonymous, init.res.Mechanism)
	assert.Equal(t, auth.MechAnonymous, acc.res.Mechanism)
	assert.False(t, acc.res.BusToBus)
	assert.True(t, acc.res.Acceptor)
	assert.False(t, init.res.Acceptor)
}

func TestAuthenticateBusToBus(t *testing.T) {
	init, acc := runBothSides(
		AuthConfig{
			Mechanisms:   newManager(t, auth.MechAnonymous),
			GUID:         "guid-d1",
			AssignedName: ":1.4",
			BusToBus:     true,
			AllowRemote:  true,
		},
		AuthConfig{
			Mechanisms:   newManager(t, auth.MechAnonymous),
			GUID:         "guid-d2",
			AssignedName: ":1.9",
			Acceptor:     true,
		},
	)

	require.NoError(t, init.err)
	require.NoError(t, acc.err)

	assert.True(t, acc.res.BusToBus)
	assert.True(t, acc.res.AllowRemote, "bus-to-bus links always accept remote traffic")
	assert.Equal(t, ":1.4", init.res.UniqueName, "initiator keeps its own name for the link")
	assert.Equal(t, ":1.9", acc.res.UniqueName)
	assert.Equal(t, ":1.4", acc.res.PeerName)
	assert.Equal(t, ":1.9", init.res.PeerName)
}

func TestAuthenticateSignV1(t *testing.T) {
	init, acc := runBothSides(
		AuthConfig{Mechanisms: newManager(t, auth.MechSignV1), GUID: "guid-client"},
		AuthConfig{
			Mechanisms:   newManager(t, auth.MechSignV1),
			GUID:         "guid-daemon",
			AssignedName: ":1.0",
			Acceptor:     true,
		},
	)

	require.NoError(t, init.err)
	require.NoError(t, acc.err)
	assert.Equal(t, auth.MechSignV1, init.res.Mechanism)
	assert.Equal(t, auth.MechSignV1, acc.res.Mechanism)
}

func TestAuthenticateNoiseXX(t *testing.T) {
	init, acc := runBothSides(
		AuthConfig{Mechanisms: newManager(t, auth.MechNoiseXX), GUID: "guid-client"},
		AuthConfig{
			Mechanisms:   newManager(t, auth.MechNoiseXX),
			GUID:         "guid-daemon",
			AssignedName: ":1.0",
			Acceptor:     true,
		},
	)

	require.NoError(t, init.err)
	require.NoError(t, acc.err)
	assert.Equal(t, auth.MechNoiseXX, init.res.Mechanism)
	assert.Equal(t, auth.MechNoiseXX, acc.res.Mechanism)
}

func TestAuthenticateNoMutualMechanism(t *testing.T) {
	init, acc := runBothSides(
		AuthConfig{Mechanisms: newManager(t, auth.MechSignV1), GUID: "guid-client"},
		AuthConfig{
			Mechanisms:   newManager(t, auth.MechAnonymous),
			GUID:         "guid-daemon",
			AssignedName: ":1.0",
			Acceptor:     true,
		},
	)

	assert.True(t, errors.Is(init.err, ErrMechanismUnsupported))
	assert.True(t, errors.Is(acc.err, ErrMechanismUnsupported))
}

func TestAuthenticateVersionMismatch(t *testing.T) {
	init, acc := runBothSides(
		AuthConfig{
			Mechanisms:      newManager(t, auth.MechAnonymous),
			GUID:            "guid-client",
			ProtocolVersion: ProtocolVersion + 1,
		},
		AuthConfig{
			Mechanisms:   newManager(t, auth.MechAnonymous),
			GUID:         "guid-daemon",
			AssignedName: ":1.0",
			Acceptor:     true,
		},
	)

	assert.Error(t, init.err)
	assert.True(t, errors.Is(acc.err, ErrProtocolMismatch))
}

func TestAuthenticateTimeout(t *testing.T) {
	stream, other := net.Pipe()
	defer other.Close()

	_, err := Authenticate(stream, AuthConfig{
		Mechanisms:   newManager(t, auth.MechAnonymous),
		GUID:         "guid-daemon",
		AssignedName: ":1.0",
		Acceptor:     true,
		Timeout:      50 * time.Millisecond,
	})
	assert.Equal(t, ErrAuthTimeout, err)
}
