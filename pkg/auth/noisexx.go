package auth

import (
	"crypto/rand"

	"github.com/flynn/noise"

	"github.com/ouni3233/alljoyn-core/pkg/keystore"
)

// MechNoiseXX is the name of the noise XX handshake mechanism.
const MechNoiseXX = "NOISE_XX"

// noiseXX runs the three-message noise XX pattern with the daemon's static
// noise keypair. Both sides prove possession of their static keys; neither
// side needs prior knowledge of the peer.
type noiseXX struct {
	initiator bool
	hs        *noise.HandshakeState
	done      bool
}

// NewNoiseXX constructs the NOISE_XX mechanism.
func NewNoiseXX(ks *keystore.Store, _ Listener, initiator bool) (Mechanism, error) {
	static, err := ks.NoiseStatic()
	if err != nil {
		return nil, err
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, err
	}
	return &noiseXX{initiator: initiator, hs: hs}, nil
}

func (n *noiseXX) Name() string { return MechNoiseXX }

func (n *noiseXX) InitialResponse() ([]byte, error) {
	msg, _, _, err := n.hs.WriteMessage(nil, nil)
	return msg, err
}

func (n *noiseXX) Challenge(in []byte) ([]byte, Status, error) {
	if n.done {
		return nil, StatusFail, ErrAuthFailed
	}
	if _, _, _, err := n.hs.ReadMessage(nil, in); err != nil {
		return nil, StatusFail, ErrAuthFailed
	}
	if n.hs.MessageIndex() >= len(noise.HandshakeXX.Messages) {
		// Acceptor consumed the final message.
		n.done = true
		return nil, StatusOK, nil
	}

	out, _, _, err := n.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, StatusFail, ErrAuthFailed
	}
	if n.hs.MessageIndex() >= len(noise.HandshakeXX.Messages) {
		n.done = true
		return out, StatusOK, nil
	}
	return out, StatusContinue, nil
}
