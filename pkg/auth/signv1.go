package auth

import (
	"github.com/skycoin/skywire-utilities/pkg/cipher"

	"github.com/ouni3233/alljoyn-core/pkg/keystore"
)

// MechSignV1 is the name of the nonce-signature challenge mechanism.
const MechSignV1 = "SIGN_V1"

const signNonceSize = 32

// signV1 authenticates the initiator to the acceptor: the initiator
// presents its public key, signs the acceptor's nonce, and the acceptor
// verifies the signature. The verified key is recorded in the key store on
// first sight.
type signV1 struct {
	ks        *keystore.Store
	initiator bool

	localPK cipher.PubKey
	localSK cipher.SecKey

	peerPK cipher.PubKey
	nonce  []byte
	step   int
}

// NewSignV1 constructs the SIGN_V1 mechanism.
func NewSignV1(ks *keystore.Store, _ Listener, initiator bool) (Mechanism, error) {
	pk, sk, err := ks.Identity()
	if err != nil {
		return nil, err
	}
	return &signV1{
		ks:        ks,
		initiator: initiator,
		localPK:   pk,
		localSK:   sk,
	}, nil
}

func (s *signV1) Name() string { return MechSignV1 }

func (s *signV1) InitialResponse() ([]byte, error) {
	return s.localPK[:], nil
}

func (s *signV1) Challenge(in []byte) ([]byte, Status, error) {
	if s.initiator {
		return s.initiatorChallenge(in)
	}
	return s.acceptorChallenge(in)
}

// initiator: step 0 consumes the acceptor's nonce and answers with a
// signature over it.
func (s *signV1) initiatorChallenge(in []byte) ([]byte, Status, error) {
	switch s.step {
	case 0:
		if len(in) != signNonceSize {
			return nil, StatusFail, ErrAuthFailed
		}
		sig, err := cipher.SignPayload(in, s.localSK)
		if err != nil {
			return nil, StatusFail, err
		}
		s.step++
		return sig[:], StatusOK, nil
	default:
		return nil, StatusFail, ErrAuthFailed
	}
}

// acceptor: step 0 consumes the initiator's public key and answers with a
// nonce; step 1 verifies the returned signature.
func (s *signV1) acceptorChallenge(in []byte) ([]byte, Status, error) {
	switch s.step {
	case 0:
		if len(in) != len(s.peerPK) {
			return nil, StatusFail, ErrAuthFailed
		}
		copy(s.peerPK[:], in)
		s.nonce = cipher.RandByte(signNonceSize)
		s.step++
		return s.nonce, StatusContinue, nil
	case 1:
		var sig cipher.Sig
		if len(in) != len(sig) {
			return nil, StatusFail, ErrAuthFailed
		}
		copy(sig[:], in)
		if err := cipher.VerifyPubKeySignedPayload(s.peerPK, sig, s.nonce); err != nil {
			return nil, StatusFail, ErrAuthFailed
		}
		if _, ok := s.ks.PeerKey(s.peerPK.Hex()); !ok {
			if err := s.ks.SetPeerKey(s.peerPK.Hex(), s.peerPK); err != nil {
				log.Warnf("Failed to record peer key: %s", err)
			}
		}
		s.step++
		return nil, StatusOK, nil
	default:
		return nil, StatusFail, ErrAuthFailed
	}
}
