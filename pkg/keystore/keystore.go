// Package keystore persists the daemon's identity keys and learned peer
// keys in a bbolt database.
package keystore

import (
	"crypto/rand"
	"errors"

	"github.com/flynn/noise"
	"github.com/skycoin/skywire-utilities/pkg/cipher"
	"github.com/skycoin/skycoin/src/util/logging"
	"go.etcd.io/bbolt"
)

var (
	identityBucket = []byte("identity")
	peersBucket    = []byte("peers")

	keyPub      = []byte("pubkey")
	keySec      = []byte("seckey")
	keyNoisePub = []byte("noise_pub")
	keyNoiseSec = []byte("noise_sec")
)

var log = logging.MustGetLogger("keystore")

// ErrCorruptStore occurs when a stored key has an unexpected length.
var ErrCorruptStore = errors.New("corrupt key store entry")

// Store is a bbolt-backed key store. It holds the daemon's static identity
// keypair, its noise static keypair, and the public keys learned from
// authenticated peers.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) a key store at the given path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(identityBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(peersBucket)
		return err
	})
	if err != nil {
		db.Close() // nolint: errcheck
		return nil, err
	}
	return &Store{db: db}, nil
}

// Identity returns the daemon's static signing keypair, generating and
// persisting one on first use.
func (s *Store) Identity() (pk cipher.PubKey, sk cipher.SecKey, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(identityBucket)
		pb, sb := b.Get(keyPub), b.Get(keySec)
		if pb != nil && sb != nil {
			if len(pb) != len(pk) || len(sb) != len(sk) {
				return ErrCorruptStore
			}
			copy(pk[:], pb)
			copy(sk[:], sb)
			return nil
		}

		pk, sk = cipher.GenerateKeyPair()
		log.Infof("Generated new identity key %s", pk.Hex())
		if err := b.Put(keyPub, pk[:]); err != nil {
			return err
		}
		return b.Put(keySec, sk[:])
	})
	return pk, sk, err
}

// NoiseStatic returns the daemon's noise static keypair, generating and
// persisting one on first use.
func (s *Store) NoiseStatic() (noise.DHKey, error) {
	var key noise.DHKey
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(identityBucket)
		pb, sb := b.Get(keyNoisePub), b.Get(keyNoiseSec)
		if pb != nil && sb != nil {
			key = noise.DHKey{
				Public:  append([]byte(nil), pb...),
				Private: append([]byte(nil), sb...),
			}
			return nil
		}

		generated, err := noise.DH25519.GenerateKeypair(rand.Reader)
		if err != nil {
			return err
		}
		key = generated
		if err := b.Put(keyNoisePub, key.Public); err != nil {
			return err
		}
		return b.Put(keyNoiseSec, key.Private)
	})
	return key, err
}

// PeerKey returns the pinned public key for a peer name.
func (s *Store) PeerKey(name string) (pk cipher.PubKey, ok bool) {
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(peersBucket).Get([]byte(name))
		if v == nil || len(v) != len(pk) {
			return nil
		}
		copy(pk[:], v)
		ok = true
		return nil
	})
	if err != nil {
		return cipher.PubKey{}, false
	}
	return pk, ok
}

// SetPeerKey pins a public key for a peer name.
func (s *Store) SetPeerKey(name string, pk cipher.PubKey) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(peersBucket).Put([]byte(name), pk[:])
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
