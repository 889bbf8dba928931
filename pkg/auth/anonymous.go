package auth

import "github.com/ouni3233/alljoyn-core/pkg/keystore"

// MechAnonymous is the name of the no-credential mechanism.
const MechAnonymous = "ANONYMOUS"

// anonymous accepts any peer without exchanging credentials.
type anonymous struct{}

// NewAnonymous constructs the ANONYMOUS mechanism.
func NewAnonymous(_ *keystore.Store, _ Listener, _ bool) (Mechanism, error) {
	return anonymous{}, nil
}

func (anonymous) Name() string { return MechAnonymous }

func (anonymous) InitialResponse() ([]byte, error) { return nil, nil }

func (anonymous) Challenge(_ []byte) ([]byte, Status, error) {
	return nil, StatusOK, nil
}
