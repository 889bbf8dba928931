package endpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ouni3233/alljoyn-core/pkg/auth"
)

var (
	// ErrMechanismUnsupported occurs when the two sides share no
	// authentication mechanism.
	ErrMechanismUnsupported = errors.New("no mutually supported authentication mechanism")

	// ErrProtocolMismatch occurs when the peer's protocol version is not
	// compatible.
	ErrProtocolMismatch = errors.New("protocol version mismatch")

	// ErrStreamClosed occurs when the stream ends mid-handshake.
	ErrStreamClosed = errors.New("stream closed during handshake")

	// ErrAuthTimeout occurs when the handshake does not complete within
	// the configured deadline.
	ErrAuthTimeout = errors.New("authentication timed out")
)

// ProtocolVersion is the daemon protocol version spoken on new streams.
const ProtocolVersion uint32 = 12

// DefaultAuthTimeout bounds a whole handshake.
const DefaultAuthTimeout = 30 * time.Second

// AuthConfig parameterizes one handshake.
type AuthConfig struct {
	// Mechanisms supplies the mechanism factories for this daemon.
	Mechanisms *auth.Manager

	// Listener provides credential callouts to mechanisms.
	Listener auth.Listener

	// GUID is this daemon's GUID.
	GUID string

	// AssignedName is the unique name the local daemon assigns to the
	// peer (acceptor side), or the name this side already holds
	// (initiator side, empty for fresh clients).
	AssignedName string

	// BusToBus marks the stream as a daemon-to-daemon link.
	BusToBus bool

	// AllowRemote grants the endpoint messages of remote origin.
	AllowRemote bool

	// Acceptor selects the accepting side of the exchange.
	Acceptor bool

	// Timeout bounds the handshake. Zero means DefaultAuthTimeout.
	Timeout time.Duration

	// ProtocolVersion overrides the advertised version. Zero means
	// ProtocolVersion.
	ProtocolVersion uint32
}

// AuthResult carries the outcome of a completed handshake.
type AuthResult struct {
	// UniqueName is the name this daemon uses for the endpoint.
	UniqueName string

	// PeerName is the name the peer reported for itself.
	PeerName string

	// PeerGUID is the peer daemon's GUID, empty for local clients.
	PeerGUID string

	// PeerProtocolVersion is the version the peer advertised.
	PeerProtocolVersion uint32

	// Mechanism is the name of the mechanism that authenticated the
	// stream.
	Mechanism string

	// BusToBus reports whether the stream is a daemon-to-daemon link.
	BusToBus bool

	// AllowRemote reports whether remotely originated messages may be
	// delivered to the endpoint.
	AllowRemote bool

	// Acceptor reports whether the local side accepted the connection.
	Acceptor bool
}

// helloFrame opens the handshake in both directions. The initiator sends
// it first with its mechanism preference list; the acceptor answers after
// authentication with the assigned name, and the initiator confirms.
type helloFrame struct {
	Version     uint32 `json:"version"`
	GUID        string `json:"guid,omitempty"`
	Name        string `json:"name,omitempty"`
	BusToBus    bool   `json:"bus_to_bus,omitempty"`
	AllowRemote bool   `json:"allow_remote,omitempty"`
	Mechanisms  string `json:"mechanisms,omitempty"`
}

// authFrame carries one round of a mechanism exchange.
type authFrame struct {
	Mechanism string `json:"mechanism,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Status    string `json:"status"`
}

// Auth frame status values.
const (
	statusContinue = "continue"
	statusOK       = "ok"
	statusError    = "error"
)

// Authenticate drives the full handshake over stream and returns the
// negotiated result. On error the stream is left open for the caller to
// close.
func Authenticate(stream io.ReadWriteCloser, cfg AuthConfig) (*AuthResult, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultAuthTimeout
	}

	type outcome struct {
		res *AuthResult
		err error
	}
	resCh := make(chan outcome, 1)
	go func() {
		res, err := runHandshake(stream, cfg)
		resCh <- outcome{res, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-resCh:
		return out.res, out.err
	case <-timer.C:
		stream.Close() // nolint: errcheck
		<-resCh
		return nil, ErrAuthTimeout
	}
}

func runHandshake(stream io.ReadWriteCloser, cfg AuthConfig) (*AuthResult, error) {
	hs := &handshake{
		stream: stream,
		enc:    json.NewEncoder(stream),
		dec:    json.NewDecoder(stream),
		cfg:    cfg,
	}
	if cfg.Acceptor {
		return hs.accept()
	}
	return hs.initiate()
}

type handshake struct {
	stream io.ReadWriteCloser
	enc    *json.Encoder
	dec    *json.Decoder
	cfg    AuthConfig
}

func (h *handshake) version() uint32 {
	if h.cfg.ProtocolVersion != 0 {
		return h.cfg.ProtocolVersion
	}
	return ProtocolVersion
}

func (h *handshake) writeHello(f helloFrame) error {
	if err := h.enc.Encode(f); err != nil {
		return fmt.Errorf("write hello: %w", ErrStreamClosed)
	}
	return nil
}

func (h *handshake) readHello() (helloFrame, error) {
	var f helloFrame
	if err := h.dec.Decode(&f); err != nil {
		return f, fmt.Errorf("read hello: %w", ErrStreamClosed)
	}
	return f, nil
}

func (h *handshake) writeAuth(f authFrame) error {
	if err := h.enc.Encode(f); err != nil {
		return fmt.Errorf("write auth frame: %w", ErrStreamClosed)
	}
	return nil
}

func (h *handshake) readAuth() (authFrame, error) {
	var f authFrame
	if err := h.dec.Decode(&f); err != nil {
		return f, fmt.Errorf("read auth frame: %w", ErrStreamClosed)
	}
	return f, nil
}

// initiate runs the initiating side: hello, mechanism exchange, then the
// closing name confirmation.
func (h *handshake) initiate() (*AuthResult, error) {
	names := h.cfg.Mechanisms.Names()
	if err := h.writeHello(helloFrame{
		Version:     h.version(),
		GUID:        h.cfg.GUID,
		BusToBus:    h.cfg.BusToBus,
		AllowRemote: h.cfg.AllowRemote,
		Mechanisms:  strings.Join(names, " "),
	}); err != nil {
		return nil, err
	}

	pick, err := h.readAuth()
	if err != nil {
		return nil, err
	}
	if pick.Status == statusError {
		return nil, ErrMechanismUnsupported
	}
	mech, err := h.cfg.Mechanisms.GetMechanism(pick.Mechanism, h.cfg.Listener, true)
	if err != nil {
		return nil, err
	}

	initial, err := mech.InitialResponse()
	if err != nil {
		return nil, auth.ErrAuthFailed
	}
	if err := h.writeAuth(authFrame{Mechanism: mech.Name(), Data: initial, Status: statusContinue}); err != nil {
		return nil, err
	}
	if err := h.pump(mech, false); err != nil {
		return nil, err
	}

	serverHello, err := h.readHello()
	if err != nil {
		return nil, err
	}
	if serverHello.Version != h.version() {
		return nil, fmt.Errorf("%w: local %d, peer %d", ErrProtocolMismatch, h.version(), serverHello.Version)
	}

	uniqueName := h.cfg.AssignedName
	if uniqueName == "" {
		uniqueName = serverHello.Name
	}
	if err := h.writeHello(helloFrame{
		Version: h.version(),
		GUID:    h.cfg.GUID,
		Name:    uniqueName,
	}); err != nil {
		return nil, err
	}

	return &AuthResult{
		UniqueName:          uniqueName,
		PeerName:            serverHello.Name,
		PeerGUID:            serverHello.GUID,
		PeerProtocolVersion: serverHello.Version,
		Mechanism:           mech.Name(),
		BusToBus:            h.cfg.BusToBus,
		AllowRemote:         h.cfg.AllowRemote,
		Acceptor:            false,
	}, nil
}

// accept runs the accepting side: read hello, pick a mechanism, run the
// exchange, then assign and confirm names.
func (h *handshake) accept() (*AuthResult, error) {
	hello, err := h.readHello()
	if err != nil {
		return nil, err
	}
	if hello.Version != h.version() {
		h.writeAuth(authFrame{Status: statusError}) // nolint: errcheck
		return nil, fmt.Errorf("%w: local %d, peer %d", ErrProtocolMismatch, h.version(), hello.Version)
	}

	mechName := h.pickMechanism(hello.Mechanisms)
	if mechName == "" {
		h.writeAuth(authFrame{Status: statusError}) // nolint: errcheck
		return nil, ErrMechanismUnsupported
	}
	mech, err := h.cfg.Mechanisms.GetMechanism(mechName, h.cfg.Listener, false)
	if err != nil {
		h.writeAuth(authFrame{Status: statusError}) // nolint: errcheck
		return nil, err
	}
	if err := h.writeAuth(authFrame{Mechanism: mechName, Status: statusContinue}); err != nil {
		return nil, err
	}
	if err := h.pump(mech, false); err != nil {
		return nil, err
	}

	if err := h.writeHello(helloFrame{
		Version: h.version(),
		GUID:    h.cfg.GUID,
		Name:    h.cfg.AssignedName,
	}); err != nil {
		return nil, err
	}
	final, err := h.readHello()
	if err != nil {
		return nil, err
	}

	allowRemote := h.cfg.AllowRemote
	if hello.BusToBus {
		allowRemote = true
	} else if hello.AllowRemote {
		allowRemote = true
	}

	return &AuthResult{
		UniqueName:          h.cfg.AssignedName,
		PeerName:            final.Name,
		PeerGUID:            hello.GUID,
		PeerProtocolVersion: hello.Version,
		Mechanism:           mechName,
		BusToBus:            hello.BusToBus,
		AllowRemote:         allowRemote,
		Acceptor:            true,
	}, nil
}

// pickMechanism returns the first peer-preferred mechanism this daemon
// also supports.
func (h *handshake) pickMechanism(offered string) string {
	local := make(map[string]struct{})
	for _, name := range h.cfg.Mechanisms.Names() {
		local[name] = struct{}{}
	}
	for _, tok := range strings.Fields(offered) {
		if _, ok := local[tok]; ok {
			return tok
		}
	}
	return ""
}

// pump alternates mechanism rounds until both sides have signaled OK. The
// local side stops invoking the mechanism once it has produced StatusOK
// but keeps reading until the peer confirms.
func (h *handshake) pump(mech auth.Mechanism, localOK bool) error {
	remoteOK := false
	for !localOK || !remoteOK {
		in, err := h.readAuth()
		if err != nil {
			return err
		}
		switch in.Status {
		case statusError:
			return auth.ErrAuthFailed
		case statusOK:
			remoteOK = true
		}

		if localOK {
			continue
		}

		out, status, err := mech.Challenge(in.Data)
		if err != nil || status == auth.StatusFail {
			h.writeAuth(authFrame{Status: statusError}) // nolint: errcheck
			return auth.ErrAuthFailed
		}
		frame := authFrame{Mechanism: mech.Name(), Data: out, Status: statusContinue}
		if status == auth.StatusOK {
			frame.Status = statusOK
			localOK = true
		}
		if err := h.writeAuth(frame); err != nil {
			return err
		}
	}
	return nil
}
