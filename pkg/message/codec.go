package message

import (
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds a single encoded message on the wire.
const MaxFrameSize = 1 << 27

var (
	// ErrFrameTooLarge occurs when an encoded message exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrFrameTooSmall occurs when a frame's length prefix declares an
	// empty body.
	ErrFrameTooSmall = errors.New("frame too small")
)

// wireMessage is the cbor envelope carried on bus-to-bus links. TTL travels
// as milliseconds; the receive timestamp is local and never transmitted.
type wireMessage struct {
	Endian      byte          `cbor:"1,keyasint"`
	Type        uint8         `cbor:"2,keyasint"`
	Flags       uint8         `cbor:"3,keyasint"`
	Serial      uint32        `cbor:"4,keyasint"`
	Path        string        `cbor:"5,keyasint,omitempty"`
	Interface   string        `cbor:"6,keyasint,omitempty"`
	Member      string        `cbor:"7,keyasint,omitempty"`
	ErrorName   string        `cbor:"8,keyasint,omitempty"`
	ReplySerial uint32        `cbor:"9,keyasint,omitempty"`
	Destination string        `cbor:"10,keyasint,omitempty"`
	Sender      string        `cbor:"11,keyasint,omitempty"`
	Signature   string        `cbor:"12,keyasint,omitempty"`
	Args        []interface{} `cbor:"13,keyasint,omitempty"`
	TTLMillis   uint32        `cbor:"14,keyasint,omitempty"`
}

// WriteTo encodes the message as a length-prefixed cbor frame.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	wm := wireMessage{
		Endian:      m.Endian,
		Type:        uint8(m.Type),
		Flags:       m.Flags,
		Serial:      m.Serial,
		Path:        m.Fields.Path,
		Interface:   m.Fields.Interface,
		Member:      m.Fields.Member,
		ErrorName:   m.Fields.ErrorName,
		ReplySerial: m.Fields.ReplySerial,
		Destination: m.Fields.Destination,
		Sender:      m.Fields.Sender,
		Signature:   m.Fields.Signature,
		Args:        m.Args,
		TTLMillis:   uint32(m.TTL / time.Millisecond),
	}
	body, err := cbor.Marshal(wm)
	if err != nil {
		return 0, err
	}
	if len(body) > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	n, err := w.Write(frame)
	return int64(n), err
}

// ReadFrom decodes a single length-prefixed cbor frame from r. The receive
// timestamp is set to the local clock so that TTL expiry is measured from
// arrival.
func ReadFrom(r io.Reader) (*Message, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if size == 0 {
		return nil, ErrFrameTooSmall
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var wm wireMessage
	if err := cbor.Unmarshal(body, &wm); err != nil {
		return nil, err
	}
	m := &Message{
		Endian: wm.Endian,
		Type:   Type(wm.Type),
		Flags:  wm.Flags,
		Serial: wm.Serial,
		Fields: HeaderFields{
			Path:        wm.Path,
			Interface:   wm.Interface,
			Member:      wm.Member,
			ErrorName:   wm.ErrorName,
			ReplySerial: wm.ReplySerial,
			Destination: wm.Destination,
			Sender:      wm.Sender,
			Signature:   wm.Signature,
		},
		Args:      wm.Args,
		TTL:       time.Duration(wm.TTLMillis) * time.Millisecond,
		Timestamp: time.Now(),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ArgString returns the i-th argument as a string.
func (m *Message) ArgString(i int) (string, bool) {
	if i >= len(m.Args) {
		return "", false
	}
	s, ok := m.Args[i].(string)
	return s, ok
}

// ArgUint32 returns the i-th argument as a uint32, converting from the
// integer widths cbor decoding may produce.
func (m *Message) ArgUint32(i int) (uint32, bool) {
	if i >= len(m.Args) {
		return 0, false
	}
	switch v := m.Args[i].(type) {
	case uint32:
		return v, true
	case uint64:
		return uint32(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint32(v), true
	}
	return 0, false
}

// ArgStringSlice returns the i-th argument as a string slice.
func (m *Message) ArgStringSlice(i int) ([]string, bool) {
	if i >= len(m.Args) {
		return nil, false
	}
	switch v := m.Args[i].(type) {
	case []string:
		return v, true
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
