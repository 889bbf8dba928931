// Package message defines the in-memory representation of a bus message
// and the frame codec used on bus-to-bus links.
package message

import (
	"errors"
	"time"
)

// Type determines the kind of a bus message.
type Type uint8

// Bus message types. The numeric values are part of the wire contract and
// must not be reordered.
const (
	TypeInvalid Type = iota
	TypeMethodCall
	TypeMethodReply
	TypeError
	TypeSignal
)

func (t Type) String() string {
	switch t {
	case TypeMethodCall:
		return "METHOD_CALL"
	case TypeMethodReply:
		return "METHOD_REPLY"
	case TypeError:
		return "ERROR"
	case TypeSignal:
		return "SIGNAL"
	}
	return "INVALID"
}

// Message header flags.
const (
	// FlagNoReplyExpected indicates the caller does not want a reply.
	FlagNoReplyExpected uint8 = 0x01
	// FlagAutoStart asks the bus to launch the destination if needed.
	FlagAutoStart uint8 = 0x02
	// FlagAllowRemote permits delivery of a broadcast signal to
	// bus-to-bus endpoints.
	FlagAllowRemote uint8 = 0x04
)

// Endianness markers carried in the first header byte.
const (
	LittleEndian byte = 'l'
	BigEndian    byte = 'B'
)

var (
	// ErrMissingSerial occurs when a message carries serial 0.
	ErrMissingSerial = errors.New("message serial must be non-zero")

	// ErrMissingReplySerial occurs when a reply or error carries no
	// reply-serial header field.
	ErrMissingReplySerial = errors.New("reply serial missing")

	// ErrMissingErrorName occurs when an error message carries no error
	// name header field.
	ErrMissingErrorName = errors.New("error name missing")

	// ErrMissingMember occurs when a signal or method call carries no
	// interface member.
	ErrMissingMember = errors.New("member missing")

	// ErrBadEndianness occurs when the endianness marker is unknown.
	ErrBadEndianness = errors.New("unknown endianness marker")
)

// HeaderFields is the typed header-field table of a message. Empty strings
// and zero values denote absent fields.
type HeaderFields struct {
	Path        string
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   string
}

// Message is a single bus message. Timestamp is the local receive (or
// creation) time and is never transmitted; TTL of zero means the message
// never expires.
type Message struct {
	Endian    byte
	Type      Type
	Flags     uint8
	Serial    uint32
	Fields    HeaderFields
	Args      []interface{}
	TTL       time.Duration
	Timestamp time.Time
}

// NewMethodCall constructs a method-call message.
func NewMethodCall(serial uint32, dest, path, iface, member string, args ...interface{}) *Message {
	return &Message{
		Endian: LittleEndian,
		Type:   TypeMethodCall,
		Serial: serial,
		Fields: HeaderFields{
			Path:        path,
			Interface:   iface,
			Member:      member,
			Destination: dest,
		},
		Args:      args,
		Timestamp: time.Now(),
	}
}

// NewMethodReply constructs a reply to the given method call.
func NewMethodReply(call *Message, serial uint32, args ...interface{}) *Message {
	return &Message{
		Endian: call.Endian,
		Type:   TypeMethodReply,
		Serial: serial,
		Fields: HeaderFields{
			ReplySerial: call.Serial,
			Destination: call.Fields.Sender,
		},
		Args:      args,
		Timestamp: time.Now(),
	}
}

// NewErrorReply constructs an error reply to the given method call. The
// error name must be one of the stable names defined in this package.
func NewErrorReply(call *Message, serial uint32, name, description string) *Message {
	return &Message{
		Endian: call.Endian,
		Type:   TypeError,
		Serial: serial,
		Fields: HeaderFields{
			ErrorName:   name,
			ReplySerial: call.Serial,
			Destination: call.Fields.Sender,
		},
		Args:      []interface{}{description},
		Timestamp: time.Now(),
	}
}

// NewSignal constructs a broadcast signal. Destination may be set afterwards
// for a unicast signal.
func NewSignal(serial uint32, path, iface, member string, args ...interface{}) *Message {
	return &Message{
		Endian: LittleEndian,
		Type:   TypeSignal,
		Serial: serial,
		Fields: HeaderFields{
			Path:      path,
			Interface: iface,
			Member:    member,
		},
		Args:      args,
		Timestamp: time.Now(),
	}
}

// Validate checks the structural invariants of a message.
func (m *Message) Validate() error {
	if m.Endian != LittleEndian && m.Endian != BigEndian {
		return ErrBadEndianness
	}
	if m.Serial == 0 {
		return ErrMissingSerial
	}
	switch m.Type {
	case TypeMethodCall:
		if m.Fields.Member == "" {
			return ErrMissingMember
		}
	case TypeMethodReply:
		if m.Fields.ReplySerial == 0 {
			return ErrMissingReplySerial
		}
	case TypeError:
		if m.Fields.ReplySerial == 0 {
			return ErrMissingReplySerial
		}
		if m.Fields.ErrorName == "" {
			return ErrMissingErrorName
		}
	case TypeSignal:
		if m.Fields.Interface == "" || m.Fields.Member == "" {
			return ErrMissingMember
		}
	default:
		return errors.New("invalid message type")
	}
	return nil
}

// Expired reports whether the message's TTL has lapsed. Messages without a
// TTL never expire. The check is re-evaluated at every queue dequeue.
func (m *Message) Expired() bool {
	if m.TTL == 0 {
		return false
	}
	return time.Since(m.Timestamp) >= m.TTL
}

// IsBroadcastSignal reports whether the message is a signal with no
// explicit destination.
func (m *Message) IsBroadcastSignal() bool {
	return m.Type == TypeSignal && m.Fields.Destination == ""
}

// IsUnicast reports whether the message requires destination resolution.
func (m *Message) IsUnicast() bool {
	switch m.Type {
	case TypeMethodCall, TypeMethodReply, TypeError:
		return true
	case TypeSignal:
		return m.Fields.Destination != ""
	}
	return false
}
