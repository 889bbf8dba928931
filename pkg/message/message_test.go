package message

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	call := NewMethodCall(1, "org.example.A", "/obj", "org.example", "Ping")
	require.NoError(t, call.Validate())

	reply := NewMethodReply(call, 2, "pong")
	require.NoError(t, reply.Validate())
	assert.Equal(t, call.Serial, reply.Fields.ReplySerial)

	errReply := NewErrorReply(call, 3, ErrorInvalidArgs, "nope")
	require.NoError(t, errReply.Validate())
	assert.Equal(t, ErrorInvalidArgs, errReply.Fields.ErrorName)

	sig := NewSignal(4, "/obj", "org.example", "Changed")
	require.NoError(t, sig.Validate())

	t.Run("missing serial", func(t *testing.T) {
		m := NewMethodCall(0, "d", "/p", "i", "M")
		assert.Equal(t, ErrMissingSerial, m.Validate())
	})

	t.Run("missing member", func(t *testing.T) {
		m := NewMethodCall(1, "d", "/p", "i", "")
		assert.Equal(t, ErrMissingMember, m.Validate())
	})

	t.Run("bad endianness", func(t *testing.T) {
		m := NewMethodCall(1, "d", "/p", "i", "M")
		m.Endian = 'x'
		assert.Equal(t, ErrBadEndianness, m.Validate())
	})

	t.Run("error without name", func(t *testing.T) {
		m := NewErrorReply(call, 5, "", "desc")
		assert.Equal(t, ErrMissingErrorName, m.Validate())
	})
}

func TestExpired(t *testing.T) {
	m := NewMethodCall(1, "d", "/p", "i", "M")
	assert.False(t, m.Expired(), "zero TTL never expires")

	m.TTL = time.Millisecond
	m.Timestamp = time.Now().Add(-time.Second)
	assert.True(t, m.Expired())

	m.Timestamp = time.Now()
	m.TTL = time.Minute
	assert.False(t, m.Expired())
}

func TestClassification(t *testing.T) {
	sig := NewSignal(1, "/p", "i", "M")
	assert.True(t, sig.IsBroadcastSignal())
	assert.False(t, sig.IsUnicast())

	sig.Fields.Destination = ":1.0"
	assert.False(t, sig.IsBroadcastSignal())
	assert.True(t, sig.IsUnicast())

	call := NewMethodCall(1, ":1.0", "/p", "i", "M")
	assert.False(t, call.IsBroadcastSignal())
	assert.True(t, call.IsUnicast())
}

func TestCodecRoundTrip(t *testing.T) {
	in := NewMethodCall(7, "org.example.A", "/org/example", "org.example", "Frob",
		"hello", uint32(42))
	in.Flags = FlagAllowRemote
	in.Fields.Sender = ":1.3"
	in.TTL = 1500 * time.Millisecond

	var buf bytes.Buffer
	_, err := in.WriteTo(&buf)
	require.NoError(t, err)

	out, err := ReadFrom(&buf)
	require.NoError(t, err)

	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Flags, out.Flags)
	assert.Equal(t, in.Serial, out.Serial)
	assert.Equal(t, in.Fields.Destination, out.Fields.Destination)
	assert.Equal(t, in.Fields.Sender, out.Fields.Sender)
	assert.Equal(t, in.Fields.Member, out.Fields.Member)
	assert.Equal(t, in.TTL, out.TTL)

	s, ok := out.ArgString(0)
	require.True(t, ok)
	assert.Equal(t, "hello", s)
	n, ok := out.ArgUint32(1)
	require.True(t, ok)
	assert.Equal(t, uint32(42), n)
}

func TestReadFromRejectsInvalid(t *testing.T) {
	bad := &Message{Endian: LittleEndian, Type: TypeMethodCall, Serial: 1}
	var buf bytes.Buffer
	_, err := bad.WriteTo(&buf)
	require.NoError(t, err)

	_, err = ReadFrom(&buf)
	assert.Equal(t, ErrMissingMember, err)
}

func TestReadFromShortFrame(t *testing.T) {
	_, err := ReadFrom(bytes.NewReader([]byte{0, 0, 0, 0}))
	assert.Equal(t, ErrFrameTooSmall, err)
}

func TestArgHelpers(t *testing.T) {
	m := NewSignal(1, "/p", "i", "M", "str", int64(9), []interface{}{"a", "b"})

	_, ok := m.ArgString(5)
	assert.False(t, ok)
	_, ok = m.ArgString(1)
	assert.False(t, ok)

	n, ok := m.ArgUint32(1)
	require.True(t, ok)
	assert.Equal(t, uint32(9), n)

	ss, ok := m.ArgStringSlice(2)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, ss)
}
