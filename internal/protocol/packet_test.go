package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHeaderRoundTrip checks that writing a header in wire order and reading
// it back yields the original fields at the range boundaries.
func TestHeaderRoundTrip(t *testing.T) {
	headers := []Header{
		{},
		{ServiceID: 0xFFFF, TransactionID: 0xFFFF, PayloadLength: 0xFFFFFFFF, Checksum: 0xFFFF},
		{ServiceID: 0x0102, TransactionID: TransUndefined, PayloadLength: 8192, Checksum: 0xBEEF},
		{ServiceID: ServiceBackendBase, TransactionID: 1, PayloadLength: 1, Checksum: 0x8000},
	}

	for _, h := range headers {
		buf := make([]byte, HeaderSize)
		h.Put(buf)
		assert.Equal(t, h, DecodeHeader(buf))
	}
}

func TestHeaderIsBigEndian(t *testing.T) {
	buf := make([]byte, HeaderSize)
	Header{ServiceID: 0x0102, TransactionID: 0x0304, PayloadLength: 0x05060708, Checksum: 0x090A}.Put(buf)

	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A}, buf)
}

func TestPeekDeclaredSize(t *testing.T) {
	_, ok := PeekDeclaredSize(make([]byte, HeaderSize-1))
	assert.False(t, ok, "short buffer must not report a size")

	frame := NewPacket(ServicePing, 7, []byte("hello")).Bytes()
	before := append([]byte(nil), frame...)

	size, ok := PeekDeclaredSize(frame)
	require.True(t, ok)
	assert.Equal(t, int64(HeaderSize+5), size)
	assert.Equal(t, before, frame, "peek must not modify the buffer")

	size, ok = PeekDeclaredSize(frame[:HeaderSize])
	require.True(t, ok)
	assert.Equal(t, int64(HeaderSize+5), size, "size is known from the header alone")

	Header{PayloadLength: 0xFFFFFFFF}.Put(frame)
	size, ok = PeekDeclaredSize(frame)
	require.True(t, ok)
	assert.Equal(t, int64(HeaderSize)+0xFFFFFFFF, size)

	_, err := ParsePacket(frame, 8192)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestCRC16KnownValue(t *testing.T) {
	assert.Equal(t, uint16(0x29B1), CRC16([]byte("123456789")))
	assert.Equal(t, uint16(0xFFFF), CRC16(nil))
}

// TestVerifyDetectsPayloadMutation flips every byte of a payload in turn and
// checks that Verify rejects each mutation.
func TestVerifyDetectsPayloadMutation(t *testing.T) {
	payload := []byte("azimuth=181.25;elevation=42.5")
	p := NewPacket(ServiceBackendBase, 3, append([]byte(nil), payload...))
	require.True(t, Verify(p))

	for i := range p.Payload {
		p.Payload[i] ^= 0x01
		assert.False(t, Verify(p), "mutation at byte %d not detected", i)
		p.Payload[i] ^= 0x01
	}
	assert.True(t, Verify(p))
}

func TestVerifyIgnoresHeaderFields(t *testing.T) {
	p := NewPacket(ServiceChat, 1, []byte("x"))
	p.ServiceID = ServicePing
	p.TransactionID = 99
	assert.True(t, Verify(p), "checksum covers the payload only")
}

func TestParsePacket(t *testing.T) {
	frame := NewPacket(ServiceChat, 12, []byte("hi")).Bytes()

	p, err := ParsePacket(frame, 0)
	require.NoError(t, err)
	assert.Equal(t, ServiceChat, p.ServiceID)
	assert.Equal(t, uint16(12), p.TransactionID)
	assert.Equal(t, []byte("hi"), p.Payload)

	frame[HeaderSize] = 'H'
	p, err = ParsePacket(frame, 0)
	assert.True(t, errors.Is(err, ErrChecksum))
	assert.NotNil(t, p)

	_, err = ParsePacket(frame[:HeaderSize+1], 0)
	assert.ErrorIs(t, err, ErrShortPayload)

	_, err = ParsePacket(frame[:3], 0)
	assert.ErrorIs(t, err, ErrShortHeader)

	_, err = ParsePacket(frame, HeaderSize+1)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestParsePacketCopiesPayload(t *testing.T) {
	frame := NewPacket(ServiceChat, 1, []byte("abc")).Bytes()
	p, err := ParsePacket(frame, 0)
	require.NoError(t, err)

	frame[HeaderSize] = 'z'
	assert.Equal(t, []byte("abc"), p.Payload)
}
