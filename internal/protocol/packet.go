// Package protocol defines the framed binary packet format shared by the
// telescope server and its clients, together with the pure helpers used to
// peek, decode, encode and verify packets.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed header size on the wire:
// ServiceID(2) + TransactionID(2) + PayloadLength(4) + Checksum(2).
const HeaderSize = 10

// TransUndefined is the transaction id carried by unsolicited messages.
const TransUndefined uint16 = 0xFFFF

var (
	// ErrShortHeader is returned when fewer than HeaderSize bytes are available.
	ErrShortHeader = errors.New("protocol: short header")
	// ErrShortPayload is returned when the buffer ends before the declared payload.
	ErrShortPayload = errors.New("protocol: short payload")
	// ErrChecksum is returned when the payload checksum does not match.
	ErrChecksum = errors.New("protocol: checksum mismatch")
	// ErrTooLarge is returned when a packet declares more than the allowed size.
	ErrTooLarge = errors.New("protocol: packet too large")
)

// Header holds the fixed packet header in host representation.
type Header struct {
	ServiceID     uint16
	TransactionID uint16
	PayloadLength uint32
	Checksum      uint16
}

// Packet is one framed unit of the wire protocol.
type Packet struct {
	Header
	Payload []byte
}

// PeekDeclaredSize returns the total frame size (header plus declared payload)
// announced by the header at the start of b. It does not consume or modify b.
// The second result is false when b holds fewer than HeaderSize bytes. The
// size is 64-bit so a hostile length cannot wrap on 32-bit platforms.
func PeekDeclaredSize(b []byte) (int64, bool) {
	if len(b) < HeaderSize {
		return 0, false
	}
	return HeaderSize + int64(binary.BigEndian.Uint32(b[4:8])), true
}

// DecodeHeader converts the wire header at the start of b to host order.
// b must hold at least HeaderSize bytes.
func DecodeHeader(b []byte) Header {
	_ = b[HeaderSize-1]
	return Header{
		ServiceID:     binary.BigEndian.Uint16(b[0:2]),
		TransactionID: binary.BigEndian.Uint16(b[2:4]),
		PayloadLength: binary.BigEndian.Uint32(b[4:8]),
		Checksum:      binary.BigEndian.Uint16(b[8:10]),
	}
}

// Put writes h in wire order into the first HeaderSize bytes of b.
func (h Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	binary.BigEndian.PutUint16(b[0:2], h.ServiceID)
	binary.BigEndian.PutUint16(b[2:4], h.TransactionID)
	binary.BigEndian.PutUint32(b[4:8], h.PayloadLength)
	binary.BigEndian.PutUint16(b[8:10], h.Checksum)
}

// NewPacket builds a packet for service with a computed length and checksum.
func NewPacket(service, transaction uint16, payload []byte) *Packet {
	return &Packet{
		Header: Header{
			ServiceID:     service,
			TransactionID: transaction,
			PayloadLength: uint32(len(payload)),
			Checksum:      CRC16(payload),
		},
		Payload: payload,
	}
}

// Size returns the number of bytes the packet occupies on the wire.
func (p *Packet) Size() int {
	return HeaderSize + len(p.Payload)
}

// Bytes returns the packet in wire format.
func (p *Packet) Bytes() []byte {
	b := make([]byte, p.Size())
	p.Header.Put(b)
	copy(b[HeaderSize:], p.Payload)
	return b
}

// Verify reports whether the checksum in the header matches the payload.
func Verify(p *Packet) bool {
	return p.Checksum == CRC16(p.Payload)
}

// ParsePacket decodes one complete frame from b. The payload is copied, so b
// may be reused by the caller. Frames larger than maxSize are rejected when
// maxSize is positive.
func ParsePacket(b []byte, maxSize int) (*Packet, error) {
	total, ok := PeekDeclaredSize(b)
	if !ok {
		return nil, ErrShortHeader
	}
	if maxSize > 0 && total > int64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, total, maxSize)
	}
	if int64(len(b)) < total {
		return nil, ErrShortPayload
	}

	p := &Packet{Header: DecodeHeader(b)}
	p.Payload = append([]byte(nil), b[HeaderSize:total]...)
	if !Verify(p) {
		return p, fmt.Errorf("%w: service %#04x transaction %d", ErrChecksum, p.ServiceID, p.TransactionID)
	}
	return p, nil
}
