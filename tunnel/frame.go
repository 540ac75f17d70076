package tunnel

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Type is the one-byte tag at the start of every frame.
type Type uint8

const (
	TypeRequest        Type = 0x01 // relay -> device, payload = UTF-8 path
	TypeResponseHeader Type = 0x02 // payload = "mime|size"
	TypeResponseChunk  Type = 0x03 // payload = raw body bytes
	TypeResponseEnd    Type = 0x04 // empty payload
	TypeError          Type = 0x05 // reserved, never emitted
)

// HeaderSize is the fixed frame prefix: tag, request id, payload length.
const HeaderSize = 9

var (
	ErrInvalidFrame   = errors.New("invalid frame")
	ErrLengthMismatch = errors.New("frame payload length does not match declared length")
)

func (t Type) Known() bool {
	return t >= TypeRequest && t <= TypeError
}

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponseHeader:
		return "header"
	case TypeResponseChunk:
		return "chunk"
	case TypeResponseEnd:
		return "end"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

// Frame is a decoded wire frame.
type Frame struct {
	Type      Type
	RequestID uint32
	Payload   []byte
}

// Packet is an encoded frame, ready to be written as one transport message.
//
//	[TYPE][ID0,ID1,ID2,ID3][L0,L1,L2,L3][PAYLOAD...]
type Packet []byte

func (p Packet) Type() Type {
	return Type(p[0])
}

func (p Packet) RequestID() uint32 {
	return binary.BigEndian.Uint32(p[1:])
}

func (p Packet) Len() uint32 {
	return binary.BigEndian.Uint32(p[5:])
}

func (p Packet) Payload() []byte {
	return p[HeaderSize:]
}

// Encode builds a packet for the given frame fields. The payload is copied,
// so the caller may reuse its buffer once Encode returns.
func Encode(t Type, requestID uint32, payload []byte) Packet {
	p := make(Packet, HeaderSize+len(payload))
	p[0] = byte(t)
	binary.BigEndian.PutUint32(p[1:], requestID)
	binary.BigEndian.PutUint32(p[5:], uint32(len(payload)))
	copy(p[HeaderSize:], payload)
	return p
}

// Decode parses one transport message as a frame. The message must hold
// exactly the declared payload length; anything else is malformed. The
// returned payload aliases b.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, ErrInvalidFrame
	}
	p := Packet(b)
	n := p.Len()
	if uint64(n) != uint64(len(b)-HeaderSize) {
		return Frame{}, ErrLengthMismatch
	}
	return Frame{
		Type:      p.Type(),
		RequestID: p.RequestID(),
		Payload:   p.Payload(),
	}, nil
}
