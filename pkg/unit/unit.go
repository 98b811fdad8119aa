// Package unit defines the transaction unit exchanged between dtp peers
// and its fixed-layout wire encoding.
//
// Header layout (little-endian):
//
//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                          magic cookie                         |
//	|                         transaction id                        |
//	|          message type         |         payload length        |
//	|                        sequence number                        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                         payload ...                           |
package unit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
)

const (
	// MagicCookie marks datagrams that belong to this protocol.
	MagicCookie uint32 = 0xA343F33B

	// HeaderLen is the encoded header size in bytes.
	HeaderLen = 16

	// MaxPayloadLen is the largest payload the length field can describe.
	MaxPayloadLen = math.MaxUint16
)

var (
	// ErrPayloadTooLarge is returned when encoding a unit whose payload does not fit
	// the 16-bit length field.
	ErrPayloadTooLarge = errors.New("unit: payload too large")

	// ErrShortBuffer is returned when decoding a buffer shorter than the header.
	ErrShortBuffer = errors.New("unit: buffer shorter than header")

	// ErrTruncated is returned when the declared payload length exceeds the buffer.
	ErrTruncated = errors.New("unit: truncated payload")
)

// MessageType discriminates payload semantics.
type MessageType uint16

// Message types.
const (
	Start             = MessageType(0x1) // payload: destination name, sequence 0
	End               = MessageType(0x2) // payload: destination name
	RetransmitRequest = MessageType(0x3) // payload: empty, sequence is the missing one
	Data              = MessageType(0x4) // payload: raw chunk
)

func (mt MessageType) String() string {
	switch mt {
	case Start:
		return "START"
	case End:
		return "END"
	case RetransmitRequest:
		return "RETRANSMIT"
	case Data:
		return "DATA"
	default:
		return fmt.Sprintf("UNKNOWN:%d", uint16(mt))
	}
}

// Unit is the atomic protocol message.
type Unit struct {
	Cookie        uint32
	TransactionID uint32
	Type          MessageType
	Sequence      uint32
	Payload       []byte

	// Remote is the peer endpoint. It is attached on receipt and is not encoded.
	Remote net.Addr
}

// New creates a Unit carrying the magic cookie.
func New(txID uint32, mt MessageType, seq uint32, payload []byte) *Unit {
	return &Unit{
		Cookie:        MagicCookie,
		TransactionID: txID,
		Type:          mt,
		Sequence:      seq,
		Payload:       payload,
	}
}

// Valid reports whether the unit carries the magic cookie.
// No other field may be trusted on an invalid unit.
func (u *Unit) Valid() bool {
	return u.Cookie == MagicCookie
}

// RemoteString returns the remote endpoint as a string, or an empty string if unset.
func (u *Unit) RemoteString() string {
	if u.Remote == nil {
		return ""
	}
	return u.Remote.String()
}

// String implements fmt.Stringer.
func (u *Unit) String() string {
	return fmt.Sprintf("<txn:%d><type:%s><seq:%d><size:%d>", u.TransactionID, u.Type, u.Sequence, len(u.Payload))
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (u *Unit) MarshalBinary() ([]byte, error) {
	return Encode(u)
}

// Encode writes the unit header followed by the raw payload.
func Encode(u *Unit) ([]byte, error) {
	if len(u.Payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}

	b := make([]byte, HeaderLen+len(u.Payload))
	binary.LittleEndian.PutUint32(b[0:4], u.Cookie)
	binary.LittleEndian.PutUint32(b[4:8], u.TransactionID)
	binary.LittleEndian.PutUint16(b[8:10], uint16(u.Type))
	binary.LittleEndian.PutUint16(b[10:12], uint16(len(u.Payload)))
	binary.LittleEndian.PutUint32(b[12:16], u.Sequence)
	copy(b[HeaderLen:], u.Payload)
	return b, nil
}

// Decode parses a unit from b. A foreign cookie does not fail decoding,
// use Valid to check it. The payload is copied out of b.
func Decode(b []byte) (*Unit, error) {
	if len(b) < HeaderLen {
		return nil, ErrShortBuffer
	}

	payLen := int(binary.LittleEndian.Uint16(b[10:12]))
	if len(b)-HeaderLen < payLen {
		return nil, ErrTruncated
	}

	u := &Unit{
		Cookie:        binary.LittleEndian.Uint32(b[0:4]),
		TransactionID: binary.LittleEndian.Uint32(b[4:8]),
		Type:          MessageType(binary.LittleEndian.Uint16(b[8:10])),
		Sequence:      binary.LittleEndian.Uint32(b[12:16]),
		Payload:       make([]byte, payLen),
	}
	copy(u.Payload, b[HeaderLen:HeaderLen+payLen])
	return u, nil
}
