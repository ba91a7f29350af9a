package wire

import (
	"encoding/binary"
	"errors"
)

// ErrMalformed is returned by every Unmarshal in this package on truncated,
// oversized or otherwise invalid input. Deserialization is total: it never
// panics. UnmarshalDiscoveryRecord allocates its subscriber slice before it
// has checked every entry, so it can allocate and still return ErrMalformed.
var ErrMalformed = errors.New("wire: malformed input")

// HeaderSize is the fixed, packed size of DatagramHeader on the wire.
const HeaderSize = 40

// DatagramHeader is carried in front of every submessage on Stream and
// Datagram transports. All fields are little-endian.
type DatagramHeader struct {
	ServiceHash          [4]uint32
	MessageHash          uint32
	SubmessageCount      uint32
	SubmessageOffset     uint32
	SubmessageSize       uint32
	UserPayloadSize      uint32
	UserPayloadAlignment uint32
	UserHeaderSize       uint32
}

// Marshal writes h into buf, which must be at least HeaderSize bytes.
func (h *DatagramHeader) Marshal(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrMalformed
	}
	for i, v := range h.ServiceHash {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	off := 16
	for _, v := range []uint32{
		h.MessageHash,
		h.SubmessageCount,
		h.SubmessageOffset,
		h.SubmessageSize,
		h.UserPayloadSize,
		h.UserPayloadAlignment,
		h.UserHeaderSize,
	} {
		binary.LittleEndian.PutUint32(buf[off:], v)
		off += 4
	}
	return nil
}

// UnmarshalHeader reads a DatagramHeader from the front of buf.
func UnmarshalHeader(buf []byte) (DatagramHeader, error) {
	var h DatagramHeader
	if len(buf) < HeaderSize {
		return h, ErrMalformed
	}
	for i := range h.ServiceHash {
		h.ServiceHash[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	off := 16
	fields := []*uint32{
		&h.MessageHash,
		&h.SubmessageCount,
		&h.SubmessageOffset,
		&h.SubmessageSize,
		&h.UserPayloadSize,
		&h.UserPayloadAlignment,
		&h.UserHeaderSize,
	}
	for _, f := range fields {
		*f = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	return h, nil
}

// serviceHashWire converts the internal 128-bit Hash into the four u32 words
// the wire format uses, matching the original p3com layout.
func serviceHashWire(h Hash) [4]uint32 {
	return [4]uint32{
		uint32(h[0]),
		uint32(h[0] >> 32),
		uint32(h[1]),
		uint32(h[1] >> 32),
	}
}

// ServiceHashWire is the exported form of serviceHashWire for callers outside
// this package that build a DatagramHeader from a Hash.
func ServiceHashWire(h Hash) [4]uint32 { return serviceHashWire(h) }

// HashFromWire reconstructs the internal 128-bit Hash from a header's
// on-wire ServiceHash words, the inverse of ServiceHashWire. Used by
// receivers that need to look a message's service up in the R→L publisher
// table or the reassembly table, both keyed on Hash.
func HashFromWire(w [4]uint32) Hash {
	return Hash{
		uint64(w[0]) | uint64(w[1])<<32,
		uint64(w[2]) | uint64(w[3])<<32,
	}
}
