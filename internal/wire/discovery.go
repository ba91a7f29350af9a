package wire

import (
	"encoding/binary"
)

// MaxTopics bounds the number of subscribers carried in one DiscoveryRecord.
const MaxTopics = 4096

// MaxDiscoverySerializationSize is a conservative upper bound on a marshaled
// DiscoveryRecord: worst case MaxTopics entries of three NUL-terminated
// strings of up to MaxIDLen bytes each, plus the count and the fixed
// trailer. Marshal and UnmarshalDiscoveryRecord do not consult it.
const MaxDiscoverySerializationSize = 8 + MaxTopics*(3*(MaxIDLen+1)) + 8 + 4 + 4 + 1

// DiscoveryRecord is the content gossiped periodically over every enabled
// transport. Only subscribers go on the wire (spec.md §4.4 step 3):
// publishers are a purely local concept for egress filtering.
type DiscoveryRecord struct {
	Subscribers    []ServiceID
	GatewayBitset  Bitset
	GatewayHash    GatewayHash
	InfoHash       uint32
	IsTermination  bool
}

func putCString(buf []byte, s string) (int, error) {
	if len(s) > MaxIDLen {
		return 0, ErrMalformed
	}
	if len(buf) < len(s)+1 {
		return 0, ErrMalformed
	}
	n := copy(buf, s)
	buf[n] = 0
	return n + 1, nil
}

func getCString(buf []byte) (string, int, error) {
	for i, b := range buf {
		if i > MaxIDLen {
			return "", 0, ErrMalformed
		}
		if b == 0 {
			return string(buf[:i]), i + 1, nil
		}
	}
	return "", 0, ErrMalformed
}

// Marshal serializes r into the wire format documented in spec.md §6.
func (r *DiscoveryRecord) Marshal() ([]byte, error) {
	if len(r.Subscribers) > MaxTopics {
		return nil, ErrMalformed
	}
	size := 8
	for _, id := range r.Subscribers {
		if len(id.Service) > MaxIDLen || len(id.Instance) > MaxIDLen || len(id.Event) > MaxIDLen {
			return nil, ErrMalformed
		}
		size += len(id.Service) + 1 + len(id.Instance) + 1 + len(id.Event) + 1
	}
	size += 8 + 4 + 4 + 1
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(r.Subscribers)))
	off += 8
	for _, id := range r.Subscribers {
		for _, s := range []string{id.Service, id.Instance, id.Event} {
			n, err := putCString(buf[off:], s)
			if err != nil {
				return nil, err
			}
			off += n
		}
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.GatewayBitset))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.GatewayHash))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], r.InfoHash)
	off += 4
	if r.IsTermination {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	off++
	return buf[:off], nil
}

// UnmarshalDiscoveryRecord deserializes a DiscoveryRecord. It is total: any
// truncation, oversized count or oversized string returns ErrMalformed
// rather than panicking, and it never retains a reference to buf.
func UnmarshalDiscoveryRecord(buf []byte) (DiscoveryRecord, error) {
	var r DiscoveryRecord
	if len(buf) < 8 {
		return r, ErrMalformed
	}
	n := binary.LittleEndian.Uint64(buf)
	if n > MaxTopics {
		return r, ErrMalformed
	}
	off := 8
	subs := make([]ServiceID, 0, n)
	for i := uint64(0); i < n; i++ {
		var id ServiceID
		for _, dst := range []*string{&id.Service, &id.Instance, &id.Event} {
			if off > len(buf) {
				return r, ErrMalformed
			}
			s, consumed, err := getCString(buf[off:])
			if err != nil {
				return r, ErrMalformed
			}
			*dst = s
			off += consumed
		}
		subs = append(subs, id)
	}
	if off+8+4+4+1 > len(buf) {
		return r, ErrMalformed
	}
	r.Subscribers = subs
	r.GatewayBitset = Bitset(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	r.GatewayHash = GatewayHash(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	r.InfoHash = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	r.IsTermination = buf[off] != 0
	return r, nil
}
