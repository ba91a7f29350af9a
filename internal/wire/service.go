// Package wire defines the data types and wire codecs shared by every
// component of the gateway: service identity, discovery records and the
// per-chunk datagram header.
package wire

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// MaxIDLen bounds the length of each ServiceID component on the wire.
const MaxIDLen = 64

// ServiceID names a topic as a (service, instance, event) triple, mirroring
// the IPC fabric's capro::ServiceDescription.
type ServiceID struct {
	Service  string
	Instance string
	Event    string
}

func (s ServiceID) String() string {
	return fmt.Sprintf("%s/%s/%s", s.Service, s.Instance, s.Event)
}

// ParseServiceID parses the "service/instance/event" form String() produces,
// used to read the --forwarded-service configuration flag (spec.md §6
// "forwarded_services: Set<ServiceId>").
func ParseServiceID(s string) (ServiceID, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 {
		return ServiceID{}, fmt.Errorf("wire: invalid service id %q, want service/instance/event", s)
	}
	return ServiceID{Service: parts[0], Instance: parts[1], Event: parts[2]}, nil
}

// Hash is the 128-bit derived key used in every hot-path lookup. Two equal
// ServiceIDs always hash to the same Hash. Collisions across distinct
// ServiceIDs are not detected: a side-table keyed on Hash keeps whichever
// ServiceID was stored last.
type Hash [2]uint64

func (h Hash) String() string {
	return fmt.Sprintf("%016x%016x", h[0], h[1])
}

// HashOf derives the ServiceHash of a ServiceID. It is a pure function of
// the triple's bytes: two processes computing HashOf on the same triple
// always agree, which is the property the egress cache and the reassembly
// table depend on.
func HashOf(id ServiceID) Hash {
	lo := xxhash.Sum64String(id.Service + "\x00" + id.Instance + "\x00" + id.Event)
	hi := xxhash.Sum64String(id.Event + "\x00" + id.Instance + "\x00" + id.Service)
	return Hash{lo, hi}
}
