// Package ipc defines the boundary to the local shared-memory IPC fabric
// (spec.md §6). The fabric itself — endpoint objects, chunk headers,
// service descriptors — is explicitly out of scope (spec.md §1) and is
// consumed here purely as interfaces; internal/ipc/memipc provides an
// in-process implementation of this boundary for tests and for running the
// gateway standalone without a real shared-memory runtime.
package ipc

import (
	"errors"

	"github.com/malbeclabs/p3gateway/internal/wire"
)

// ChunkToken is an opaque, non-dereferenceable identity for a loaned or
// taken chunk. It is never interpreted by gateway code beyond equality and
// map-key use (spec.md §9 "raw pointers keyed in maps").
type ChunkToken uintptr

// ChunkHeader is the metadata the fabric attaches to every chunk, read via
// Publisher.Loan's return or Subscriber.Take's return.
type ChunkHeader struct {
	Token                ChunkToken
	OriginID             uint32
	HasUserHeader        bool
	UserHeaderSize       uint32
	UserPayloadSize      uint32
	UserPayloadAlignment uint32
	UserHeaderBytes      []byte
	UserPayloadBytes     []byte
}

// ErrAllocFailed is returned by Loan when the fabric has no free chunk
// (spec.md §7 "Allocation failure": TooManyInParallel / OutOfChunks are
// both surfaced uniformly here — the gateway treats both as lossy drops).
var ErrAllocFailed = errors.New("ipc: chunk allocation failed")

// ErrTooManyHeld is returned by Subscriber.Take when the subscriber has
// already taken the maximum number of chunks without releasing them.
var ErrTooManyHeld = errors.New("ipc: too many chunks held")

// ErrNoChunk is returned by Subscriber.Take when no chunk is currently
// available (not an error condition, just "nothing to do").
var ErrNoChunk = errors.New("ipc: no chunk available")

// Subscriber is consumed by the L→R adapter and the Forwarder.
type Subscriber interface {
	ServiceDescription() wire.ServiceID
	// Take returns the next available chunk, or ErrNoChunk / ErrTooManyHeld.
	Take() (ChunkHeader, error)
	Release(ChunkToken)
	Unsubscribe()
}

// Publisher is consumed by the R→L adapter.
type Publisher interface {
	ServiceDescription() wire.ServiceID
	UID() uint64
	Loan(payloadSize, payloadAlign, headerSize uint32) (ChunkHeader, error)
	Publish(ChunkToken)
	Release(ChunkToken)
}

// Notification names the endpoint a WaitSet woke up for.
type Notification struct {
	Service wire.ServiceID
}

// WaitSet is the blocking multiplexer each direction adapter's reactor
// thread polls (spec.md §4.8, §5).
type WaitSet interface {
	AttachSubscriber(s Subscriber)
	DetachSubscriber(s Subscriber)
	// TimedWait blocks up to the configured timeout and returns the
	// services that have data ready, or none on timeout.
	TimedWait() []Notification
}

// Introspection publishes the gateway's own local port inventory on the
// fixed (RouDi_ID, RegisteredPublishers) topic (spec.md §4.4 step 4). It is
// a write-only surface: consuming it is explicitly out of scope.
type Introspection interface {
	PublishRegisteredPublishers(ports []uint64)
}

// Fabric is the full set of fabric operations the gateway needs: creating
// subscribers/publishers on demand as NeededTopics changes, a shared
// WaitSet per adapter, introspection of the local port inventory, and a
// stream of LocalInventory samples (spec.md §4.4 step 1).
type Fabric interface {
	NewSubscriber(id wire.ServiceID) (Subscriber, error)
	NewPublisher(id wire.ServiceID) (Publisher, error)
	NewWaitSet() WaitSet
	Introspection() Introspection
	// LocalInventorySamples delivers the fabric's live view of local
	// publisher/subscriber port registrations. The Discovery Manager's
	// reactor consumes one sample per tick (spec.md §4.4 step 1).
	LocalInventorySamples() <-chan LocalInventorySample
}

// LocalInventorySample is one fabric-reported snapshot of local ports.
type LocalInventorySample struct {
	Publishers      map[wire.ServiceID]uint64 // ServiceID -> opaque publisher port
	Subscribers     map[wire.ServiceID]struct{}
}
