// Package transport defines the uniform contract every transport driver
// implements (spec.md §4.3), and the registry that owns, health-checks and
// dispatches across them (spec.md §4.2).
package transport

import (
	"github.com/malbeclabs/p3gateway/internal/wire"
)

// DiscoveryCallback fires when a peer's discovery datagram arrives.
type DiscoveryCallback func(data []byte, from wire.DeviceIndex)

// UserDataCallback fires when a peer's user-data datagram (header + payload
// slice) arrives.
type UserDataCallback func(data []byte, from wire.DeviceIndex)

// BufferNeededCallback requests an ingress buffer before body bytes land, for
// transports that DMA directly into the destination (spec.md §4.3, §4.8
// R→L `buffer_needed`). Returning nil tells the driver to drop the inbound
// message.
type BufferNeededCallback func(headerBytes []byte) []byte

// BufferReleasedCallback reports that an asynchronous ingress DMA completed
// or was aborted.
type BufferReleasedCallback func(headerBytes []byte, shouldPublish bool, from wire.DeviceIndex)

// BufferSentCallback reports that an asynchronous egress DMA completed.
// payloadToken is the opaque token the driver was handed in SendUserData.
type BufferSentCallback func(payloadToken uintptr)

// Status is a transport driver's health, a one-way state machine:
// Good -> Failed -> Disabled. Only the driver itself transitions
// Good->Failed; only the Registry transitions Failed->Disabled.
type Status int32

const (
	StatusGood Status = iota
	StatusFailed
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusFailed:
		return "failed"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Driver is the capability set every transport exposes (spec.md §4.3). The
// three DMA-oriented registrations are optional: a driver that never calls
// them (Stream, Datagram) simply never invokes the registered callback.
type Driver interface {
	Kind() wire.Kind

	RegisterDiscoveryCallback(cb DiscoveryCallback)
	RegisterUserDataCallback(cb UserDataCallback)
	RegisterBufferNeeded(cb BufferNeededCallback)
	RegisterBufferReleased(cb BufferReleasedCallback)
	RegisterBufferSent(cb BufferSentCallback)

	SendBroadcast(data []byte) error

	// SendUserData delivers one submessage to a single peer. The returned
	// bool is true when the send is pending: the caller must not consider
	// payload free for reuse until BufferSent fires for it.
	SendUserData(header, payload []byte, device uint32) (pending bool, err error)

	// WillBePending classifies, a priori, whether a send of payloadSize
	// bytes on this transport will be asynchronous.
	WillBePending(payloadSize uint32) bool

	MaxMessageSize() uint32

	// Status reports the driver's current health. Implementations must be
	// safe to call concurrently with every other method.
	Status() Status

	// Close releases any resources held by the driver. Called only from
	// Registry.Terminate, once no other goroutine can still be inside one
	// of the driver's methods.
	Close() error
}
