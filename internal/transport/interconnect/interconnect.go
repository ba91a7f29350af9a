// Package interconnect implements the DMA-capable Interconnect transport
// contract (spec.md §4.3) without a real PCIe driver: wire encoding and
// hardware access are explicitly out of scope (spec.md §1). It exercises
// the same asynchronous-release contract a real driver would — will_be_pending,
// buffer_needed, buffer_sent — over an in-process loopback so the Segmenter
// (C5), Pending tracker (C7) and R→L buffer_needed path (C8) can be driven by
// real asynchronous completions without hardware (SPEC_FULL.md §3.2).
package interconnect

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/p3gateway/internal/transport"
	"github.com/malbeclabs/p3gateway/internal/wire"
)

// DefaultMaxMessageSize is larger than Stream/Datagram's, reflecting a
// DMA-capable interconnect's higher practical MTU.
const DefaultMaxMessageSize = 1 << 20

// DefaultPendingThreshold: payloads at or above this size are classified as
// asynchronous (WillBePending), mirroring a real DMA engine's cutover point
// below which a synchronous copy is cheaper than descriptor setup.
const DefaultPendingThreshold = 4096

// DefaultCompletionDelay is the artificial delay before a pending send's
// BufferSent callback fires, standing in for real DMA completion latency.
const DefaultCompletionDelay = 200 * time.Microsecond

// Peer is the loopback partner of a Transport: two Transports are created
// back to back and told about each other via Connect.
type Peer interface {
	deliverUserData(header, payload []byte, from uint32)
	deliverDiscovery(data []byte, from uint32)
}

// Config configures the Interconnect transport.
type Config struct {
	Logger           *slog.Logger
	Clock            clockwork.Clock
	MaxMessageSize   uint32
	PendingThreshold uint32
	CompletionDelay  time.Duration
	LocalDevice      uint32 // device number this end presents to its peer
}

// Transport is the Interconnect driver.
type Transport struct {
	log              *slog.Logger
	clock            clockwork.Clock
	maxMessageSize   uint32
	pendingThreshold uint32
	completionDelay  time.Duration
	localDevice      uint32

	status atomic.Int32

	mu    sync.RWMutex
	peers map[uint32]Peer

	onDiscovery      transport.DiscoveryCallback
	onUserData       transport.UserDataCallback
	onBufferNeeded   transport.BufferNeededCallback
	onBufferReleased transport.BufferReleasedCallback
	onBufferSent     transport.BufferSentCallback

	wg sync.WaitGroup
}

// New constructs a Transport. Peers are wired in afterwards with Connect,
// since both ends must exist before either can be told about the other.
func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.PendingThreshold == 0 {
		cfg.PendingThreshold = DefaultPendingThreshold
	}
	if cfg.CompletionDelay == 0 {
		cfg.CompletionDelay = DefaultCompletionDelay
	}
	return &Transport{
		log:              cfg.Logger,
		clock:            cfg.Clock,
		maxMessageSize:   cfg.MaxMessageSize,
		pendingThreshold: cfg.PendingThreshold,
		completionDelay:  cfg.CompletionDelay,
		localDevice:      cfg.LocalDevice,
		peers:            make(map[uint32]Peer),
	}
}

// Connect registers peer as reachable at device number, in both directions
// the caller is responsible for wiring (loopback has no discovery phase).
func (t *Transport) Connect(device uint32, peer Peer) {
	t.mu.Lock()
	t.peers[device] = peer
	t.mu.Unlock()
}

func (t *Transport) Kind() wire.Kind { return wire.Interconnect }

func (t *Transport) RegisterDiscoveryCallback(cb transport.DiscoveryCallback) { t.onDiscovery = cb }
func (t *Transport) RegisterUserDataCallback(cb transport.UserDataCallback)   { t.onUserData = cb }
func (t *Transport) RegisterBufferNeeded(cb transport.BufferNeededCallback)   { t.onBufferNeeded = cb }
func (t *Transport) RegisterBufferReleased(cb transport.BufferReleasedCallback) {
	t.onBufferReleased = cb
}
func (t *Transport) RegisterBufferSent(cb transport.BufferSentCallback) { t.onBufferSent = cb }

func (t *Transport) WillBePending(payloadSize uint32) bool {
	return payloadSize >= t.pendingThreshold
}

func (t *Transport) MaxMessageSize() uint32   { return t.maxMessageSize }
func (t *Transport) Status() transport.Status { return transport.Status(t.status.Load()) }

func (t *Transport) fail(err error) {
	if t.status.CompareAndSwap(int32(transport.StatusGood), int32(transport.StatusFailed)) {
		t.log.Error("interconnect transport failed", "error", err)
	}
}

// SendBroadcast delivers to every connected peer. Used for discovery only;
// Interconnect peers are usually few, so no special multicast primitive is
// needed.
func (t *Transport) SendBroadcast(data []byte) error {
	if t.Status() != transport.StatusGood {
		return errors.New("interconnect: transport not good")
	}
	t.mu.RLock()
	peers := make(map[uint32]Peer, len(t.peers))
	for k, v := range t.peers {
		peers[k] = v
	}
	t.mu.RUnlock()
	for _, p := range peers {
		p.deliverDiscovery(data, t.localDevice)
	}
	return nil
}

func (t *Transport) deliverDiscovery(data []byte, from uint32) {
	if t.onDiscovery != nil {
		t.onDiscovery(data, wire.DeviceIndex{Kind: wire.Interconnect, Device: from})
	}
}

func (t *Transport) deliverUserData(header, payload []byte, from uint32) {
	di := wire.DeviceIndex{Kind: wire.Interconnect, Device: from}
	if t.onBufferNeeded != nil {
		if dst := t.onBufferNeeded(header); dst != nil {
			copy(dst, payload)
			if t.onBufferReleased != nil {
				t.onBufferReleased(header, true, di)
			}
			return
		}
	}
	if t.onUserData != nil {
		buf := make([]byte, 0, len(header)+len(payload))
		buf = append(buf, header...)
		buf = append(buf, payload...)
		t.onUserData(buf, di)
	}
}

// SendUserData delivers one submessage to a single peer. When the payload
// classifies as pending, the call returns true immediately and BufferSent
// fires asynchronously after CompletionDelay, exercising the same ownership
// handoff a real DMA engine would require of the Pending tracker (C7).
func (t *Transport) SendUserData(header, payload []byte, device uint32) (bool, error) {
	t.mu.RLock()
	peer, ok := t.peers[device]
	t.mu.RUnlock()
	if !ok {
		return false, errors.New("interconnect: unknown device")
	}

	pending := t.WillBePending(uint32(len(payload)))
	if pending {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.clock.Sleep(t.completionDelay)
			peer.deliverUserData(header, payload, t.localDevice)
			if t.onBufferSent != nil {
				t.onBufferSent(wire.PointerToken(payload))
			}
		}()
		return true, nil
	}
	peer.deliverUserData(header, payload, t.localDevice)
	return false, nil
}

func (t *Transport) Close() error {
	t.wg.Wait()
	return nil
}
