package gateway

import (
	"log/slog"
	"sync"

	"github.com/malbeclabs/p3gateway/internal/discovery"
	"github.com/malbeclabs/p3gateway/internal/ipc"
	"github.com/malbeclabs/p3gateway/internal/transport"
	"github.com/malbeclabs/p3gateway/internal/wire"
)

// RemoteToLocal is the R→L Direction Adapter (spec.md §4.8): it registers
// inbound callbacks on every transport, reassembles submessages arriving
// for topics this node subscribes to, and publishes each completed message
// locally through a per-topic IPC publisher it owns.
type RemoteToLocal struct {
	log         *slog.Logger
	fabric      ipc.Fabric
	discovery   *discovery.Manager
	registry    *transport.Registry
	reassembler *Reassembler

	forwarder *Forwarder

	mu     sync.RWMutex
	pubs   map[wire.ServiceID]ipc.Publisher
	byHash map[wire.Hash]wire.ServiceID
}

// SetDiscovery wires in the Discovery Manager, which is constructed after
// the adapters since it needs their UpdateChannels methods for its
// OnNeededTopics callback.
func (a *RemoteToLocal) SetDiscovery(d *discovery.Manager) { a.discovery = d }

// SetForwarder attaches the Forwarder this adapter consults after every
// completed reassembly, so a message that arrived for a topic with
// subscribers on transports unreachable from its sender is bridged onward
// in the same place it would otherwise just be published locally.
func (a *RemoteToLocal) SetForwarder(f *Forwarder) {
	a.forwarder = f
}

// NewRemoteToLocal constructs an R→L adapter. Call RegisterCallbacks once
// for every transport enabled in the registry before traffic starts
// arriving.
func NewRemoteToLocal(fabric ipc.Fabric, disc *discovery.Manager, reg *transport.Registry, log *slog.Logger) *RemoteToLocal {
	a := &RemoteToLocal{
		log:       log,
		fabric:    fabric,
		discovery: disc,
		registry:  reg,
		pubs:      make(map[wire.ServiceID]ipc.Publisher),
		byHash:    make(map[wire.Hash]wire.ServiceID),
	}
	a.reassembler = NewReassembler(func(pub ipc.Publisher, tok ipc.ChunkToken) {
		pub.Release(tok)
		a.log.Debug("r2l: reassembly timed out, dropping partial message")
	})
	return a
}

// RegisterCallbacks wires this adapter's handlers onto every currently
// enabled transport driver (spec.md §4.8). Called once at startup, after
// every transport has been added to the registry.
func (a *RemoteToLocal) RegisterCallbacks() {
	a.registry.ForEachEnabled(func(d transport.Driver) {
		d.RegisterUserDataCallback(a.handleUserData)
		d.RegisterBufferNeeded(a.handleBufferNeeded)
		d.RegisterBufferReleased(a.handleBufferReleased)
	})
}

// UpdateChannels reconciles the adapter's publisher set against needed,
// opening a publisher for every newly-needed topic this node subscribes to
// locally but does not already publish itself, and closing publishers
// whose topic dropped out (spec.md §4.8 "update_channels"). Every opened
// publisher's UID is registered with the Discovery Manager so its presence
// never loops back into this node's own advertised inventory.
func (a *RemoteToLocal) UpdateChannels(needed discovery.NeededTopics) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id := range needed {
		if _, already := a.pubs[id]; already {
			continue
		}
		if a.discovery.IsLocalPublisher(id) {
			continue
		}
		// A publisher is needed here either because a local subscriber wants
		// it, or because the Forwarder owns a subscription of its own on
		// this topic and needs something to take a chunk from (spec.md §4.8
		// Forwarder). Either one on its own is enough; with neither, no
		// publisher is opened.
		hasLocalSubscriber := a.discovery.IsLocalSubscriber(id)
		forwarded := a.forwarder != nil && a.forwarder.Handles(id)
		if !hasLocalSubscriber && !forwarded {
			continue
		}
		pub, err := a.fabric.NewPublisher(id)
		if err != nil {
			a.log.Error("r2l: failed to create publisher", "service", id, "error", err)
			continue
		}
		a.pubs[id] = pub
		a.byHash[wire.HashOf(id)] = id
		a.discovery.RegisterGatewayPublisherUID(pub.UID())
	}
	for id, pub := range a.pubs {
		if _, stillNeeded := needed[id]; stillNeeded {
			continue
		}
		a.discovery.UnregisterGatewayPublisherUID(pub.UID())
		a.reassembler.ReleasePublisher(pub)
		delete(a.pubs, id)
		delete(a.byHash, wire.HashOf(id))
	}
}

func (a *RemoteToLocal) lookup(h wire.DatagramHeader) (wire.ServiceID, ipc.Publisher, bool) {
	hash := wire.HashFromWire(h.ServiceHash)
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.byHash[hash]
	if !ok {
		return wire.ServiceID{}, nil, false
	}
	pub, ok := a.pubs[id]
	return id, pub, ok
}

// handleUserData is the non-DMA ingress path (Stream, Datagram): data is a
// complete header-prefixed submessage.
func (a *RemoteToLocal) handleUserData(data []byte, from wire.DeviceIndex) {
	if len(data) < wire.HeaderSize {
		return
	}
	h, err := wire.UnmarshalHeader(data[:wire.HeaderSize])
	if err != nil {
		return
	}
	payload := data[wire.HeaderSize:]
	if uint32(len(payload)) < h.SubmessageSize {
		a.log.Warn("r2l: truncated submessage", "from", from)
		return
	}
	payload = payload[:h.SubmessageSize]

	_, pub, ok := a.lookup(h)
	if !ok {
		return // no local subscriber for this topic right now; drop
	}
	buf, err := a.reassembler.Begin(pub, h)
	if err != nil {
		a.log.Warn("r2l: allocation failed, dropping message", "from", from, "error", err)
		return
	}
	copy(buf[h.SubmessageOffset:h.SubmessageOffset+h.SubmessageSize], payload)
	a.complete(h, from)
}

// handleBufferNeeded is the DMA ingress path's first step (Interconnect
// buffer_needed): it must return a destination buffer before the driver
// copies submessage bytes into it.
func (a *RemoteToLocal) handleBufferNeeded(headerBytes []byte) []byte {
	h, err := wire.UnmarshalHeader(headerBytes)
	if err != nil {
		return nil
	}
	_, pub, ok := a.lookup(h)
	if !ok {
		return nil
	}
	buf, err := a.reassembler.Begin(pub, h)
	if err != nil {
		return nil
	}
	return buf[h.SubmessageOffset : h.SubmessageOffset+h.SubmessageSize]
}

// handleBufferReleased is the DMA ingress path's second step: the driver
// has finished copying into the buffer handleBufferNeeded returned (or
// aborted, in which case shouldPublish is false).
func (a *RemoteToLocal) handleBufferReleased(headerBytes []byte, shouldPublish bool, from wire.DeviceIndex) {
	if !shouldPublish {
		return
	}
	h, err := wire.UnmarshalHeader(headerBytes)
	if err != nil {
		return
	}
	a.complete(h, from)
}

// complete decrements h's message and publishes it locally once every
// submessage has landed. If its topic is one of the Forwarder's configured
// forwarded services, it pushes a correlation record first so the
// Forwarder's own subscription recovers the service hash and originating
// device once its reactor takes the same chunk back off the fabric
// (spec.md §4.8 Forwarder).
func (a *RemoteToLocal) complete(h wire.DatagramHeader, from wire.DeviceIndex) {
	pub, chunk, done := a.reassembler.Decrement(h)
	if !done {
		return
	}
	id, _, _ := a.lookup(h)
	if a.forwarder != nil && a.forwarder.Handles(id) {
		a.forwarder.NotifyArrival(chunk.Token, wire.HashFromWire(h.ServiceHash), from)
	}
	pub.Publish(chunk.Token)
}

// CheckTimeouts sweeps the reassembler for expired partial messages, called
// once per reactor tick by the owning gateway runner.
func (a *RemoteToLocal) CheckTimeouts() {
	a.reassembler.CheckTimeouts()
}

// Stop abandons every in-flight reassembly, releasing their loaned chunks
// back to the fabric. Called once at shutdown.
func (a *RemoteToLocal) Stop() {
	a.reassembler.ReleaseAll()
}
