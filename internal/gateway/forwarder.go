package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/malbeclabs/p3gateway/internal/discovery"
	"github.com/malbeclabs/p3gateway/internal/ipc"
	"github.com/malbeclabs/p3gateway/internal/transport"
	"github.com/malbeclabs/p3gateway/internal/wire"
)

// forwardSource is what RemoteToLocal pushes in for one completed
// reassembly before publishing it, so the Forwarder's own reactor can later
// recover the service hash and originating device once it takes the same
// chunk back off its own subscription.
type forwardSource struct {
	hash   wire.Hash
	device wire.DeviceIndex
}

// Forwarder is the Forwarder Direction Adapter (spec.md §4.8): it bridges a
// message that just arrived from one remote peer onward to other remote
// peers that subscribe to it but aren't directly reachable from the peer it
// arrived from, e.g. a Stream-only peer relayed across to an
// Interconnect-only peer. It is optional, scoped to a configured set of
// "forwarded services" (spec.md §6 forwarded_services), and owns its own
// subscribers and reactor thread rather than being invoked synchronously by
// RemoteToLocal: RemoteToLocal only pushes a correlation record (the
// service hash and source device behind the chunk it's about to publish)
// before publishing as usual, and the Forwarder's own wait-set loop takes
// that same chunk back off the topics it subscribes to.
type Forwarder struct {
	log       *slog.Logger
	fabric    ipc.Fabric
	discovery *discovery.Manager
	registry  *transport.Registry
	segmenter *Segmenter
	services  map[wire.ServiceID]struct{}

	waitSet ipc.WaitSet
	subs    map[wire.ServiceID]ipc.Subscriber

	corrMu sync.Mutex
	byTok  map[ipc.ChunkToken]forwardSource

	msgCounter atomic.Uint32

	done chan struct{}
	wg   sync.WaitGroup
}

// NewForwarder constructs a Forwarder scoped to services. An empty services
// set disables forwarding entirely: Start still launches the reactor, but
// it has nothing to subscribe to and TimedWait just times out forever.
func NewForwarder(fabric ipc.Fabric, disc *discovery.Manager, reg *transport.Registry, seg *Segmenter, services map[wire.ServiceID]struct{}, log *slog.Logger) *Forwarder {
	return &Forwarder{
		log:       log,
		fabric:    fabric,
		discovery: disc,
		registry:  reg,
		segmenter: seg,
		services:  services,
		waitSet:   fabric.NewWaitSet(),
		subs:      make(map[wire.ServiceID]ipc.Subscriber),
		byTok:     make(map[ipc.ChunkToken]forwardSource),
		done:      make(chan struct{}),
	}
}

// SetDiscovery wires in the Discovery Manager, which is constructed after
// the Forwarder.
func (f *Forwarder) SetDiscovery(d *discovery.Manager) { f.discovery = d }

// Handles reports whether id is one of the Forwarder's configured services,
// i.e. whether RemoteToLocal should push a correlation record for a
// completed reassembly on id before publishing it.
func (f *Forwarder) Handles(id wire.ServiceID) bool {
	_, ok := f.services[id]
	return ok
}

// NotifyArrival records the service hash and originating device behind a
// chunk RemoteToLocal is about to publish on id, so the Forwarder's reactor
// can recover them once its own subscription on id yields that same chunk.
// Must be called before the matching Publish.
func (f *Forwarder) NotifyArrival(tok ipc.ChunkToken, hash wire.Hash, from wire.DeviceIndex) {
	f.corrMu.Lock()
	f.byTok[tok] = forwardSource{hash: hash, device: from}
	f.corrMu.Unlock()
}

// Start opens one subscriber per configured service and launches the
// reactor thread, which polls its WaitSet on a ~50ms timeout like every
// other adapter (spec.md §5).
func (f *Forwarder) Start(ctx context.Context) {
	for id := range f.services {
		sub, err := f.fabric.NewSubscriber(id)
		if err != nil {
			f.log.Error("forwarder: failed to subscribe", "service", id, "error", err)
			continue
		}
		f.waitSet.AttachSubscriber(sub)
		f.subs[id] = sub
	}
	f.wg.Add(1)
	go f.reactor(ctx)
}

// Stop joins the reactor thread and unsubscribes every topic the Forwarder
// opened in Start.
func (f *Forwarder) Stop() {
	close(f.done)
	f.wg.Wait()
	for _, sub := range f.subs {
		f.waitSet.DetachSubscriber(sub)
		sub.Unsubscribe()
	}
}

func (f *Forwarder) reactor(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		default:
		}
		for _, n := range f.waitSet.TimedWait() {
			f.drain(n.Service)
		}
	}
}

// drain takes every currently available chunk from id's subscriber and
// re-segments each one out to the peers that need it but can't be reached
// directly from wherever it arrived from.
func (f *Forwarder) drain(id wire.ServiceID) {
	sub, ok := f.subs[id]
	if !ok {
		return
	}
	for {
		chunk, err := sub.Take()
		if err != nil {
			return
		}
		f.forward(sub, chunk)
	}
}

// forward is the same path as the L→R Segmenter (spec.md §4.8), driven from
// a chunk the Forwarder took off its own subscription rather than one
// loaned fresh from a local publisher.
func (f *Forwarder) forward(sub ipc.Subscriber, chunk ipc.ChunkHeader) {
	f.corrMu.Lock()
	src, ok := f.byTok[chunk.Token]
	if ok {
		delete(f.byTok, chunk.Token)
	}
	f.corrMu.Unlock()
	if !ok {
		// No correlation record: this chunk wasn't pushed in by
		// RemoteToLocal, so there's no source device to exclude. Nothing
		// to forward it on behalf of.
		sub.Release(chunk.Token)
		return
	}

	devices := f.discovery.DeviceIndicesForForwarding(src.hash, src.device)
	if len(devices) == 0 {
		sub.Release(chunk.Token)
		return
	}

	msgHash := f.msgCounter.Add(1)
	// sub here is the Forwarder's own subscription, not the one RemoteToLocal
	// published through; the ticket only drives this fan-out's bookkeeping,
	// and its Release call is exactly how the Forwarder gives its own taken
	// chunk back once every destination has reported completion.
	ticket := f.segmenter.BeginFanout(sub, chunk, len(devices))
	for _, d := range devices {
		driver := f.registry.Driver(d.Kind)
		if driver == nil {
			ticket.MarkSyncDone()
			continue
		}
		dest := Destination{Driver: driver, Device: d.Device}
		if err := f.segmenter.WriteSegmented(dest, ticket, chunk, src.hash, msgHash); err != nil {
			f.log.Warn("forwarder: segmented send failed", "device", d, "error", err)
		}
	}
}
