package gateway

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/malbeclabs/p3gateway/internal/discovery"
	"github.com/malbeclabs/p3gateway/internal/ipc"
	"github.com/malbeclabs/p3gateway/internal/transport"
	"github.com/malbeclabs/p3gateway/internal/wire"
)

// LocalToRemote is the L→R Direction Adapter (spec.md §4.8): it owns one IPC
// subscriber per topic a remote peer needs, reads chunks as they arrive and
// segments each one out to every peer that currently subscribes to it.
type LocalToRemote struct {
	log       *slog.Logger
	fabric    ipc.Fabric
	discovery *discovery.Manager
	registry  *transport.Registry
	segmenter *Segmenter
	preferred wire.Kind

	waitSet ipc.WaitSet

	mu   sync.Mutex
	subs map[wire.ServiceID]ipc.Subscriber

	msgCounter atomic.Uint32

	done chan struct{}
	wg   sync.WaitGroup
}

// NewLocalToRemote constructs an L→R adapter. Call Start to begin its
// reactor loop.
func NewLocalToRemote(fabric ipc.Fabric, disc *discovery.Manager, reg *transport.Registry, seg *Segmenter, preferred wire.Kind, log *slog.Logger) *LocalToRemote {
	return &LocalToRemote{
		log:       log,
		fabric:    fabric,
		discovery: disc,
		registry:  reg,
		segmenter: seg,
		preferred: preferred,
		waitSet:   fabric.NewWaitSet(),
		subs:      make(map[wire.ServiceID]ipc.Subscriber),
		done:      make(chan struct{}),
	}
}

// SetDiscovery wires in the Discovery Manager, which is constructed after
// the adapters since it needs their UpdateChannels methods for its
// OnNeededTopics callback.
func (a *LocalToRemote) SetDiscovery(d *discovery.Manager) { a.discovery = d }

// Start launches the adapter's reactor thread, which polls its WaitSet on a
// ~50ms timeout like every other adapter (spec.md §5).
func (a *LocalToRemote) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.reactor(ctx)
}

// Stop joins the reactor thread. Subscriptions are torn down by
// UpdateChannels(nil) or left for process exit to clean up.
func (a *LocalToRemote) Stop() {
	close(a.done)
	a.wg.Wait()
}

func (a *LocalToRemote) reactor(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		default:
		}
		for _, n := range a.waitSet.TimedWait() {
			a.drain(n.Service)
		}
	}
}

// drain takes every currently available chunk from id's subscriber and
// segments each one out to its remote subscribers.
func (a *LocalToRemote) drain(id wire.ServiceID) {
	a.mu.Lock()
	sub, ok := a.subs[id]
	a.mu.Unlock()
	if !ok {
		return
	}

	for {
		chunk, err := sub.Take()
		if err != nil {
			return
		}
		a.forward(id, sub, chunk)
	}
}

func (a *LocalToRemote) forward(id wire.ServiceID, sub ipc.Subscriber, chunk ipc.ChunkHeader) {
	hash := wire.HashOf(id)
	devices := a.discovery.DeviceIndicesForEgress(uint64(chunk.OriginID), hash)
	if len(devices) == 0 {
		sub.Release(chunk.Token)
		return
	}

	msgHash := a.msgCounter.Add(1)
	// One ticket covers every destination this chunk fans out to; it
	// releases the chunk back to sub exactly once, after every destination
	// has reported completion — whether synchronously here or later through
	// the Pending tracker when a driver's BufferSent callback fires.
	ticket := a.segmenter.BeginFanout(sub, chunk, len(devices))
	for _, d := range devices {
		driver := a.registry.Driver(d.Kind)
		if driver == nil {
			ticket.MarkSyncDone()
			continue
		}
		dest := Destination{Driver: driver, Device: d.Device}
		if err := a.segmenter.WriteSegmented(dest, ticket, chunk, hash, msgHash); err != nil {
			a.log.Warn("l2r: segmented send failed", "service", id, "device", d, "error", err)
		}
	}
}

// UpdateChannels reconciles the adapter's subscriber set against needed,
// opening a subscription for every newly-needed topic this node actually
// publishes, and closing every subscription whose topic dropped out
// (spec.md §4.8 "update_channels").
func (a *LocalToRemote) UpdateChannels(needed discovery.NeededTopics) {
	a.mu.Lock()
	for id := range needed {
		if _, already := a.subs[id]; already {
			continue
		}
		if !a.discovery.IsLocalPublisher(id) {
			continue
		}
		a.setupChannelLocked(id)
	}

	type retiring struct {
		id  wire.ServiceID
		sub ipc.Subscriber
	}
	var toDelete []retiring
	for id, sub := range a.subs {
		if _, stillNeeded := needed[id]; stillNeeded {
			continue
		}
		toDelete = append(toDelete, retiring{id, sub})
	}
	a.mu.Unlock()

	// detach, unsubscribe, then busy-wait until no send against this
	// subscriber's chunk is still in flight, then drop it (spec.md §4.8
	// delete_channel) — dropping it any earlier would let an asynchronous
	// send complete against a subscriber that's already gone.
	for _, r := range toDelete {
		a.deleteChannel(r.id, r.sub)
	}
}

func (a *LocalToRemote) setupChannelLocked(id wire.ServiceID) {
	sub, err := a.fabric.NewSubscriber(id)
	if err != nil {
		a.log.Error("l2r: failed to subscribe", "service", id, "error", err)
		return
	}
	a.waitSet.AttachSubscriber(sub)
	a.subs[id] = sub
}

func (a *LocalToRemote) deleteChannel(id wire.ServiceID, sub ipc.Subscriber) {
	a.waitSet.DetachSubscriber(sub)
	sub.Unsubscribe()
	for a.segmenter.AnyPending(sub) {
		runtime.Gosched()
	}

	a.mu.Lock()
	delete(a.subs, id)
	a.mu.Unlock()
}
