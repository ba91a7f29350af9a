// Package discovery implements the Discovery Manager (spec.md §4.4): it
// gossips local endpoint inventory over every enabled transport,
// reconciles remote gossip into a table of peer records, and derives the
// set of topics that need a gateway channel in either direction.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/p3gateway/internal/ipc"
	"github.com/malbeclabs/p3gateway/internal/transport"
	"github.com/malbeclabs/p3gateway/internal/wire"
)

// DefaultTickInterval is the reactor's local-inventory poll period
// (spec.md §4.4 "per ~50ms tick").
const DefaultTickInterval = 50 * time.Millisecond

// DefaultLossyRebroadcastInterval compensates for discovery datagram loss
// on lossy transports (spec.md §4.4).
const DefaultLossyRebroadcastInterval = 500 * time.Millisecond

// MaxRemoteNodes bounds the remote record table; spec.md §5 calls an
// overflow here a hard error rather than a silent drop, since losing a peer
// record breaks routing for every topic it subscribes to.
const MaxRemoteNodes = 1024

// LocalInventory is the gateway's own publisher/subscriber set, refreshed
// from the fabric's introspection feed every tick (spec.md §3).
type LocalInventory struct {
	Publishers     map[wire.ServiceID]struct{}
	Subscribers    map[wire.ServiceID]struct{}
	PublisherPorts map[uint64]struct{}
}

func newLocalInventory() LocalInventory {
	return LocalInventory{
		Publishers:     make(map[wire.ServiceID]struct{}),
		Subscribers:    make(map[wire.ServiceID]struct{}),
		PublisherPorts: make(map[uint64]struct{}),
	}
}

// RemoteNodeRecord is one peer's last known discovery state, keyed on its
// GatewayHash (spec.md §3).
type RemoteNodeRecord struct {
	Info          wire.DiscoveryRecord
	DeviceIndices []wire.DeviceIndex
}

func (r *RemoteNodeRecord) deviceFor(k wire.Kind) (wire.DeviceIndex, bool) {
	for _, d := range r.DeviceIndices {
		if d.Kind == k {
			return d, true
		}
	}
	return wire.DeviceIndex{}, false
}

// NeededTopics is the set the gateway must open one local endpoint for, per
// direction (spec.md §3 invariant).
type NeededTopics map[wire.ServiceID]struct{}

// Config configures a Manager.
type Config struct {
	Log                      *slog.Logger
	Clock                    clockwork.Clock
	Registry                 *transport.Registry
	Fabric                   ipc.Fabric
	GatewayHash              wire.GatewayHash
	PreferredTransport       wire.Kind
	TickInterval             time.Duration
	LossyRebroadcastInterval time.Duration
	OnNeededTopics           func(NeededTopics)
}

// Manager is the Discovery Manager (C4).
type Manager struct {
	log      *slog.Logger
	clock    clockwork.Clock
	reg      *transport.Registry
	fabric   ipc.Fabric
	gwHash   wire.GatewayHash
	preferred wire.Kind
	tick     time.Duration
	lossy    time.Duration
	onNeeded func(NeededTopics)

	// mu is "discovery_mutex" (spec.md §5): recursive in the original, made
	// re-entrant here by routing every public method through an unlocked
	// core (*locked suffix) and taking mu exactly once per public call.
	mu                   sync.Mutex
	local                LocalInventory
	lastSentSubscribers  map[wire.ServiceID]struct{}
	records              map[wire.GatewayHash]*RemoteNodeRecord
	cache                map[wire.Hash][]wire.DeviceIndex
	gatewayPublisherUIDs map[uint64]struct{}
	needed               NeededTopics
	infoHashCounter      uint32

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Manager. Call Start to begin gossiping.
func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.LossyRebroadcastInterval == 0 {
		cfg.LossyRebroadcastInterval = DefaultLossyRebroadcastInterval
	}
	if cfg.OnNeededTopics == nil {
		cfg.OnNeededTopics = func(NeededTopics) {}
	}
	return &Manager{
		log:                  cfg.Log,
		clock:                cfg.Clock,
		reg:                  cfg.Registry,
		fabric:               cfg.Fabric,
		gwHash:               cfg.GatewayHash,
		preferred:            cfg.PreferredTransport,
		tick:                 cfg.TickInterval,
		lossy:                cfg.LossyRebroadcastInterval,
		onNeeded:             cfg.OnNeededTopics,
		local:                newLocalInventory(),
		records:              make(map[wire.GatewayHash]*RemoteNodeRecord),
		cache:                make(map[wire.Hash][]wire.DeviceIndex),
		gatewayPublisherUIDs: make(map[uint64]struct{}),
		needed:               make(NeededTopics),
		done:                 make(chan struct{}),
	}
}

// RegisterGatewayPublisherUID records a publisher UID created by the R→L
// adapter to bridge inbound remote data locally, so the reactor's local
// inventory diff never advertises it as a real local publisher (spec.md §3
// "publisher_ports are opaque unique port identifiers used to filter
// loop-back traffic").
func (m *Manager) RegisterGatewayPublisherUID(uid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gatewayPublisherUIDs[uid] = struct{}{}
}

// UnregisterGatewayPublisherUID undoes RegisterGatewayPublisherUID when the
// R→L adapter tears the channel down.
func (m *Manager) UnregisterGatewayPublisherUID(uid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gatewayPublisherUIDs, uid)
}

// Start registers inbound discovery callbacks on every transport, launches
// the reactor, and broadcasts the gateway's initial record.
func (m *Manager) Start(ctx context.Context) {
	m.reg.ForEachEnabled(func(d transport.Driver) {
		d.RegisterDiscoveryCallback(m.handleInboundDatagram)
	})
	m.broadcastCurrentRecord(false)

	m.wg.Add(1)
	go m.reactor(ctx)
}

// Stop signals termination, broadcasts a termination record, and joins the
// reactor (spec.md §4.4 "Termination").
func (m *Manager) Stop() {
	close(m.done)
	m.wg.Wait()
	m.broadcastCurrentRecord(true)
}

// IsLocalPublisher reports whether id currently has a local publisher,
// consulted by the L→R adapter before opening an egress channel for a
// topic that appears in NeededTopics only because a remote peer wants it.
func (m *Manager) IsLocalPublisher(id wire.ServiceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.local.Publishers[id]
	return ok
}

// IsLocalSubscriber reports whether id currently has a local subscriber,
// consulted by the R→L adapter before opening an ingress channel for a
// topic that appears in NeededTopics only because this node wants it.
func (m *Manager) IsLocalSubscriber(id wire.ServiceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.local.Subscribers[id]
	return ok
}

// InvalidateCache clears the memoized egress/forwarding destination cache.
// Called whenever the set of devices reachable for a cached service hash
// may have changed for a reason other than an inbound discovery datagram:
// specifically, a transport's Good→Failed transition (spec.md §3, §9
// Scenario S6 "egress fails over from Interconnect to Datagram" requires
// this — without it, a peer's cached Interconnect destination would never
// be replaced by its Datagram one once Interconnect failed).
func (m *Manager) InvalidateCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[wire.Hash][]wire.DeviceIndex)
}

// Snapshot returns an immutable copy of the remote record table, for
// metrics/introspection consumers that must not hold discovery_mutex for
// the duration of a scrape (SPEC_FULL.md §3.3).
func (m *Manager) Snapshot() []RemoteNodeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RemoteNodeRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, RemoteNodeRecord{
			Info:          r.Info,
			DeviceIndices: append([]wire.DeviceIndex(nil), r.DeviceIndices...),
		})
	}
	return out
}

func (m *Manager) reactor(ctx context.Context) {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(m.tick)
	defer ticker.Stop()
	lossyTicker := m.clock.NewTicker(m.lossy)
	defer lossyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.Chan():
			m.tickOnce()
		case <-lossyTicker.Chan():
			m.broadcastCurrentRecord(false)
		}
	}
}

// tickOnce performs one reactor iteration (spec.md §4.4 "Reactor loop"):
// drain one local-inventory sample, diff it, recompute NeededTopics if it
// changed, rebroadcast if the subscriber set specifically changed, and
// publish the local publisher port list for external liveness probes.
func (m *Manager) tickOnce() {
	var sample ipc.LocalInventorySample
	select {
	case sample = <-m.fabric.LocalInventorySamples():
	default:
		return
	}

	m.mu.Lock()
	changed := m.applyLocalSampleLocked(sample)
	subscribersChanged := m.subscribersChangedLocked()
	var needed NeededTopics
	if changed {
		needed = m.recomputeNeededLocked()
	}
	ports := make([]uint64, 0, len(m.local.PublisherPorts))
	for p := range m.local.PublisherPorts {
		ports = append(ports, p)
	}
	m.mu.Unlock()

	if changed {
		m.onNeeded(needed)
	}
	if subscribersChanged {
		m.broadcastCurrentRecord(false)
	}
	m.fabric.Introspection().PublishRegisteredPublishers(ports)
}

// applyLocalSampleLocked filters out the gateway's own bridged endpoints
// (spec.md §4.4 step 1) and replaces m.local. Returns whether anything
// observable changed.
func (m *Manager) applyLocalSampleLocked(sample ipc.LocalInventorySample) bool {
	next := newLocalInventory()
	for id, port := range sample.Publishers {
		if _, isGateway := m.gatewayPublisherUIDs[port]; isGateway {
			continue
		}
		next.Publishers[id] = struct{}{}
		next.PublisherPorts[port] = struct{}{}
	}
	for id := range sample.Subscribers {
		next.Subscribers[id] = struct{}{}
	}

	changed := !sameServiceSet(next.Publishers, m.local.Publishers) ||
		!sameServiceSet(next.Subscribers, m.local.Subscribers)
	m.local = next
	return changed
}

func sameServiceSet(a, b map[wire.ServiceID]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

func (m *Manager) subscribersChangedLocked() bool {
	changed := !sameServiceSet(m.local.Subscribers, m.lastSentSubscribers)
	return changed
}

// recomputeNeededLocked derives NeededTopics = local.publishers ∪
// local.subscribers ∪ ⋃ peer.info.subscribers (spec.md §3).
func (m *Manager) recomputeNeededLocked() NeededTopics {
	needed := make(NeededTopics)
	for id := range m.local.Publishers {
		needed[id] = struct{}{}
	}
	for id := range m.local.Subscribers {
		needed[id] = struct{}{}
	}
	for _, rec := range m.records {
		for _, id := range rec.Info.Subscribers {
			needed[id] = struct{}{}
		}
	}
	m.needed = needed
	return needed
}

// buildRecordLocked builds the DiscoveryRecord to advertise right now.
func (m *Manager) buildRecordLocked(termination bool) wire.DiscoveryRecord {
	subs := make([]wire.ServiceID, 0, len(m.local.Subscribers))
	for id := range m.local.Subscribers {
		subs = append(subs, id)
	}
	m.infoHashCounter++
	m.lastSentSubscribers = m.local.Subscribers
	return wire.DiscoveryRecord{
		Subscribers:   subs,
		GatewayBitset: m.reg.Bitset(),
		GatewayHash:   m.gwHash,
		InfoHash:      m.infoHashCounter,
		IsTermination: termination,
	}
}

func (m *Manager) broadcastCurrentRecord(termination bool) {
	m.mu.Lock()
	rec := m.buildRecordLocked(termination)
	m.mu.Unlock()

	data, err := rec.Marshal()
	if err != nil {
		m.log.Error("discovery: failed to marshal own record", "error", err)
		return
	}
	m.reg.ForEachEnabled(func(d transport.Driver) {
		if err := d.SendBroadcast(data); err != nil {
			m.log.Warn("discovery: broadcast failed", "kind", d.Kind(), "error", err)
		}
	})
}

// handleInboundDatagram is registered as every transport's discovery
// callback (spec.md §4.4 "Inbound discovery handler").
func (m *Manager) handleInboundDatagram(data []byte, from wire.DeviceIndex) {
	rec, err := wire.UnmarshalDiscoveryRecord(data)
	if err != nil {
		m.log.Info("discovery: dropping malformed record", "from", from, "error", err)
		return
	}

	m.mu.Lock()
	if rec.IsTermination {
		delete(m.records, rec.GatewayHash)
		m.cache = make(map[wire.Hash][]wire.DeviceIndex)
		needed := m.recomputeNeededLocked()
		m.mu.Unlock()
		m.log.Info("discovery: peer terminated", "gatewayHash", rec.GatewayHash)
		m.onNeeded(needed)
		return
	}

	existing, known := m.records[rec.GatewayHash]
	isNewPeer := !known
	if !known {
		if len(m.records) >= MaxRemoteNodes {
			m.mu.Unlock()
			m.log.Error("discovery: remote record table full, dropping new peer", "gatewayHash", rec.GatewayHash)
			return
		}
		existing = &RemoteNodeRecord{}
		m.records[rec.GatewayHash] = existing
	}
	existing.Info = rec
	if d, has := existing.deviceFor(from.Kind); has {
		if d.Device != from.Device {
			m.log.Error("discovery: conflicting device number for same transport kind",
				"gatewayHash", rec.GatewayHash, "kind", from.Kind, "existing", d.Device, "new", from.Device)
		}
	} else {
		existing.DeviceIndices = append(existing.DeviceIndices, from)
	}
	m.cache = make(map[wire.Hash][]wire.DeviceIndex)
	needed := m.recomputeNeededLocked()
	m.mu.Unlock()

	m.onNeeded(needed)
	if isNewPeer {
		// A newly arrived peer learns about us without waiting for the
		// periodic tick (spec.md §4.4 step 3).
		m.broadcastCurrentRecord(false)
	}
}

// DeviceIndicesForEgress resolves where to send a message originating from
// originPublisherPort on serviceHash (spec.md §4.4 "Destination
// resolution"). It returns no destinations if the originating port is the
// gateway's own bridged publisher or not a currently-known local publisher
// (loop-back filtering), consulting and populating the memoized cache.
func (m *Manager) DeviceIndicesForEgress(originPublisherPort uint64, serviceHash wire.Hash) []wire.DeviceIndex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, isGateway := m.gatewayPublisherUIDs[originPublisherPort]; isGateway {
		return nil
	}
	if _, known := m.local.PublisherPorts[originPublisherPort]; !known {
		return nil
	}

	if cached, ok := m.cache[serviceHash]; ok {
		return cached
	}

	var dests []wire.DeviceIndex
	for _, rec := range m.records {
		if !containsService(rec.Info.Subscribers, serviceHash) {
			continue
		}
		kind := m.reg.FindMatching(rec.Info.GatewayBitset, m.preferred)
		if kind == wire.None {
			continue
		}
		if d, ok := rec.deviceFor(kind); ok {
			dests = append(dests, d)
		}
	}
	m.cache[serviceHash] = dests
	return dests
}

// DeviceIndicesForForwarding returns the peers that subscribe to
// serviceHash but are unreachable directly from the peer that sent it on
// source (spec.md §4.4, used by the Forwarder for inter-transport bridging).
func (m *Manager) DeviceIndicesForForwarding(serviceHash wire.Hash, source wire.DeviceIndex) []wire.DeviceIndex {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sourceBitset wire.Bitset
	found := false
	for _, rec := range m.records {
		if d, ok := rec.deviceFor(source.Kind); ok && d.Device == source.Device {
			sourceBitset = rec.Info.GatewayBitset
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	var dests []wire.DeviceIndex
	for _, rec := range m.records {
		if rec.Info.GatewayBitset.Intersects(sourceBitset) {
			continue // reachable directly, no bridging needed
		}
		if !containsService(rec.Info.Subscribers, serviceHash) {
			continue
		}
		kind := m.reg.FindMatching(rec.Info.GatewayBitset, m.preferred)
		if kind == wire.None {
			continue
		}
		if d, ok := rec.deviceFor(kind); ok {
			dests = append(dests, d)
		}
	}
	return dests
}

func containsService(ids []wire.ServiceID, hash wire.Hash) bool {
	for _, id := range ids {
		if wire.HashOf(id) == hash {
			return true
		}
	}
	return false
}
