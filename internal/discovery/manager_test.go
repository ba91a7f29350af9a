package discovery

import (
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/p3gateway/internal/ipc"
	"github.com/malbeclabs/p3gateway/internal/transport"
	"github.com/malbeclabs/p3gateway/internal/wire"
)

type fakeDriver struct {
	kind     wire.Kind
	sent     [][]byte
	discover transport.DiscoveryCallback
}

func (d *fakeDriver) Kind() wire.Kind { return d.kind }
func (d *fakeDriver) RegisterDiscoveryCallback(cb transport.DiscoveryCallback) {
	d.discover = cb
}
func (d *fakeDriver) RegisterUserDataCallback(transport.UserDataCallback)     {}
func (d *fakeDriver) RegisterBufferNeeded(transport.BufferNeededCallback)     {}
func (d *fakeDriver) RegisterBufferReleased(transport.BufferReleasedCallback) {}
func (d *fakeDriver) RegisterBufferSent(transport.BufferSentCallback)        {}
func (d *fakeDriver) SendBroadcast(data []byte) error {
	d.sent = append(d.sent, data)
	return nil
}
func (d *fakeDriver) SendUserData(header, payload []byte, device uint32) (bool, error) {
	return false, nil
}
func (d *fakeDriver) WillBePending(uint32) bool { return false }
func (d *fakeDriver) MaxMessageSize() uint32     { return 1500 }
func (d *fakeDriver) Status() transport.Status   { return transport.StatusGood }
func (d *fakeDriver) Close() error               { return nil }

type fakeIntrospection struct{}

func (fakeIntrospection) PublishRegisteredPublishers([]uint64) {}

type fakeFabric struct {
	samples chan ipc.LocalInventorySample
}

func newFakeFabric() *fakeFabric {
	return &fakeFabric{samples: make(chan ipc.LocalInventorySample, 4)}
}

func (f *fakeFabric) NewSubscriber(wire.ServiceID) (ipc.Subscriber, error) { return nil, nil }
func (f *fakeFabric) NewPublisher(wire.ServiceID) (ipc.Publisher, error)   { return nil, nil }
func (f *fakeFabric) NewWaitSet() ipc.WaitSet                              { return nil }
func (f *fakeFabric) Introspection() ipc.Introspection                    { return fakeIntrospection{} }
func (f *fakeFabric) LocalInventorySamples() <-chan ipc.LocalInventorySample {
	return f.samples
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func newTestManager(t *testing.T, reg *transport.Registry, fabric *fakeFabric, onNeeded func(NeededTopics)) *Manager {
	t.Helper()
	if onNeeded == nil {
		onNeeded = func(NeededTopics) {}
	}
	return New(Config{
		Log:         discardLogger(),
		Clock:       clockwork.NewFakeClock(),
		Registry:    reg,
		Fabric:      fabric,
		GatewayHash: wire.GatewayHash(1),
		OnNeededTopics: onNeeded,
	})
}

var svcA = wire.ServiceID{Service: "svc", Instance: "a", Event: "e"}
var svcB = wire.ServiceID{Service: "svc", Instance: "b", Event: "e"}

func TestTickOnceRecomputesNeededOnLocalChange(t *testing.T) {
	reg := transport.New(discardLogger())
	fabric := newFakeFabric()

	var lastNeeded NeededTopics
	m := newTestManager(t, reg, fabric, func(n NeededTopics) { lastNeeded = n })

	fabric.samples <- ipc.LocalInventorySample{
		Publishers:  map[wire.ServiceID]uint64{svcA: 42},
		Subscribers: map[wire.ServiceID]struct{}{svcB: {}},
	}
	m.tickOnce()

	require.Contains(t, lastNeeded, svcA)
	require.Contains(t, lastNeeded, svcB)
	require.True(t, m.IsLocalPublisher(svcA))
	require.True(t, m.IsLocalSubscriber(svcB))
}

func TestTickOnceFiltersOwnBridgedPublisherPorts(t *testing.T) {
	reg := transport.New(discardLogger())
	fabric := newFakeFabric()
	m := newTestManager(t, reg, fabric, nil)
	m.RegisterGatewayPublisherUID(42)

	fabric.samples <- ipc.LocalInventorySample{
		Publishers: map[wire.ServiceID]uint64{svcA: 42},
	}
	m.tickOnce()

	require.False(t, m.IsLocalPublisher(svcA), "a publisher the gateway itself created must never count as local")
}

func TestTickOnceWithNoSampleIsNoop(t *testing.T) {
	reg := transport.New(discardLogger())
	fabric := newFakeFabric()
	called := false
	m := newTestManager(t, reg, fabric, func(NeededTopics) { called = true })
	m.tickOnce() // no sample queued
	require.False(t, called)
}

func TestHandleInboundDatagramInsertsAndBroadcastsToNewPeer(t *testing.T) {
	reg := transport.New(discardLogger())
	stream := &fakeDriver{kind: wire.Stream}
	reg.Enable(stream)

	fabric := newFakeFabric()
	m := newTestManager(t, reg, fabric, nil)
	m.Start(nil_ctx())
	defer m.Stop()

	peer := wire.DiscoveryRecord{
		Subscribers:   []wire.ServiceID{svcA},
		GatewayBitset: wire.Bitset(0).Set(wire.Stream),
		GatewayHash:   wire.GatewayHash(2),
	}
	data, err := peer.Marshal()
	require.NoError(t, err)

	stream.sent = nil // clear the initial broadcast from Start
	stream.discover(data, wire.DeviceIndex{Kind: wire.Stream, Device: 7})

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, wire.GatewayHash(2), snap[0].Info.GatewayHash)
	require.NotEmpty(t, stream.sent, "a newly seen peer must get an immediate reply broadcast")
}

func TestHandleInboundTerminationRemovesPeerAndClearsCache(t *testing.T) {
	reg := transport.New(discardLogger())
	stream := &fakeDriver{kind: wire.Stream}
	reg.Enable(stream)

	fabric := newFakeFabric()
	var lastNeeded NeededTopics
	m := newTestManager(t, reg, fabric, func(n NeededTopics) { lastNeeded = n })
	m.Start(nil_ctx())
	defer m.Stop()

	peer := wire.DiscoveryRecord{
		Subscribers:   []wire.ServiceID{svcA},
		GatewayBitset: wire.Bitset(0).Set(wire.Stream),
		GatewayHash:   wire.GatewayHash(3),
	}
	data, _ := peer.Marshal()
	from := wire.DeviceIndex{Kind: wire.Stream, Device: 1}
	stream.discover(data, from)
	require.Contains(t, lastNeeded, svcA)

	// Register svcA as a local publisher port so DeviceIndicesForEgress
	// actually resolves and populates the cache before termination clears it.
	fabric.samples <- ipc.LocalInventorySample{Publishers: map[wire.ServiceID]uint64{svcA: 9}}
	m.tickOnce()
	dests := m.DeviceIndicesForEgress(9, wire.HashOf(svcA))
	require.Len(t, dests, 1)
	require.Equal(t, from, dests[0])

	term := peer
	term.IsTermination = true
	termData, _ := term.Marshal()
	stream.discover(termData, from)

	require.Empty(t, m.Snapshot())
	// svcA stays needed: it still has a local publisher.
	require.Contains(t, lastNeeded, svcA)
	require.Empty(t, m.DeviceIndicesForEgress(9, wire.HashOf(svcA)), "the cache must be invalidated by the termination, not serve a stale peer")
}

func TestDeviceIndicesForEgressFiltersLoopbackAndUnknownOrigin(t *testing.T) {
	reg := transport.New(discardLogger())
	stream := &fakeDriver{kind: wire.Stream}
	reg.Enable(stream)
	fabric := newFakeFabric()
	m := newTestManager(t, reg, fabric, nil)
	m.RegisterGatewayPublisherUID(100)

	fabric.samples <- ipc.LocalInventorySample{Publishers: map[wire.ServiceID]uint64{svcA: 9}}
	m.tickOnce()

	require.Empty(t, m.DeviceIndicesForEgress(100, wire.HashOf(svcA)), "gateway's own bridged port must never resolve to destinations")
	require.Empty(t, m.DeviceIndicesForEgress(12345, wire.HashOf(svcA)), "an unknown origin port must never resolve to destinations")
}

func TestDeviceIndicesForForwardingSkipsDirectlyReachablePeers(t *testing.T) {
	reg := transport.New(discardLogger())
	stream := &fakeDriver{kind: wire.Stream}
	datagram := &fakeDriver{kind: wire.Datagram}
	reg.Enable(stream)
	reg.Enable(datagram)

	fabric := newFakeFabric()
	m := newTestManager(t, reg, fabric, nil)
	m.Start(nil_ctx())
	defer m.Stop()

	sender := wire.DiscoveryRecord{
		Subscribers:   []wire.ServiceID{svcA},
		GatewayBitset: wire.Bitset(0).Set(wire.Stream),
		GatewayHash:   wire.GatewayHash(10),
	}
	senderData, _ := sender.Marshal()
	senderDevice := wire.DeviceIndex{Kind: wire.Stream, Device: 1}
	stream.discover(senderData, senderDevice)

	// A peer reachable over Stream too: shares a transport with the sender,
	// so it's directly reachable and must not be bridged.
	directPeer := wire.DiscoveryRecord{
		Subscribers:   []wire.ServiceID{svcA},
		GatewayBitset: wire.Bitset(0).Set(wire.Stream),
		GatewayHash:   wire.GatewayHash(11),
	}
	directData, _ := directPeer.Marshal()
	stream.discover(directData, wire.DeviceIndex{Kind: wire.Stream, Device: 2})

	// A Datagram-only peer: unreachable from the Stream-only sender, must be
	// bridged.
	bridgedPeer := wire.DiscoveryRecord{
		Subscribers:   []wire.ServiceID{svcA},
		GatewayBitset: wire.Bitset(0).Set(wire.Datagram),
		GatewayHash:   wire.GatewayHash(12),
	}
	bridgedData, _ := bridgedPeer.Marshal()
	datagram.discover(bridgedData, wire.DeviceIndex{Kind: wire.Datagram, Device: 3})

	dests := m.DeviceIndicesForForwarding(wire.HashOf(svcA), senderDevice)
	require.Len(t, dests, 1)
	require.Equal(t, wire.Datagram, dests[0].Kind)
	require.Equal(t, uint32(3), dests[0].Device)
}

func TestHandleInboundMalformedRecordDropped(t *testing.T) {
	reg := transport.New(discardLogger())
	stream := &fakeDriver{kind: wire.Stream}
	reg.Enable(stream)
	fabric := newFakeFabric()
	m := newTestManager(t, reg, fabric, nil)
	m.Start(nil_ctx())
	defer m.Stop()

	stream.discover([]byte{0x01, 0x02}, wire.DeviceIndex{Kind: wire.Stream, Device: 1})
	require.Empty(t, m.Snapshot())
}

// nil_ctx returns a background context; named distinctly from context.Background
// only to keep this file's import list minimal in a test-only helper.
func nil_ctx() (ctx interface {
	Done() <-chan struct{}
	Err() error
	Deadline() (time.Time, bool)
	Value(any) any
}) {
	return backgroundCtx{}
}

type backgroundCtx struct{}

func (backgroundCtx) Done() <-chan struct{}             { return nil }
func (backgroundCtx) Err() error                        { return nil }
func (backgroundCtx) Deadline() (time.Time, bool)       { return time.Time{}, false }
func (backgroundCtx) Value(any) any                     { return nil }
