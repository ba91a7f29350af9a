package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/p3gateway/internal/discovery"
	"github.com/malbeclabs/p3gateway/internal/ipc/memipc"
	"github.com/malbeclabs/p3gateway/internal/transport"
	"github.com/malbeclabs/p3gateway/internal/wire"
)

var forwardedSvc = wire.ServiceID{Service: "telemetry", Instance: "rack1", Event: "temp"}

func TestForwarderHandlesOnlyConfiguredServices(t *testing.T) {
	fabric := memipc.New()
	reg := transport.New(discardLogger())
	seg := NewSegmenter(1, NewPending(), discardLogger())
	defer seg.Release()

	services := map[wire.ServiceID]struct{}{forwardedSvc: {}}
	fwd := NewForwarder(fabric, nil, reg, seg, services, discardLogger())

	require.True(t, fwd.Handles(forwardedSvc))
	require.False(t, fwd.Handles(wire.ServiceID{Service: "other"}))
}

// TestForwarderBridgesAcrossTransports exercises the full path: a message
// pushed in the way RemoteToLocal pushes it (NotifyArrival then Publish on
// the forwarded topic) must reach the Forwarder's own subscription and be
// re-segmented out to a peer unreachable from the device it arrived on,
// mirroring discovery's own TestDeviceIndicesForForwardingSkipsDirectly-
// ReachablePeers fixture.
func TestForwarderBridgesAcrossTransports(t *testing.T) {
	fabric := memipc.New()
	reg := transport.New(discardLogger())
	stream := &fakeDriver{kind: wire.Stream, maxMessageSize: 4096}
	datagram := &fakeDriver{kind: wire.Datagram, maxMessageSize: 4096}
	reg.Enable(stream)
	reg.Enable(datagram)

	disc := discovery.New(discovery.Config{
		Log:         discardLogger(),
		Clock:       clockwork.NewRealClock(),
		Registry:    reg,
		Fabric:      fabric,
		GatewayHash: wire.GatewayHash(1),
		OnNeededTopics: func(discovery.NeededTopics) {},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	disc.Start(ctx)
	defer disc.Stop()

	senderDevice := wire.DeviceIndex{Kind: wire.Stream, Device: 1}
	sender := wire.DiscoveryRecord{
		Subscribers:   []wire.ServiceID{forwardedSvc},
		GatewayBitset: wire.Bitset(0).Set(wire.Stream),
		GatewayHash:   wire.GatewayHash(2),
	}
	senderData, err := sender.Marshal()
	require.NoError(t, err)
	stream.discover(senderData, senderDevice)

	bridgedPeer := wire.DiscoveryRecord{
		Subscribers:   []wire.ServiceID{forwardedSvc},
		GatewayBitset: wire.Bitset(0).Set(wire.Datagram),
		GatewayHash:   wire.GatewayHash(3),
	}
	bridgedData, err := bridgedPeer.Marshal()
	require.NoError(t, err)
	datagram.discover(bridgedData, wire.DeviceIndex{Kind: wire.Datagram, Device: 5})

	seg := NewSegmenter(1, NewPending(), discardLogger())
	defer seg.Release()

	services := map[wire.ServiceID]struct{}{forwardedSvc: {}}
	fwd := NewForwarder(fabric, disc, reg, seg, services, discardLogger())
	fwd.Start(ctx)
	defer fwd.Stop()

	pub, err := fabric.NewPublisher(forwardedSvc)
	require.NoError(t, err)
	chunk, err := pub.Loan(5, 1, 0)
	require.NoError(t, err)
	copy(chunk.UserPayloadBytes, []byte("hello"))

	fwd.NotifyArrival(chunk.Token, wire.HashOf(forwardedSvc), senderDevice)
	pub.Publish(chunk.Token)

	require.Eventually(t, func() bool {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		return len(stream.sent) == 0 // never forwarded back toward the sender's transport
	}, time.Second, time.Millisecond, "must not re-forward onto the sender's own transport")

	require.Eventually(t, func() bool {
		datagram.mu.Lock()
		defer datagram.mu.Unlock()
		return len(datagram.sent) == 1 && string(datagram.sent[0].payload) == "hello"
	}, time.Second, time.Millisecond, "must forward onward to the peer unreachable from the sender")
}

func TestForwarderDropsChunkWithNoCorrelationRecord(t *testing.T) {
	fabric := memipc.New()
	reg := transport.New(discardLogger())
	seg := NewSegmenter(1, NewPending(), discardLogger())
	defer seg.Release()

	services := map[wire.ServiceID]struct{}{forwardedSvc: {}}
	fwd := NewForwarder(fabric, nil, reg, seg, services, discardLogger())

	pub, err := fabric.NewPublisher(forwardedSvc)
	require.NoError(t, err)
	chunk, err := pub.Loan(3, 1, 0)
	require.NoError(t, err)

	sub, err := fabric.NewSubscriber(forwardedSvc)
	require.NoError(t, err)
	pub.Publish(chunk.Token)

	taken, err := sub.Take()
	require.NoError(t, err)
	fwd.forward(sub, taken) // no NotifyArrival call: must not panic, just release
}
