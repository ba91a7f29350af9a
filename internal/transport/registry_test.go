package transport

import (
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/p3gateway/internal/wire"
)

type stubDriver struct {
	kind   wire.Kind
	status atomic.Int32
	calls  atomic.Int32
	closed atomic.Bool
}

func newStubDriver(k wire.Kind) *stubDriver {
	d := &stubDriver{kind: k}
	d.status.Store(int32(StatusGood))
	return d
}

func (d *stubDriver) Kind() wire.Kind                                         { return d.kind }
func (d *stubDriver) RegisterDiscoveryCallback(DiscoveryCallback)             {}
func (d *stubDriver) RegisterUserDataCallback(UserDataCallback)               {}
func (d *stubDriver) RegisterBufferNeeded(BufferNeededCallback)               {}
func (d *stubDriver) RegisterBufferReleased(BufferReleasedCallback)           {}
func (d *stubDriver) RegisterBufferSent(BufferSentCallback)                  {}
func (d *stubDriver) SendBroadcast([]byte) error                             { d.calls.Add(1); return nil }
func (d *stubDriver) SendUserData(header, payload []byte, device uint32) (bool, error) {
	return false, nil
}
func (d *stubDriver) WillBePending(uint32) bool { return false }
func (d *stubDriver) MaxMessageSize() uint32    { return 1500 }
func (d *stubDriver) Status() Status            { return Status(d.status.Load()) }
func (d *stubDriver) Close() error              { d.closed.Store(true); return nil }

func newTestRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 100})))
}

func TestRegistryEnableAndBitset(t *testing.T) {
	r := newTestRegistry()
	r.Enable(newStubDriver(wire.Stream))
	r.Enable(newStubDriver(wire.Datagram))

	require.True(t, r.Bitset().Has(wire.Stream))
	require.True(t, r.Bitset().Has(wire.Datagram))
	require.False(t, r.Bitset().Has(wire.Interconnect))
}

func TestRegistryForEachEnabledSkipsNonGood(t *testing.T) {
	r := newTestRegistry()
	good := newStubDriver(wire.Stream)
	bad := newStubDriver(wire.Datagram)
	bad.status.Store(int32(StatusFailed))
	r.Enable(good)
	r.Enable(bad)

	var seen []wire.Kind
	r.ForEachEnabled(func(d Driver) { seen = append(seen, d.Kind()) })

	require.Equal(t, []wire.Kind{wire.Stream}, seen)
}

func TestRegistryForEachEnabledReapsFailedAndFiresCallback(t *testing.T) {
	r := newTestRegistry()
	bad := newStubDriver(wire.Stream)
	bad.status.Store(int32(StatusFailed))
	r.Enable(bad)

	var notified wire.Kind
	notifiedCount := 0
	r.SetFailureCallback(func(k wire.Kind) {
		notified = k
		notifiedCount++
	})

	r.ForEachEnabled(func(Driver) {})

	require.Equal(t, wire.Stream, notified)
	require.Equal(t, 1, notifiedCount)
	require.False(t, r.Bitset().Has(wire.Stream), "a failed driver must be disabled, never re-enabled")

	// A driver that is Disabled rather than Good must never transition back:
	// a second reap pass must not fire the callback again.
	r.ForEachEnabled(func(Driver) {})
	require.Equal(t, 1, notifiedCount)
}

func TestRegistryDriverReturnsNilWhenDisabled(t *testing.T) {
	r := newTestRegistry()
	d := newStubDriver(wire.Stream)
	d.status.Store(int32(StatusFailed))
	r.Enable(d)
	r.ForEachEnabled(func(Driver) {}) // triggers the reap that disables it

	require.Nil(t, r.Driver(wire.Stream))
}

func TestRegistryTerminateClosesEveryDriver(t *testing.T) {
	r := newTestRegistry()
	a := newStubDriver(wire.Stream)
	b := newStubDriver(wire.Datagram)
	r.Enable(a)
	r.Enable(b)

	r.Terminate()

	require.True(t, a.closed.Load())
	require.True(t, b.closed.Load())
	require.Equal(t, wire.Bitset(0), r.Bitset())
}

func TestFindMatchingPrefersPreferredWhenBothSidesHaveIt(t *testing.T) {
	r := newTestRegistry()
	r.Enable(newStubDriver(wire.Stream))
	r.Enable(newStubDriver(wire.Datagram))

	remote := wire.Bitset(0).Set(wire.Stream).Set(wire.Datagram)
	require.Equal(t, wire.Datagram, r.FindMatching(remote, wire.Datagram))
}

func TestFindMatchingFallsBackWhenPreferredUnavailable(t *testing.T) {
	r := newTestRegistry()
	r.Enable(newStubDriver(wire.Stream))

	remote := wire.Bitset(0).Set(wire.Stream)
	require.Equal(t, wire.Stream, r.FindMatching(remote, wire.Interconnect))
}

func TestFindMatchingReturnsNoneWhenNoOverlap(t *testing.T) {
	r := newTestRegistry()
	r.Enable(newStubDriver(wire.Stream))

	remote := wire.Bitset(0).Set(wire.Datagram)
	require.Equal(t, wire.None, r.FindMatching(remote, wire.None))
}
