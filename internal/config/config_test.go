package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/p3gateway/internal/wire"
)

func validConfig() Config {
	c := Default()
	c.EnableInterconnect = true
	return c
}

func TestDefaultConfigRequiresATransportToBeEnabled(t *testing.T) {
	c := Default()
	require.ErrorContains(t, c.Validate(), "at least one transport")
}

func TestValidConfigPasses(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	require.ErrorContains(t, c.Validate(), "invalid log level")
}

func TestValidateRejectsUnknownPreferredTransport(t *testing.T) {
	c := validConfig()
	c.PreferredTransport = "carrier-pigeon"
	require.ErrorContains(t, c.Validate(), "unknown transport kind")
}

func TestValidateRequiresMulticastGroupWithDatagramListen(t *testing.T) {
	c := validConfig()
	c.DatagramListenAddr = "0.0.0.0:4001"
	require.ErrorContains(t, c.Validate(), "datagram-multicast-group is required")

	c.DatagramMulticastGroup = "239.0.0.1:4001"
	require.NoError(t, c.Validate())
}

func TestValidateRejectsNonPositiveDurations(t *testing.T) {
	c := validConfig()
	c.DiscoveryTick = 0
	require.ErrorContains(t, c.Validate(), "discovery-tick must be positive")

	c = validConfig()
	c.LossyRebroadcast = -1
	require.ErrorContains(t, c.Validate(), "lossy-rebroadcast must be positive")
}

func TestValidateRejectsNonPositiveSegmenterWorkers(t *testing.T) {
	c := validConfig()
	c.SegmenterWorkers = 0
	require.ErrorContains(t, c.Validate(), "segmenter-workers must be positive")
}

func TestValidateRejectsUnparseableForwardedService(t *testing.T) {
	c := validConfig()
	c.ForwardedServices = []string{"telemetry"}
	require.ErrorContains(t, c.Validate(), "invalid service id")
}

func TestValidateRejectsTooManyForwardedServices(t *testing.T) {
	c := validConfig()
	for i := 0; i < MaxForwardedServices+1; i++ {
		c.ForwardedServices = append(c.ForwardedServices, "svc/inst/evt")
	}
	require.ErrorContains(t, c.Validate(), "exceeds limit")
}

func TestForwardedServiceSetParsesEachEntry(t *testing.T) {
	c := validConfig()
	c.ForwardedServices = []string{"telemetry/rack1/temp", "control/rack2/cmd"}
	set, err := c.ForwardedServiceSet()
	require.NoError(t, err)
	require.Len(t, set, 2)
	require.Contains(t, set, wire.ServiceID{Service: "telemetry", Instance: "rack1", Event: "temp"})
	require.Contains(t, set, wire.ServiceID{Service: "control", Instance: "rack2", Event: "cmd"})
}

func TestPreferredKindParsesEveryTransportCaseInsensitively(t *testing.T) {
	c := validConfig()
	c.PreferredTransport = "STREAM"
	require.Equal(t, wire.Stream, c.PreferredKind())

	c.PreferredTransport = "Datagram"
	require.Equal(t, wire.Datagram, c.PreferredKind())

	c.PreferredTransport = "interconnect"
	require.Equal(t, wire.Interconnect, c.PreferredKind())
}
