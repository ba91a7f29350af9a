package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoveryRecordRoundTrip(t *testing.T) {
	r := DiscoveryRecord{
		Subscribers: []ServiceID{
			{Service: "oracle", Instance: "sol-usd", Event: "tick"},
			{Service: "oracle", Instance: "eth-usd", Event: "tick"},
		},
		GatewayBitset: Bitset(0).Set(Stream).Set(Datagram),
		GatewayHash:   GatewayHash(0xcafebabe),
		InfoHash:      7,
		IsTermination: false,
	}

	data, err := r.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalDiscoveryRecord(data)
	require.NoError(t, err)
	require.ElementsMatch(t, r.Subscribers, got.Subscribers)
	require.Equal(t, r.GatewayBitset, got.GatewayBitset)
	require.Equal(t, r.GatewayHash, got.GatewayHash)
	require.Equal(t, r.InfoHash, got.InfoHash)
	require.Equal(t, r.IsTermination, got.IsTermination)
}

func TestDiscoveryRecordRoundTripNoSubscribers(t *testing.T) {
	r := DiscoveryRecord{
		GatewayBitset: Bitset(0).Set(Interconnect),
		GatewayHash:   GatewayHash(1),
		IsTermination: true,
	}
	data, err := r.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalDiscoveryRecord(data)
	require.NoError(t, err)
	require.Empty(t, got.Subscribers)
	require.True(t, got.IsTermination)
}

func TestDiscoveryRecordMarshalRejectsOversizedID(t *testing.T) {
	longName := make([]byte, MaxIDLen+1)
	for i := range longName {
		longName[i] = 'a'
	}
	r := DiscoveryRecord{Subscribers: []ServiceID{{Service: string(longName)}}}
	_, err := r.Marshal()
	require.ErrorIs(t, err, ErrMalformed)
}

func TestUnmarshalDiscoveryRecordRejectsTruncatedInput(t *testing.T) {
	r := DiscoveryRecord{Subscribers: []ServiceID{{Service: "a", Instance: "b", Event: "c"}}}
	data, err := r.Marshal()
	require.NoError(t, err)

	_, err = UnmarshalDiscoveryRecord(data[:len(data)-2])
	require.ErrorIs(t, err, ErrMalformed)
}

func TestUnmarshalDiscoveryRecordRejectsOversizedCount(t *testing.T) {
	buf := make([]byte, 8)
	// A count far beyond MaxTopics, regardless of what follows.
	for i := range buf {
		buf[i] = 0xff
	}
	_, err := UnmarshalDiscoveryRecord(buf)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestUnmarshalDiscoveryRecordRejectsEmptyInput(t *testing.T) {
	_, err := UnmarshalDiscoveryRecord(nil)
	require.ErrorIs(t, err, ErrMalformed)
}
