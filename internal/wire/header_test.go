package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDatagramHeaderRoundTrip(t *testing.T) {
	id := ServiceID{Service: "oracle", Instance: "sol-usd", Event: "tick"}
	h := DatagramHeader{
		ServiceHash:          ServiceHashWire(HashOf(id)),
		MessageHash:          0xdeadbeef,
		SubmessageCount:      3,
		SubmessageOffset:     1024,
		SubmessageSize:       512,
		UserPayloadSize:      1536,
		UserPayloadAlignment: 8,
		UserHeaderSize:       16,
	}

	var buf [HeaderSize]byte
	require.NoError(t, h.Marshal(buf[:]))

	got, err := UnmarshalHeader(buf[:])
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.Equal(t, HashOf(id), HashFromWire(got.ServiceHash))
}

func TestDatagramHeaderMarshalRejectsShortBuffer(t *testing.T) {
	var h DatagramHeader
	require.ErrorIs(t, h.Marshal(make([]byte, HeaderSize-1)), ErrMalformed)
}

func TestUnmarshalHeaderRejectsShortBuffer(t *testing.T) {
	_, err := UnmarshalHeader(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestHashFromWireIsServiceHashWireInverse(t *testing.T) {
	ids := []ServiceID{
		{Service: "a", Instance: "b", Event: "c"},
		{Service: "oracle", Instance: "sol-usd", Event: "tick"},
		{},
	}
	for _, id := range ids {
		h := HashOf(id)
		require.Equal(t, h, HashFromWire(ServiceHashWire(h)), "id=%v", id)
	}
}
