package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashOfIsDeterministic(t *testing.T) {
	id := ServiceID{Service: "oracle", Instance: "sol-usd", Event: "tick"}
	require.Equal(t, HashOf(id), HashOf(id))
}

func TestHashOfDistinguishesServiceIDs(t *testing.T) {
	a := ServiceID{Service: "oracle", Instance: "sol-usd", Event: "tick"}
	b := ServiceID{Service: "oracle", Instance: "eth-usd", Event: "tick"}
	require.NotEqual(t, HashOf(a), HashOf(b))
}

func TestHashOfIsNotSymmetricInFieldOrder(t *testing.T) {
	// Swapping Service and Event must not produce the same Hash, since the
	// two halves are built from the triple in opposite orders.
	a := ServiceID{Service: "x", Instance: "y", Event: "z"}
	b := ServiceID{Service: "z", Instance: "y", Event: "x"}
	require.NotEqual(t, HashOf(a), HashOf(b))
}

func TestServiceIDString(t *testing.T) {
	id := ServiceID{Service: "oracle", Instance: "sol-usd", Event: "tick"}
	require.Equal(t, "oracle/sol-usd/tick", id.String())
}

func TestParseServiceIDRoundTripsWithString(t *testing.T) {
	id := ServiceID{Service: "oracle", Instance: "sol-usd", Event: "tick"}
	parsed, err := ParseServiceID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestParseServiceIDRejectsWrongArity(t *testing.T) {
	_, err := ParseServiceID("oracle/sol-usd")
	require.ErrorContains(t, err, "invalid service id")
}
