package counter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quicmux/pmux/wire"
)

func TestServerAllocatesOddIds(t *testing.T) {
	c := New(true)
	for i := 0; i < 5; i++ {
		id, err := c.Next()
		require.NoError(t, err)
		assert.NotZero(t, uint64(id) % 2)
	}
}

func TestClientAllocatesEvenIds(t *testing.T) {
	c := New(false)
	for i := 0; i < 5; i++ {
		id, err := c.Next()
		require.NoError(t, err)
		assert.Zero(t, uint64(id) % 2)
	}
}

func TestNeverAllocatesReservedZero(t *testing.T) {
	for _, isServer := range []bool{true, false} {
		c := New(isServer)
		for i := 0; i < 1000; i++ {
			id, err := c.Next()
			require.NoError(t, err)
			assert.NotEqual(t, wire.ContextID(0), id)
		}
	}
}

func TestServerAndClientCountersNeverCollide(t *testing.T) {
	server := New(true)
	client := New(false)
	seen := make(map[wire.ContextID]bool)

	for i := 0; i < 1000; i++ {
		sid, err := server.Next()
		require.NoError(t, err)
		cid, err := client.Next()
		require.NoError(t, err)

		require.False(t, seen[sid])
		require.False(t, seen[cid])
		seen[sid] = true
		seen[cid] = true
	}
}

func TestDefaultWrapsInPlace(t *testing.T) {
	c := New(true)
	c.next = math.MaxUint64 - 1 // force near-wrap without 2^63 iterations

	// The guard fires before this call hands out an id, restarting the
	// internal counter at the role's first id.
	id, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, wire.ContextID(1), id)
}

func TestRefuseWrapReturnsError(t *testing.T) {
	c := New(true, WithRefuseWrap())
	c.next = math.MaxUint64 - 1

	_, err := c.Next()
	assert.ErrorIs(t, err, ErrWouldWrap)
}
