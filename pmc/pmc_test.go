package pmc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quicmux/pmux/transport/mock"
	"github.com/quicmux/pmux/wire"
)

func newPMCPair(t *testing.T) (serverSide, clientSide *PMC) {
	t.Helper()
	utpA, utpB := mock.NewPair()
	ctx := context.Background()

	streamA, err := utpA.OpenStream(ctx, wire.Reliable)
	require.NoError(t, err)
	streamB, err := utpB.AcceptStream(ctx)
	require.NoError(t, err)

	serverSide = New(true, streamA)
	clientSide = New(false, streamB)
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})
	return serverSide, clientSide
}

func TestRoundTripOkThenKeepalive(t *testing.T) {
	a, b := newPMCPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bw, br, err := b.CreateContext()
	require.NoError(t, err)
	require.NoError(t, bw.Write(ctx, wire.Ok{}))

	payload, aw, ar, err := a.NextContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.Ok{}, payload)

	require.NoError(t, aw.Write(ctx, wire.Keepalive{}))
	got, err := br.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.Keepalive{}, got)

	_ = ar
}

func TestCreateContextUniqueIDs(t *testing.T) {
	a, _ := newPMCPair(t)
	seen := make(map[wire.ContextID]bool)
	for i := 0; i < 50; i++ {
		w, _, err := a.CreateContext()
		require.NoError(t, err)
		require.False(t, seen[w.ContextID()])
		seen[w.ContextID()] = true
	}
}

func TestDiscoveryExactlyOnce(t *testing.T) {
	a, b := newPMCPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bw, _, err := b.CreateContext()
	require.NoError(t, err)
	require.NoError(t, bw.Write(ctx, wire.Data{Bytes: []byte("first")}))
	require.NoError(t, bw.Write(ctx, wire.Data{Bytes: []byte("second")}))

	payload, _, ar, err := a.NextContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.Data{Bytes: []byte("first")}, payload)

	next, err := ar.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.Data{Bytes: []byte("second")}, next)
}

func TestClosePropagatesToReaders(t *testing.T) {
	a, b := newPMCPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bw, _, err := b.CreateContext()
	require.NoError(t, err)
	require.NoError(t, bw.Write(ctx, wire.Ok{}))
	_, _, ar, err := a.NextContext(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Close())

	_, err = ar.Read(context.Background())
	assert.ErrorIs(t, err, ErrClosedStream)
}

func TestContextCloseVariantSurfacesDistinctError(t *testing.T) {
	a, b := newPMCPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bw, br, err := b.CreateContext()
	require.NoError(t, err)
	require.NoError(t, bw.Write(ctx, wire.Ok{}))
	_, aw, _, err := a.NextContext(ctx)
	require.NoError(t, err)

	require.NoError(t, aw.Write(ctx, wire.Close{Reason: "done"}))

	_, err = br.Read(ctx)
	assert.ErrorIs(t, err, ErrContextClosed)
}
