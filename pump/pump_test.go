package pump

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quicmux/pmux/transport/mock"
	"github.com/quicmux/pmux/wire"
)

func newPumpPair(t *testing.T) (a, b *Pump) {
	t.Helper()
	utpA, utpB := mock.NewPair()
	ctx := context.Background()

	streamA, err := utpA.OpenStream(ctx, wire.Reliable)
	require.NoError(t, err)
	streamB, err := utpB.AcceptStream(ctx)
	require.NoError(t, err)

	a = New(streamA)
	b = New(streamB)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestSubscribeAndRoute(t *testing.T) {
	a, b := newPumpPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := b.Subscribe(wire.ContextID(4))
	require.NoError(t, err)

	require.NoError(t, a.Send(ctx, wire.Message{ContextID: 4, Payload: wire.Data{Bytes: []byte("hi")}}))

	select {
	case p := <-ch:
		assert.Equal(t, wire.Data{Bytes: []byte("hi")}, p)
	case <-time.After(time.Second):
		t.Fatal("message never routed to subscriber")
	}
}

func TestUnknownContextGoesToUnclaimed(t *testing.T) {
	a, b := newPumpPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, wire.Message{ContextID: 9, Payload: wire.Ok{}}))

	msg, err := b.NextUnclaimed(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.ContextID(9), msg.ContextID)
	assert.Equal(t, wire.Ok{}, msg.Payload)
}

func TestDiscoveryRaceSecondMessageSurvivesSubscribe(t *testing.T) {
	a, b := newPumpPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, wire.Message{ContextID: 11, Payload: wire.Ok{}}))
	first, err := b.NextUnclaimed(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.Ok{}, first.Payload)

	// A second frame for the same not-yet-subscribed id arrives before the
	// discoverer calls Subscribe.
	require.NoError(t, a.Send(ctx, wire.Message{ContextID: 11, Payload: wire.Keepalive{}}))
	time.Sleep(20 * time.Millisecond)

	ch, err := b.Subscribe(wire.ContextID(11))
	require.NoError(t, err)

	select {
	case p := <-ch:
		assert.Equal(t, wire.Keepalive{}, p)
	case <-time.After(time.Second):
		t.Fatal("second message for discovered context was lost")
	}
}

func TestCrossContextIndependence(t *testing.T) {
	a, b := newPumpPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	slowCh, err := b.Subscribe(wire.ContextID(2))
	require.NoError(t, err)
	fastCh, err := b.Subscribe(wire.ContextID(4))
	require.NoError(t, err)

	require.NoError(t, a.Send(ctx, wire.Message{ContextID: 2, Payload: wire.Data{Bytes: []byte("slow")}}))
	require.NoError(t, a.Send(ctx, wire.Message{ContextID: 4, Payload: wire.Data{Bytes: []byte("fast")}}))

	select {
	case p := <-fastCh:
		assert.Equal(t, wire.Data{Bytes: []byte("fast")}, p)
	case <-time.After(time.Second):
		t.Fatal("fast context never received its message despite slow sibling")
	}

	select {
	case p := <-slowCh:
		assert.Equal(t, wire.Data{Bytes: []byte("slow")}, p)
	case <-time.After(time.Second):
		t.Fatal("slow context eventually should still get its message")
	}
}

func TestSubscribeTwiceFails(t *testing.T) {
	a, _ := newPumpPair(t)

	_, err := a.Subscribe(wire.ContextID(1))
	require.NoError(t, err)

	_, err = a.Subscribe(wire.ContextID(1))
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestCloseUnblocksNextUnclaimed(t *testing.T) {
	a, b := newPumpPair(t)
	_ = a

	errCh := make(chan error, 1)
	go func() {
		_, err := b.NextUnclaimed(context.Background())
		errCh <- err
	}()

	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("NextUnclaimed did not unblock after Close")
	}
}
