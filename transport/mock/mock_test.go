package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quicmux/pmux/wire"
)

func TestStreamPairDeliversBytes(t *testing.T) {
	a, b := NewPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	openErrCh := make(chan error, 1)
	var clientSide interface {
		Write(context.Context, []byte) (int, error)
	}
	go func() {
		s, err := a.OpenStream(ctx, wire.Reliable)
		openErrCh <- err
		if err == nil {
			clientSide = s
			_, _ = s.Write(ctx, []byte("hello"))
		}
	}()

	serverSide, err := b.AcceptStream(ctx)
	require.NoError(t, err)
	require.NoError(t, <-openErrCh)
	require.NotNil(t, clientSide)

	buf := make([]byte, 5)
	n, err := serverSide.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestDatagramPairDeliversPayload(t *testing.T) {
	a, b := NewPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.SendDatagram(wire.StreamID(9), []byte("ping")))

	id, data, err := b.ReceiveDatagram(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.StreamID(9), id)
	assert.Equal(t, []byte("ping"), data)
}

func TestCloseUnblocksPendingAccept(t *testing.T) {
	a, _ := NewPair()
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := a.AcceptStream(ctx)
		errCh <- err
	}()

	require.NoError(t, a.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("AcceptStream did not unblock after Close")
	}
}
