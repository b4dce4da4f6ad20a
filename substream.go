package pmux

import (
	"context"

	"github.com/quicmux/pmux/transport"
	"github.com/quicmux/pmux/wire"
)

// Stream is a byte-oriented handle over a sub-stream opened through an
// ArbContext. Its Read/Write calls take a context like the rest of this
// module's blocking operations; wrap with your own deadline if you need
// one — timeouts are not part of the core.
type Stream struct {
	underlying transport.UTPStream
	integrity  wire.IntegrityType
}

func newStream(underlying transport.UTPStream, integrity wire.IntegrityType) *Stream {
	return &Stream{underlying: underlying, integrity: integrity}
}

// StreamID is the transport-level id of this sub-stream.
func (s *Stream) StreamID() wire.StreamID { return s.underlying.StreamID() }

// Integrity reports whether this is a Reliable or Unreliable sub-stream.
func (s *Stream) Integrity() wire.IntegrityType { return s.integrity }

// Read reads from the underlying transport stream. On a Reliable
// sub-stream this is the ordered byte stream; on an Unreliable one each
// call returns one received datagram.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	return s.underlying.Read(ctx, p)
}

// Write writes to the underlying transport stream; on an Unreliable
// sub-stream each call sends p as one datagram.
func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	return s.underlying.Write(ctx, p)
}

// Close closes the underlying transport stream.
func (s *Stream) Close() error {
	return s.underlying.Close()
}
