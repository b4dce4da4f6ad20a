// Package transport defines the minimal unreliable-transport-protocol
// surface this module consumes: reliable ordered streams plus unreliable
// datagrams, with no opinion on cryptography, congestion control, or
// handshake. A QUIC-backed implementation lives in transport/quic; an
// in-memory one for tests lives in transport/mock.
package transport

import (
	"context"
	"fmt"

	"github.com/quicmux/pmux/wire"
)

// Severity classifies a UTPError as recoverable or connection-ending: a
// Warn is logged and the pump keeps running, a Fatal tears down every
// context on the connection.
type Severity int

const (
	// Warn marks a transient transport hiccup. Callers log and continue.
	Warn Severity = iota
	// Fatal marks a transport that is gone for good. Callers must stop
	// reading/writing and let dependents observe a closed connection.
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Warn:
		return "warn"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// UTPError wraps a transport failure with its severity. The transport
// implementation, not the caller, decides whether a given error is
// recoverable.
type UTPError struct {
	Severity Severity
	Err      error
}

func (e *UTPError) Error() string {
	return fmt.Sprintf("utp: %s: %v", e.Severity, e.Err)
}

func (e *UTPError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a *UTPError with Fatal severity.
func IsFatal(err error) bool {
	var u *UTPError
	if ok := asUTPError(err, &u); ok {
		return u.Severity == Fatal
	}
	return false
}

func asUTPError(err error, target **UTPError) bool {
	for err != nil {
		if u, ok := err.(*UTPError); ok {
			*target = u
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// UTPStream is one stream on a UTP connection: a reliable, ordered byte
// stream, or for an Unreliable sub-stream a datagram handle (see
// UTP.DatagramStream). It satisfies io.Reader/io.Writer/io.Closer in spirit but is
// kept as its own interface so implementations aren't forced to adopt
// io.Closer's looser error contract.
type UTPStream interface {
	Read(ctx context.Context, p []byte) (n int, err error)
	Write(ctx context.Context, p []byte) (n int, err error)
	Close() error
	StreamID() wire.StreamID
}

// UTP is the transport this module is built on: reliable streams plus
// unreliable datagrams, addressed by StreamID. Implementations need not
// provide encryption or congestion control; both are the transport's
// business, not the multiplexing core's.
type UTP interface {
	// OpenStream opens a new stream with the given integrity and returns it
	// once usable. For Reliable it opens a transport stream the peer
	// accepts; for Unreliable it allocates an id and returns a
	// DatagramStream handle without involving the peer.
	OpenStream(ctx context.Context, integrity wire.IntegrityType) (UTPStream, error)

	// AcceptStream blocks until the peer opens a stream, or ctx is done.
	AcceptStream(ctx context.Context) (UTPStream, error)

	// CloseStream addresses one stream by id without closing the
	// connection. Both implementations in this module (transport/mock and
	// transport/quic) do nothing and return nil; a stream is closed through
	// its own UTPStream.Close.
	CloseStream(ctx context.Context, id wire.StreamID) error

	// SendDatagram sends an unreliable, unordered datagram addressed to
	// streamID. Delivery is best-effort.
	SendDatagram(streamID wire.StreamID, data []byte) error

	// ReceiveDatagram blocks for the next inbound datagram addressed to an
	// id with no DatagramStream registered for it.
	ReceiveDatagram(ctx context.Context) (streamID wire.StreamID, data []byte, err error)

	// WaitStreamOpen blocks until the peer-initiated stream with id is
	// usable and returns it, for callers that learned the id out of band
	// (via an OpenSubStream announcement) before the stream itself
	// arrived — possibly after other, unrelated streams. Implementations
	// buffer non-matching accepted streams for a later AcceptStream or
	// WaitStreamOpen call, the same discovery-queue shape pump uses for
	// context ids. This departs from protocol.rs's `wait_stream_open(id)
	// -> ()`, which assumes callers address streams by id directly against
	// the connection; Go's idiomatic quic-go-style Stream objects (see
	// sockatz/common/conn.go) make returning the stream itself the natural
	// fit.
	WaitStreamOpen(ctx context.Context, id wire.StreamID) (UTPStream, error)

	// DatagramStream returns a UTPStream-shaped handle addressing an
	// Unreliable sub-stream by id: Write sends one datagram per call via
	// SendDatagram, Read returns one received datagram per call. Unlike
	// WaitStreamOpen it never blocks, since a datagram "stream" is just an
	// address both peers already agree on from the OpenSubStream
	// announcement, not a connection-level object requiring accept.
	DatagramStream(id wire.StreamID) UTPStream

	// Close tears down the underlying connection.
	Close() error
}
