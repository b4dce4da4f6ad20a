//go:build quicintegration

// Package quic backs transport.UTP with a real QUIC connection via
// quic-go: reliable streams map directly onto QUIC streams, and the
// unreliable side rides QUIC datagrams framed with a stream-id header (see
// wire.EncodeDatagram). Built behind the quicintegration tag so the default
// test suite never needs a certificate or a live socket.
package quic

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/quicmux/pmux/transport"
	"github.com/quicmux/pmux/wire"
)

// Conn adapts a quic.Connection to transport.UTP.
type Conn struct {
	conn quic.Connection

	mu      sync.Mutex
	pending []*Stream // accepted streams not yet claimed by AcceptStream or WaitStreamOpen, keyed by id on demand

	dgMu        sync.Mutex
	dgDemuxOnce sync.Once
	dgSubs      map[wire.StreamID]chan []byte
	dgPending   map[wire.StreamID][][]byte
	dgNotify    chan struct{}
	nextDgID    wire.StreamID
}

// Dial opens a QUIC connection to addr and wraps it as a transport.UTP.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, qcfg *quic.Config) (*Conn, error) {
	c, err := quic.DialAddr(ctx, addr, tlsConf, qcfg)
	if err != nil {
		return nil, &transport.UTPError{Severity: transport.Fatal, Err: err}
	}
	return newConn(c), nil
}

func newConn(c quic.Connection) *Conn {
	return &Conn{
		conn:      c,
		dgSubs:    make(map[wire.StreamID]chan []byte),
		dgPending: make(map[wire.StreamID][][]byte),
		dgNotify:  make(chan struct{}, 1),
	}
}

// Accept waits for one inbound QUIC connection on an already-listening
// *quic.Listener and wraps it.
func Accept(ctx context.Context, l *quic.Listener) (*Conn, error) {
	c, err := l.Accept(ctx)
	if err != nil {
		return nil, &transport.UTPError{Severity: transport.Fatal, Err: err}
	}
	return newConn(c), nil
}

func (c *Conn) OpenStream(ctx context.Context, integrity wire.IntegrityType) (transport.UTPStream, error) {
	if integrity == wire.Unreliable {
		c.dgMu.Lock()
		c.nextDgID++
		id := c.nextDgID
		c.dgMu.Unlock()
		return c.DatagramStream(id), nil
	}
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return &Stream{stream: s, id: wire.StreamID(s.StreamID())}, nil
}

func (c *Conn) AcceptStream(ctx context.Context) (transport.UTPStream, error) {
	c.mu.Lock()
	if len(c.pending) > 0 {
		s := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return &Stream{stream: s, id: wire.StreamID(s.StreamID())}, nil
}

func (c *Conn) CloseStream(ctx context.Context, id wire.StreamID) error {
	// QUIC streams close themselves; there is no connection-level "close
	// this stream id" call, so this is a documented no-op reachable only
	// through the transport.UTP interface's uniform surface.
	return nil
}

func (c *Conn) SendDatagram(streamID wire.StreamID, data []byte) error {
	framed := wire.EncodeDatagram(streamID, data)
	if err := c.conn.SendDatagram(framed); err != nil {
		return classify(err)
	}
	return nil
}

// ReceiveDatagram returns the next datagram addressed to an id with no
// registered DatagramStream subscriber.
func (c *Conn) ReceiveDatagram(ctx context.Context) (wire.StreamID, []byte, error) {
	c.startDemux()
	for {
		c.dgMu.Lock()
		for id, bufs := range c.dgPending {
			if len(bufs) > 0 {
				b := bufs[0]
				c.dgPending[id] = bufs[1:]
				c.dgMu.Unlock()
				return id, b, nil
			}
		}
		c.dgMu.Unlock()

		select {
		case <-c.dgNotify:
		case <-ctx.Done():
			return 0, nil, &transport.UTPError{Severity: transport.Warn, Err: ctx.Err()}
		}
	}
}

// startDemux launches the goroutine that reads every inbound datagram off
// the QUIC connection and routes it to a registered DatagramStream
// subscriber, or buffers it for a generic ReceiveDatagram caller — the same
// shape transport/mock uses for its in-memory datagram channel.
func (c *Conn) startDemux() {
	c.dgDemuxOnce.Do(func() { go c.demuxLoop() })
}

func (c *Conn) demuxLoop() {
	for {
		b, err := c.conn.ReceiveDatagram(context.Background())
		if err != nil {
			return
		}
		id, payload, err := wire.DecodeDatagram(b)
		if err != nil {
			continue
		}
		c.dgMu.Lock()
		if ch, subscribed := c.dgSubs[id]; subscribed {
			select {
			case ch <- payload:
			default:
			}
		} else {
			c.dgPending[id] = append(c.dgPending[id], payload)
			select {
			case c.dgNotify <- struct{}{}:
			default:
			}
		}
		c.dgMu.Unlock()
	}
}

func (c *Conn) registerDatagramSub(id wire.StreamID) chan []byte {
	c.startDemux()
	c.dgMu.Lock()
	defer c.dgMu.Unlock()
	ch := make(chan []byte, 32)
	c.dgSubs[id] = ch
	if pending := c.dgPending[id]; len(pending) > 0 {
		for _, b := range pending {
			select {
			case ch <- b:
			default:
			}
		}
		delete(c.dgPending, id)
	}
	return ch
}

func (c *Conn) unregisterDatagramSub(id wire.StreamID) {
	c.dgMu.Lock()
	delete(c.dgSubs, id)
	c.dgMu.Unlock()
}

// DatagramStream returns a UTPStream handle addressing an Unreliable
// sub-stream by id.
func (c *Conn) DatagramStream(id wire.StreamID) transport.UTPStream {
	return &datagramStream{conn: c, id: id, recv: c.registerDatagramSub(id)}
}

// datagramStream adapts one datagram-addressed id to transport.UTPStream.
type datagramStream struct {
	conn *Conn
	id   wire.StreamID
	recv chan []byte
}

func (d *datagramStream) StreamID() wire.StreamID { return d.id }

func (d *datagramStream) Write(ctx context.Context, p []byte) (int, error) {
	if err := d.conn.SendDatagram(d.id, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *datagramStream) Read(ctx context.Context, p []byte) (int, error) {
	select {
	case b := <-d.recv:
		return copy(p, b), nil
	case <-ctx.Done():
		return 0, &transport.UTPError{Severity: transport.Warn, Err: ctx.Err()}
	}
}

func (d *datagramStream) Close() error {
	d.conn.unregisterDatagramSub(d.id)
	return nil
}

// WaitStreamOpen blocks until the peer-opened stream with id has been
// accepted, buffering any other accepted streams it sees along the way for
// a later AcceptStream or WaitStreamOpen call.
func (c *Conn) WaitStreamOpen(ctx context.Context, id wire.StreamID) (transport.UTPStream, error) {
	c.mu.Lock()
	for i, s := range c.pending {
		if s.id == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.mu.Unlock()
			return s, nil
		}
	}
	c.mu.Unlock()

	for {
		qs, err := c.conn.AcceptStream(ctx)
		if err != nil {
			return nil, classify(err)
		}
		s := &Stream{stream: qs, id: wire.StreamID(qs.StreamID())}
		if s.id == id {
			return s, nil
		}
		c.mu.Lock()
		c.pending = append(c.pending, s)
		c.mu.Unlock()
	}
}

func (c *Conn) Close() error {
	return c.conn.CloseWithError(0, "closed")
}

func classify(err error) error {
	var netErr interface{ Timeout() bool }
	if e, ok := err.(interface{ Timeout() bool }); ok {
		netErr = e
	}
	if netErr != nil && netErr.(interface{ Timeout() bool }).Timeout() {
		return &transport.UTPError{Severity: transport.Warn, Err: err}
	}
	return &transport.UTPError{Severity: transport.Fatal, Err: err}
}

// Stream adapts a quic.Stream to transport.UTPStream.
type Stream struct {
	stream quic.Stream
	id     wire.StreamID
}

func (s *Stream) StreamID() wire.StreamID { return s.id }

func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	s.stream.SetReadDeadline(deadlineFromContext(ctx))
	// Cancellation of ctx unblocks a pending Read by moving its deadline up.
	stop := context.AfterFunc(ctx, func() { s.stream.SetReadDeadline(time.Now()) })
	defer stop()
	n, err := s.stream.Read(p)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	s.stream.SetWriteDeadline(deadlineFromContext(ctx))
	n, err := s.stream.Write(p)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

func (s *Stream) Close() error {
	return s.stream.Close()
}

// deadlineFromContext returns ctx's deadline, or the zero time.Time to mean
// "no deadline" per net.Conn's SetDeadline convention.
func deadlineFromContext(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Time{}
}
