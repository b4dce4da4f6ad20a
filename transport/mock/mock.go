// Package mock provides a synchronous, in-memory transport.UTP pair for
// unit tests: no certificates, no sockets, no real network timing, just
// two endpoints wired directly to each other's channels.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/quicmux/pmux/transport"
	"github.com/quicmux/pmux/wire"
)

// NewPair returns two transport.UTP endpoints connected to each other.
// Streams opened on one side are delivered to the other's AcceptStream;
// datagrams sent on one side are delivered to the other's ReceiveDatagram.
func NewPair() (a, b *UTP) {
	streamsAB := make(chan *Stream, 16)
	streamsBA := make(chan *Stream, 16)
	datagramsAB := make(chan datagram, 256)
	datagramsBA := make(chan datagram, 256)

	a = &UTP{outStreams: streamsAB, inStreams: streamsBA, outDatagrams: datagramsAB, inDatagrams: datagramsBA,
		dgSubs: make(map[wire.StreamID]chan []byte), dgPending: make(map[wire.StreamID][][]byte)}
	b = &UTP{outStreams: streamsBA, inStreams: streamsAB, outDatagrams: datagramsBA, inDatagrams: datagramsAB,
		dgSubs: make(map[wire.StreamID]chan []byte), dgPending: make(map[wire.StreamID][][]byte)}
	return a, b
}

type datagram struct {
	streamID wire.StreamID
	data     []byte
}

// UTP is one half of an in-memory transport.UTP pair.
type UTP struct {
	mu       sync.Mutex
	closed   bool
	nextID   wire.StreamID
	closedCh chan struct{}
	once     sync.Once

	// pending holds streams accepted off inStreams but not yet claimed by
	// either AcceptStream or a WaitStreamOpen call looking for a specific
	// id — the same discovery-queue shape pump uses for unclaimed
	// messages, applied here to unclaimed streams.
	pending []*Stream

	outStreams   chan<- *Stream
	inStreams    <-chan *Stream
	outDatagrams chan<- datagram
	inDatagrams  <-chan datagram

	dgMu         sync.Mutex
	dgDemuxOnce  sync.Once
	dgSubs       map[wire.StreamID]chan []byte
	dgPending    map[wire.StreamID][][]byte
	dgNotify     chan struct{}
	dgNotifyOnce sync.Once
}

func (u *UTP) dgNotifyCh() chan struct{} {
	u.dgNotifyOnce.Do(func() { u.dgNotify = make(chan struct{}, 1) })
	return u.dgNotify
}

func (u *UTP) signalDgNotify() {
	select {
	case u.dgNotifyCh() <- struct{}{}:
	default:
	}
}

// startDemux launches the single goroutine that reads every inbound
// datagram off inDatagrams and routes it either to a registered
// DatagramStream subscriber or, if none is registered yet for that id, into
// dgPending for a generic ReceiveDatagram caller to pick up — the same
// unclaimed-queue shape pump uses for context discovery, applied here to
// datagram-addressed sub-streams.
func (u *UTP) startDemux() {
	u.dgDemuxOnce.Do(func() { go u.demuxLoop() })
}

func (u *UTP) demuxLoop() {
	for {
		select {
		case d, ok := <-u.inDatagrams:
			if !ok {
				return
			}
			u.dgMu.Lock()
			if ch, subscribed := u.dgSubs[d.streamID]; subscribed {
				select {
				case ch <- d.data:
				default:
				}
			} else {
				u.dgPending[d.streamID] = append(u.dgPending[d.streamID], d.data)
				u.signalDgNotify()
			}
			u.dgMu.Unlock()
		case <-u.halt():
			return
		}
	}
}

func (u *UTP) registerDatagramSub(id wire.StreamID) chan []byte {
	u.startDemux()
	u.dgMu.Lock()
	defer u.dgMu.Unlock()
	ch := make(chan []byte, 32)
	u.dgSubs[id] = ch
	if pending := u.dgPending[id]; len(pending) > 0 {
		for _, b := range pending {
			select {
			case ch <- b:
			default:
			}
		}
		delete(u.dgPending, id)
	}
	return ch
}

func (u *UTP) unregisterDatagramSub(id wire.StreamID) {
	u.dgMu.Lock()
	delete(u.dgSubs, id)
	u.dgMu.Unlock()
}

func (u *UTP) halt() chan struct{} {
	u.once.Do(func() { u.closedCh = make(chan struct{}) })
	return u.closedCh
}

func (u *UTP) OpenStream(ctx context.Context, integrity wire.IntegrityType) (transport.UTPStream, error) {
	u.mu.Lock()
	u.nextID++
	id := u.nextID
	u.mu.Unlock()

	if integrity == wire.Unreliable {
		// An unreliable sub-stream is just an id both peers agree on via
		// the OpenSubStream announcement; there is no transport-level
		// accept to perform.
		return u.DatagramStream(id), nil
	}

	local, remote := newStreamPair(id)
	select {
	case u.outStreams <- remote:
	case <-u.halt():
		return nil, &transport.UTPError{Severity: transport.Fatal, Err: io.ErrClosedPipe}
	case <-ctx.Done():
		return nil, &transport.UTPError{Severity: transport.Warn, Err: ctx.Err()}
	}
	return local, nil
}

func (u *UTP) AcceptStream(ctx context.Context) (transport.UTPStream, error) {
	u.mu.Lock()
	if len(u.pending) > 0 {
		s := u.pending[0]
		u.pending = u.pending[1:]
		u.mu.Unlock()
		return s, nil
	}
	u.mu.Unlock()

	select {
	case s := <-u.inStreams:
		return s, nil
	case <-u.halt():
		return nil, &transport.UTPError{Severity: transport.Fatal, Err: io.ErrClosedPipe}
	case <-ctx.Done():
		return nil, &transport.UTPError{Severity: transport.Warn, Err: ctx.Err()}
	}
}

func (u *UTP) CloseStream(ctx context.Context, id wire.StreamID) error {
	return nil
}

func (u *UTP) SendDatagram(streamID wire.StreamID, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case u.outDatagrams <- datagram{streamID: streamID, data: cp}:
		return nil
	case <-u.halt():
		return &transport.UTPError{Severity: transport.Fatal, Err: io.ErrClosedPipe}
	default:
		// When the peer's 256-slot datagram buffer is full the datagram
		// is lost, matching UTP's best-effort delivery contract.
		return nil
	}
}

// ReceiveDatagram returns the next datagram addressed to an id with no
// registered DatagramStream subscriber. Once a DatagramStream for an id
// exists, that id's datagrams go to it instead, not here.
func (u *UTP) ReceiveDatagram(ctx context.Context) (wire.StreamID, []byte, error) {
	u.startDemux()
	for {
		u.dgMu.Lock()
		for id, bufs := range u.dgPending {
			if len(bufs) > 0 {
				b := bufs[0]
				u.dgPending[id] = bufs[1:]
				u.dgMu.Unlock()
				return id, b, nil
			}
		}
		u.dgMu.Unlock()

		select {
		case <-u.dgNotifyCh():
		case <-u.halt():
			return 0, nil, &transport.UTPError{Severity: transport.Fatal, Err: io.ErrClosedPipe}
		case <-ctx.Done():
			return 0, nil, &transport.UTPError{Severity: transport.Warn, Err: ctx.Err()}
		}
	}
}

// DatagramStream returns a UTPStream handle addressing an Unreliable
// sub-stream by id. Both peers call this with the same id (learned from an
// OpenSubStream announcement) to get symmetric ends.
func (u *UTP) DatagramStream(id wire.StreamID) transport.UTPStream {
	return &datagramStream{utp: u, id: id, recv: u.registerDatagramSub(id)}
}

// datagramStream adapts one datagram-addressed id to transport.UTPStream:
// each Write is one datagram, each Read returns one received datagram.
type datagramStream struct {
	utp  *UTP
	id   wire.StreamID
	recv chan []byte
}

func (d *datagramStream) StreamID() wire.StreamID { return d.id }

func (d *datagramStream) Write(ctx context.Context, p []byte) (int, error) {
	if err := d.utp.SendDatagram(d.id, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *datagramStream) Read(ctx context.Context, p []byte) (int, error) {
	select {
	case b := <-d.recv:
		n := copy(p, b)
		return n, nil
	case <-d.utp.halt():
		return 0, &transport.UTPError{Severity: transport.Fatal, Err: io.ErrClosedPipe}
	case <-ctx.Done():
		return 0, &transport.UTPError{Severity: transport.Warn, Err: ctx.Err()}
	}
}

func (d *datagramStream) Close() error {
	d.utp.unregisterDatagramSub(d.id)
	return nil
}

func (u *UTP) WaitStreamOpen(ctx context.Context, id wire.StreamID) (transport.UTPStream, error) {
	u.mu.Lock()
	for i, s := range u.pending {
		if s.id == id {
			u.pending = append(u.pending[:i], u.pending[i+1:]...)
			u.mu.Unlock()
			return s, nil
		}
	}
	u.mu.Unlock()

	for {
		select {
		case s := <-u.inStreams:
			if s.id == id {
				return s, nil
			}
			u.mu.Lock()
			u.pending = append(u.pending, s)
			u.mu.Unlock()
		case <-u.halt():
			return nil, &transport.UTPError{Severity: transport.Fatal, Err: io.ErrClosedPipe}
		case <-ctx.Done():
			return nil, &transport.UTPError{Severity: transport.Warn, Err: ctx.Err()}
		}
	}
}

func (u *UTP) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	close(u.halt())
	return nil
}

// Stream is one reliable byte stream of an in-memory UTP pair: an io.Pipe
// in each direction.
type Stream struct {
	id           wire.StreamID
	readFromPeer *io.PipeReader
	writeToPeer  *io.PipeWriter
}

func newStreamPair(id wire.StreamID) (local, remote *Stream) {
	r1, w1 := io.Pipe() // local reads, remote writes
	r2, w2 := io.Pipe() // remote reads, local writes
	local = &Stream{id: id, readFromPeer: r1, writeToPeer: w2}
	remote = &Stream{id: id, readFromPeer: r2, writeToPeer: w1}
	return local, remote
}

func (s *Stream) StreamID() wire.StreamID { return s.id }

func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := s.readFromPeer.Read(p)
		done <- result{n, err}
	}()
	select {
	case r := <-done:
		if r.err != nil && r.err != io.EOF {
			return r.n, &transport.UTPError{Severity: transport.Warn, Err: r.err}
		}
		return r.n, r.err
	case <-ctx.Done():
		return 0, &transport.UTPError{Severity: transport.Warn, Err: ctx.Err()}
	}
}

func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := s.writeToPeer.Write(p)
		done <- result{n, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return r.n, &transport.UTPError{Severity: transport.Fatal, Err: r.err}
		}
		return r.n, nil
	case <-ctx.Done():
		return 0, &transport.UTPError{Severity: transport.Warn, Err: ctx.Err()}
	}
}

func (s *Stream) Close() error {
	_ = s.readFromPeer.Close()
	return s.writeToPeer.Close()
}
