package pmux

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"

	"github.com/quicmux/pmux/internal/worker"
	"github.com/quicmux/pmux/pmc"
	"github.com/quicmux/pmux/transport"
	"github.com/quicmux/pmux/wire"
)

// ErrArbContextClosed is returned after Close, and once an ArbContext's
// owning pump or connection has gone away; the first Read or WaitStream
// after the pump stops returns the error that ended the read loop instead.
var ErrArbContextClosed = errors.New("pmux: arb context closed")

// ArbContext is a long-lived, persistent context used to negotiate
// sub-streams: each side announces freshly opened UTP streams to its peer
// with an OpenSubStream payload, and anything else read on it is handed
// back to the caller as ordinary application data.
type ArbContext struct {
	worker.Worker

	utp    transport.UTP
	writer *pmc.ContextWriter
	reader *pmc.ContextReader
	log    *log.Logger

	openSubCh chan wire.OpenSubStream
	dataCh    chan wire.Payload
	errCh     chan error

	readCtx    context.Context
	cancelRead context.CancelFunc
}

// newArbContext starts the ArbContext's read loop. When initial is non-nil
// it is dispatched first, before the loop begins reading from r — it holds
// the payload that triggered discovery of this context in
// Connection.NextArb, pulled off the pump's unclaimed queue before this
// ArbContext's subscription existed, so it must be queued ahead of anything
// the loop itself reads to preserve arrival order.
func newArbContext(utp transport.UTP, w *pmc.ContextWriter, r *pmc.ContextReader, logger *log.Logger, initial wire.Payload) *ArbContext {
	readCtx, cancel := context.WithCancel(context.Background())
	a := &ArbContext{
		utp:        utp,
		writer:     w,
		reader:     r,
		log:        logger,
		openSubCh:  make(chan wire.OpenSubStream, 16),
		dataCh:     make(chan wire.Payload, 16),
		errCh:      make(chan error, 1),
		readCtx:    readCtx,
		cancelRead: cancel,
	}
	if initial != nil {
		a.dispatch(initial)
	}
	a.Go(a.loop)
	return a
}

func (a *ArbContext) dispatch(payload wire.Payload) {
	switch p := payload.(type) {
	case wire.OpenSubStream:
		select {
		case a.openSubCh <- p:
		case <-a.HaltCh():
		}
	default:
		select {
		case a.dataCh <- payload:
		case <-a.HaltCh():
		}
	}
}

// loop is the sole sender on openSubCh, dataCh and errCh, so it alone may
// close them once it returns — no concurrent delivery goroutine can ever be
// mid-send the way pump's per-context channels can. errCh is left open so
// that, once its one error has been taken, Read and WaitStream fall through
// to ErrArbContextClosed rather than receiving a nil error.
func (a *ArbContext) loop() {
	defer a.Done()
	defer close(a.openSubCh)
	defer close(a.dataCh)

	for {
		payload, err := a.reader.Read(a.readCtx)
		if err != nil {
			if a.readCtx.Err() != nil {
				return
			}
			select {
			case a.errCh <- err:
			default:
			}
			return
		}
		switch p := payload.(type) {
		case wire.OpenSubStream:
			select {
			case a.openSubCh <- p:
			case <-a.HaltCh():
				return
			}
		default:
			select {
			case a.dataCh <- payload:
			case <-a.HaltCh():
				return
			}
		}
	}
}

// ContextID reports the PMC context id this ArbContext runs on.
func (a *ArbContext) ContextID() wire.ContextID { return a.writer.ContextID() }

// Read waits for the next non-OpenSubStream payload addressed to this
// context, e.g. application data a caller chose to send directly on the
// ArbContext rather than opening a sub-stream.
func (a *ArbContext) Read(ctx context.Context) (wire.Payload, error) {
	select {
	case p, ok := <-a.dataCh:
		if !ok {
			return nil, a.closedErr()
		}
		return p, nil
	case err := <-a.errCh:
		return nil, err
	case <-a.HaltCh():
		return nil, ErrArbContextClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write sends payload on this ArbContext.
func (a *ArbContext) Write(ctx context.Context, payload wire.Payload) error {
	return a.writer.Write(ctx, payload)
}

// NewStream opens a fresh UTP stream of the given integrity, announces it to
// the peer with an OpenSubStream payload, and returns it wrapped as a
// Stream. The peer discovers it via WaitStream.
func (a *ArbContext) NewStream(ctx context.Context, integrity wire.IntegrityType) (*Stream, error) {
	us, err := a.utp.OpenStream(ctx, integrity)
	if err != nil {
		return nil, err
	}
	announce := wire.OpenSubStream{StreamID: us.StreamID(), Integrity: integrity}
	if err := a.writer.Write(ctx, announce); err != nil {
		_ = us.Close()
		return nil, err
	}
	return newStream(us, integrity), nil
}

// WaitStream blocks for the peer's next OpenSubStream announcement and
// returns the matching UTP stream once it has arrived, buffering any other
// streams the transport accepts along the way (see
// transport.UTP.WaitStreamOpen).
func (a *ArbContext) WaitStream(ctx context.Context) (*Stream, error) {
	var announce wire.OpenSubStream
	select {
	case p, ok := <-a.openSubCh:
		if !ok {
			return nil, a.closedErr()
		}
		announce = p
	case err := <-a.errCh:
		return nil, err
	case <-a.HaltCh():
		return nil, ErrArbContextClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if announce.Integrity == wire.Unreliable {
		// Nothing to wait for: both peers already agree on the id from the
		// announcement, and a datagram "stream" has no accept step.
		return newStream(a.utp.DatagramStream(announce.StreamID), announce.Integrity), nil
	}

	us, err := a.utp.WaitStreamOpen(ctx, announce.StreamID)
	if err != nil {
		return nil, err
	}
	return newStream(us, announce.Integrity), nil
}

func (a *ArbContext) closedErr() error {
	select {
	case err := <-a.errCh:
		return err
	default:
		return ErrArbContextClosed
	}
}

// Close stops this ArbContext's read loop and releases its PMC
// subscription.
func (a *ArbContext) Close() error {
	a.Halt()
	a.cancelRead()
	a.Wait()
	a.reader.Close()
	return nil
}
