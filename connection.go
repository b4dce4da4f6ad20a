package pmux

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"github.com/quicmux/pmux/pmc"
	"github.com/quicmux/pmux/transport"
	"github.com/quicmux/pmux/wire"
)

// Options configures a Connection.
type Options struct {
	logger  *log.Logger
	pmcOpts []pmc.Option
}

// Option mutates Options.
type Option func(*Options)

// WithLogger sets the logger used for connection-level diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(o *Options) { o.logger = l }
}

// WithPMCOptions forwards options to the underlying pmc.PMC, e.g.
// pmc.WithPumpOptions(pump.WithBlockingDelivery()).
func WithPMCOptions(opts ...pmc.Option) Option {
	return func(o *Options) { o.pmcOpts = append(o.pmcOpts, opts...) }
}

func newOptions(opts []Option) *Options {
	o := &Options{logger: log.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Connection is one multiplexed connection over a transport.UTP: a
// completed version handshake plus the pmc.PMC that hands out contexts for
// it.
type Connection struct {
	utp      transport.UTP
	pmc      *pmc.PMC
	isServer bool
	log      *log.Logger
}

// Connect performs the client side of the handshake over utp's control
// stream and returns a ready Connection. The control stream is the first
// stream utp opens; everything else flows through ArbContexts negotiated
// afterward.
func Connect(ctx context.Context, utp transport.UTP, opts ...Option) (*Connection, error) {
	o := newOptions(opts)

	control, err := utp.OpenStream(ctx, wire.Reliable)
	if err != nil {
		return nil, err
	}

	p := pmc.New(false, control, o.pmcOpts...)
	hw, hr, err := p.HandshakeContext()
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	if err := hw.Write(ctx, wire.HandshakeHello{Version: ProtocolVersion}); err != nil {
		_ = p.Close()
		return nil, err
	}

	reply, err := hr.Read(ctx)
	if err != nil {
		_ = p.Close()
		if err == pmc.ErrContextClosed {
			// The server's Close payload never reaches us as a value —
			// ContextReader.Read converts it to this sentinel (see
			// pmc.ErrContextClosed) — so the reject reason it carried is
			// not recoverable here.
			return nil, &HandshakeRejectError{Reason: "rejected by peer"}
		}
		return nil, &ClosedConnectionError{Err: err}
	}

	if _, ok := reply.(wire.HandshakeAck); !ok {
		_ = p.Close()
		return nil, &MalformedMessageError{Err: fmt.Errorf("unexpected handshake reply %T", reply)}
	}
	hr.Close()
	o.logger.Debug("handshake accepted", "version", ProtocolVersion)
	return &Connection{utp: utp, pmc: p, isServer: false, log: o.logger}, nil
}

// Accept performs the server side of the handshake on the first stream the
// peer opens and returns a ready Connection, or a *HandshakeRejectError if
// the peer's version is incompatible — the rejection is still sent to the
// peer before returning so it can fail cleanly.
func Accept(ctx context.Context, utp transport.UTP, opts ...Option) (*Connection, error) {
	o := newOptions(opts)

	control, err := utp.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}

	p := pmc.New(true, control, o.pmcOpts...)
	hw, hr, err := p.HandshakeContext()
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	hello, err := hr.Read(ctx)
	if err != nil {
		_ = p.Close()
		return nil, &ClosedConnectionError{Err: err}
	}

	h, ok := hello.(wire.HandshakeHello)
	if !ok {
		_ = p.Close()
		return nil, &MalformedMessageError{Err: fmt.Errorf("expected HandshakeHello, got %T", hello)}
	}

	if !versionCompatible(h.Version) {
		reason := fmt.Sprintf("incompatible version: peer=%s local=%s", h.Version, ProtocolVersion)
		_ = hw.Write(ctx, wire.Close{Reason: reason})
		_ = p.Close()
		return nil, &HandshakeRejectError{Reason: reason}
	}

	if err := hw.Write(ctx, wire.HandshakeAck{}); err != nil {
		_ = p.Close()
		return nil, err
	}
	hr.Close()

	o.logger.Debug("handshake accepted", "peer_version", h.Version)
	return &Connection{utp: utp, pmc: p, isServer: true, log: o.logger}, nil
}

// NewArb allocates a fresh context and wraps it as a persistent ArbContext
// for sub-stream negotiation.
func (c *Connection) NewArb(ctx context.Context) (*ArbContext, error) {
	w, r, err := c.pmc.CreateContext()
	if err != nil {
		return nil, err
	}
	return newArbContext(c.utp, w, r, c.log, nil), nil
}

// NextArb waits for the peer to address a not-yet-seen context and wraps it
// as an ArbContext. The payload that triggered discovery is delivered
// through the returned ArbContext's Read/openSubCh like any other payload,
// so callers don't lose it.
func (c *Connection) NextArb(ctx context.Context) (*ArbContext, error) {
	payload, w, r, err := c.pmc.NextContext(ctx)
	if err != nil {
		return nil, err
	}
	return newArbContext(c.utp, w, r, c.log, payload), nil
}

// Close tears down the PMC and the underlying transport.
func (c *Connection) Close() error {
	err := c.pmc.Close()
	if cerr := c.utp.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ io.Closer = (*Connection)(nil)
