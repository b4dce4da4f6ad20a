package pmc

import (
	"context"

	"github.com/quicmux/pmux/counter"
	"github.com/quicmux/pmux/pump"
	"github.com/quicmux/pmux/transport"
	"github.com/quicmux/pmux/wire"
)

// Options configures a PMC's pump.
type Options struct {
	pumpOpts []pump.Option
}

// Option mutates Options.
type Option func(*Options)

// WithPumpOptions forwards options to the underlying frame pump, e.g.
// pump.WithBlockingDelivery or pump.WithQueueCapacity.
func WithPumpOptions(opts ...pump.Option) Option {
	return func(o *Options) { o.pumpOpts = append(o.pumpOpts, opts...) }
}

// PMC is the Protocol Multiplexing Core for one connection: it composes a
// context-id counter with a frame pump over the connection's control
// stream and hands out ContextWriter/ContextReader pairs.
type PMC struct {
	counter *counter.Counter
	pump    *pump.Pump
}

// New starts a PMC over stream. isServer selects this endpoint's id
// parity (see counter.New).
func New(isServer bool, stream transport.UTPStream, opts ...Option) *PMC {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return &PMC{
		counter: counter.New(isServer),
		pump:    pump.New(stream, o.pumpOpts...),
	}
}

// CreateContext allocates a fresh local context id, subscribes it on the
// pump, and returns the writer/reader pair.
func (p *PMC) CreateContext() (*ContextWriter, *ContextReader, error) {
	id, err := p.counter.Next()
	if err != nil {
		return nil, nil, err
	}
	return p.subscribe(id)
}

// NextContext awaits the next message on the pump's unclaimed queue. On
// receipt it subscribes the pump to the discovered context id before
// returning, so the first payload is surfaced exactly once here and every
// later payload flows through the returned reader — no race with a
// concurrent pump delivery to the same id, because Subscribe re-scans the
// unclaimed queue under the same lock the pump's router uses.
func (p *PMC) NextContext(ctx context.Context) (wire.Payload, *ContextWriter, *ContextReader, error) {
	msg, err := p.pump.NextUnclaimed(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	w, r, err := p.subscribe(msg.ContextID)
	if err != nil {
		return nil, nil, nil, err
	}
	return msg.Payload, w, r, nil
}

// HandshakeContext subscribes the reserved context id 0, the one context
// CreateContext never allocates since it always draws from the counter.
// Connect/Accept use it to run the version handshake before any other
// context exists.
func (p *PMC) HandshakeContext() (*ContextWriter, *ContextReader, error) {
	return p.subscribe(wire.ContextID(0))
}

func (p *PMC) subscribe(id wire.ContextID) (*ContextWriter, *ContextReader, error) {
	ch, err := p.pump.Subscribe(id)
	if err != nil {
		return nil, nil, err
	}
	w := &ContextWriter{contextID: id, pump: p.pump}
	r := &ContextReader{contextID: id, ch: ch, pump: p.pump}
	return w, r, nil
}

// Close stops the underlying pump. Every live ContextReader subsequently
// observes ErrClosedStream.
func (p *PMC) Close() error {
	return p.pump.Close()
}
