// Package pump implements the PMC frame pump: the single goroutine that
// reads framed messages off a control stream and routes each one to its
// context's inbound queue, or to a shared "unclaimed" queue when the
// context id hasn't been subscribed yet.
package pump

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/quicmux/pmux/internal/metrics"
	"github.com/quicmux/pmux/internal/worker"
	"github.com/quicmux/pmux/transport"
	"github.com/quicmux/pmux/wire"
)

// DefaultQueueCapacity is the bound on every per-context inbound queue,
// matching spec's CHANNEL_BUFFER constant.
const DefaultQueueCapacity = 1024

// ErrAlreadySubscribed is returned by Subscribe when a context id already
// has a live subscription.
var ErrAlreadySubscribed = errors.New("pump: context already subscribed")

// ErrClosed is returned by NextUnclaimed once Close has stopped the pump.
// When the read loop stops on its own (a fatal transport error, EOF, or a
// frame that fails to decode), NextUnclaimed returns that error instead.
// Send does not check whether the pump has stopped.
var ErrClosed = errors.New("pump: closed")

// Options configures a Pump.
type Options struct {
	queueCapacity int
	blocking      bool
	logger        *log.Logger
	metrics       *metrics.Metrics
}

// Option mutates Options.
type Option func(*Options)

// WithQueueCapacity overrides the per-context inbound queue bound.
func WithQueueCapacity(n int) Option {
	return func(o *Options) { o.queueCapacity = n }
}

// WithBlockingDelivery switches delivery from the default
// spawn-a-goroutine-per-enqueue policy to delivering inline on the pump's
// read loop. This removes the per-message goroutine but means one
// permanently full context queue head-of-line-blocks every other context.
func WithBlockingDelivery() Option {
	return func(o *Options) { o.blocking = true }
}

// WithLogger overrides the logger used for warn-and-continue transport
// errors and dropped deliveries.
func WithLogger(l *log.Logger) Option {
	return func(o *Options) { o.logger = l }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) { o.metrics = m }
}

// Pump owns the control stream's single reader loop, the subscription
// table, and the unclaimed-message queue.
type Pump struct {
	worker.Worker

	stream transport.UTPStream
	opts   Options

	sendMu sync.Mutex // serializes frames on the single-writer control stream

	mu        sync.Mutex // guards subs and unclaimed together, closing the discovery race
	subs      map[wire.ContextID]chan wire.Payload
	unclaimed []wire.Message
	notify    chan struct{}

	readCtx    context.Context
	cancelRead context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// New starts a Pump reading from stream. The read loop runs until the
// stream reports a fatal error, hits clean EOF, or Close is called.
func New(stream transport.UTPStream, opts ...Option) *Pump {
	o := Options{queueCapacity: DefaultQueueCapacity, logger: log.Default(), metrics: metrics.Noop()}
	for _, opt := range opts {
		opt(&o)
	}
	readCtx, cancelRead := context.WithCancel(context.Background())
	p := &Pump{
		stream:     stream,
		opts:       o,
		subs:       make(map[wire.ContextID]chan wire.Payload),
		notify:     make(chan struct{}, 1),
		readCtx:    readCtx,
		cancelRead: cancelRead,
	}
	p.Go(p.run)
	return p
}

func (p *Pump) run() {
	defer p.Done()
	for {
		msg, err := p.readOne()
		if err != nil {
			if errors.Is(err, errWarn) {
				p.opts.logger.Warn("pump: transport warning, continuing", "err", err)
				continue
			}
			p.opts.logger.Info("pump: stopping", "reason", err)
			p.shutdown(err)
			return
		}
		p.opts.metrics.FramesPumped.Inc()
		p.route(msg)
	}
}

var errWarn = errors.New("pump: warn")

func (p *Pump) readOne() (wire.Message, error) {
	if p.readCtx.Err() != nil {
		return wire.Message{}, ErrClosed
	}
	body, err := wire.ReadFrame(&streamReader{ctx: p.readCtx, stream: p.stream})
	if err != nil {
		if p.readCtx.Err() != nil {
			// The read unblocked because Close canceled readCtx, not
			// because the transport itself failed.
			return wire.Message{}, ErrClosed
		}
		if transport.IsFatal(err) || errors.Is(err, wire.ErrFrameTooLarge) {
			return wire.Message{}, err
		}
		var utpErr *transport.UTPError
		if errors.As(err, &utpErr) && utpErr.Severity == transport.Warn {
			return wire.Message{}, errWarn
		}
		return wire.Message{}, err
	}
	msg, err := wire.Decode(body)
	if err != nil {
		return wire.Message{}, err
	}
	return msg, nil
}

// streamReader adapts a context-taking transport.UTPStream.Read into the
// plain io.Reader wire.ReadFrame expects.
type streamReader struct {
	ctx    context.Context
	stream transport.UTPStream
}

func (r *streamReader) Read(p []byte) (int, error) {
	return r.stream.Read(r.ctx, p)
}

func (p *Pump) route(msg wire.Message) {
	p.mu.Lock()
	ch, subscribed := p.subs[msg.ContextID]
	if !subscribed {
		p.unclaimed = append(p.unclaimed, msg)
		p.signalLocked()
		p.opts.metrics.UnclaimedQueueLen.Set(float64(len(p.unclaimed)))
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.deliver(ch, msg.Payload)
}

func (p *Pump) deliver(ch chan wire.Payload, payload wire.Payload) {
	if p.opts.blocking {
		select {
		case ch <- payload:
		case <-p.HaltCh():
		}
		return
	}
	p.Go(func() {
		defer p.Done()
		select {
		case ch <- payload:
		case <-p.HaltCh():
			p.opts.metrics.SlowConsumerDrops.Inc()
		}
	})
}

func (p *Pump) signalLocked() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Subscribe installs a fresh inbound queue for id and returns its receive
// end. Any messages already sitting in the unclaimed queue for this id
// (arrived after a discovery via NextUnclaimed but before this call) are
// moved into the new queue in arrival order, closing the discovery race:
// routing decisions and subscription installation happen under the same
// lock.
func (p *Pump) Subscribe(id wire.ContextID) (<-chan wire.Payload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.subs[id]; exists {
		return nil, ErrAlreadySubscribed
	}

	ch := make(chan wire.Payload, p.opts.queueCapacity)
	p.subs[id] = ch

	remaining := p.unclaimed[:0]
	for _, m := range p.unclaimed {
		if m.ContextID == id {
			p.deliverLocked(ch, m.Payload)
		} else {
			remaining = append(remaining, m)
		}
	}
	p.unclaimed = remaining
	p.opts.metrics.UnclaimedQueueLen.Set(float64(len(p.unclaimed)))
	p.opts.metrics.ContextsOpen.Inc()

	return ch, nil
}

// deliverLocked is Subscribe's path for moving already-queued unclaimed
// messages into a brand new channel; the channel has just been created
// with queueCapacity headroom so a direct non-blocking send never loses a
// message under normal configuration.
func (p *Pump) deliverLocked(ch chan wire.Payload, payload wire.Payload) {
	select {
	case ch <- payload:
	default:
		p.Go(func() {
			defer p.Done()
			select {
			case ch <- payload:
			case <-p.HaltCh():
				p.opts.metrics.SlowConsumerDrops.Inc()
			}
		})
	}
}

// Unsubscribe removes id's subscription. Later frames for id are routed like
// those of any unsubscribed id, into the unclaimed queue; they are not
// discarded. The channel itself is never closed here —
// closing a channel that a concurrent delivery goroutine might still be
// sending on would panic; ClosedStream is instead signaled globally via
// HaltCh (see pmc.ContextReader.Read).
func (p *Pump) Unsubscribe(id wire.ContextID) {
	p.mu.Lock()
	_, ok := p.subs[id]
	if ok {
		delete(p.subs, id)
		p.opts.metrics.ContextsOpen.Dec()
	}
	p.mu.Unlock()
}

// NextUnclaimed blocks until a message for a not-yet-subscribed context id
// arrives, the pump closes, or ctx is done.
func (p *Pump) NextUnclaimed(ctx context.Context) (wire.Message, error) {
	for {
		p.mu.Lock()
		if len(p.unclaimed) > 0 {
			msg := p.unclaimed[0]
			p.unclaimed = p.unclaimed[1:]
			p.opts.metrics.UnclaimedQueueLen.Set(float64(len(p.unclaimed)))
			p.mu.Unlock()
			return msg, nil
		}
		closed := p.closeErr != nil
		p.mu.Unlock()
		if closed {
			return wire.Message{}, p.closeErr
		}

		select {
		case <-p.notify:
		case <-p.HaltCh():
			p.mu.Lock()
			err := p.closeErr
			p.mu.Unlock()
			if err == nil {
				err = ErrClosed
			}
			return wire.Message{}, err
		case <-ctx.Done():
			return wire.Message{}, ctx.Err()
		}
	}
}

// Send serializes msg and writes one length-prefixed frame to the control
// stream. Concurrent callers are serialized so frames never interleave.
func (p *Pump) Send(ctx context.Context, msg wire.Message) error {
	body, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	framed := wire.AppendFrame(nil, body)

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	for written := 0; written < len(framed); {
		n, err := p.stream.Write(ctx, framed[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

// Close stops the pump's read loop and makes every subscribed
// ContextReader (via HaltCh) and every pending or future NextUnclaimed
// call observe closure.
func (p *Pump) Close() error {
	p.shutdown(ErrClosed)
	p.Halt()
	p.Wait()
	return nil
}

// shutdown marks the pump closed and halts it. Per-context channels are
// deliberately left unclosed (see Unsubscribe); every consumer learns of
// closure through HaltCh instead, which is safe to close exactly once
// regardless of how many delivery goroutines are still in flight.
func (p *Pump) shutdown(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closeErr = err
		p.mu.Unlock()
		p.cancelRead()
		p.Halt()
	})
}
