// Package pmc implements the Protocol Multiplexing Core: it owns a
// context-id counter and a frame pump over one control stream, and hands
// out ContextWriter/ContextReader pairs bound to individual context ids.
package pmc

import (
	"context"
	"errors"
	"sync"

	"github.com/quicmux/pmux/pump"
	"github.com/quicmux/pmux/wire"
)

// ErrClosedStream is returned by ContextReader.Read once the owning pump
// has stopped: a fatal transport error, clean EOF, or an explicit Close.
var ErrClosedStream = errors.New("pmc: closed stream")

// ErrContextClosed is returned by ContextReader.Read when the context's
// peer sent a Close payload. Distinct from ErrClosedStream, which signals
// the whole connection going away.
var ErrContextClosed = errors.New("pmc: context closed by peer")

// UTPWriteError wraps a transport failure observed while writing.
type UTPWriteError struct {
	Err error
}

func (e *UTPWriteError) Error() string { return "pmc: utp write: " + e.Err.Error() }
func (e *UTPWriteError) Unwrap() error { return e.Err }

// ContextWriter is the immutable, cloneable write half of a context: a
// snapshot of {context_id, pump} with no mutable state of its own.
type ContextWriter struct {
	contextID wire.ContextID
	pump      *pump.Pump
}

// Write serializes payload into a Message addressed to this writer's
// context and hands it to the frame pump's send path. There is no retry;
// classifying a failure as transient vs. fatal is the transport's job.
func (w *ContextWriter) Write(ctx context.Context, payload wire.Payload) error {
	err := w.pump.Send(ctx, wire.Message{ContextID: w.contextID, Payload: payload})
	if err != nil {
		return &UTPWriteError{Err: err}
	}
	return nil
}

// ContextID reports the id this writer addresses.
func (w *ContextWriter) ContextID() wire.ContextID { return w.contextID }

// ContextReader is the exclusive, single-consumer read half of a context.
// Cloning or sharing a ContextReader across goroutines is undefined;
// readLock enforces single-consumer use the same way the source's
// tokio::sync::Mutex<Receiver<_>> does.
type ContextReader struct {
	contextID wire.ContextID
	ch        <-chan wire.Payload
	pump      *pump.Pump
	readLock  sync.Mutex
}

// Read waits for the next payload addressed to this context. It returns
// ErrClosedStream once the pump has stopped, or ErrContextClosed if the
// peer explicitly closed this context with a Close payload.
func (r *ContextReader) Read(ctx context.Context) (wire.Payload, error) {
	r.readLock.Lock()
	defer r.readLock.Unlock()

	select {
	case payload, ok := <-r.ch:
		if !ok {
			return nil, ErrClosedStream
		}
		if c, isClose := payload.(wire.Close); isClose {
			_ = c
			return nil, ErrContextClosed
		}
		return payload, nil
	case <-r.pump.HaltCh():
		return nil, ErrClosedStream
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ContextID reports the id this reader receives for.
func (r *ContextReader) ContextID() wire.ContextID { return r.contextID }

// Close releases this context's subscription. Frames that arrive for its id
// afterwards are not discarded: the pump treats the id as unsubscribed and
// queues them as unclaimed, so PMC.NextContext surfaces them as a newly
// discovered context.
func (r *ContextReader) Close() {
	r.pump.Unsubscribe(r.contextID)
}
