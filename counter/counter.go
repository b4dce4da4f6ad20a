// Package counter allocates ContextIds with role-based parity: a server and
// a client connected to each other never hand out the same id to two
// different contexts, without either side ever talking to the other about
// which ids are taken.
package counter

import (
	"fmt"
	"sync"

	"github.com/quicmux/pmux/wire"
)

// wrapGuard is the distance from math.MaxUint64 at which Next restarts the
// counter at the role's first id (or, with WithRefuseWrap, returns
// ErrWouldWrap), matching the Rust source's `u64::MAX - counter <= 2` guard.
const wrapGuard = 2

// Options configures a Counter's behavior at the point it would otherwise
// wrap past math.MaxUint64.
type Options struct {
	refuseWrap bool
}

// Option mutates Options.
type Option func(*Options)

// WithRefuseWrap makes Next return an error instead of restarting from the
// first id of the caller's parity once the counter nears exhaustion. The
// default is to wrap in place, which is safe because a connection
// that has allocated 2^63 contexts will exhaust other resources long before
// collisions become likely in practice.
func WithRefuseWrap() Option {
	return func(o *Options) { o.refuseWrap = true }
}

// ErrWouldWrap is returned by Next when WithRefuseWrap is set and the
// counter has reached the wrap guard.
var ErrWouldWrap = fmt.Errorf("counter: next id would wrap past %d contexts", ^uint64(0))

// Counter hands out ContextIds for one connection endpoint. Servers
// allocate odd ids, clients allocate even ids; id 0 is reserved for the
// handshake context and is never returned by Next.
type Counter struct {
	mu       sync.Mutex
	isServer bool
	refuse   bool
	next     uint64
}

// New creates a Counter for the given role. isServer selects odd-numbered
// ids starting at 1; the client side selects even-numbered ids starting at
// 2, leaving 0 reserved for the handshake.
func New(isServer bool, opts ...Option) *Counter {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	c := &Counter{isServer: isServer, refuse: o.refuseWrap}
	c.reset()
	return c
}

func (c *Counter) reset() {
	if c.isServer {
		c.next = 1
	} else {
		c.next = 2
	}
}

// Next returns the next ContextId for this endpoint's role.
func (c *Counter) Next() (wire.ContextID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ^uint64(0)-c.next <= wrapGuard {
		if c.refuse {
			return 0, ErrWouldWrap
		}
		c.reset()
	}

	id := c.next
	c.next += 2
	return wire.ContextID(id), nil
}

// IsServer reports the role this Counter allocates ids for.
func (c *Counter) IsServer() bool {
	return c.isServer
}
