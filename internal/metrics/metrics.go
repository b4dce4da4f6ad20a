// Package metrics collects the prometheus series this module exposes: how
// many contexts are live, how deep the pump's unclaimed queue runs, and how
// many frames and slow-consumer drops have occurred.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters and gauges one PMC instance reports.
type Metrics struct {
	ContextsOpen      prometheus.Gauge
	UnclaimedQueueLen prometheus.Gauge
	FramesPumped      prometheus.Counter
	SlowConsumerDrops prometheus.Counter
}

// New constructs a Metrics and registers it against reg. Passing a nil
// registerer is valid and yields unregistered, purely in-process counters —
// useful for tests that don't want to touch the default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ContextsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pmux",
			Name:      "contexts_open",
			Help:      "Number of contexts currently subscribed on the frame pump.",
		}),
		UnclaimedQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pmux",
			Name:      "unclaimed_queue_length",
			Help:      "Number of frames waiting in the pump's unclaimed queue.",
		}),
		FramesPumped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmux",
			Name:      "frames_pumped_total",
			Help:      "Total frames read off the control stream and routed.",
		}),
		SlowConsumerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmux",
			Name:      "slow_consumer_drops_total",
			Help:      "Total frames dropped because a context's inbound queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ContextsOpen, m.UnclaimedQueueLen, m.FramesPumped, m.SlowConsumerDrops)
	}
	return m
}

// Noop returns a Metrics backed by unregistered collectors, for callers
// that don't care about observability (most unit tests).
func Noop() *Metrics {
	return New(nil)
}
