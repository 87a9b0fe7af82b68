package licshare

import (
	"io"

	"pkt.systems/licshare/internal/clock"
	"pkt.systems/licshare/internal/swarm"
	"pkt.systems/pslog"
)

// Option customises Node construction.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
	Swarm  swarm.Swarm
	Hub    *swarm.Hub
	Output io.Writer
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock overrides the clock driving lease timers (useful for tests).
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithSwarm makes the node use s instead of a TCP swarm. The node closes s
// on Close.
func WithSwarm(s swarm.Swarm) Option {
	return func(o *options) {
		o.Swarm = s
	}
}

// WithHub attaches the node to an in-process hub. The swarm peer id is the
// node's writer key.
func WithHub(h *swarm.Hub) Option {
	return func(o *options) {
		o.Hub = h
	}
}

// WithOutput sets where debug dumps are printed (default stderr).
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		o.Output = w
	}
}
