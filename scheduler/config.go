// Package scheduler implements the I/O thread pool and the factory surface
// (stream sockets, datagram sockets, listeners, timers) users actually
// construct. Each pool thread drives a socket.Reactor via RunOnce; load
// balancing is either static (one reactor per thread, sessions pinned at
// creation by minimum load) or dynamic (many threads servicing one shared
// reactor).
package scheduler

import (
	"time"

	"github.com/flowmesh/netcore/socket"
)

// Config carries the scheduler's construction-time knobs: driver name,
// thread bounds, per-wait batching limits, load-balancing mode, and the
// per-session stream defaults.
type Config struct {
	DriverName string // informational; the concrete driver is always the platform default
	MetricName string
	ThreadName string

	MinThreads int
	MaxThreads int
	// IdleTimeout is how long a thread beyond MinThreads may sit without
	// servicing any event before the scheduler reaps it.
	IdleTimeout time.Duration

	MaxEventsPerWait int
	MaxTimersPerWait int
	MaxCyclesPerWait int

	// DynamicLoadBalancing makes all threads share one driver/reactor
	// instead of static mode's one reactor per thread with sessions pinned
	// at creation by minimum load.
	DynamicLoadBalancing bool

	Stream socket.StreamOptions

	ZeroCopyThreshold int
	ResolverEnabled   bool
}

// DefaultConfig returns the scheduler's baseline configuration.
func DefaultConfig() Config {
	return Config{
		DriverName:           "default",
		MetricName:           "netcore.scheduler",
		ThreadName:           "netcore-io",
		MinThreads:           1,
		MaxThreads:           4,
		IdleTimeout:          30 * time.Second,
		MaxEventsPerWait:     256,
		MaxTimersPerWait:     256,
		MaxCyclesPerWait:     64,
		DynamicLoadBalancing: false,
		Stream:               socket.DefaultStreamOptions(),
		ZeroCopyThreshold:    16 << 10,
	}
}
