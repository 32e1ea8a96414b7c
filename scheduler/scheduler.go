package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowmesh/netcore/bufpool"
	"github.com/flowmesh/netcore/endpoint"
	"github.com/flowmesh/netcore/internal/driver"
	"github.com/flowmesh/netcore/internal/logctx"
	"github.com/flowmesh/netcore/ioerr"
	"github.com/flowmesh/netcore/socket"
	"github.com/flowmesh/netcore/timerwheel"
)

// thread is one driver-running goroutine; it always owns a Reactor. Threads
// beyond cfg.MinThreads are reaped by age-since-last-activity, not
// age-since-spawn.
type thread struct {
	reactor  *socket.Reactor
	stop     chan struct{}
	done     chan struct{}
	lastBusy atomic.Int64 // unix nanos of last RunOnce that changed the registry size or left deferred work pending
}

// Scheduler owns the thread pool and is the factory surface users actually
// construct sockets and timers from.
type Scheduler struct {
	cfg  Config
	pool *bufpool.Pool

	mu      sync.Mutex
	threads []*thread
	closed  bool

	// sharedReactor is non-nil only in dynamic mode, where every thread
	// waits on the same driver/registry/timers/deferred-queue and any
	// thread may service any session.
	sharedReactor *socket.Reactor

	reapStop chan struct{}
	reapDone chan struct{}
}

// New creates a Scheduler per cfg, starting cfg.MinThreads threads
// immediately. Driver creation failure at startup is fatal and returned to
// the caller.
func New(cfg Config) (*Scheduler, error) {
	if cfg.MinThreads <= 0 {
		cfg.MinThreads = 1
	}
	if cfg.MaxThreads < cfg.MinThreads {
		cfg.MaxThreads = cfg.MinThreads
	}
	s := &Scheduler{
		cfg:  cfg,
		pool: bufpool.New(bufpool.DefaultFactory, 0),
	}

	if cfg.DynamicLoadBalancing {
		r, err := s.newReactor()
		if err != nil {
			return nil, err
		}
		s.sharedReactor = r
	}

	for i := 0; i < cfg.MinThreads; i++ {
		if _, err := s.spawnThread(); err != nil {
			s.shutdownThreads()
			return nil, err
		}
	}

	s.reapStop = make(chan struct{})
	s.reapDone = make(chan struct{})
	go s.reapLoop()

	return s, nil
}

func (s *Scheduler) newReactor() (*socket.Reactor, error) {
	d, err := driver.NewDefault()
	if err != nil {
		return nil, err
	}
	r := socket.NewReactor(d)
	if s.cfg.MaxEventsPerWait > 0 {
		r.MaxEventsPerWait = s.cfg.MaxEventsPerWait
	}
	if s.cfg.MaxTimersPerWait > 0 {
		r.MaxTimersPerWait = s.cfg.MaxTimersPerWait
	}
	if s.cfg.MaxCyclesPerWait > 0 {
		r.MaxCyclesPerWait = s.cfg.MaxCyclesPerWait
	}
	return r, nil
}

func (s *Scheduler) spawnThread() (*thread, error) {
	var r *socket.Reactor
	if s.sharedReactor != nil {
		r = s.sharedReactor
	} else {
		nr, err := s.newReactor()
		if err != nil {
			return nil, err
		}
		r = nr
	}
	t := &thread{reactor: r, stop: make(chan struct{}), done: make(chan struct{})}
	t.lastBusy.Store(time.Now().UnixNano())

	s.mu.Lock()
	s.threads = append(s.threads, t)
	idx := len(s.threads)
	s.mu.Unlock()

	r.AddWaiter()
	go s.runThread(t, idx)
	return t, nil
}

func (s *Scheduler) runThread(t *thread, idx int) {
	scope := logctx.Enter(logctx.Fields{Owner: s.cfg.ThreadName, ThreadIndex: idx})
	defer scope.Exit()
	defer close(t.done)
	defer t.reactor.RemoveWaiter()
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		n0 := t.reactor.Registry.Len()
		err := t.reactor.RunOnce(100 * time.Millisecond)
		if err != nil {
			// RunOnce only returns non-recoverable errors; the thread
			// retires rather than spinning on a broken driver, while the
			// scheduler as a whole keeps running.
			scope.Logger().Error().Err(err).Msg("driver wait failed, retiring thread")
			return
		}
		if t.reactor.Registry.Len() != n0 || t.reactor.Deferred.Pending() > 0 {
			t.lastBusy.Store(time.Now().UnixNano())
		}
	}
}

// reapLoop retires idle threads beyond the minimum after IdleTimeout, in
// both static and dynamic mode. A thread is reaped only while its reactor's
// Registry.Len() == 0: static mode pins sessions to their thread's reactor
// for its lifetime, so such a thread has nothing left to do, and in dynamic
// mode the shared registry keeps every thread while any session remains.
func (s *Scheduler) reapLoop() {
	defer close(s.reapDone)
	if s.cfg.IdleTimeout <= 0 {
		<-s.reapStop
		return
	}
	ticker := time.NewTicker(s.cfg.IdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.reapStop:
			return
		case <-ticker.C:
			s.reapIdle()
		}
	}
}

func (s *Scheduler) reapIdle() {
	now := time.Now().UnixNano()
	s.mu.Lock()
	if len(s.threads) <= s.cfg.MinThreads {
		s.mu.Unlock()
		return
	}
	var victim *thread
	idx := -1
	for i, t := range s.threads[s.cfg.MinThreads:] {
		real := s.cfg.MinThreads + i
		if time.Duration(now-t.lastBusy.Load()) >= s.cfg.IdleTimeout && t.reactor.Registry.Len() == 0 {
			victim = t
			idx = real
			break
		}
	}
	if victim != nil {
		s.threads = append(s.threads[:idx], s.threads[idx+1:]...)
	}
	s.mu.Unlock()
	if victim != nil {
		close(victim.stop)
		victim.reactor.Driver.Interrupt()
		<-victim.done
	}
}

// pickThread chooses the thread with the fewest attached sessions. In
// dynamic mode every thread shares the same reactor, so any thread (the
// first) always serves.
func (s *Scheduler) pickThread() *thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.threads) == 0 {
		return nil
	}
	if s.sharedReactor != nil {
		return s.threads[0]
	}
	best := s.threads[0]
	bestLoad := best.reactor.Registry.Len()
	for _, t := range s.threads[1:] {
		if l := t.reactor.Registry.Len(); l < bestLoad {
			best, bestLoad = t, l
		}
	}
	if bestLoad > 0 && len(s.threads) < s.cfg.MaxThreads {
		if nt, err := s.spawnThread(); err == nil {
			return nt
		}
	}
	return best
}

// NewStream allocates a StreamSocket on the least-loaded thread (static) or
// the shared reactor (dynamic).
func (s *Scheduler) NewStream() (*socket.StreamSocket, error) {
	t := s.pickThread()
	if t == nil {
		return nil, ioerr.New(ioerr.Invalid, "scheduler.new_stream", nil)
	}
	return socket.NewStream(t.reactor, s.pool, s.cfg.Stream), nil
}

// NewListener allocates a ListenerSocket bound to e via the least-loaded
// thread; incoming connections are dispatched to onAccept as raw handles,
// which the caller wraps into sessions via NewStream plus
// StreamSocket.Adopt (which thread services an accepted connection is the
// caller's policy decision).
func (s *Scheduler) NewListener(e endpoint.Endpoint, backlog int, onAccept func(h socket.Handle, peer endpoint.Endpoint), onError func(error)) (*socket.ListenerSocket, error) {
	t := s.pickThread()
	if t == nil {
		return nil, ioerr.New(ioerr.Invalid, "scheduler.new_listener", nil)
	}
	l := socket.NewListener(t.reactor)
	if err := l.Listen(e, backlog, onAccept, onError); err != nil {
		return nil, err
	}
	return l, nil
}

// NewDatagram allocates a DatagramSocket bound to e.
func (s *Scheduler) NewDatagram(e endpoint.Endpoint, onReceive func(endpoint.Endpoint, []byte), onError func(error)) (*socket.DatagramSocket, error) {
	t := s.pickThread()
	if t == nil {
		return nil, ioerr.New(ioerr.Invalid, "scheduler.new_datagram", nil)
	}
	d := socket.NewDatagram(t.reactor)
	if err := d.Bind(e, onReceive, onError); err != nil {
		return nil, err
	}
	return d, nil
}

// NewTimer schedules a timer against the least-loaded thread's wheel.
func (s *Scheduler) NewTimer(deadline time.Time, period time.Duration, mask timerwheel.Mask, cb func(timerwheel.Event)) (*timerwheel.Timer, error) {
	t := s.pickThread()
	if t == nil {
		return nil, ioerr.New(ioerr.Invalid, "scheduler.new_timer", nil)
	}
	return t.reactor.Timers.Schedule(deadline, period, mask, cb), nil
}

// Threads reports the current thread count, for tests and metrics.
func (s *Scheduler) Threads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

func (s *Scheduler) shutdownThreads() {
	s.mu.Lock()
	threads := s.threads
	s.threads = nil
	s.mu.Unlock()
	for _, t := range threads {
		close(t.stop)
		t.reactor.Driver.Interrupt()
	}
	for _, t := range threads {
		<-t.done
	}
}

// Close stops every thread and releases driver resources.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.reapStop != nil {
		close(s.reapStop)
		<-s.reapDone
	}
	s.shutdownThreads()

	if s.sharedReactor != nil {
		return s.sharedReactor.Driver.Close()
	}
	return nil
}
