// Package logctx provides the scoped logging context for dispatch frames.
// The scheduler's driver wait loop and the stream socket's zero-copy misuse
// report enter a scope; strand execution and timer fires do not enter one
// of their own. It wraps zerolog: a contextual logger is derived once per frame via
// With()-chaining and dropped when the frame returns.
package logctx

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Fields names the attributes a dispatch frame may attach.
type Fields struct {
	Owner          string
	MonitorIndex   int
	ThreadIndex    int
	SourceID       string
	ChannelID      string
	Descriptor     int
	SourceEndpoint string
	RemoteEndpoint string
}

var (
	baseMu sync.RWMutex
	base   = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).With().Timestamp().Logger()
)

// SetBase replaces the process-wide root logger that per-frame contexts are
// derived from. Intended to be called once during scheduler construction.
func SetBase(l zerolog.Logger) {
	baseMu.Lock()
	base = l
	baseMu.Unlock()
}

func rootLogger() zerolog.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// Scope holds the logger derived for one dispatch frame. Go has no
// goroutine-local storage, so each frame carries this value explicitly
// instead of installing it in ambient state; nothing is restored when the
// frame ends.
type Scope struct {
	logger zerolog.Logger
}

// Enter builds a scoped logger for a dispatch frame carrying the given
// fields. The returned Scope's Logger should be threaded through the call
// stack of that frame (e.g. stored on the session or passed explicitly);
// there is deliberately no ambient global mutation once Enter returns, so
// concurrent frames on different goroutines never interfere.
func Enter(f Fields) *Scope {
	ev := rootLogger().With()
	if f.Owner != "" {
		ev = ev.Str("owner", f.Owner)
	}
	if f.MonitorIndex != 0 {
		ev = ev.Int("monitor_index", f.MonitorIndex)
	}
	if f.ThreadIndex != 0 {
		ev = ev.Int("thread_index", f.ThreadIndex)
	}
	if f.SourceID != "" {
		ev = ev.Str("source_id", f.SourceID)
	}
	if f.ChannelID != "" {
		ev = ev.Str("channel_id", f.ChannelID)
	}
	if f.Descriptor != 0 {
		ev = ev.Int("descriptor", f.Descriptor)
	}
	if f.SourceEndpoint != "" {
		ev = ev.Str("source_endpoint", f.SourceEndpoint)
	}
	if f.RemoteEndpoint != "" {
		ev = ev.Str("remote_endpoint", f.RemoteEndpoint)
	}
	return &Scope{logger: ev.Logger()}
}

// Logger returns the scoped logger. Valid only for the lifetime of the
// dispatch frame that called Enter; callers must not retain it past frame
// exit (mirroring "On teardown the thread-local is explicitly cleared").
func (s *Scope) Logger() *zerolog.Logger { return &s.logger }

// Exit is a no-op placeholder for symmetry with the design note's
// enter/clear pairing; Go's lack of goroutine-local storage means there is
// no ambient state to clear, but callers should pair it with Enter so a
// future ambient implementation (e.g. via runtime.Pinner-based TLS) can be
// dropped in without touching call sites.
func (s *Scope) Exit() {}
