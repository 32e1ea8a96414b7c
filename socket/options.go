package socket

import "time"

// Watermarks bounds a queue's accumulated-byte back-pressure thresholds.
type Watermarks struct {
	Low  int
	High int
}

// DefaultWatermarks sizes the queues for general streaming use.
func DefaultWatermarks() Watermarks {
	return Watermarks{Low: 4 << 10, High: 64 << 10}
}

// ReadQueueOptions configures the read side of a stream socket.
type ReadQueueOptions struct {
	Watermarks Watermarks
	// MinTransferSize floors the per-read window drawn from the buffer
	// pool; MaxTransferSize caps how many bytes one OS read may pull.
	MinTransferSize int
	MaxTransferSize int
	// Greedy loops reading until the OS reports empty; non-greedy performs
	// at most one read per readable event, trading throughput for fairness
	// across sockets.
	Greedy bool
}

func DefaultReadQueueOptions() ReadQueueOptions {
	return ReadQueueOptions{
		Watermarks:      DefaultWatermarks(),
		MinTransferSize: 1 << 10,
		MaxTransferSize: 64 << 10,
		Greedy:          true,
	}
}

// WriteQueueOptions configures the write side.
type WriteQueueOptions struct {
	Watermarks        Watermarks
	ZeroCopyEnabled   bool
	ZeroCopyThreshold int
	Greedy            bool
	// RejectOverHighWatermark: if true, Send returns an error once the
	// queue would cross the high watermark; if false, Send accepts the
	// entry anyway and relies on the high-watermark event for the caller
	// to throttle itself.
	RejectOverHighWatermark bool
}

func DefaultWriteQueueOptions() WriteQueueOptions {
	return WriteQueueOptions{
		Watermarks:        DefaultWatermarks(),
		ZeroCopyThreshold: 16 << 10,
	}
}

// StreamOptions is the full per-session configuration a StreamSocket is
// constructed with.
type StreamOptions struct {
	Read           ReadQueueOptions
	Write          WriteQueueOptions
	ConnectTimeout time.Duration
	KeepHalfOpen   bool // peer shutdown-send does not trigger local shutdown-send
	NoDelay        bool
	KeepAlive      time.Duration
}

func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		Read:           DefaultReadQueueOptions(),
		Write:          DefaultWriteQueueOptions(),
		ConnectTimeout: 10 * time.Second,
		NoDelay:        true,
	}
}
