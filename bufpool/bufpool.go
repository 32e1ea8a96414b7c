// Package bufpool implements the buffer-factory and data-pool contracts
// the socket sessions draw from: allocate(size) returning (data, capacity)
// pairs, and blobs — growable chains of pooled buffers — backing the
// read-queue and write-queue accumulation.
//
// The concrete factory recycles buffers through per-size sync.Pool
// classes. Sessions only ever ask for a handful of sizes (the blob chunk
// size and the read-transfer window), so classes are created lazily as
// those sizes appear, with requests rounded up to a quantum to keep the
// class set from fragmenting.
package bufpool

import (
	"sync"

	"github.com/flowmesh/netcore/ioerr"
)

// BufferFactory hands out pooled buffers: callers ask for at least size
// bytes and get back data plus its real capacity (which may exceed size,
// per the factory's rounding). Buffers are reference-counted externally;
// Release returns one to the pool.
type BufferFactory interface {
	Allocate(size int) (data []byte, capacity int)
	Release(buf []byte)
}

// sizeClassFactory rounds each request up to a multiple of quantum and
// serves it from a sync.Pool dedicated to that exact capacity. Release
// recognizes a recyclable buffer by its cap alone: only caps that are a
// registered quantum multiple go back to a class, everything else is left
// for the garbage collector. Requests above maxPooled bypass the classes
// entirely so one oversized send cannot pin a large buffer in a pool
// forever.
type sizeClassFactory struct {
	quantum   int
	maxPooled int

	mu      sync.RWMutex
	classes map[int]*sync.Pool
}

// DefaultFactory pools in 16KiB steps up to 1MiB, covering the default
// blob chunk and read-transfer sizes.
var DefaultFactory BufferFactory = NewFactory(16<<10, 1<<20)

// NewFactory creates a BufferFactory with the given rounding quantum and
// pooling ceiling.
func NewFactory(quantum, maxPooled int) BufferFactory {
	if quantum <= 0 {
		quantum = 16 << 10
	}
	if maxPooled < quantum {
		maxPooled = quantum
	}
	return &sizeClassFactory{
		quantum:   quantum,
		maxPooled: maxPooled,
		classes:   make(map[int]*sync.Pool),
	}
}

func (f *sizeClassFactory) Allocate(size int) ([]byte, int) {
	if size <= 0 {
		size = f.quantum
	}
	capacity := (size + f.quantum - 1) / f.quantum * f.quantum
	if capacity > f.maxPooled {
		return make([]byte, 0, size), size
	}
	buf := f.class(capacity).Get().([]byte)
	return buf[:0], capacity
}

func (f *sizeClassFactory) class(capacity int) *sync.Pool {
	f.mu.RLock()
	p := f.classes[capacity]
	f.mu.RUnlock()
	if p != nil {
		return p
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p = f.classes[capacity]; p == nil {
		p = &sync.Pool{New: func() interface{} { return make([]byte, 0, capacity) }}
		f.classes[capacity] = p
	}
	return p
}

func (f *sizeClassFactory) Release(buf []byte) {
	c := cap(buf)
	if c == 0 || c > f.maxPooled || c%f.quantum != 0 {
		return
	}
	f.mu.RLock()
	p := f.classes[c]
	f.mu.RUnlock()
	if p != nil {
		p.Put(buf[:0:c])
	}
}

// Pool is the concrete data pool behind CreateIncomingBlob and
// CreateOutgoingBlob. Both produce a Blob backed by the same
// BufferFactory; the distinction exists because incoming (read-queue) blobs
// accumulate bytes copied from the OS, while outgoing (write-queue) blobs
// accumulate bytes the user is about to send — callers may want distinct
// factories (e.g. a smaller chunk size for incoming reads) in the future,
// so the two constructors are kept separate even though today they share
// one factory.
type Pool struct {
	factory   BufferFactory
	chunkSize int
}

// New creates a Pool drawing chunks of at least chunkSize bytes from
// factory. A chunkSize of 0 defaults to 16KiB.
func New(factory BufferFactory, chunkSize int) *Pool {
	if factory == nil {
		factory = DefaultFactory
	}
	if chunkSize <= 0 {
		chunkSize = 16 << 10
	}
	return &Pool{factory: factory, chunkSize: chunkSize}
}

func (p *Pool) CreateIncomingBlob() *Blob { return newBlob(p.factory, p.chunkSize) }
func (p *Pool) CreateOutgoingBlob() *Blob { return newBlob(p.factory, p.chunkSize) }

// Allocate draws one transfer buffer straight from the pool's factory, for
// callers that fill a buffer themselves (an OS read) and then hand it to a
// Blob via AppendOwned.
func (p *Pool) Allocate(size int) ([]byte, int) { return p.factory.Allocate(size) }

// ReleaseBuffer returns a buffer obtained via Allocate that was never
// adopted by a Blob.
func (p *Pool) ReleaseBuffer(buf []byte) { p.factory.Release(buf) }

// chunk is one pooled buffer in a Blob's chain, with its own read offset so
// a chunk can be partially consumed without copying the remainder. raw is
// the slice handed back to Release; buf is the logical (possibly narrower)
// data view bounded by capacity so appends never grow past what the
// factory promised — the factory recognizes recyclable buffers by their
// cap, so a chunk must never reslice cap away.
type chunk struct {
	raw      []byte
	buf      []byte
	capacity int
	off      int // read offset into buf
}

func (c *chunk) unread() []byte { return c.buf[c.off:] }
func (c *chunk) room() int      { return c.capacity - len(c.buf) }

// Blob is a growable chain of pooled buffers, used by both the read queue
// and the write queue. Blob is not safe for concurrent use; callers
// serialize access via the owning socket session's strand.
type Blob struct {
	factory   BufferFactory
	chunkSize int
	chunks    []chunk
	size      int // total unread bytes across all chunks
}

func newBlob(factory BufferFactory, chunkSize int) *Blob {
	return &Blob{factory: factory, chunkSize: chunkSize}
}

// Len reports the number of unread bytes currently held.
func (b *Blob) Len() int { return b.size }

// Append copies data into the blob, drawing a new chunk from the factory
// when the current tail chunk has no room left.
func (b *Blob) Append(data []byte) {
	for len(data) > 0 {
		if len(b.chunks) == 0 || b.chunks[len(b.chunks)-1].room() == 0 {
			raw, capacity := b.factory.Allocate(b.chunkSize)
			b.chunks = append(b.chunks, chunk{raw: raw, buf: raw[:0], capacity: capacity})
		}
		tail := &b.chunks[len(b.chunks)-1]
		n := tail.room()
		if n > len(data) {
			n = len(data)
		}
		tail.buf = append(tail.buf, data[:n]...)
		data = data[n:]
		b.size += n
	}
}

// AppendOwned adopts buf directly as a new chunk without copying — used
// when the caller already allocated buf via the same factory (e.g. the
// read-queue's OS-read destination buffer). capacity must be the value the
// factory reported for buf so Release later uses the right bookkeeping.
func (b *Blob) AppendOwned(buf []byte, capacity int) {
	if len(buf) == 0 {
		return
	}
	b.chunks = append(b.chunks, chunk{raw: buf, buf: buf, capacity: capacity})
	b.size += len(buf)
}

// Next returns the next n unread bytes without copying when they lie
// within a single chunk that stays alive, advancing the read position; it
// allocates and copies when n spans multiple chunks or exhausts the head
// chunk.
func (b *Blob) Next(n int) ([]byte, error) {
	if n > b.size {
		return nil, ioerr.New(ioerr.WouldBlock, "blob.next", nil)
	}
	if n == 0 {
		return nil, nil
	}
	if len(b.chunks[0].unread()) >= n {
		c := &b.chunks[0]
		out := c.buf[c.off : c.off+n]
		c.off += n
		b.size -= n
		if len(c.unread()) == 0 {
			// the chunk goes back to the factory now, so the caller gets a
			// copy rather than a view into recyclable memory
			copied := make([]byte, n)
			copy(copied, out)
			b.releaseHead()
			return copied, nil
		}
		return out, nil
	}
	out := make([]byte, n)
	b.copyOut(out)
	return out, nil
}

// Peek behaves like Next but does not advance the read position.
func (b *Blob) Peek(n int) ([]byte, error) {
	if n > b.size {
		return nil, ioerr.New(ioerr.WouldBlock, "blob.peek", nil)
	}
	if n == 0 {
		return nil, nil
	}
	if len(b.chunks[0].unread()) >= n {
		c := &b.chunks[0]
		return c.buf[c.off : c.off+n], nil
	}
	out := make([]byte, 0, n)
	for i := 0; i < len(b.chunks) && len(out) < n; i++ {
		un := b.chunks[i].unread()
		if take := n - len(out); take < len(un) {
			un = un[:take]
		}
		out = append(out, un...)
	}
	return out, nil
}

// Skip discards the next n unread bytes, releasing fully-consumed chunks
// back to the factory.
func (b *Blob) Skip(n int) error {
	if n > b.size {
		return ioerr.New(ioerr.WouldBlock, "blob.skip", nil)
	}
	for n > 0 {
		c := &b.chunks[0]
		rem := len(c.unread())
		if rem > n {
			c.off += n
			b.size -= n
			n = 0
		} else {
			n -= rem
			b.size -= rem
			b.releaseHead()
		}
	}
	return nil
}

func (b *Blob) copyOut(out []byte) {
	pos := 0
	for pos < len(out) {
		c := &b.chunks[0]
		m := copy(out[pos:], c.unread())
		pos += m
		c.off += m
		b.size -= m
		if len(c.unread()) == 0 {
			b.releaseHead()
		}
	}
}

func (b *Blob) dropEmptyHead() {
	if len(b.chunks) > 0 && len(b.chunks[0].unread()) == 0 {
		b.releaseHead()
	}
}

func (b *Blob) releaseHead() {
	c := b.chunks[0]
	b.factory.Release(c.raw)
	b.chunks[0] = chunk{}
	b.chunks = b.chunks[1:]
}

// Release returns every chunk the blob still holds to its factory. The blob
// must not be used afterward.
func (b *Blob) Release() {
	for i := range b.chunks {
		if b.chunks[i].raw != nil {
			b.factory.Release(b.chunks[i].raw)
		}
	}
	b.chunks = nil
	b.size = 0
}
