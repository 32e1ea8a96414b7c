package bufpool

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// testFactory is a trivial non-pooling factory so blob tests don't depend
// on the size-class rounding.
type testFactory struct {
	released [][]byte
}

func (f *testFactory) Allocate(size int) ([]byte, int) {
	return make([]byte, 0, size), size
}

func (f *testFactory) Release(buf []byte) {
	f.released = append(f.released, buf)
}

func TestBlobAppendAndNextWithinOneChunk(t *testing.T) {
	f := &testFactory{}
	b := New(f, 64).CreateIncomingBlob()
	b.Append([]byte("hello world"))
	require.Equal(t, 11, b.Len())

	got, err := b.Next(5)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
	require.Equal(t, 6, b.Len())
}

func TestBlobNextSpanningMultipleChunks(t *testing.T) {
	f := &testFactory{}
	b := New(f, 4).CreateIncomingBlob() // tiny chunk size forces a chain
	b.Append([]byte("abcdefghij"))
	require.Greater(t, len(b.chunks), 1)

	got, err := b.Next(7)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdefg"), got)
	require.Equal(t, 3, b.Len())
}

func TestBlobPeekDoesNotAdvance(t *testing.T) {
	f := &testFactory{}
	b := New(f, 4).CreateIncomingBlob()
	b.Append([]byte("abcdefgh"))
	peeked, err := b.Peek(5)
	require.NoError(t, err)
	require.Equal(t, []byte("abcde"), peeked)
	require.Equal(t, 8, b.Len())

	next, err := b.Next(5)
	require.NoError(t, err)
	require.Equal(t, peeked, next)
}

func TestBlobSkipReleasesConsumedChunks(t *testing.T) {
	f := &testFactory{}
	b := New(f, 4).CreateIncomingBlob()
	b.Append([]byte("abcdefgh"))
	require.NoError(t, b.Skip(6))
	require.Equal(t, 2, b.Len())
	require.GreaterOrEqual(t, len(f.released), 1)

	rest, err := b.Next(2)
	require.NoError(t, err)
	require.Equal(t, []byte("gh"), rest)
}

func TestBlobNextMoreThanAvailableIsWouldBlock(t *testing.T) {
	f := &testFactory{}
	b := New(f, 16).CreateIncomingBlob()
	b.Append([]byte("abc"))
	_, err := b.Next(10)
	require.Error(t, err)
}

func TestBlobReleaseReturnsAllChunks(t *testing.T) {
	f := &testFactory{}
	b := New(f, 4).CreateIncomingBlob()
	b.Append(bytes.Repeat([]byte("x"), 20))
	n := len(b.chunks)
	require.Greater(t, n, 1)
	b.Release()
	require.Equal(t, n, len(f.released))
}

func TestBlobAppendOwnedAdoptsWithoutCopy(t *testing.T) {
	f := &testFactory{}
	b := New(f, 64).CreateIncomingBlob()
	raw := make([]byte, 0, 32)
	raw = append(raw, "abcd"...)
	b.AppendOwned(raw, 32)
	require.Equal(t, 4, b.Len())

	// the adopted chunk's spare capacity is reused before a new chunk is drawn
	b.Append([]byte("efgh"))
	require.Equal(t, 8, b.Len())
	require.Len(t, b.chunks, 1)

	got, err := b.Next(8)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdefgh"), got)
	require.Len(t, f.released, 1)
}

func TestFactoryAllocateReleaseRoundTrip(t *testing.T) {
	data, capacity := DefaultFactory.Allocate(100)
	require.GreaterOrEqual(t, capacity, 100)
	DefaultFactory.Release(data)
}

func TestFactoryRoundsUpToQuantum(t *testing.T) {
	f := NewFactory(1<<10, 8<<10)
	data, capacity := f.Allocate(1500)
	require.Equal(t, 2<<10, capacity)
	require.Equal(t, 2<<10, cap(data))
	require.Zero(t, len(data))
	f.Release(data)
}

func TestFactoryOversizedRequestsBypassPooling(t *testing.T) {
	f := NewFactory(1<<10, 4<<10)
	data, capacity := f.Allocate(64 << 10)
	require.Equal(t, 64<<10, capacity)
	// above the pooling ceiling, so Release must quietly drop it
	f.Release(data)
}

func TestFactoryForeignBufferIsNotRecycled(t *testing.T) {
	f := NewFactory(1<<10, 8<<10)
	f.Release(make([]byte, 0, 100)) // cap not a quantum multiple
	f.Release(nil)
	data, capacity := f.Allocate(512)
	require.Equal(t, 1<<10, capacity)
	require.Equal(t, 1<<10, cap(data))
}
