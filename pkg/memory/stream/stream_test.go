// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
	"testing/iotest"
	"time"

	"github.com/alecthomas/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/pixelmem/pkg/memory"
	"github.com/grafana/pixelmem/pkg/memory/unmanaged"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestAllocator(t *testing.T) *memory.Allocator {
	t.Helper()
	cfg := memory.DefaultConfigForMemory(uint64(units.GiB))
	cfg.UnmanagedBackend = unmanaged.BackendHeap
	a, err := memory.NewAllocator(cfg, nil, nil)
	require.NoError(t, err)
	return a
}

func randomBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestChunkedStream_WriteRead(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Log("random generator seed:", seed)
	r := rand.New(rand.NewSource(seed))

	a := newTestAllocator(t)
	s := New(a, 64)
	defer s.Close()

	var expected []byte
	for i := 0; i < 50; i++ {
		p := randomBytes(r, r.Intn(200))
		n, err := s.Write(p)
		require.NoError(t, err)
		require.Equal(t, len(p), n)
		expected = append(expected, p...)
	}
	require.Equal(t, int64(len(expected)), s.Len())
	require.Equal(t, (len(expected)+63)/64, s.ChunkCount())

	_, err := s.Seek(0, io.SeekStart)
	require.NoError(t, err)

	var actual []byte
	buf := make([]byte, 37)
	for {
		n, err := s.Read(buf)
		actual = append(actual, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	require.Equal(t, expected, actual)

	content, err := s.Bytes()
	require.NoError(t, err)
	require.Equal(t, expected, content)
}

func TestChunkedStream_IOTest(t *testing.T) {
	content := randomBytes(rand.New(rand.NewSource(1)), 1000)

	s := New(newTestAllocator(t), 100)
	defer s.Close()
	_, err := s.Write(content)
	require.NoError(t, err)
	_, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)

	require.NoError(t, iotest.TestReader(s, content))
}

func TestChunkedStream_Seek(t *testing.T) {
	s := New(newTestAllocator(t), 8)
	defer s.Close()

	_, err := s.Write([]byte("0123456789"))
	require.NoError(t, err)

	pos, err := s.Seek(-3, io.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, int64(7), pos)
	b, err := s.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte('7'), b)

	pos, err = s.Seek(-5, io.SeekCurrent)
	require.NoError(t, err)
	require.Equal(t, int64(3), pos)
	require.NoError(t, s.WriteByte('x'))
	require.Equal(t, int64(4), s.Position())

	_, err = s.Seek(-1, io.SeekStart)
	require.Error(t, err)
	_, err = s.Seek(0, 42)
	require.Error(t, err)

	content, err := s.Bytes()
	require.NoError(t, err)
	require.Equal(t, "012x456789", string(content))
}

func TestChunkedStream_WritePastEndFillsZeros(t *testing.T) {
	a := newTestAllocator(t)

	// Dirty the pooled chunks first.
	dirty := New(a, 16)
	_, err := dirty.Write(bytes.Repeat([]byte{0xff}, 64))
	require.NoError(t, err)
	require.NoError(t, dirty.Close())

	s := New(a, 16)
	defer s.Close()
	_, err = s.Write([]byte("ab"))
	require.NoError(t, err)
	_, err = s.Seek(40, io.SeekStart)
	require.NoError(t, err)

	// Reading past the end is EOF, nothing is written.
	_, err = s.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
	require.Equal(t, int64(2), s.Len())

	_, err = s.Write([]byte("cd"))
	require.NoError(t, err)
	require.Equal(t, int64(42), s.Len())

	content, err := s.Bytes()
	require.NoError(t, err)
	expected := append(append([]byte("ab"), make([]byte, 38)...), 'c', 'd')
	require.Equal(t, expected, content)
}

func TestChunkedStream_ReadFromWriteTo(t *testing.T) {
	content := randomBytes(rand.New(rand.NewSource(2)), 10_000)

	s := New(newTestAllocator(t), 1024)
	defer s.Close()

	n, err := s.ReadFrom(iotest.OneByteReader(bytes.NewReader(content)))
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), n)
	require.Equal(t, 10, s.ChunkCount())

	_, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)
	var out bytes.Buffer
	n, err = s.WriteTo(&out)
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), n)
	require.Equal(t, content, out.Bytes())

	// Exactly one chunk: no spare chunk is kept after EOF.
	exact := New(newTestAllocator(t), 1024)
	defer exact.Close()
	_, err = exact.ReadFrom(bytes.NewReader(content[:1024]))
	require.NoError(t, err)
	require.Equal(t, 1, exact.ChunkCount())

	// io.Copy uses the stream's WriterTo and ReaderFrom.
	copied := New(newTestAllocator(t), 100)
	defer copied.Close()
	_, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = io.Copy(copied, s)
	require.NoError(t, err)
	copiedContent, err := copied.Bytes()
	require.NoError(t, err)
	require.Equal(t, content, copiedContent)
}

func TestChunkedStream_WriteToShortWrite(t *testing.T) {
	s := New(newTestAllocator(t), 16)
	defer s.Close()
	_, err := s.Write(make([]byte, 40))
	require.NoError(t, err)
	_, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)

	_, err = s.WriteTo(iotest.TruncateWriter(io.Discard, 10))
	require.NoError(t, err, "TruncateWriter reports full writes")

	_, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = s.WriteTo(shortWriter{})
	require.ErrorIs(t, err, io.ErrShortWrite)
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) { return len(p) / 2, nil }

func TestChunkedStream_Truncate(t *testing.T) {
	a := newTestAllocator(t)
	s := New(a, 10)
	defer s.Close()

	_, err := s.Write(bytes.Repeat([]byte{'a'}, 95))
	require.NoError(t, err)
	require.Equal(t, 10, s.ChunkCount())

	require.NoError(t, s.Truncate(25))
	require.Equal(t, int64(25), s.Len())
	require.Equal(t, int64(25), s.Position())
	require.Equal(t, 3, s.ChunkCount())

	require.Error(t, s.Truncate(26))
	require.Error(t, s.Truncate(-1))

	require.NoError(t, s.Truncate(0))
	require.Zero(t, s.ChunkCount())

	_, err = s.Write([]byte("b"))
	require.NoError(t, err)
	content, err := s.Bytes()
	require.NoError(t, err)
	require.Equal(t, "b", string(content))
}

func TestChunkedStream_Close(t *testing.T) {
	a := newTestAllocator(t)
	s := New(a, 2<<20)

	_, err := s.Write(make([]byte, 6<<20))
	require.NoError(t, err)
	require.Equal(t, 3, a.Stats().Slab.Rented)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Zero(t, a.Stats().Slab.Rented)

	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.ReadByte()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Bytes()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.WriteTo(io.Discard)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.ReadFrom(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Truncate(0), ErrClosed)
}

func TestNew_DefaultChunkSize(t *testing.T) {
	s := New(newTestAllocator(t), 0)
	defer s.Close()

	require.NoError(t, s.WriteByte(1))
	require.Equal(t, 1, s.ChunkCount())
	require.Equal(t, DefaultChunkSize, s.chunkSize)
}
